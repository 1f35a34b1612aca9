package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openparcel/parcelsync/modules/mapping"
	"github.com/openparcel/parcelsync/modules/syncpair/infrastructure/persistence"
	"github.com/openparcel/parcelsync/modules/syncpair/services"
)

const validPairBody = `{
	"name": "assessor-to-gis",
	"source_system": "assessor",
	"target_system": "gis",
	"entity_type": "parcel",
	"key_field": "parcel_id",
	"field_mappings": [
		{"source_field": "parcel_id", "target_field": "apn", "data_type": "string", "is_required": true},
		{"source_field": "owner", "target_field": "owner_name", "data_type": "string"}
	]
}`

func newPairsController() PairsController {
	store := persistence.NewPairMemoryStore()
	return PairsController{
		CountyID: func(context.Context) (string, bool) { return "county-033", true },
		Registry: services.NewPairRegistry(store, mapping.NewRegistry(), nil, nil, nil),
	}
}

func pairsAPIRequest(method string, target string, body string) *http.Request {
	return httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
}

func envelopeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		return ""
	}
	code, _ := payload["code"].(string)
	return code
}

func createPair(t *testing.T, c PairsController) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs", validPairBody))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	pairUUID, _ := payload["pair_uuid"].(string)
	if pairUUID == "" {
		t.Fatalf("create returned no pair_uuid: %s", rec.Body.String())
	}
	return pairUUID
}

func TestHandlePairsAPIValidation(t *testing.T) {
	c := newPairsController()

	t.Run("county missing", func(t *testing.T) {
		missing := c
		missing.CountyID = func(context.Context) (string, bool) { return "", false }
		rec := httptest.NewRecorder()
		missing.HandlePairsAPI(rec, pairsAPIRequest(http.MethodGet, "/sync/api/pairs", ""))
		if rec.Code != http.StatusInternalServerError || envelopeCode(t, rec) != "county_missing" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodDelete, "/sync/api/pairs", ""))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("bad json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs", "{"))
		if rec.Code != http.StatusBadRequest || envelopeCode(t, rec) != "bad_json" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("legacy pair_id rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs", `{"pair_id": 7}`))
		if rec.Code != http.StatusBadRequest || envelopeCode(t, rec) != "invalid_request" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid is_active filter", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodGet, "/sync/api/pairs?is_active=maybe", ""))
		if rec.Code != http.StatusBadRequest || envelopeCode(t, rec) != "invalid_is_active" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing required fields", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs", `{"name": "x"}`))
		if rec.Code != http.StatusBadRequest || envelopeCode(t, rec) != "invalid_input" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}

func TestHandlePairsAPICreateListGet(t *testing.T) {
	c := newPairsController()
	pairUUID := createPair(t, c)

	t.Run("duplicate name", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs", validPairBody))
		if rec.Code != http.StatusBadRequest || envelopeCode(t, rec) != "invalid_input" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodGet, "/sync/api/pairs", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload struct {
			County string           `json:"county"`
			Pairs  []map[string]any `json:"pairs"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.County != "county-033" || len(payload.Pairs) != 1 {
			t.Fatalf("county=%q pairs=%d", payload.County, len(payload.Pairs))
		}
	})

	t.Run("list filtered out", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairsAPI(rec, pairsAPIRequest(http.MethodGet, "/sync/api/pairs?is_active=false", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload struct {
			Pairs []map[string]any `json:"pairs"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(payload.Pairs) != 0 {
			t.Fatalf("pairs=%d", len(payload.Pairs))
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairGetAPI(rec, pairsAPIRequest(http.MethodGet, "/sync/api/pairs/get?pair_uuid="+pairUUID, ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["name"] != "assessor-to-gis" || payload["is_active"] != true {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("get missing param", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairGetAPI(rec, pairsAPIRequest(http.MethodGet, "/sync/api/pairs/get", ""))
		if rec.Code != http.StatusBadRequest || envelopeCode(t, rec) != "missing_pair_uuid" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairGetAPI(rec, pairsAPIRequest(http.MethodGet, "/sync/api/pairs/get?pair_uuid=missing", ""))
		if rec.Code != http.StatusNotFound || envelopeCode(t, rec) != "not_found" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}

func TestHandlePairUpdateAPI(t *testing.T) {
	c := newPairsController()
	pairUUID := createPair(t, c)

	t.Run("missing pair_uuid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairUpdateAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs/update", validPairBody))
		if rec.Code != http.StatusBadRequest || envelopeCode(t, rec) != "missing_pair_uuid" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("update", func(t *testing.T) {
		body := `{
			"pair_uuid": "` + pairUUID + `",
			"name": "assessor-to-gis-nightly",
			"source_system": "assessor",
			"target_system": "gis",
			"entity_type": "parcel",
			"key_field": "parcel_id",
			"schedule": "@every 24h",
			"field_mappings": [
				{"source_field": "parcel_id", "target_field": "apn", "data_type": "string", "is_required": true}
			]
		}`
		rec := httptest.NewRecorder()
		c.HandlePairUpdateAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs/update", body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["name"] != "assessor-to-gis-nightly" || payload["schedule"] != "@every 24h" {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("rename only keeps stored fields", func(t *testing.T) {
		body := `{"pair_uuid": "` + pairUUID + `", "name": "assessor-to-gis-v2"}`
		rec := httptest.NewRecorder()
		c.HandlePairUpdateAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs/update", body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["name"] != "assessor-to-gis-v2" {
			t.Fatalf("body=%s", rec.Body.String())
		}
		if payload["schedule"] != "@every 24h" || payload["source_system"] != "assessor" {
			t.Fatalf("absent fields must keep stored values: %s", rec.Body.String())
		}
		mappings, _ := payload["field_mappings"].([]any)
		if len(mappings) != 1 {
			t.Fatalf("field_mappings=%v", payload["field_mappings"])
		}
	})

	t.Run("unknown pair", func(t *testing.T) {
		body := `{"pair_uuid": "missing", "name": "n"}`
		rec := httptest.NewRecorder()
		c.HandlePairUpdateAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs/update", body))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}

func TestHandlePairToggleAndDeleteAPI(t *testing.T) {
	c := newPairsController()
	pairUUID := createPair(t, c)

	t.Run("missing is_active", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairToggleAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs/toggle", `{"pair_uuid": "`+pairUUID+`"}`))
		if rec.Code != http.StatusBadRequest || envelopeCode(t, rec) != "missing_is_active" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("delete while active", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairDeleteAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs/delete", `{"pair_uuid": "`+pairUUID+`"}`))
		if rec.Code != http.StatusConflict || envelopeCode(t, rec) != "conflict" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("deactivate", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairToggleAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs/toggle", `{"pair_uuid": "`+pairUUID+`", "is_active": false}`))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["is_active"] != false {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairDeleteAPI(rec, pairsAPIRequest(http.MethodPost, "/sync/api/pairs/delete", `{"pair_uuid": "`+pairUUID+`"}`))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["deleted"] != true {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("get after delete", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.HandlePairGetAPI(rec, pairsAPIRequest(http.MethodGet, "/sync/api/pairs/get?pair_uuid="+pairUUID, ""))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}

func TestPairsErrorEnvelopeTraceID(t *testing.T) {
	c := newPairsController()
	req := pairsAPIRequest(http.MethodGet, "/sync/api/pairs/get", "")
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	c.HandlePairGetAPI(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace_id=%v", payload["trace_id"])
	}
	meta, _ := payload["meta"].(map[string]any)
	if meta["path"] != "/sync/api/pairs/get" || meta["method"] != http.MethodGet {
		t.Fatalf("meta=%v", meta)
	}
}
