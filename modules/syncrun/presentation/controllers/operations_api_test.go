package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openparcel/parcelsync/modules/mapping"
	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
	pairpersistence "github.com/openparcel/parcelsync/modules/syncpair/infrastructure/persistence"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	runtypes "github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/modules/syncrun/infrastructure/persistence"
	"github.com/openparcel/parcelsync/modules/syncrun/services"
	"github.com/openparcel/parcelsync/pkg/auditlog"
)

type apiSource struct {
	records []map[string]any
}

func (s apiSource) Open(_ context.Context, _ map[string]any) (ports.RecordIterator, error) {
	cloned := make([]map[string]any, len(s.records))
	copy(cloned, s.records)
	return &apiSourceIterator{records: cloned}, nil
}

type apiSourceIterator struct {
	records []map[string]any
	idx     int
}

func (it *apiSourceIterator) Next(_ context.Context) (map[string]any, error) {
	if it.idx >= len(it.records) {
		return nil, io.EOF
	}
	rec := it.records[it.idx]
	it.idx++
	return rec, nil
}

func (it *apiSourceIterator) Close() error { return nil }

type apiTarget struct {
	mu       sync.Mutex
	entities map[string]map[string]any
}

func newAPITarget() *apiTarget {
	return &apiTarget{entities: map[string]map[string]any{}}
}

func (t *apiTarget) Fetch(_ context.Context, _ map[string]any, _ string, entityID string) (map[string]any, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.entities[entityID]
	return record, ok, nil
}

func (t *apiTarget) Apply(_ context.Context, _ map[string]any, _ string, entityID string, change runtypes.ChangeType, record map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if change == runtypes.ChangeDelete {
		delete(t.entities, entityID)
		return nil
	}
	t.entities[entityID] = record
	return nil
}

type apiAdapters struct {
	source ports.SourceAdapter
	target ports.TargetAdapter
}

func (a apiAdapters) Source(string) (ports.SourceAdapter, bool) { return a.source, a.source != nil }
func (a apiAdapters) Target(string) (ports.TargetAdapter, bool) { return a.target, a.target != nil }

type apiFixture struct {
	ops    OperationsController
	diffs  DiffsController
	runner services.OperationRunner
}

func apiTestPair() pairtypes.SyncPair {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	return pairtypes.SyncPair{
		PairUUID:     "pair-api-1",
		CountyID:     "county-033",
		Name:         "assessor-to-gis",
		SourceSystem: "assessor",
		TargetSystem: "gis",
		EntityType:   "parcel",
		KeyField:     "parcel_id",
		FieldMappings: []pairtypes.FieldMapping{
			{SourceField: "parcel_id", TargetField: "apn", DataType: pairtypes.DataTypeString, IsRequired: true},
			{SourceField: "owner", TargetField: "owner_name", DataType: pairtypes.DataTypeString},
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newAPIFixture(t *testing.T, records []map[string]any) *apiFixture {
	t.Helper()
	pairs := pairpersistence.NewPairMemoryStore()
	pair := apiTestPair()
	if _, err := pairs.CreatePair(context.Background(), pair.CountyID, pair); err != nil {
		t.Fatalf("seed pair: %v", err)
	}

	cfg := services.DefaultExecutorConfig()
	cfg.Retry = services.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

	diffStore := persistence.NewDiffMemoryStore()
	runner := services.NewOperationRunner(
		pairs,
		persistence.NewOperationMemoryStore(),
		diffStore,
		apiAdapters{source: apiSource{records: records}, target: newAPITarget()},
		mapping.NewRegistry(),
		auditlog.NewCaptureSink(),
		cfg,
		zerolog.Nop(),
	)

	county := func(context.Context) (string, bool) { return "county-033", true }
	return &apiFixture{
		ops:    OperationsController{CountyID: county, Runner: runner},
		diffs:  DiffsController{CountyID: county, Facade: services.NewDiffsFacade(diffStore)},
		runner: runner,
	}
}

func (f *apiFixture) startAndDrain(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations", `{"pair_uuid": "pair-api-1", "requested_by": "tester"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status=%d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	operationUUID, _ := payload["operation_uuid"].(string)
	if operationUUID == "" {
		t.Fatalf("start returned no operation_uuid: %s", rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.runner.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	return operationUUID
}

func runAPIRequest(method string, target string, body string) *http.Request {
	return httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
}

func runEnvelopeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		return ""
	}
	code, _ := payload["code"].(string)
	return code
}

func TestHandleOperationsAPIStartAndGet(t *testing.T) {
	f := newAPIFixture(t, []map[string]any{
		{"parcel_id": "P-100", "owner": "Ada"},
		{"parcel_id": "P-101", "owner": "Lin"},
	})
	operationUUID := f.startAndDrain(t)

	rec := httptest.NewRecorder()
	f.ops.HandleOperationGetAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations/get?operation_uuid="+operationUUID, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var op runtypes.SyncOperation
	if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.Status != runtypes.OperationCompleted {
		t.Fatalf("status=%s error=%q", op.Status, op.ErrorMessage)
	}
	if op.RecordsProcessed != 2 || op.RecordsSucceeded != 2 || op.RecordsFailed != 0 {
		t.Fatalf("counters processed=%d succeeded=%d failed=%d", op.RecordsProcessed, op.RecordsSucceeded, op.RecordsFailed)
	}
	if op.CreatedBy != "tester" || op.CorrelationID == "" {
		t.Fatalf("created_by=%q correlation_id=%q", op.CreatedBy, op.CorrelationID)
	}
}

func TestHandleOperationsAPIList(t *testing.T) {
	f := newAPIFixture(t, []map[string]any{{"parcel_id": "P-100"}})
	operationUUID := f.startAndDrain(t)

	t.Run("all", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload struct {
			County     string                   `json:"county"`
			Operations []runtypes.SyncOperation `json:"operations"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.County != "county-033" || len(payload.Operations) != 1 {
			t.Fatalf("county=%q operations=%d", payload.County, len(payload.Operations))
		}
		if payload.Operations[0].OperationUUID != operationUUID {
			t.Fatalf("operation_uuid=%q", payload.Operations[0].OperationUUID)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations?status=failed", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload struct {
			Operations []runtypes.SyncOperation `json:"operations"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(payload.Operations) != 0 {
			t.Fatalf("operations=%d", len(payload.Operations))
		}
	})

	t.Run("pair filter", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations?pair_uuid=pair-api-1&status=completed", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var payload struct {
			Operations []runtypes.SyncOperation `json:"operations"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(payload.Operations) != 1 {
			t.Fatalf("operations=%d", len(payload.Operations))
		}
	})
}

func TestHandleOperationsAPIValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	t.Run("county missing", func(t *testing.T) {
		missing := f.ops
		missing.CountyID = func(context.Context) (string, bool) { return "", false }
		rec := httptest.NewRecorder()
		missing.HandleOperationsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations", ""))
		if rec.Code != http.StatusInternalServerError || runEnvelopeCode(t, rec) != "county_missing" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodDelete, "/sync/api/operations", ""))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("bad json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations", "{"))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "bad_json" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("legacy pair_id rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations", `{"pair_id": 3}`))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "invalid_request" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing pair_uuid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations", `{}`))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "missing_pair_uuid" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown pair", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations", `{"pair_uuid": "missing"}`))
		if rec.Code != http.StatusNotFound || runEnvelopeCode(t, rec) != "not_found" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid status filter", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations?status=bogus", ""))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "invalid_input" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations?limit=-1", ""))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "invalid_limit" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("get missing operation_uuid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationGetAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations/get", ""))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "missing_operation_uuid" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationGetAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/operations/get?operation_uuid=missing", ""))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}

func TestHandleOperationCancelAPI(t *testing.T) {
	f := newAPIFixture(t, []map[string]any{{"parcel_id": "P-100"}})
	operationUUID := f.startAndDrain(t)

	t.Run("missing operation_uuid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationCancelAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations/cancel", `{}`))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "missing_operation_uuid" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("legacy operation_id rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationCancelAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations/cancel", `{"operation_id": 12}`))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "invalid_request" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("already finished", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationCancelAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations/cancel", `{"operation_uuid": "`+operationUUID+`"}`))
		if rec.Code != http.StatusConflict || runEnvelopeCode(t, rec) != "invalid_state" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown operation", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.ops.HandleOperationCancelAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations/cancel", `{"operation_uuid": "missing"}`))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}

func TestHandleOperationsAPIInactivePair(t *testing.T) {
	f := newAPIFixture(t, nil)
	pairs := pairpersistence.NewPairMemoryStore()
	pair := apiTestPair()
	pair.IsActive = false
	if _, err := pairs.CreatePair(context.Background(), pair.CountyID, pair); err != nil {
		t.Fatalf("seed pair: %v", err)
	}
	cfg := services.DefaultExecutorConfig()
	inactive := OperationsController{
		CountyID: f.ops.CountyID,
		Runner: services.NewOperationRunner(
			pairs,
			persistence.NewOperationMemoryStore(),
			persistence.NewDiffMemoryStore(),
			apiAdapters{source: apiSource{}, target: newAPITarget()},
			mapping.NewRegistry(),
			auditlog.NewCaptureSink(),
			cfg,
			zerolog.Nop(),
		),
	}

	rec := httptest.NewRecorder()
	inactive.HandleOperationsAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/operations", `{"pair_uuid": "pair-api-1"}`))
	if rec.Code != http.StatusConflict || runEnvelopeCode(t, rec) != "invalid_state" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
