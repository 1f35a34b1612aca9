package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	runtypes "github.com/openparcel/parcelsync/modules/syncrun/domain/types"
)

func listDiffs(t *testing.T, f *apiFixture, target string) []runtypes.SyncDiff {
	t.Helper()
	rec := httptest.NewRecorder()
	f.diffs.HandleDiffsAPI(rec, runAPIRequest(http.MethodGet, target, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Diffs []runtypes.SyncDiff `json:"diffs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return payload.Diffs
}

func TestHandleDiffsAPI(t *testing.T) {
	f := newAPIFixture(t, []map[string]any{
		{"parcel_id": "P-100", "owner": "Ada"},
		{"parcel_id": "P-101", "owner": "Lin"},
	})
	operationUUID := f.startAndDrain(t)

	diffs := listDiffs(t, f, "/sync/api/diffs?operation_uuid="+operationUUID)
	if len(diffs) != 2 {
		t.Fatalf("diffs=%d", len(diffs))
	}
	for _, d := range diffs {
		if d.ChangeType != runtypes.ChangeCreate || d.SyncStatus != runtypes.SyncApplied {
			t.Fatalf("entity=%s change=%s status=%s", d.EntityID, d.ChangeType, d.SyncStatus)
		}
		if d.OperationUUID != operationUUID || d.EntityType != "parcel" {
			t.Fatalf("operation=%s entity_type=%s", d.OperationUUID, d.EntityType)
		}
	}

	if got := listDiffs(t, f, "/sync/api/diffs?operation_uuid="+operationUUID+"&sync_status=applied"); len(got) != 2 {
		t.Fatalf("applied=%d", len(got))
	}
	if got := listDiffs(t, f, "/sync/api/diffs?operation_uuid="+operationUUID+"&change_type=delete"); len(got) != 0 {
		t.Fatalf("deletes=%d", len(got))
	}
	if got := listDiffs(t, f, "/sync/api/diffs?operation_uuid="+operationUUID+"&entity_type=permit"); len(got) != 0 {
		t.Fatalf("permits=%d", len(got))
	}
	if got := listDiffs(t, f, "/sync/api/diffs?operation_uuid="+operationUUID+"&limit=1"); len(got) != 1 {
		t.Fatalf("limited=%d", len(got))
	}
}

func TestHandleDiffsAPIValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	t.Run("county missing", func(t *testing.T) {
		missing := f.diffs
		missing.CountyID = func(context.Context) (string, bool) { return "", false }
		rec := httptest.NewRecorder()
		missing.HandleDiffsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/diffs?operation_uuid=op-1", ""))
		if rec.Code != http.StatusInternalServerError || runEnvelopeCode(t, rec) != "county_missing" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.diffs.HandleDiffsAPI(rec, runAPIRequest(http.MethodPost, "/sync/api/diffs", ""))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("missing operation_uuid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.diffs.HandleDiffsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/diffs", ""))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "missing_operation_uuid" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid change_type", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.diffs.HandleDiffsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/diffs?operation_uuid=op-1&change_type=bogus", ""))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "invalid_input" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid sync_status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.diffs.HandleDiffsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/diffs?operation_uuid=op-1&sync_status=bogus", ""))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "invalid_input" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid offset", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.diffs.HandleDiffsAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/diffs?operation_uuid=op-1&offset=x", ""))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "invalid_offset" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}

func TestHandleDiffGetAPI(t *testing.T) {
	f := newAPIFixture(t, []map[string]any{{"parcel_id": "P-100", "owner": "Ada"}})
	operationUUID := f.startAndDrain(t)
	diffs := listDiffs(t, f, "/sync/api/diffs?operation_uuid="+operationUUID)
	if len(diffs) != 1 {
		t.Fatalf("diffs=%d", len(diffs))
	}

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.diffs.HandleDiffGetAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/diffs/get?diff_uuid="+diffs[0].DiffUUID, ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var diff runtypes.SyncDiff
		if err := json.Unmarshal(rec.Body.Bytes(), &diff); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if diff.EntityID != "P-100" || diff.ChangeType != runtypes.ChangeCreate {
			t.Fatalf("entity=%s change=%s", diff.EntityID, diff.ChangeType)
		}
	})

	t.Run("missing diff_uuid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.diffs.HandleDiffGetAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/diffs/get", ""))
		if rec.Code != http.StatusBadRequest || runEnvelopeCode(t, rec) != "missing_diff_uuid" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown diff", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.diffs.HandleDiffGetAPI(rec, runAPIRequest(http.MethodGet, "/sync/api/diffs/get?diff_uuid=missing", ""))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}
