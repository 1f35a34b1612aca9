package controllers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/modules/syncrun/services"
)

type DiffsController struct {
	CountyID CountyIDGetter
	Facade   services.DiffsFacade
}

func (c DiffsController) HandleDiffsAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	operationUUID := strings.TrimSpace(r.URL.Query().Get("operation_uuid"))
	if operationUUID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_operation_uuid", "operation_uuid is required")
		return
	}

	filter := types.DiffListFilter{
		OperationUUID: operationUUID,
		EntityType:    strings.TrimSpace(r.URL.Query().Get("entity_type")),
		ChangeType:    types.ChangeType(strings.TrimSpace(r.URL.Query().Get("change_type"))),
		SyncStatus:    types.SyncStatus(strings.TrimSpace(r.URL.Query().Get("sync_status"))),
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	diffs, err := c.Facade.ListDiffs(r.Context(), countyID, filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if diffs == nil {
		diffs = make([]types.SyncDiff, 0)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"county":         countyID,
		"operation_uuid": operationUUID,
		"diffs":          diffs,
	})
}

func (c DiffsController) HandleDiffGetAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	diffUUID := strings.TrimSpace(r.URL.Query().Get("diff_uuid"))
	if diffUUID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_diff_uuid", "diff_uuid is required")
		return
	}

	diff, err := c.Facade.GetDiff(r.Context(), countyID, diffUUID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(diff)
}
