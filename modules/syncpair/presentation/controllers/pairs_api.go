package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/openparcel/parcelsync/modules/syncpair/domain/types"
	"github.com/openparcel/parcelsync/modules/syncpair/services"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

type CountyIDGetter func(ctx context.Context) (countyID string, ok bool)

type PairsController struct {
	CountyID CountyIDGetter
	Registry services.PairRegistry
}

type pairCreateAPIRequest struct {
	Name            string                        `json:"name"`
	SourceSystem    string                        `json:"source_system"`
	TargetSystem    string                        `json:"target_system"`
	SourceConfig    map[string]any                `json:"source_config"`
	TargetConfig    map[string]any                `json:"target_config"`
	EntityType      string                        `json:"entity_type"`
	KeyField        string                        `json:"key_field"`
	FieldMappings   []types.FieldMapping          `json:"field_mappings"`
	Transformations map[string]types.TransformDef `json:"transformations"`
	Filters         types.PairFilters             `json:"filters"`
	Schedule        string                        `json:"schedule"`
	IsActive        *bool                         `json:"is_active"`
}

// pairUpdateAPIRequest mirrors services.UpdatePairRequest: fields absent
// from the body stay nil and keep the stored value.
type pairUpdateAPIRequest struct {
	PairUUID        string                        `json:"pair_uuid"`
	Name            *string                       `json:"name"`
	SourceSystem    *string                       `json:"source_system"`
	TargetSystem    *string                       `json:"target_system"`
	SourceConfig    map[string]any                `json:"source_config"`
	TargetConfig    map[string]any                `json:"target_config"`
	EntityType      *string                       `json:"entity_type"`
	KeyField        *string                       `json:"key_field"`
	FieldMappings   []types.FieldMapping          `json:"field_mappings"`
	Transformations map[string]types.TransformDef `json:"transformations"`
	Filters         *types.PairFilters            `json:"filters"`
	Schedule        *string                       `json:"schedule"`
}

type pairToggleAPIRequest struct {
	PairUUID string `json:"pair_uuid"`
	IsActive *bool  `json:"is_active"`
}

type pairDeleteAPIRequest struct {
	PairUUID string `json:"pair_uuid"`
}

func (c PairsController) HandlePairsAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		filter := types.PairListFilter{
			SourceSystem: strings.TrimSpace(r.URL.Query().Get("source_system")),
			TargetSystem: strings.TrimSpace(r.URL.Query().Get("target_system")),
			EntityType:   strings.TrimSpace(r.URL.Query().Get("entity_type")),
		}
		switch strings.TrimSpace(r.URL.Query().Get("is_active")) {
		case "":
		case "true":
			v := true
			filter.IsActive = &v
		case "false":
			v := false
			filter.IsActive = &v
		default:
			writeError(w, r, http.StatusBadRequest, "invalid_is_active", "is_active must be true or false")
			return
		}

		pairs, err := c.Registry.List(r.Context(), countyID, filter)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if pairs == nil {
			pairs = make([]types.SyncPair, 0)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"county": countyID,
			"pairs":  pairs,
		})
		return

	case http.MethodPost:
		var req pairCreateAPIRequest
		if !decodeBody(w, r, &req) {
			return
		}
		active := true
		if req.IsActive != nil {
			active = *req.IsActive
		}

		pair, err := c.Registry.Create(r.Context(), countyID, services.CreatePairRequest{
			Name:            req.Name,
			SourceSystem:    req.SourceSystem,
			TargetSystem:    req.TargetSystem,
			SourceConfig:    req.SourceConfig,
			TargetConfig:    req.TargetConfig,
			EntityType:      req.EntityType,
			KeyField:        req.KeyField,
			FieldMappings:   req.FieldMappings,
			Transformations: req.Transformations,
			Filters:         req.Filters,
			Schedule:        req.Schedule,
			IsActive:        active,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(pair)
		return

	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}

func (c PairsController) HandlePairGetAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	pairUUID := strings.TrimSpace(r.URL.Query().Get("pair_uuid"))
	if pairUUID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_pair_uuid", "pair_uuid is required")
		return
	}

	pair, err := c.Registry.Get(r.Context(), countyID, pairUUID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(pair)
}

func (c PairsController) HandlePairUpdateAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req pairUpdateAPIRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PairUUID) == "" {
		writeError(w, r, http.StatusBadRequest, "missing_pair_uuid", "pair_uuid is required")
		return
	}

	pair, err := c.Registry.Update(r.Context(), countyID, services.UpdatePairRequest{
		PairUUID:        req.PairUUID,
		Name:            req.Name,
		SourceSystem:    req.SourceSystem,
		TargetSystem:    req.TargetSystem,
		SourceConfig:    req.SourceConfig,
		TargetConfig:    req.TargetConfig,
		EntityType:      req.EntityType,
		KeyField:        req.KeyField,
		FieldMappings:   req.FieldMappings,
		Transformations: req.Transformations,
		Filters:         req.Filters,
		Schedule:        req.Schedule,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(pair)
}

func (c PairsController) HandlePairToggleAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req pairToggleAPIRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PairUUID) == "" {
		writeError(w, r, http.StatusBadRequest, "missing_pair_uuid", "pair_uuid is required")
		return
	}
	if req.IsActive == nil {
		writeError(w, r, http.StatusBadRequest, "missing_is_active", "is_active is required")
		return
	}

	pair, err := c.Registry.SetActive(r.Context(), countyID, req.PairUUID, *req.IsActive)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(pair)
}

func (c PairsController) HandlePairDeleteAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req pairDeleteAPIRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PairUUID) == "" {
		writeError(w, r, http.StatusBadRequest, "missing_pair_uuid", "pair_uuid is required")
		return
	}

	if err := c.Registry.Delete(r.Context(), countyID, req.PairUUID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pair_uuid": strings.TrimSpace(req.PairUUID),
		"deleted":   true,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return false
	}
	if !rejectLegacyIDFields(w, r, body) {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return false
	}
	return true
}

// rejectLegacyIDFields refuses bodies keyed by serial ids. The API is
// uuid-keyed only.
func rejectLegacyIDFields(w http.ResponseWriter, r *http.Request, body []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return false
	}
	if _, ok := raw["pair_id"]; ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "use pair_uuid")
		return false
	}
	return true
}

func domainStatus(err error) int {
	switch {
	case syncerr.IsInvalidInput(err):
		return http.StatusBadRequest
	case syncerr.IsNotFound(err):
		return http.StatusNotFound
	case syncerr.IsConflict(err), syncerr.IsInvalidState(err):
		return http.StatusConflict
	case syncerr.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := domainStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, r, status, syncerr.Code(err), message)
}

type errorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    errorEnvelopeMeta `json:"meta"`
}

type errorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Code:    code,
		Message: message,
		TraceID: traceIDFromRequest(r),
		Meta: errorEnvelopeMeta{
			Path:   r.URL.Path,
			Method: r.Method,
		},
	})
}

func traceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || traceID == "00000000000000000000000000000000" {
		return ""
	}
	for _, ch := range traceID {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return ""
		}
	}
	return traceID
}
