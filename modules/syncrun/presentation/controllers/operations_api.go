package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/modules/syncrun/services"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

type CountyIDGetter func(ctx context.Context) (countyID string, ok bool)

type OperationsController struct {
	CountyID CountyIDGetter
	Runner   services.OperationRunner
}

type startOperationAPIRequest struct {
	PairUUID      string `json:"pair_uuid"`
	RequestedBy   string `json:"requested_by"`
	CorrelationID string `json:"correlation_id"`
}

type cancelOperationAPIRequest struct {
	OperationUUID string `json:"operation_uuid"`
}

func (c OperationsController) HandleOperationsAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		filter := types.OperationListFilter{
			PairUUID: strings.TrimSpace(r.URL.Query().Get("pair_uuid")),
			Status:   types.OperationStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
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

		ops, err := c.Runner.List(r.Context(), countyID, filter)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if ops == nil {
			ops = make([]types.SyncOperation, 0)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"county":     countyID,
			"operations": ops,
		})
		return

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
			return
		}
		if !rejectLegacyIDFields(w, r, body) {
			return
		}
		var req startOperationAPIRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
			return
		}
		if strings.TrimSpace(req.PairUUID) == "" {
			writeError(w, r, http.StatusBadRequest, "missing_pair_uuid", "pair_uuid is required")
			return
		}

		op, err := c.Runner.Start(r.Context(), countyID, services.StartOperationRequest{
			PairUUID:      req.PairUUID,
			RequestedBy:   req.RequestedBy,
			CorrelationID: req.CorrelationID,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(op)
		return

	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}

func (c OperationsController) HandleOperationGetAPI(w http.ResponseWriter, r *http.Request) {
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

	op, err := c.Runner.Get(r.Context(), countyID, operationUUID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(op)
}

func (c OperationsController) HandleOperationCancelAPI(w http.ResponseWriter, r *http.Request) {
	countyID, ok := c.CountyID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "county_missing", "county missing")
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	if !rejectLegacyIDFields(w, r, body) {
		return
	}
	var req cancelOperationAPIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	if strings.TrimSpace(req.OperationUUID) == "" {
		writeError(w, r, http.StatusBadRequest, "missing_operation_uuid", "operation_uuid is required")
		return
	}

	op, err := c.Runner.Cancel(r.Context(), countyID, req.OperationUUID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(op)
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
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
	if _, ok := raw["operation_id"]; ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "use operation_uuid")
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
