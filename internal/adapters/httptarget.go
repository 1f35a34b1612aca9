package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	runtypes "github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

const httpTargetConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["base_url"],
  "properties": {
    "base_url": {"type": "string", "minLength": 1},
    "auth_token": {"type": "string"}
  },
  "additionalProperties": false
}`

// HTTPTarget speaks entity-per-URL JSON:
//
//	GET    {base_url}/{entity_type}/{entity_id}  -> 200 record | 404
//	PUT    {base_url}/{entity_type}/{entity_id}  (create and update)
//	DELETE {base_url}/{entity_type}/{entity_id}  (404 treated as done)
//	GET    {base_url}/{entity_type}?ids_only=true -> {"ids": [...]}
//
// All failures are target-unavailable; the executor's per-record retry
// budget governs how often they are retried.
type HTTPTarget struct {
	HTTPClient *http.Client
}

func NewHTTPTarget(httpClient *http.Client) *HTTPTarget {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPTarget{HTTPClient: httpClient}
}

var (
	_ ports.TargetAdapter = (*HTTPTarget)(nil)
	_ ports.TargetLister  = (*HTTPTarget)(nil)
)

func (t *HTTPTarget) Fetch(ctx context.Context, config map[string]any, entityType string, entityID string) (map[string]any, bool, error) {
	endpoint, err := targetEntityURL(config, entityType, entityID)
	if err != nil {
		return nil, false, err
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	setTargetAuth(req, config)
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, false, syncerr.NewTargetUnavailable(fmt.Sprintf("target fetch: %v", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var record map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
			return nil, false, syncerr.NewTargetUnavailable(fmt.Sprintf("target response: %v", err))
		}
		return record, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, false, syncerr.NewTargetUnavailable(fmt.Sprintf("target fetch: status=%d body=%q", resp.StatusCode, string(body)))
	}
}

func (t *HTTPTarget) Apply(ctx context.Context, config map[string]any, entityType string, entityID string, change runtypes.ChangeType, record map[string]any) error {
	if change == runtypes.ChangeNoChange {
		return nil
	}
	endpoint, err := targetEntityURL(config, entityType, entityID)
	if err != nil {
		return err
	}

	var req *http.Request
	switch change {
	case runtypes.ChangeCreate, runtypes.ChangeUpdate:
		body, err := json.Marshal(record)
		if err != nil {
			return syncerr.NewRecord(fmt.Sprintf("encode record: %v", err))
		}
		req, _ = http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	case runtypes.ChangeDelete:
		req, _ = http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	default:
		return syncerr.NewInvalidInput(fmt.Sprintf("unsupported change type %q", string(change)))
	}
	setTargetAuth(req, config)

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return syncerr.NewTargetUnavailable(fmt.Sprintf("target apply: %v", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		if change == runtypes.ChangeDelete {
			return nil
		}
	}
	body, _ := io.ReadAll(resp.Body)
	return syncerr.NewTargetUnavailable(fmt.Sprintf("target apply: status=%d body=%q", resp.StatusCode, string(body)))
}

func (t *HTTPTarget) ListEntityIDs(ctx context.Context, config map[string]any, entityType string) ([]string, error) {
	baseURL := strings.TrimRight(configString(config, "base_url"), "/")
	if baseURL == "" {
		return nil, syncerr.NewInvalidInput("target_config: base_url is required")
	}
	endpoint := baseURL + "/" + url.PathEscape(entityType) + "?ids_only=true"

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	setTargetAuth(req, config)
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, syncerr.NewTargetUnavailable(fmt.Sprintf("target list: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, syncerr.NewTargetUnavailable(fmt.Sprintf("target list: status=%d body=%q", resp.StatusCode, string(body)))
	}

	var out struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, syncerr.NewTargetUnavailable(fmt.Sprintf("target response: %v", err))
	}
	return out.IDs, nil
}

func targetEntityURL(config map[string]any, entityType string, entityID string) (string, error) {
	baseURL := strings.TrimRight(configString(config, "base_url"), "/")
	if baseURL == "" {
		return "", syncerr.NewInvalidInput("target_config: base_url is required")
	}
	return baseURL + "/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID), nil
}

func setTargetAuth(req *http.Request, config map[string]any) {
	if token := configString(config, "auth_token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
