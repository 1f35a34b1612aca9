package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

const httpSourceConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["base_url"],
  "properties": {
    "base_url": {"type": "string", "minLength": 1},
    "records_path": {"type": "string", "pattern": "^/"},
    "auth_token": {"type": "string"},
    "page_size": {"type": "integer", "minimum": 1, "maximum": 1000}
  },
  "additionalProperties": false
}`

// HTTPSource pages records out of a JSON endpoint:
//
//	GET {base_url}{records_path}?cursor={c}&limit={n}
//	-> {"records": [{...}, ...], "next_cursor": "..."}
//
// An empty next_cursor ends the sequence. Auth failures surface as
// source-auth errors; every other transport or status failure is
// source-unavailable so the executor's retry budget applies.
type HTTPSource struct {
	HTTPClient *http.Client
}

func NewHTTPSource(httpClient *http.Client) *HTTPSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPSource{HTTPClient: httpClient}
}

var _ ports.SourceAdapter = (*HTTPSource)(nil)

type httpSourcePage struct {
	Records    []map[string]any `json:"records"`
	NextCursor string           `json:"next_cursor"`
}

func (s *HTTPSource) Open(ctx context.Context, config map[string]any) (ports.RecordIterator, error) {
	baseURL := strings.TrimRight(configString(config, "base_url"), "/")
	if baseURL == "" {
		return nil, syncerr.NewInvalidInput("source_config: base_url is required")
	}
	path := configString(config, "records_path")
	if path == "" {
		path = "/records"
	}
	pageSize := configInt(config, "page_size")
	if pageSize <= 0 {
		pageSize = 100
	}

	it := &httpSourceIterator{
		source:   s,
		endpoint: baseURL + path,
		token:    configString(config, "auth_token"),
		pageSize: pageSize,
	}
	if err := it.fetch(ctx, ""); err != nil {
		return nil, err
	}
	return it, nil
}

type httpSourceIterator struct {
	source   *HTTPSource
	endpoint string
	token    string
	pageSize int

	records []map[string]any
	idx     int
	next    string
	done    bool
}

func (it *httpSourceIterator) Next(ctx context.Context) (map[string]any, error) {
	for it.idx >= len(it.records) {
		if it.done {
			return nil, io.EOF
		}
		if err := it.fetch(ctx, it.next); err != nil {
			return nil, err
		}
	}
	rec := it.records[it.idx]
	it.idx++
	return rec, nil
}

func (it *httpSourceIterator) Close() error {
	it.records = nil
	it.done = true
	return nil
}

func (it *httpSourceIterator) fetch(ctx context.Context, cursor string) error {
	u, err := url.Parse(it.endpoint)
	if err != nil {
		return syncerr.NewInvalidInput(fmt.Sprintf("source_config: base_url: %v", err))
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(it.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if it.token != "" {
		req.Header.Set("Authorization", "Bearer "+it.token)
	}
	resp, err := it.source.HTTPClient.Do(req)
	if err != nil {
		return syncerr.NewSourceUnavailable(fmt.Sprintf("source fetch: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return syncerr.NewSourceAuth(fmt.Sprintf("source rejected credentials: status=%d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return syncerr.NewSourceUnavailable(fmt.Sprintf("source fetch: status=%d body=%q", resp.StatusCode, string(body)))
	}

	var page httpSourcePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return syncerr.NewSourceUnavailable(fmt.Sprintf("source response: %v", err))
	}

	it.records = page.Records
	it.idx = 0
	it.next = page.NextCursor
	it.done = page.NextCursor == ""
	return nil
}

func configString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func configInt(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}
