package adapters

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	runtypes "github.com/openparcel/parcelsync/modules/syncrun/domain/types"
)

// MemorySource replays a fixed record list. It backs executor tests and
// database-less demo runs; config is ignored.
type MemorySource struct {
	mu      sync.Mutex
	records []map[string]any
}

func NewMemorySource(records ...map[string]any) *MemorySource {
	return &MemorySource{records: records}
}

var _ ports.SourceAdapter = (*MemorySource)(nil)

func (s *MemorySource) SetRecords(records []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

func (s *MemorySource) Open(_ context.Context, _ map[string]any) (ports.RecordIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := make([]map[string]any, len(s.records))
	for i, rec := range s.records {
		cloned[i] = cloneRecord(rec)
	}
	return &memoryIterator{records: cloned}, nil
}

type memoryIterator struct {
	records []map[string]any
	idx     int
}

func (it *memoryIterator) Next(_ context.Context) (map[string]any, error) {
	if it.idx >= len(it.records) {
		return nil, io.EOF
	}
	rec := it.records[it.idx]
	it.idx++
	return rec, nil
}

func (it *memoryIterator) Close() error {
	it.records = nil
	return nil
}

// AppliedChange is one write or delete the memory target accepted, in call
// order.
type AppliedChange struct {
	EntityType string
	EntityID   string
	Change     runtypes.ChangeType
}

// MemoryTarget keeps entities keyed by type and id. Config is ignored. It
// records every accepted write and supports error injection so executor tests
// can drive retry and record-error paths.
type MemoryTarget struct {
	mu       sync.Mutex
	entities map[string]map[string]map[string]any
	applied  []AppliedChange
	fetchErr error
	applyErr error
}

func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{entities: map[string]map[string]map[string]any{}}
}

var (
	_ ports.TargetAdapter = (*MemoryTarget)(nil)
	_ ports.TargetLister  = (*MemoryTarget)(nil)
)

// Put seeds an entity directly, outside any operation.
func (t *MemoryTarget) Put(entityType string, entityID string, record map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byID := t.entities[entityType]
	if byID == nil {
		byID = map[string]map[string]any{}
		t.entities[entityType] = byID
	}
	byID[entityID] = cloneRecord(record)
}

// SetFetchErr makes every following Fetch return err until cleared with nil.
func (t *MemoryTarget) SetFetchErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetchErr = err
}

// SetApplyErr makes every following Apply return err until cleared with nil.
func (t *MemoryTarget) SetApplyErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyErr = err
}

// Applied returns the accepted writes and deletes in call order.
func (t *MemoryTarget) Applied() []AppliedChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AppliedChange, len(t.applied))
	copy(out, t.applied)
	return out
}

func (t *MemoryTarget) Fetch(_ context.Context, _ map[string]any, entityType string, entityID string) (map[string]any, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fetchErr != nil {
		return nil, false, t.fetchErr
	}
	record, ok := t.entities[entityType][entityID]
	if !ok {
		return nil, false, nil
	}
	return cloneRecord(record), true, nil
}

func (t *MemoryTarget) Apply(_ context.Context, _ map[string]any, entityType string, entityID string, change runtypes.ChangeType, record map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.applyErr != nil {
		return t.applyErr
	}
	switch change {
	case runtypes.ChangeCreate, runtypes.ChangeUpdate:
		byID := t.entities[entityType]
		if byID == nil {
			byID = map[string]map[string]any{}
			t.entities[entityType] = byID
		}
		byID[entityID] = cloneRecord(record)
	case runtypes.ChangeDelete:
		delete(t.entities[entityType], entityID)
	default:
		return nil
	}
	t.applied = append(t.applied, AppliedChange{EntityType: entityType, EntityID: entityID, Change: change})
	return nil
}

func (t *MemoryTarget) ListEntityIDs(_ context.Context, _ map[string]any, entityType string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.entities[entityType]))
	for id := range t.entities[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func cloneRecord(record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneRecord(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
