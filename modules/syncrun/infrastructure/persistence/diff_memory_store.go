package persistence

import (
	"context"
	"sync"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

// DiffMemoryStore keeps diffs in process memory, append-only, enforcing the
// one-diff-per-entity-per-operation rule.
type DiffMemoryStore struct {
	mu    sync.Mutex
	diffs map[string][]types.SyncDiff
	seen  map[string]struct{}
}

func NewDiffMemoryStore() *DiffMemoryStore {
	return &DiffMemoryStore{
		diffs: map[string][]types.SyncDiff{},
		seen:  map[string]struct{}{},
	}
}

var _ ports.DiffStore = (*DiffMemoryStore)(nil)

func cloneDiff(d types.SyncDiff) types.SyncDiff {
	out := d
	if d.FieldChanges != nil {
		out.FieldChanges = make(map[string]types.FieldChange, len(d.FieldChanges))
		for k, v := range d.FieldChanges {
			out.FieldChanges[k] = v
		}
	}
	if d.Warnings != nil {
		out.Warnings = append([]string(nil), d.Warnings...)
	}
	return out
}

func diffEntityKey(operationUUID, entityID string) string {
	return operationUUID + "\x00" + entityID
}

func (s *DiffMemoryStore) InsertDiff(_ context.Context, countyID string, diff types.SyncDiff) (types.SyncDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := diffEntityKey(diff.OperationUUID, diff.EntityID)
	if _, ok := s.seen[key]; ok {
		return types.SyncDiff{}, syncerr.NewConflict("entity already recorded for operation")
	}
	s.seen[key] = struct{}{}
	s.diffs[countyID] = append(s.diffs[countyID], cloneDiff(diff))
	return cloneDiff(diff), nil
}

func (s *DiffMemoryStore) GetDiff(_ context.Context, countyID string, diffUUID string) (types.SyncDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.diffs[countyID] {
		if d.DiffUUID == diffUUID {
			return cloneDiff(d), nil
		}
	}
	return types.SyncDiff{}, syncerr.NewNotFound("diff not found")
}

func (s *DiffMemoryStore) ListDiffs(_ context.Context, countyID string, filter types.DiffListFilter) ([]types.SyncDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.SyncDiff, 0, len(s.diffs[countyID]))
	for _, d := range s.diffs[countyID] {
		if filter.OperationUUID != "" && d.OperationUUID != filter.OperationUUID {
			continue
		}
		if filter.EntityType != "" && d.EntityType != filter.EntityType {
			continue
		}
		if filter.ChangeType != "" && d.ChangeType != filter.ChangeType {
			continue
		}
		if filter.SyncStatus != "" && d.SyncStatus != filter.SyncStatus {
			continue
		}
		out = append(out, cloneDiff(d))
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []types.SyncDiff{}, nil
		}
		out = out[filter.Offset:]
	}
	// Same default page size as the Postgres store.
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
