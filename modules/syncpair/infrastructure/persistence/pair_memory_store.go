package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openparcel/parcelsync/modules/syncpair/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncpair/domain/types"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

// PairMemoryStore keeps pairs in process memory. It backs tests and DB-less
// development runs; semantics mirror the Postgres store, including the
// case-insensitive per-county name uniqueness rule.
type PairMemoryStore struct {
	mu    sync.Mutex
	pairs map[string]map[string]types.SyncPair
}

func NewPairMemoryStore() *PairMemoryStore {
	return &PairMemoryStore{pairs: map[string]map[string]types.SyncPair{}}
}

var _ ports.PairStore = (*PairMemoryStore)(nil)

func (s *PairMemoryStore) CreatePair(_ context.Context, countyID string, pair types.SyncPair) (types.SyncPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.pairs[countyID]
	if county == nil {
		county = map[string]types.SyncPair{}
		s.pairs[countyID] = county
	}
	if _, ok := county[pair.PairUUID]; ok {
		return types.SyncPair{}, syncerr.NewConflict("pair already exists")
	}
	for _, existing := range county {
		if strings.EqualFold(existing.Name, pair.Name) {
			return types.SyncPair{}, syncerr.NewInvalidInput("name: already in use within county")
		}
	}
	county[pair.PairUUID] = pair.Clone()
	return pair.Clone(), nil
}

func (s *PairMemoryStore) UpdatePair(_ context.Context, countyID string, pair types.SyncPair) (types.SyncPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.pairs[countyID]
	if _, ok := county[pair.PairUUID]; !ok {
		return types.SyncPair{}, syncerr.NewNotFound("pair not found")
	}
	for uuid, existing := range county {
		if uuid != pair.PairUUID && strings.EqualFold(existing.Name, pair.Name) {
			return types.SyncPair{}, syncerr.NewInvalidInput("name: already in use within county")
		}
	}
	county[pair.PairUUID] = pair.Clone()
	return pair.Clone(), nil
}

func (s *PairMemoryStore) SetPairActive(_ context.Context, countyID string, pairUUID string, active bool) (types.SyncPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.pairs[countyID]
	pair, ok := county[pairUUID]
	if !ok {
		return types.SyncPair{}, syncerr.NewNotFound("pair not found")
	}
	if pair.IsActive != active {
		pair.IsActive = active
		pair.UpdatedAt = time.Now().UTC()
		county[pairUUID] = pair
	}
	return pair.Clone(), nil
}

func (s *PairMemoryStore) DeletePair(_ context.Context, countyID string, pairUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.pairs[countyID]
	if _, ok := county[pairUUID]; !ok {
		return syncerr.NewNotFound("pair not found")
	}
	delete(county, pairUUID)
	return nil
}

func (s *PairMemoryStore) GetPair(_ context.Context, countyID string, pairUUID string) (types.SyncPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, ok := s.pairs[countyID][pairUUID]
	if !ok {
		return types.SyncPair{}, syncerr.NewNotFound("pair not found")
	}
	return pair.Clone(), nil
}

func (s *PairMemoryStore) ListPairs(_ context.Context, countyID string, filter types.PairListFilter) ([]types.SyncPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.SyncPair, 0, len(s.pairs[countyID]))
	for _, pair := range s.pairs[countyID] {
		if filter.IsActive != nil && pair.IsActive != *filter.IsActive {
			continue
		}
		if filter.SourceSystem != "" && pair.SourceSystem != filter.SourceSystem {
			continue
		}
		if filter.TargetSystem != "" && pair.TargetSystem != filter.TargetSystem {
			continue
		}
		if filter.EntityType != "" && pair.EntityType != filter.EntityType {
			continue
		}
		out = append(out, pair.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
