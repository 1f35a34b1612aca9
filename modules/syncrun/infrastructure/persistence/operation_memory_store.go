package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

// OperationMemoryStore keeps operations in process memory with the same
// guarantees as the Postgres store: at most one pending or running operation
// per pair, monotonic status transitions, immutable terminal rows.
type OperationMemoryStore struct {
	mu  sync.Mutex
	ops map[string]map[string]types.SyncOperation
}

func NewOperationMemoryStore() *OperationMemoryStore {
	return &OperationMemoryStore{ops: map[string]map[string]types.SyncOperation{}}
}

var _ ports.OperationStore = (*OperationMemoryStore)(nil)

func cloneOperation(op types.SyncOperation) types.SyncOperation {
	out := op
	if op.StartedAt != nil {
		t := *op.StartedAt
		out.StartedAt = &t
	}
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		out.CompletedAt = &t
	}
	if op.ExecutionDetails != nil {
		out.ExecutionDetails = make(map[string]any, len(op.ExecutionDetails))
		for k, v := range op.ExecutionDetails {
			out.ExecutionDetails[k] = v
		}
	}
	out.PairSnapshot = op.PairSnapshot.Clone()
	return out
}

func (s *OperationMemoryStore) CreateOperation(_ context.Context, countyID string, op types.SyncOperation) (types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.ops[countyID]
	if county == nil {
		county = map[string]types.SyncOperation{}
		s.ops[countyID] = county
	}
	if _, ok := county[op.OperationUUID]; ok {
		return types.SyncOperation{}, syncerr.NewConflict("operation already exists")
	}
	for _, existing := range county {
		if existing.PairUUID == op.PairUUID && !existing.Status.Terminal() {
			return types.SyncOperation{}, syncerr.NewConflict("pair already has an active operation")
		}
	}
	county[op.OperationUUID] = cloneOperation(op)
	return cloneOperation(op), nil
}

func (s *OperationMemoryStore) GetOperation(_ context.Context, countyID string, operationUUID string) (types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[countyID][operationUUID]
	if !ok {
		return types.SyncOperation{}, syncerr.NewNotFound("operation not found")
	}
	return cloneOperation(op), nil
}

func (s *OperationMemoryStore) ListOperations(_ context.Context, countyID string, filter types.OperationListFilter) ([]types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.SyncOperation, 0, len(s.ops[countyID]))
	for _, op := range s.ops[countyID] {
		if filter.PairUUID != "" && op.PairUUID != filter.PairUUID {
			continue
		}
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		out = append(out, cloneOperation(op))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].OperationUUID < out[j].OperationUUID
	})
	return pageOperations(out, filter.Limit, filter.Offset), nil
}

func pageOperations(ops []types.SyncOperation, limit, offset int) []types.SyncOperation {
	if offset > 0 {
		if offset >= len(ops) {
			return []types.SyncOperation{}
		}
		ops = ops[offset:]
	}
	// Same default page size as the Postgres store.
	if limit <= 0 {
		limit = 200
	}
	if limit < len(ops) {
		ops = ops[:limit]
	}
	return ops
}

func (s *OperationMemoryStore) StartOperation(_ context.Context, countyID string, operationUUID string) (types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.ops[countyID]
	op, ok := county[operationUUID]
	if !ok {
		return types.SyncOperation{}, syncerr.NewNotFound("operation not found")
	}
	if !op.Status.CanTransitionTo(types.OperationRunning) {
		return types.SyncOperation{}, syncerr.NewInvalidState(fmt.Sprintf("operation is %s", op.Status))
	}
	now := time.Now().UTC()
	op.Status = types.OperationRunning
	op.StartedAt = &now
	county[operationUUID] = op
	return cloneOperation(op), nil
}

func (s *OperationMemoryStore) FinishOperation(_ context.Context, countyID string, operationUUID string, status types.OperationStatus, errorMessage string, details map[string]any, processed, succeeded, failed int64) (types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.ops[countyID]
	op, ok := county[operationUUID]
	if !ok {
		return types.SyncOperation{}, syncerr.NewNotFound("operation not found")
	}
	if !status.Terminal() {
		return types.SyncOperation{}, syncerr.NewInvalidState(fmt.Sprintf("%s is not a terminal status", status))
	}
	if !op.Status.CanTransitionTo(status) {
		return types.SyncOperation{}, syncerr.NewInvalidState(fmt.Sprintf("operation is %s", op.Status))
	}
	now := time.Now().UTC()
	op.Status = status
	op.CompletedAt = &now
	op.ErrorMessage = errorMessage
	op.ExecutionDetails = details
	op.RecordsProcessed = processed
	op.RecordsSucceeded = succeeded
	op.RecordsFailed = failed
	county[operationUUID] = cloneOperation(op)
	return cloneOperation(op), nil
}

func (s *OperationMemoryStore) IncrementProgress(_ context.Context, countyID string, operationUUID string, processed, succeeded, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.ops[countyID]
	op, ok := county[operationUUID]
	if !ok {
		return syncerr.NewNotFound("operation not found")
	}
	if op.Status.Terminal() {
		return syncerr.NewInvalidState(fmt.Sprintf("operation is %s", op.Status))
	}
	op.RecordsProcessed += processed
	op.RecordsSucceeded += succeeded
	op.RecordsFailed += failed
	county[operationUUID] = op
	return nil
}

func (s *OperationMemoryStore) RequestCancel(_ context.Context, countyID string, operationUUID string) (types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	county := s.ops[countyID]
	op, ok := county[operationUUID]
	if !ok {
		return types.SyncOperation{}, syncerr.NewNotFound("operation not found")
	}
	if op.Status.Terminal() {
		return types.SyncOperation{}, syncerr.NewInvalidState(fmt.Sprintf("operation is already %s", op.Status))
	}
	op.CancelRequested = true
	county[operationUUID] = op
	return cloneOperation(op), nil
}

func (s *OperationMemoryStore) HasActiveOperationForPair(_ context.Context, countyID string, pairUUID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.ops[countyID] {
		if op.PairUUID == pairUUID && !op.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *OperationMemoryStore) ListUnfinishedOperations(_ context.Context) ([]types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.SyncOperation
	for _, county := range s.ops {
		for _, op := range county {
			if !op.Status.Terminal() {
				out = append(out, cloneOperation(op))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OperationUUID < out[j].OperationUUID
	})
	return out, nil
}
