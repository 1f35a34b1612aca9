package ports

import (
	"context"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
)

// OperationStore persists SyncOperations and enforces the monotonic status
// machine. Stores reject transitions out of a terminal status with an
// invalid-state error and concurrent second active operations for one pair
// with a conflict error. IncrementProgress takes per-record deltas and adds
// them atomically; FinishOperation writes the authoritative totals.
type OperationStore interface {
	CreateOperation(ctx context.Context, countyID string, op types.SyncOperation) (types.SyncOperation, error)
	GetOperation(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error)
	ListOperations(ctx context.Context, countyID string, filter types.OperationListFilter) ([]types.SyncOperation, error)
	StartOperation(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error)
	FinishOperation(ctx context.Context, countyID string, operationUUID string, status types.OperationStatus, errorMessage string, details map[string]any, processed, succeeded, failed int64) (types.SyncOperation, error)
	IncrementProgress(ctx context.Context, countyID string, operationUUID string, processed, succeeded, failed int64) error
	RequestCancel(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error)
	HasActiveOperationForPair(ctx context.Context, countyID string, pairUUID string) (bool, error)
	ListUnfinishedOperations(ctx context.Context) ([]types.SyncOperation, error)
}
