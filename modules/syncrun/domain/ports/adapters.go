package ports

import (
	"context"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
)

// RecordIterator streams source records one at a time. Next returns io.EOF
// after the last record; any other error is a per-record fetch failure the
// executor counts against the operation.
type RecordIterator interface {
	Next(ctx context.Context) (map[string]any, error)
	Close() error
}

// SourceAdapter reads records out of a source system. Open failures should
// be source-unavailable errors so the executor retries them.
type SourceAdapter interface {
	Open(ctx context.Context, config map[string]any) (RecordIterator, error)
}

// TargetAdapter reads and writes single entities in a target system. Fetch
// reports found=false for absent entities. Transient failures should be
// target-unavailable errors so the executor retries them.
type TargetAdapter interface {
	Fetch(ctx context.Context, config map[string]any, entityType string, entityID string) (map[string]any, bool, error)
	Apply(ctx context.Context, config map[string]any, entityType string, entityID string, change types.ChangeType, record map[string]any) error
}

// TargetLister is an optional extension of TargetAdapter. Adapters that can
// enumerate existing entity IDs enable delete detection for pairs with
// remove_unmatched set.
type TargetLister interface {
	ListEntityIDs(ctx context.Context, config map[string]any, entityType string) ([]string, error)
}
