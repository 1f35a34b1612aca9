package ports

import (
	"context"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
)

type DiffStore interface {
	InsertDiff(ctx context.Context, countyID string, diff types.SyncDiff) (types.SyncDiff, error)
	GetDiff(ctx context.Context, countyID string, diffUUID string) (types.SyncDiff, error)
	ListDiffs(ctx context.Context, countyID string, filter types.DiffListFilter) ([]types.SyncDiff, error)
}
