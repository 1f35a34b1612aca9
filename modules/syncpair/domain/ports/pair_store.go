package ports

import (
	"context"

	"github.com/openparcel/parcelsync/modules/syncpair/domain/types"
)

type PairStore interface {
	CreatePair(ctx context.Context, countyID string, pair types.SyncPair) (types.SyncPair, error)
	UpdatePair(ctx context.Context, countyID string, pair types.SyncPair) (types.SyncPair, error)
	SetPairActive(ctx context.Context, countyID string, pairUUID string, active bool) (types.SyncPair, error)
	DeletePair(ctx context.Context, countyID string, pairUUID string) error
	GetPair(ctx context.Context, countyID string, pairUUID string) (types.SyncPair, error)
	ListPairs(ctx context.Context, countyID string, filter types.PairListFilter) ([]types.SyncPair, error)
}
