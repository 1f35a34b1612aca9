package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

// DiffsFacade is the read surface over recorded diffs. Writes only ever
// happen inside a run, so the facade exposes none.
type DiffsFacade struct {
	store ports.DiffStore
}

func NewDiffsFacade(store ports.DiffStore) DiffsFacade {
	return DiffsFacade{store: store}
}

func (f DiffsFacade) GetDiff(ctx context.Context, countyID string, diffUUID string) (types.SyncDiff, error) {
	diffUUID = strings.TrimSpace(diffUUID)
	if diffUUID == "" {
		return types.SyncDiff{}, syncerr.NewInvalidInput("diff_uuid is required")
	}
	return f.store.GetDiff(ctx, countyID, diffUUID)
}

func (f DiffsFacade) ListDiffs(ctx context.Context, countyID string, filter types.DiffListFilter) ([]types.SyncDiff, error) {
	if filter.ChangeType != "" && !filter.ChangeType.Valid() {
		return nil, syncerr.NewInvalidInput(fmt.Sprintf("change_type: unknown value %q", string(filter.ChangeType)))
	}
	if filter.SyncStatus != "" && !filter.SyncStatus.Valid() {
		return nil, syncerr.NewInvalidInput(fmt.Sprintf("sync_status: unknown value %q", string(filter.SyncStatus)))
	}
	return f.store.ListDiffs(ctx, countyID, filter)
}
