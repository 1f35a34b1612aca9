package services

import (
	"context"
	"testing"
	"time"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	runpersist "github.com/openparcel/parcelsync/modules/syncrun/infrastructure/persistence"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

func TestDiffsFacadeValidation(t *testing.T) {
	facade := NewDiffsFacade(runpersist.NewDiffMemoryStore())
	ctx := context.Background()

	if _, err := facade.GetDiff(ctx, "county-033", "  "); !syncerr.IsInvalidInput(err) {
		t.Fatalf("blank diff_uuid: got %v, want invalid input", err)
	}
	if _, err := facade.ListDiffs(ctx, "county-033", types.DiffListFilter{ChangeType: "mutate"}); !syncerr.IsInvalidInput(err) {
		t.Fatalf("bad change_type: got %v, want invalid input", err)
	}
	if _, err := facade.ListDiffs(ctx, "county-033", types.DiffListFilter{SyncStatus: "done"}); !syncerr.IsInvalidInput(err) {
		t.Fatalf("bad sync_status: got %v, want invalid input", err)
	}
}

func TestDiffsFacadeReads(t *testing.T) {
	store := runpersist.NewDiffMemoryStore()
	facade := NewDiffsFacade(store)
	ctx := context.Background()

	seed := types.SyncDiff{
		DiffUUID:      "diff-1",
		OperationUUID: "op-1",
		CountyID:      "county-033",
		EntityType:    "parcel",
		EntityID:      "P-1",
		ChangeType:    types.ChangeCreate,
		SyncStatus:    types.SyncApplied,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := store.InsertDiff(ctx, "county-033", seed); err != nil {
		t.Fatalf("seed diff: %v", err)
	}

	got, err := facade.GetDiff(ctx, "county-033", "diff-1")
	if err != nil {
		t.Fatalf("get diff: %v", err)
	}
	if got.EntityID != "P-1" {
		t.Fatalf("entity_id = %q", got.EntityID)
	}
	if _, err := facade.GetDiff(ctx, "county-044", "diff-1"); !syncerr.IsNotFound(err) {
		t.Fatalf("cross-county get: got %v, want not found", err)
	}

	list, err := facade.ListDiffs(ctx, "county-033", types.DiffListFilter{OperationUUID: "op-1", SyncStatus: types.SyncApplied})
	if err != nil {
		t.Fatalf("list diffs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d rows, want 1", len(list))
	}
}
