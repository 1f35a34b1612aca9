package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

type DiffPGStore struct {
	pool pgBeginner
}

func NewDiffPGStore(pool pgBeginner) ports.DiffStore {
	return &DiffPGStore{pool: pool}
}

const diffColumns = `
	  diff_uuid::text,
	  operation_uuid::text,
	  county_id,
	  entity_type,
	  entity_id,
	  change_type,
	  field_changes,
	  sync_status,
	  error_detail,
	  warnings,
	  created_at`

func mapDiffPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil {
		switch strings.TrimSpace(pgErr.ConstraintName) {
		case "sync_diffs_operation_entity_unique":
			return syncerr.NewConflict("entity already recorded for operation")
		case "sync_diffs_pkey":
			return syncerr.NewConflict("diff already exists")
		}
	}
	return err
}

func scanDiff(row pgx.Row) (types.SyncDiff, error) {
	var d types.SyncDiff
	var fieldChanges, warnings []byte
	if err := row.Scan(
		&d.DiffUUID,
		&d.OperationUUID,
		&d.CountyID,
		&d.EntityType,
		&d.EntityID,
		&d.ChangeType,
		&fieldChanges,
		&d.SyncStatus,
		&d.ErrorDetail,
		&warnings,
		&d.CreatedAt,
	); err != nil {
		return types.SyncDiff{}, err
	}
	if len(fieldChanges) > 0 {
		if err := json.Unmarshal(fieldChanges, &d.FieldChanges); err != nil {
			return types.SyncDiff{}, err
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &d.Warnings); err != nil {
			return types.SyncDiff{}, err
		}
	}
	return d, nil
}

func (s *DiffPGStore) InsertDiff(ctx context.Context, countyID string, diff types.SyncDiff) (types.SyncDiff, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncDiff{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncDiff{}, err
	}

	fieldChanges, err := json.Marshal(diff.FieldChanges)
	if err != nil {
		return types.SyncDiff{}, err
	}
	warnings, err := json.Marshal(diff.Warnings)
	if err != nil {
		return types.SyncDiff{}, err
	}

	if _, err := tx.Exec(ctx, `
	INSERT INTO sync.sync_diffs (
	  diff_uuid, operation_uuid, county_id, entity_type, entity_id,
	  change_type, field_changes, sync_status, error_detail, warnings, created_at
	) VALUES (
	  $1::uuid, $2::uuid, $3, $4, $5,
	  $6, $7::jsonb, $8, $9, $10::jsonb, $11
	);
	`, diff.DiffUUID, diff.OperationUUID, countyID, diff.EntityType, diff.EntityID,
		string(diff.ChangeType), fieldChanges, string(diff.SyncStatus), diff.ErrorDetail, warnings, diff.CreatedAt); err != nil {
		return types.SyncDiff{}, mapDiffPGError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncDiff{}, err
	}
	return diff, nil
}

func (s *DiffPGStore) GetDiff(ctx context.Context, countyID string, diffUUID string) (types.SyncDiff, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncDiff{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncDiff{}, err
	}

	d, err := scanDiff(tx.QueryRow(ctx, `
	SELECT`+diffColumns+`
	FROM sync.sync_diffs
	WHERE county_id = $1 AND diff_uuid = $2::uuid;
	`, countyID, diffUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.SyncDiff{}, syncerr.NewNotFound("diff not found")
		}
		return types.SyncDiff{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncDiff{}, err
	}
	return d, nil
}

func (s *DiffPGStore) ListDiffs(ctx context.Context, countyID string, filter types.DiffListFilter) ([]types.SyncDiff, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := tx.Query(ctx, `
	SELECT`+diffColumns+`
	FROM sync.sync_diffs
	WHERE county_id = $1
	  AND ($2::text = '' OR operation_uuid = $2::uuid)
	  AND ($3::text = '' OR entity_type = $3)
	  AND ($4::text = '' OR change_type = $4)
	  AND ($5::text = '' OR sync_status = $5)
	ORDER BY created_at ASC, entity_id ASC
	LIMIT $6 OFFSET $7
	`, countyID, filter.OperationUUID, filter.EntityType, string(filter.ChangeType), string(filter.SyncStatus), limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SyncDiff
	for rows.Next() {
		d, err := scanDiff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
