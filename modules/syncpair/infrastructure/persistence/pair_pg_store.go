package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openparcel/parcelsync/modules/syncpair/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncpair/domain/types"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PairPGStore struct {
	pool pgBeginner
}

func NewPairPGStore(pool pgBeginner) ports.PairStore {
	return &PairPGStore{pool: pool}
}

const pairColumns = `
	  pair_uuid::text,
	  county_id,
	  name,
	  source_system,
	  target_system,
	  source_config,
	  target_config,
	  entity_type,
	  key_field,
	  field_mappings,
	  transformations,
	  filters,
	  schedule,
	  is_active,
	  created_at,
	  updated_at`

func mapPairPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil {
		switch strings.TrimSpace(pgErr.ConstraintName) {
		case "sync_pairs_county_name_unique":
			return syncerr.NewInvalidInput("name: already in use within county")
		case "sync_pairs_pkey":
			return syncerr.NewConflict("pair already exists")
		}
	}
	return err
}

func scanPair(row pgx.Row) (types.SyncPair, error) {
	var p types.SyncPair
	var sourceConfig, targetConfig, fieldMappings, transformations, filters []byte
	if err := row.Scan(
		&p.PairUUID,
		&p.CountyID,
		&p.Name,
		&p.SourceSystem,
		&p.TargetSystem,
		&sourceConfig,
		&targetConfig,
		&p.EntityType,
		&p.KeyField,
		&fieldMappings,
		&transformations,
		&filters,
		&p.Schedule,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return types.SyncPair{}, err
	}
	if len(sourceConfig) > 0 {
		if err := json.Unmarshal(sourceConfig, &p.SourceConfig); err != nil {
			return types.SyncPair{}, err
		}
	}
	if len(targetConfig) > 0 {
		if err := json.Unmarshal(targetConfig, &p.TargetConfig); err != nil {
			return types.SyncPair{}, err
		}
	}
	if len(fieldMappings) > 0 {
		if err := json.Unmarshal(fieldMappings, &p.FieldMappings); err != nil {
			return types.SyncPair{}, err
		}
	}
	if len(transformations) > 0 {
		if err := json.Unmarshal(transformations, &p.Transformations); err != nil {
			return types.SyncPair{}, err
		}
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &p.Filters); err != nil {
			return types.SyncPair{}, err
		}
	}
	return p, nil
}

func pairJSONColumns(pair types.SyncPair) (sourceConfig, targetConfig, fieldMappings, transformations, filters []byte, err error) {
	if sourceConfig, err = json.Marshal(pair.SourceConfig); err != nil {
		return
	}
	if targetConfig, err = json.Marshal(pair.TargetConfig); err != nil {
		return
	}
	if fieldMappings, err = json.Marshal(pair.FieldMappings); err != nil {
		return
	}
	if transformations, err = json.Marshal(pair.Transformations); err != nil {
		return
	}
	filters, err = json.Marshal(pair.Filters)
	return
}

func (s *PairPGStore) CreatePair(ctx context.Context, countyID string, pair types.SyncPair) (types.SyncPair, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncPair{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncPair{}, err
	}

	sourceConfig, targetConfig, fieldMappings, transformations, filters, err := pairJSONColumns(pair)
	if err != nil {
		return types.SyncPair{}, err
	}

	if _, err := tx.Exec(ctx, `
	INSERT INTO sync.sync_pairs (
	  pair_uuid, county_id, name, source_system, target_system,
	  source_config, target_config, entity_type, key_field,
	  field_mappings, transformations, filters, schedule, is_active,
	  created_at, updated_at
	) VALUES (
	  $1::uuid, $2, $3, $4, $5,
	  $6::jsonb, $7::jsonb, $8, $9,
	  $10::jsonb, $11::jsonb, $12::jsonb, $13, $14,
	  $15, $16
	);
	`, pair.PairUUID, countyID, pair.Name, pair.SourceSystem, pair.TargetSystem,
		sourceConfig, targetConfig, pair.EntityType, pair.KeyField,
		fieldMappings, transformations, filters, pair.Schedule, pair.IsActive,
		pair.CreatedAt, pair.UpdatedAt); err != nil {
		return types.SyncPair{}, mapPairPGError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncPair{}, err
	}
	return pair, nil
}

func (s *PairPGStore) UpdatePair(ctx context.Context, countyID string, pair types.SyncPair) (types.SyncPair, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncPair{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncPair{}, err
	}

	sourceConfig, targetConfig, fieldMappings, transformations, filters, err := pairJSONColumns(pair)
	if err != nil {
		return types.SyncPair{}, err
	}

	tag, err := tx.Exec(ctx, `
	UPDATE sync.sync_pairs SET
	  name = $3,
	  source_system = $4,
	  target_system = $5,
	  source_config = $6::jsonb,
	  target_config = $7::jsonb,
	  entity_type = $8,
	  key_field = $9,
	  field_mappings = $10::jsonb,
	  transformations = $11::jsonb,
	  filters = $12::jsonb,
	  schedule = $13,
	  updated_at = $14
	WHERE county_id = $1 AND pair_uuid = $2::uuid;
	`, countyID, pair.PairUUID, pair.Name, pair.SourceSystem, pair.TargetSystem,
		sourceConfig, targetConfig, pair.EntityType, pair.KeyField,
		fieldMappings, transformations, filters, pair.Schedule, pair.UpdatedAt)
	if err != nil {
		return types.SyncPair{}, mapPairPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return types.SyncPair{}, syncerr.NewNotFound("pair not found")
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncPair{}, err
	}
	return pair, nil
}

func (s *PairPGStore) SetPairActive(ctx context.Context, countyID string, pairUUID string, active bool) (types.SyncPair, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncPair{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncPair{}, err
	}

	pair, err := scanPair(tx.QueryRow(ctx, `
	UPDATE sync.sync_pairs SET
	  is_active = $3,
	  updated_at = CASE WHEN is_active = $3 THEN updated_at ELSE now() END
	WHERE county_id = $1 AND pair_uuid = $2::uuid
	RETURNING`+pairColumns+`;
	`, countyID, pairUUID, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.SyncPair{}, syncerr.NewNotFound("pair not found")
		}
		return types.SyncPair{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncPair{}, err
	}
	return pair, nil
}

func (s *PairPGStore) DeletePair(ctx context.Context, countyID string, pairUUID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
	DELETE FROM sync.sync_pairs
	WHERE county_id = $1 AND pair_uuid = $2::uuid;
	`, countyID, pairUUID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return syncerr.NewNotFound("pair not found")
	}

	return tx.Commit(ctx)
}

func (s *PairPGStore) GetPair(ctx context.Context, countyID string, pairUUID string) (types.SyncPair, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncPair{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncPair{}, err
	}

	pair, err := scanPair(tx.QueryRow(ctx, `
	SELECT`+pairColumns+`
	FROM sync.sync_pairs
	WHERE county_id = $1 AND pair_uuid = $2::uuid;
	`, countyID, pairUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.SyncPair{}, syncerr.NewNotFound("pair not found")
		}
		return types.SyncPair{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncPair{}, err
	}
	return pair, nil
}

func (s *PairPGStore) ListPairs(ctx context.Context, countyID string, filter types.PairListFilter) ([]types.SyncPair, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
	SELECT`+pairColumns+`
	FROM sync.sync_pairs
	WHERE county_id = $1
	  AND ($2::boolean IS NULL OR is_active = $2)
	  AND ($3::text = '' OR source_system = $3)
	  AND ($4::text = '' OR target_system = $4)
	  AND ($5::text = '' OR entity_type = $5)
	ORDER BY name ASC
	`, countyID, filter.IsActive, filter.SourceSystem, filter.TargetSystem, filter.EntityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SyncPair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
