package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OperationPGStore struct {
	pool pgBeginner
}

func NewOperationPGStore(pool pgBeginner) ports.OperationStore {
	return &OperationPGStore{pool: pool}
}

const operationColumns = `
	  operation_uuid::text,
	  county_id,
	  pair_uuid::text,
	  status,
	  started_at,
	  completed_at,
	  records_processed,
	  records_succeeded,
	  records_failed,
	  error_message,
	  execution_details,
	  correlation_id,
	  created_by,
	  cancel_requested,
	  pair_snapshot,
	  created_at`

func mapOperationPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil {
		switch strings.TrimSpace(pgErr.ConstraintName) {
		case "sync_operations_one_active_per_pair":
			return syncerr.NewConflict("pair already has an active operation")
		case "sync_operations_pkey":
			return syncerr.NewConflict("operation already exists")
		}
	}
	return err
}

func scanOperation(row pgx.Row) (types.SyncOperation, error) {
	var op types.SyncOperation
	var details, snapshot []byte
	if err := row.Scan(
		&op.OperationUUID,
		&op.CountyID,
		&op.PairUUID,
		&op.Status,
		&op.StartedAt,
		&op.CompletedAt,
		&op.RecordsProcessed,
		&op.RecordsSucceeded,
		&op.RecordsFailed,
		&op.ErrorMessage,
		&details,
		&op.CorrelationID,
		&op.CreatedBy,
		&op.CancelRequested,
		&snapshot,
		&op.CreatedAt,
	); err != nil {
		return types.SyncOperation{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &op.ExecutionDetails); err != nil {
			return types.SyncOperation{}, err
		}
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &op.PairSnapshot); err != nil {
			return types.SyncOperation{}, err
		}
	}
	return op, nil
}

// probeOperationState turns a guarded-update miss into the precise error:
// the row either does not exist or sits in a status the update refuses.
func probeOperationState(ctx context.Context, tx pgx.Tx, countyID string, operationUUID string) error {
	var status string
	err := tx.QueryRow(ctx, `
	SELECT status
	FROM sync.sync_operations
	WHERE county_id = $1 AND operation_uuid = $2::uuid;
	`, countyID, operationUUID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return syncerr.NewNotFound("operation not found")
		}
		return err
	}
	return syncerr.NewInvalidState(fmt.Sprintf("operation is %s", status))
}

func (s *OperationPGStore) CreateOperation(ctx context.Context, countyID string, op types.SyncOperation) (types.SyncOperation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncOperation{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncOperation{}, err
	}

	details, err := json.Marshal(op.ExecutionDetails)
	if err != nil {
		return types.SyncOperation{}, err
	}
	snapshot, err := json.Marshal(op.PairSnapshot)
	if err != nil {
		return types.SyncOperation{}, err
	}

	if _, err := tx.Exec(ctx, `
	INSERT INTO sync.sync_operations (
	  operation_uuid, county_id, pair_uuid, status,
	  records_processed, records_succeeded, records_failed,
	  error_message, execution_details, correlation_id, created_by,
	  cancel_requested, pair_snapshot, created_at
	) VALUES (
	  $1::uuid, $2, $3::uuid, $4,
	  $5, $6, $7,
	  $8, $9::jsonb, $10, $11,
	  $12, $13::jsonb, $14
	);
	`, op.OperationUUID, countyID, op.PairUUID, string(op.Status),
		op.RecordsProcessed, op.RecordsSucceeded, op.RecordsFailed,
		op.ErrorMessage, details, op.CorrelationID, op.CreatedBy,
		op.CancelRequested, snapshot, op.CreatedAt); err != nil {
		return types.SyncOperation{}, mapOperationPGError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncOperation{}, err
	}
	return op, nil
}

func (s *OperationPGStore) GetOperation(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncOperation{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncOperation{}, err
	}

	op, err := scanOperation(tx.QueryRow(ctx, `
	SELECT`+operationColumns+`
	FROM sync.sync_operations
	WHERE county_id = $1 AND operation_uuid = $2::uuid;
	`, countyID, operationUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.SyncOperation{}, syncerr.NewNotFound("operation not found")
		}
		return types.SyncOperation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncOperation{}, err
	}
	return op, nil
}

func (s *OperationPGStore) ListOperations(ctx context.Context, countyID string, filter types.OperationListFilter) ([]types.SyncOperation, error) {
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
		limit = 200
	}

	rows, err := tx.Query(ctx, `
	SELECT`+operationColumns+`
	FROM sync.sync_operations
	WHERE county_id = $1
	  AND ($2::text = '' OR pair_uuid = $2::uuid)
	  AND ($3::text = '' OR status = $3)
	ORDER BY created_at DESC, operation_uuid ASC
	LIMIT $4 OFFSET $5
	`, countyID, filter.PairUUID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *OperationPGStore) StartOperation(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncOperation{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncOperation{}, err
	}

	op, err := scanOperation(tx.QueryRow(ctx, `
	UPDATE sync.sync_operations SET
	  status = 'running',
	  started_at = now()
	WHERE county_id = $1 AND operation_uuid = $2::uuid AND status = 'pending'
	RETURNING`+operationColumns+`;
	`, countyID, operationUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.SyncOperation{}, probeOperationState(ctx, tx, countyID, operationUUID)
		}
		return types.SyncOperation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncOperation{}, err
	}
	return op, nil
}

func (s *OperationPGStore) FinishOperation(ctx context.Context, countyID string, operationUUID string, status types.OperationStatus, errorMessage string, details map[string]any, processed, succeeded, failed int64) (types.SyncOperation, error) {
	if !status.Terminal() {
		return types.SyncOperation{}, syncerr.NewInvalidState(fmt.Sprintf("%s is not a terminal status", status))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncOperation{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncOperation{}, err
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return types.SyncOperation{}, err
	}

	op, err := scanOperation(tx.QueryRow(ctx, `
	UPDATE sync.sync_operations SET
	  status = $3,
	  completed_at = now(),
	  error_message = $4,
	  execution_details = $5::jsonb,
	  records_processed = $6,
	  records_succeeded = $7,
	  records_failed = $8
	WHERE county_id = $1 AND operation_uuid = $2::uuid AND status IN ('pending', 'running')
	RETURNING`+operationColumns+`;
	`, countyID, operationUUID, string(status), errorMessage, detailsJSON, processed, succeeded, failed))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.SyncOperation{}, probeOperationState(ctx, tx, countyID, operationUUID)
		}
		return types.SyncOperation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncOperation{}, err
	}
	return op, nil
}

func (s *OperationPGStore) IncrementProgress(ctx context.Context, countyID string, operationUUID string, processed, succeeded, failed int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
	UPDATE sync.sync_operations SET
	  records_processed = records_processed + $3,
	  records_succeeded = records_succeeded + $4,
	  records_failed = records_failed + $5
	WHERE county_id = $1 AND operation_uuid = $2::uuid AND status IN ('pending', 'running');
	`, countyID, operationUUID, processed, succeeded, failed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return probeOperationState(ctx, tx, countyID, operationUUID)
	}

	return tx.Commit(ctx)
}

func (s *OperationPGStore) RequestCancel(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncOperation{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return types.SyncOperation{}, err
	}

	op, err := scanOperation(tx.QueryRow(ctx, `
	UPDATE sync.sync_operations SET
	  cancel_requested = true
	WHERE county_id = $1 AND operation_uuid = $2::uuid AND status IN ('pending', 'running')
	RETURNING`+operationColumns+`;
	`, countyID, operationUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.SyncOperation{}, probeCancelState(ctx, tx, countyID, operationUUID)
		}
		return types.SyncOperation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncOperation{}, err
	}
	return op, nil
}

func probeCancelState(ctx context.Context, tx pgx.Tx, countyID string, operationUUID string) error {
	var status string
	err := tx.QueryRow(ctx, `
	SELECT status
	FROM sync.sync_operations
	WHERE county_id = $1 AND operation_uuid = $2::uuid;
	`, countyID, operationUUID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return syncerr.NewNotFound("operation not found")
		}
		return err
	}
	return syncerr.NewInvalidState(fmt.Sprintf("operation is already %s", status))
}

func (s *OperationPGStore) HasActiveOperationForPair(ctx context.Context, countyID string, pairUUID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return false, err
	}

	var busy bool
	if err := tx.QueryRow(ctx, `
	SELECT EXISTS (
	  SELECT 1
	  FROM sync.sync_operations
	  WHERE county_id = $1 AND pair_uuid = $2::uuid AND status IN ('pending', 'running')
	);
	`, countyID, pairUUID).Scan(&busy); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return busy, nil
}

// ListUnfinishedOperations scans across counties for the recovery sweep
// that runs once at daemon startup. The operation table fails closed
// without a county context, so the scan walks sync.counties (which has no
// row security) and queries each county under its own context.
func (s *OperationPGStore) ListUnfinishedOperations(ctx context.Context) ([]types.SyncOperation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	countyIDs, err := scanCountyIDs(ctx, tx)
	if err != nil {
		return nil, err
	}

	var out []types.SyncOperation
	for _, countyID := range countyIDs {
		ops, err := listUnfinishedForCounty(ctx, tx, countyID)
		if err != nil {
			return nil, err
		}
		out = append(out, ops...)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func scanCountyIDs(ctx context.Context, tx pgx.Tx) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM sync.counties ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func listUnfinishedForCounty(ctx context.Context, tx pgx.Tx, countyID string) ([]types.SyncOperation, error) {
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
	SELECT`+operationColumns+`
	FROM sync.sync_operations
	WHERE county_id = $1 AND status IN ('pending', 'running')
	ORDER BY created_at ASC, operation_uuid ASC
	`, countyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
