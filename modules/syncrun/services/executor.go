package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openparcel/parcelsync/modules/mapping"
	pairports "github.com/openparcel/parcelsync/modules/syncpair/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/pkg/auditlog"
	"github.com/openparcel/parcelsync/pkg/syncerr"
	"github.com/openparcel/parcelsync/pkg/uuidv7"
)

var (
	newOperationUUID  = uuidv7.MustString
	newDiffUUID       = uuidv7.MustString
	newCorrelationID  = uuid.NewString
	timeNow           = time.Now
	queuePollInterval = 250 * time.Millisecond
)

// OverflowPolicy decides what Start does once every concurrency slot is
// taken.
type OverflowPolicy string

const (
	// OverflowReject refuses admission with a resource-exhausted error.
	OverflowReject OverflowPolicy = "reject"
	// OverflowQueue admits the operation as pending; it runs when a slot
	// frees.
	OverflowQueue OverflowPolicy = "queue"
)

// RetryPolicy bounds the exponential backoff applied to transient adapter
// failures. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ExecutorConfig is the execution policy: admission control, retry budget,
// and the per-operation record failure threshold (0 = unlimited).
type ExecutorConfig struct {
	MaxConcurrent    int
	OverflowPolicy   OverflowPolicy
	FailureThreshold int64
	Retry            RetryPolicy
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrent:  4,
		OverflowPolicy: OverflowReject,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	def := DefaultExecutorConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = def.OverflowPolicy
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = def.Retry.InitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = def.Retry.MaxInterval
	}
	return c
}

// AdapterRegistry resolves the adapters bound to a pair's endpoint systems.
type AdapterRegistry interface {
	Source(system string) (ports.SourceAdapter, bool)
	Target(system string) (ports.TargetAdapter, bool)
}

type StartOperationRequest struct {
	PairUUID      string
	RequestedBy   string
	CorrelationID string
}

// OperationRunner drives sync operations end to end: admission control, the
// pending -> running -> terminal state machine, the per-record pipeline, and
// the startup recovery sweep. Runs execute on their own goroutines; Drain
// waits them out on shutdown.
type OperationRunner interface {
	Start(ctx context.Context, countyID string, req StartOperationRequest) (types.SyncOperation, error)
	Get(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error)
	List(ctx context.Context, countyID string, filter types.OperationListFilter) ([]types.SyncOperation, error)
	Cancel(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error)
	RecoverOrphans(ctx context.Context, dryRun bool) (int, error)
	Drain(ctx context.Context) error
}

type executor struct {
	pairs      pairports.PairStore
	operations ports.OperationStore
	diffs      ports.DiffStore
	adapters   AdapterRegistry
	transforms mapping.Registry
	audit      auditlog.Sink
	cfg        ExecutorConfig
	logger     zerolog.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewOperationRunner wires the executor. audit may be nil (events dropped);
// zero cfg fields fall back to DefaultExecutorConfig values.
func NewOperationRunner(pairs pairports.PairStore, operations ports.OperationStore, diffs ports.DiffStore, adapters AdapterRegistry, transforms mapping.Registry, audit auditlog.Sink, cfg ExecutorConfig, logger zerolog.Logger) OperationRunner {
	cfg = cfg.withDefaults()
	return &executor{
		pairs:      pairs,
		operations: operations,
		diffs:      diffs,
		adapters:   adapters,
		transforms: transforms,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
		slots:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

func (e *executor) Start(ctx context.Context, countyID string, req StartOperationRequest) (types.SyncOperation, error) {
	pairUUID := strings.TrimSpace(req.PairUUID)
	if pairUUID == "" {
		return types.SyncOperation{}, syncerr.NewInvalidInput("pair_uuid is required")
	}
	pair, err := e.pairs.GetPair(ctx, countyID, pairUUID)
	if err != nil {
		return types.SyncOperation{}, err
	}
	if !pair.IsActive {
		return types.SyncOperation{}, syncerr.NewInvalidState("pair is inactive")
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	op := types.SyncOperation{
		OperationUUID: newOperationUUID(),
		CountyID:      pair.CountyID,
		PairUUID:      pair.PairUUID,
		Status:        types.OperationPending,
		CorrelationID: correlationID,
		CreatedBy:     strings.TrimSpace(req.RequestedBy),
		PairSnapshot:  pair.Clone(),
		CreatedAt:     timeNow().UTC(),
	}

	if e.cfg.OverflowPolicy == OverflowQueue {
		created, err := e.operations.CreateOperation(ctx, countyID, op)
		if err != nil {
			return types.SyncOperation{}, err
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if !e.awaitSlot(created) {
				return
			}
			defer func() { <-e.slots }()
			e.run(created)
		}()
		return created, nil
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return types.SyncOperation{}, syncerr.NewResourceExhausted("concurrent operation limit reached")
	}
	created, err := e.operations.CreateOperation(ctx, countyID, op)
	if err != nil {
		<-e.slots
		return types.SyncOperation{}, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.slots }()
		e.run(created)
	}()
	return created, nil
}

func (e *executor) Get(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error) {
	operationUUID = strings.TrimSpace(operationUUID)
	if operationUUID == "" {
		return types.SyncOperation{}, syncerr.NewInvalidInput("operation_uuid is required")
	}
	return e.operations.GetOperation(ctx, countyID, operationUUID)
}

func (e *executor) List(ctx context.Context, countyID string, filter types.OperationListFilter) ([]types.SyncOperation, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, syncerr.NewInvalidInput(fmt.Sprintf("status: unknown value %q", string(filter.Status)))
	}
	return e.operations.ListOperations(ctx, countyID, filter)
}

// Cancel sets the persisted cooperative flag. The run observes it between
// records and performs the terminal transition itself; a queued run observes
// it before ever starting.
func (e *executor) Cancel(ctx context.Context, countyID string, operationUUID string) (types.SyncOperation, error) {
	operationUUID = strings.TrimSpace(operationUUID)
	if operationUUID == "" {
		return types.SyncOperation{}, syncerr.NewInvalidInput("operation_uuid is required")
	}
	op, err := e.operations.RequestCancel(ctx, countyID, operationUUID)
	if err != nil {
		return types.SyncOperation{}, err
	}
	auditlog.Emit(ctx, e.audit, auditlog.Event{
		CountyID:      countyID,
		CorrelationID: op.CorrelationID,
		Action:        auditlog.ActionOperationCancel,
		EntityKind:    "sync_operation",
		EntityUUID:    op.OperationUUID,
	})
	return op, nil
}

// RecoverOrphans reconciles operations a dead process left pending or
// running. It must run before the executor admits new work; dry-run only
// reports what it would fail.
func (e *executor) RecoverOrphans(ctx context.Context, dryRun bool) (int, error) {
	ops, err := e.operations.ListUnfinishedOperations(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, op := range ops {
		msg := "operation orphaned before start"
		if op.Status == types.OperationRunning {
			msg = "operation orphaned while running; executor did not survive"
		}
		logger := e.runLogger(op).With().Str("from_status", string(op.Status)).Logger()
		if dryRun {
			logger.Info().Msg("orphaned operation left untouched (dry run)")
			recovered++
			continue
		}
		failed := op.RecordsFailed
		// Records in flight at the crash have no recorded outcome; they
		// count as failed.
		if missing := op.RecordsProcessed - op.RecordsSucceeded - op.RecordsFailed; missing > 0 {
			failed += missing
		}
		if _, err := e.operations.FinishOperation(ctx, op.CountyID, op.OperationUUID, types.OperationFailed, msg,
			map[string]any{"recovered": true}, op.RecordsProcessed, op.RecordsSucceeded, failed); err != nil {
			logger.Warn().Err(err).Msg("orphan reconciliation skipped")
			continue
		}
		recovered++
		logger.Info().Msg("orphaned operation failed by recovery sweep")
		auditlog.Emit(ctx, e.audit, auditlog.Event{
			CountyID:      op.CountyID,
			CorrelationID: op.CorrelationID,
			Action:        auditlog.ActionOperationRecovered,
			EntityKind:    "sync_operation",
			EntityUUID:    op.OperationUUID,
			Details:       map[string]any{"from_status": string(op.Status), "error_message": msg},
		})
	}
	return recovered, nil
}

// Drain waits for in-flight and queued operations to finish. ctx bounds the
// wait.
func (e *executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitSlot parks a queued operation until a slot frees, observing
// cancellation while queued. Reports whether the caller now holds a slot;
// when cancellation wins the operation is already finalized.
func (e *executor) awaitSlot(op types.SyncOperation) bool {
	ctx := context.Background()
	logger := e.runLogger(op)
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()
	for {
		select {
		case e.slots <- struct{}{}:
			return true
		case <-ticker.C:
			cancelled, err := e.cancelRequested(ctx, op)
			if err != nil {
				logger.Warn().Err(err).Msg("queued cancellation check failed")
				continue
			}
			if cancelled {
				e.finishRun(ctx, logger, op, types.OperationCancelled, "", runTally{}, time.Time{})
				return false
			}
		}
	}
}

func (e *executor) runLogger(op types.SyncOperation) zerolog.Logger {
	return e.logger.With().
		Str("county_id", op.CountyID).
		Str("pair_uuid", op.PairUUID).
		Str("operation_uuid", op.OperationUUID).
		Str("correlation_id", op.CorrelationID).
		Logger()
}
