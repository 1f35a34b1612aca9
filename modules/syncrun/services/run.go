package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/openparcel/parcelsync/modules/mapping"
	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
	pairservices "github.com/openparcel/parcelsync/modules/syncpair/services"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	"github.com/openparcel/parcelsync/pkg/auditlog"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

// runStop is a non-completed run outcome. abandon means another actor owns
// the operation now and the run must not touch it again.
type runStop struct {
	status  types.OperationStatus
	msg     string
	abandon bool
}

func failStop(format string, args ...any) *runStop {
	return &runStop{status: types.OperationFailed, msg: fmt.Sprintf(format, args...)}
}

type runState struct {
	op     types.SyncOperation
	pair   pairtypes.SyncPair
	logger zerolog.Logger
	reg    mapping.Registry
	filter *pairservices.RecordFilter
	target ports.TargetAdapter
	seen   map[string]struct{}
	tally  runTally
}

type runTally struct {
	processed int64
	succeeded int64
	failed    int64

	creates  int64
	updates  int64
	deletes  int64
	noChange int64
	filtered int64

	fetchMS  int64
	mapMS    int64
	targetMS int64
}

func (t runTally) details() map[string]any {
	return map[string]any{
		"creates":      t.creates,
		"updates":      t.updates,
		"deletes":      t.deletes,
		"no_change":    t.noChange,
		"filtered_out": t.filtered,
		"fetch_ms":     t.fetchMS,
		"map_ms":       t.mapMS,
		"target_ms":    t.targetMS,
	}
}

// run executes one operation to its terminal status. It owns the operation
// from the running transition on; every exit path other than abandon ends in
// exactly one FinishOperation.
func (e *executor) run(op types.SyncOperation) {
	ctx := context.Background()
	logger := e.runLogger(op)

	fresh, err := e.operations.GetOperation(ctx, op.CountyID, op.OperationUUID)
	if err != nil {
		logger.Error().Err(err).Msg("operation state read failed before start")
		return
	}
	if fresh.Status.Terminal() {
		return
	}
	if fresh.CancelRequested {
		e.finishRun(ctx, logger, op, types.OperationCancelled, "", runTally{}, time.Time{})
		return
	}

	started, err := e.operations.StartOperation(ctx, op.CountyID, op.OperationUUID)
	if err != nil {
		logger.Error().Err(err).Msg("running transition refused")
		return
	}
	runStart := time.Now()
	logger.Info().Msg("operation running")
	auditlog.Emit(ctx, e.audit, auditlog.Event{
		CountyID:      op.CountyID,
		CorrelationID: op.CorrelationID,
		Actor:         op.CreatedBy,
		Action:        auditlog.ActionOperationStarted,
		EntityKind:    "sync_operation",
		EntityUUID:    op.OperationUUID,
		Details:       map[string]any{"pair_uuid": op.PairUUID},
	})

	rs := &runState{op: started, pair: started.PairSnapshot, logger: logger, seen: map[string]struct{}{}}
	stop := e.execute(ctx, rs)
	if stop != nil && stop.abandon {
		logger.Error().Str("reason", stop.msg).Msg("run abandoned; operation changed hands")
		return
	}
	status, msg := types.OperationCompleted, ""
	if stop != nil {
		status, msg = stop.status, stop.msg
	}
	e.finishRun(ctx, logger, op, status, msg, rs.tally, runStart)
}

// execute drives the record pipeline: open the source, then per record
// filter, map, diff against the target, and apply. A nil return means the
// source drained cleanly.
func (e *executor) execute(ctx context.Context, rs *runState) *runStop {
	filter, err := pairservices.CompileRecordFilter(rs.pair.Filters.Record)
	if err != nil {
		return failStop("filters.record: %v", err)
	}
	rs.filter = filter
	rs.reg = mapping.WithPairTransforms(e.transforms, rs.pair.Transformations)

	source, ok := e.adapters.Source(rs.pair.SourceSystem)
	if !ok {
		return failStop("no source adapter for system %q", rs.pair.SourceSystem)
	}
	target, ok := e.adapters.Target(rs.pair.TargetSystem)
	if !ok {
		return failStop("no target adapter for system %q", rs.pair.TargetSystem)
	}
	rs.target = target

	var iter ports.RecordIterator
	if err := e.withRetry(ctx, func() error {
		var openErr error
		iter, openErr = source.Open(ctx, rs.pair.SourceConfig)
		return openErr
	}); err != nil {
		return failStop("source open: %v", err)
	}
	defer func() {
		if closeErr := iter.Close(); closeErr != nil {
			rs.logger.Warn().Err(closeErr).Msg("source close failed")
		}
	}()

	ordinal := 0
	exhaustedFetches := 0
	for {
		cancelled, err := e.cancelRequested(ctx, rs.op)
		if err != nil {
			return failStop("operation state read: %v", err)
		}
		if cancelled {
			return &runStop{status: types.OperationCancelled}
		}

		fetchStart := time.Now()
		var record map[string]any
		err = e.withRetry(ctx, func() error {
			var nextErr error
			record, nextErr = iter.Next(ctx)
			return nextErr
		})
		rs.tally.fetchMS += time.Since(fetchStart).Milliseconds()
		if errors.Is(err, io.EOF) {
			break
		}
		ordinal++
		if err != nil {
			if syncerr.IsSourceAuth(err) {
				return failStop("source authentication: %v", err)
			}
			exhaustedFetches++
			if exhaustedFetches > 1 {
				return failStop("source unavailable after retries: %v", err)
			}
			if stop := e.recordDiff(ctx, rs, errorDiff(rs.pair.EntityType,
				fmt.Sprintf("~fetch-%d", ordinal), fmt.Sprintf("source fetch: %v", err), nil)); stop != nil {
				return stop
			}
			continue
		}
		exhaustedFetches = 0

		if stop := e.handleRecord(ctx, rs, record, ordinal); stop != nil {
			return stop
		}
	}

	if rs.pair.Filters.RemoveUnmatched {
		if stop := e.deleteSweep(ctx, rs); stop != nil {
			return stop
		}
	}
	return nil
}

// handleRecord takes one source record through key extraction, filtering,
// mapping, and the target round trip, and records exactly one diff.
func (e *executor) handleRecord(ctx context.Context, rs *runState, record map[string]any, ordinal int) *runStop {
	entityID := recordEntityID(record, rs.pair.KeyField)
	if entityID == "" {
		return e.recordDiff(ctx, rs, errorDiff(rs.pair.EntityType, fmt.Sprintf("~record-%d", ordinal),
			fmt.Sprintf("key_field %s missing from source record", rs.pair.KeyField), nil))
	}
	rs.seen[entityID] = struct{}{}

	matched, err := rs.filter.Match(record)
	if err != nil {
		return e.recordDiff(ctx, rs, errorDiff(rs.pair.EntityType, entityID, err.Error(), nil))
	}
	if !matched {
		rs.tally.filtered++
		if rs.pair.Filters.RemoveUnmatched {
			return e.deleteEntity(ctx, rs, entityID)
		}
		return e.recordDiff(ctx, rs, skippedDiff(rs.pair.EntityType, entityID))
	}

	mapStart := time.Now()
	res := mapping.Apply(rs.pair, record, rs.reg)
	rs.tally.mapMS += time.Since(mapStart).Milliseconds()
	warnings := recordWarnings(res)
	if res.Failed() {
		return e.recordDiff(ctx, rs, errorDiff(rs.pair.EntityType, entityID, res.Err, warnings))
	}

	targetStart := time.Now()
	var existing map[string]any
	var found bool
	err = e.withRetry(ctx, func() error {
		var fetchErr error
		existing, found, fetchErr = rs.target.Fetch(ctx, rs.pair.TargetConfig, rs.pair.EntityType, entityID)
		return fetchErr
	})
	if err != nil {
		rs.tally.targetMS += time.Since(targetStart).Milliseconds()
		return e.recordDiff(ctx, rs, errorDiff(rs.pair.EntityType, entityID,
			fmt.Sprintf("target read: %v", err), warnings))
	}
	if !found {
		existing = nil
	}

	d := ComputeDiff(rs.pair, entityID, res.Candidate, existing)
	d.Warnings = warnings
	if d.ChangeType == types.ChangeNoChange {
		d.SyncStatus = types.SyncSkipped
		rs.tally.noChange++
	} else if writeErr := e.withRetry(ctx, func() error {
		return rs.target.Apply(ctx, rs.pair.TargetConfig, rs.pair.EntityType, entityID, d.ChangeType, res.Candidate)
	}); writeErr != nil {
		d.SyncStatus = types.SyncError
		d.ErrorDetail = fmt.Sprintf("target write: %v", writeErr)
	} else {
		d.SyncStatus = types.SyncApplied
	}
	rs.tally.targetMS += time.Since(targetStart).Milliseconds()
	return e.recordDiff(ctx, rs, d)
}

// deleteEntity resolves one target-side entity whose source counterpart is
// gone or unmatched: present entities are deleted, absent ones skipped.
func (e *executor) deleteEntity(ctx context.Context, rs *runState, entityID string) *runStop {
	targetStart := time.Now()
	defer func() { rs.tally.targetMS += time.Since(targetStart).Milliseconds() }()

	var existing map[string]any
	var found bool
	err := e.withRetry(ctx, func() error {
		var fetchErr error
		existing, found, fetchErr = rs.target.Fetch(ctx, rs.pair.TargetConfig, rs.pair.EntityType, entityID)
		return fetchErr
	})
	if err != nil {
		return e.recordDiff(ctx, rs, errorDiff(rs.pair.EntityType, entityID,
			fmt.Sprintf("target read: %v", err), nil))
	}
	if !found {
		return e.recordDiff(ctx, rs, skippedDiff(rs.pair.EntityType, entityID))
	}

	d := ComputeDiff(rs.pair, entityID, nil, existing)
	if deleteErr := e.withRetry(ctx, func() error {
		return rs.target.Apply(ctx, rs.pair.TargetConfig, rs.pair.EntityType, entityID, types.ChangeDelete, nil)
	}); deleteErr != nil {
		d.SyncStatus = types.SyncError
		d.ErrorDetail = fmt.Sprintf("target delete: %v", deleteErr)
	} else {
		d.SyncStatus = types.SyncApplied
	}
	return e.recordDiff(ctx, rs, d)
}

// deleteSweep removes target entities the source never produced. It needs
// the target to enumerate ids; adapters that cannot are skipped with a
// warning rather than failing the run.
func (e *executor) deleteSweep(ctx context.Context, rs *runState) *runStop {
	lister, ok := rs.target.(ports.TargetLister)
	if !ok {
		rs.logger.Warn().Str("target_system", rs.pair.TargetSystem).
			Msg("target adapter cannot enumerate ids; unmatched delete detection skipped")
		return nil
	}
	var ids []string
	if err := e.withRetry(ctx, func() error {
		var listErr error
		ids, listErr = lister.ListEntityIDs(ctx, rs.pair.TargetConfig, rs.pair.EntityType)
		return listErr
	}); err != nil {
		return failStop("target id enumeration: %v", err)
	}
	for _, entityID := range ids {
		if _, ok := rs.seen[entityID]; ok {
			continue
		}
		cancelled, err := e.cancelRequested(ctx, rs.op)
		if err != nil {
			return failStop("operation state read: %v", err)
		}
		if cancelled {
			return &runStop{status: types.OperationCancelled}
		}
		if stop := e.deleteEntity(ctx, rs, entityID); stop != nil {
			return stop
		}
	}
	return nil
}

// recordDiff persists one per-record outcome, advances the counters, and
// enforces the failure threshold. Progress is written record by record so a
// concurrent status read reflects true progress.
func (e *executor) recordDiff(ctx context.Context, rs *runState, d types.SyncDiff) *runStop {
	d.DiffUUID = newDiffUUID()
	d.OperationUUID = rs.op.OperationUUID
	d.CountyID = rs.op.CountyID
	d.CreatedAt = timeNow().UTC()

	var succeededDelta, failedDelta int64
	rs.tally.processed++
	if d.SyncStatus == types.SyncError {
		failedDelta = 1
	} else {
		succeededDelta = 1
	}
	if d.SyncStatus == types.SyncApplied {
		switch d.ChangeType {
		case types.ChangeCreate:
			rs.tally.creates++
		case types.ChangeUpdate:
			rs.tally.updates++
		case types.ChangeDelete:
			rs.tally.deletes++
		}
	}

	inserted := true
	if _, err := e.diffs.InsertDiff(ctx, rs.op.CountyID, d); err != nil {
		if !syncerr.IsConflict(err) {
			return failStop("diff insert: %v", err)
		}
		inserted = false
		rs.logger.Warn().Str("entity_id", d.EntityID).Msg("duplicate source entity; occurrence counted as failed")
		if d.SyncStatus != types.SyncError {
			succeededDelta, failedDelta = 0, 1
		}
	}
	rs.tally.succeeded += succeededDelta
	rs.tally.failed += failedDelta

	if inserted && d.SyncStatus == types.SyncError {
		rs.logger.Warn().Str("entity_id", d.EntityID).Str("detail", d.ErrorDetail).Msg("record error")
		auditlog.Emit(ctx, e.audit, auditlog.Event{
			CountyID:      rs.op.CountyID,
			CorrelationID: rs.op.CorrelationID,
			Action:        auditlog.ActionRecordError,
			EntityKind:    "sync_diff",
			EntityUUID:    d.DiffUUID,
			Details:       map[string]any{"entity_id": d.EntityID, "error": d.ErrorDetail},
		})
	}

	// One atomic increment per record; FinishOperation writes the totals.
	if err := e.operations.IncrementProgress(ctx, rs.op.CountyID, rs.op.OperationUUID,
		1, succeededDelta, failedDelta); err != nil {
		if syncerr.IsInvalidState(err) || syncerr.IsNotFound(err) {
			return &runStop{abandon: true, msg: err.Error()}
		}
		rs.logger.Warn().Err(err).Msg("progress write failed")
	}

	if e.cfg.FailureThreshold > 0 && rs.tally.failed >= e.cfg.FailureThreshold {
		auditlog.Emit(ctx, e.audit, auditlog.Event{
			CountyID:      rs.op.CountyID,
			CorrelationID: rs.op.CorrelationID,
			Action:        auditlog.ActionThresholdExceeded,
			EntityKind:    "sync_operation",
			EntityUUID:    rs.op.OperationUUID,
			Details:       map[string]any{"failures": rs.tally.failed},
		})
		return failStop("record failure threshold exceeded: %d failures", rs.tally.failed)
	}
	return nil
}

// finishRun performs the terminal transition and emits the closing log and
// audit event. A zero runStart (the run never reached running work) leaves
// duration_ms out.
func (e *executor) finishRun(ctx context.Context, logger zerolog.Logger, op types.SyncOperation, status types.OperationStatus, msg string, tally runTally, runStart time.Time) {
	details := tally.details()
	if !runStart.IsZero() {
		details["duration_ms"] = time.Since(runStart).Milliseconds()
	}
	finished, err := e.operations.FinishOperation(ctx, op.CountyID, op.OperationUUID, status, msg,
		details, tally.processed, tally.succeeded, tally.failed)
	if err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("terminal transition failed")
		return
	}
	event := logger.Info()
	if status == types.OperationFailed {
		event = logger.Error()
	}
	event.Str("status", string(status)).
		Int64("processed", tally.processed).
		Int64("succeeded", tally.succeeded).
		Int64("failed", tally.failed).
		Str("error_message", msg).
		Msg("operation finished")

	auditDetails := map[string]any{
		"status":    string(finished.Status),
		"processed": tally.processed,
		"succeeded": tally.succeeded,
		"failed":    tally.failed,
	}
	if msg != "" {
		auditDetails["error_message"] = msg
	}
	auditlog.Emit(ctx, e.audit, auditlog.Event{
		CountyID:      op.CountyID,
		CorrelationID: op.CorrelationID,
		Action:        auditlog.ActionOperationFinished,
		EntityKind:    "sync_operation",
		EntityUUID:    op.OperationUUID,
		Details:       auditDetails,
	})
}

func (e *executor) cancelRequested(ctx context.Context, op types.SyncOperation) (bool, error) {
	fresh, err := e.operations.GetOperation(ctx, op.CountyID, op.OperationUUID)
	if err != nil {
		return false, err
	}
	return fresh.CancelRequested, nil
}

// withRetry runs fn under the configured backoff. Only retryable endpoint
// errors are retried; everything else returns immediately. The error
// returned after exhaustion is fn's last error, unwrapped.
func (e *executor) withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.Retry.InitialInterval
	bo.MaxInterval = e.cfg.Retry.MaxInterval
	bo.MaxElapsedTime = 0
	var retries uint64
	if e.cfg.Retry.MaxAttempts > 1 {
		retries = uint64(e.cfg.Retry.MaxAttempts - 1)
	}
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || syncerr.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), retries))
}

func recordEntityID(record map[string]any, keyField string) string {
	v, ok := mapping.ExtractPath(record, keyField)
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

// recordWarnings merges evaluator warnings with optional-field errors, which
// demote to warnings when the record as a whole still applies.
func recordWarnings(res mapping.RecordResult) []string {
	warnings := append([]string(nil), res.Warnings...)
	if res.Failed() || len(res.FieldErrors) == 0 {
		return warnings
	}
	fields := make([]string, 0, len(res.FieldErrors))
	for field := range res.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		warnings = append(warnings, fmt.Sprintf("%s: %s", field, res.FieldErrors[field]))
	}
	return warnings
}

func errorDiff(entityType, entityID, detail string, warnings []string) types.SyncDiff {
	return types.SyncDiff{
		EntityType:  entityType,
		EntityID:    entityID,
		ChangeType:  types.ChangeNoChange,
		SyncStatus:  types.SyncError,
		ErrorDetail: detail,
		Warnings:    warnings,
	}
}

func skippedDiff(entityType, entityID string) types.SyncDiff {
	return types.SyncDiff{
		EntityType: entityType,
		EntityID:   entityID,
		ChangeType: types.ChangeNoChange,
		SyncStatus: types.SyncSkipped,
	}
}
