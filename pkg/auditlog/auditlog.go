// Package auditlog emits structured audit events for pair configuration
// changes and operation lifecycle transitions. Emission is fire-and-forget:
// a sink failure is logged and never propagates to the caller. Durable
// storage and querying of audit records live outside this service.
package auditlog

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Action string

const (
	ActionPairCreated        Action = "pair.created"
	ActionPairUpdated        Action = "pair.updated"
	ActionPairToggled        Action = "pair.toggled"
	ActionPairDeleted        Action = "pair.deleted"
	ActionOperationStarted   Action = "operation.started"
	ActionOperationFinished  Action = "operation.finished"
	ActionOperationCancel    Action = "operation.cancel_requested"
	ActionOperationRecovered Action = "operation.recovered"
	ActionRecordError        Action = "record.error"
	ActionThresholdExceeded  Action = "operation.failure_threshold_exceeded"
)

type Event struct {
	CountyID      string
	CorrelationID string
	Actor         string
	Action        Action
	EntityKind    string
	EntityUUID    string
	Details       map[string]any
	At            time.Time
}

type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Emit stamps the event time if unset and swallows sink failures. Callers
// treat auditing as best-effort; a nil sink is a no-op.
func Emit(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := sink.Emit(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("action", string(ev.Action)).
			Str("county_id", ev.CountyID).
			Msg("audit emit failed")
	}
}

// ZerologSink writes each event as one structured log record.
type ZerologSink struct {
	logger zerolog.Logger
}

func NewZerologSink(w io.Writer) *ZerologSink {
	return &ZerologSink{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (s *ZerologSink) Emit(_ context.Context, ev Event) error {
	rec := s.logger.Info().
		Str("county_id", ev.CountyID).
		Str("action", string(ev.Action)).
		Str("entity_kind", ev.EntityKind).
		Str("entity_uuid", ev.EntityUUID)
	if ev.CorrelationID != "" {
		rec = rec.Str("correlation_id", ev.CorrelationID)
	}
	if ev.Actor != "" {
		rec = rec.Str("actor", ev.Actor)
	}
	if !ev.At.IsZero() {
		rec = rec.Time("at", ev.At)
	}
	if len(ev.Details) > 0 {
		rec = rec.Interface("details", ev.Details)
	}
	rec.Msg("audit")
	return nil
}

// CaptureSink records events in memory for tests.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

func (s *CaptureSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
