package types

import (
	"time"

	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
)

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

func (s OperationStatus) Valid() bool {
	switch s {
	case OperationPending, OperationRunning, OperationCompleted, OperationFailed, OperationCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is final. Terminal operations are
// immutable.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo encodes the monotonic state machine:
// pending -> running -> {completed, failed, cancelled}, with pending also
// allowed to resolve terminally (a queued run cancelled or swept before it
// ever ran).
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OperationPending:
		return next == OperationRunning || next.Terminal()
	case OperationRunning:
		return next.Terminal()
	default:
		return false
	}
}

// SyncOperation is one execution attempt of a SyncPair. Counters obey
// RecordsSucceeded + RecordsFailed <= RecordsProcessed at all times, with
// equality once terminal.
type SyncOperation struct {
	OperationUUID    string             `json:"operation_uuid"`
	CountyID         string             `json:"county_id"`
	PairUUID         string             `json:"pair_uuid"`
	Status           OperationStatus    `json:"status"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	RecordsProcessed int64              `json:"records_processed"`
	RecordsSucceeded int64              `json:"records_succeeded"`
	RecordsFailed    int64              `json:"records_failed"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	ExecutionDetails map[string]any     `json:"execution_details,omitempty"`
	CorrelationID    string             `json:"correlation_id"`
	CreatedBy        string             `json:"created_by"`
	CancelRequested  bool               `json:"cancel_requested"`
	PairSnapshot     pairtypes.SyncPair `json:"pair_snapshot"`
	CreatedAt        time.Time          `json:"created_at"`
}

type ChangeType string

const (
	ChangeCreate   ChangeType = "create"
	ChangeUpdate   ChangeType = "update"
	ChangeDelete   ChangeType = "delete"
	ChangeNoChange ChangeType = "no_change"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeNoChange:
		return true
	default:
		return false
	}
}

type SyncStatus string

const (
	SyncApplied SyncStatus = "applied"
	SyncSkipped SyncStatus = "skipped"
	SyncError   SyncStatus = "error"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncApplied, SyncSkipped, SyncError:
		return true
	default:
		return false
	}
}

// OperationListFilter narrows ListOperations. Zero fields match everything.
type OperationListFilter struct {
	PairUUID string
	Status   OperationStatus
	Limit    int
	Offset   int
}

// FieldChange is the before/after pair for one differing field. Only fields
// that actually differ appear in a diff.
type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// DiffListFilter narrows ListDiffs. Zero fields match everything.
type DiffListFilter struct {
	OperationUUID string
	EntityType    string
	ChangeType    ChangeType
	SyncStatus    SyncStatus
	Limit         int
	Offset        int
}

// SyncDiff is the recorded outcome for one entity within one operation.
// (OperationUUID, EntityID) is unique; rows are never mutated once written.
type SyncDiff struct {
	DiffUUID      string                 `json:"diff_uuid"`
	OperationUUID string                 `json:"operation_uuid"`
	CountyID      string                 `json:"county_id"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	ChangeType    ChangeType             `json:"change_type"`
	FieldChanges  map[string]FieldChange `json:"field_changes,omitempty"`
	SyncStatus    SyncStatus             `json:"sync_status"`
	ErrorDetail   string                 `json:"error_detail,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}
