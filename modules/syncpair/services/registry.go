package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openparcel/parcelsync/modules/mapping"
	"github.com/openparcel/parcelsync/modules/syncpair/domain/ports"
	"github.com/openparcel/parcelsync/modules/syncpair/domain/types"
	"github.com/openparcel/parcelsync/pkg/auditlog"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

var (
	newPairUUID = uuid.NewString
	timeNow     = time.Now
)

// AdapterCatalog checks that a pair's endpoint systems are registered and
// that the opaque source/target configs satisfy the adapter's schema. The
// registry treats configs as opaque otherwise.
type AdapterCatalog interface {
	ValidateSourceConfig(system string, config map[string]any) error
	ValidateTargetConfig(system string, config map[string]any) error
}

// OperationProbe reports whether a pair has a pending or running operation.
type OperationProbe interface {
	HasActiveOperationForPair(ctx context.Context, countyID string, pairUUID string) (bool, error)
}

type PairRegistry interface {
	Create(ctx context.Context, countyID string, req CreatePairRequest) (types.SyncPair, error)
	Update(ctx context.Context, countyID string, req UpdatePairRequest) (types.SyncPair, error)
	SetActive(ctx context.Context, countyID string, pairUUID string, active bool) (types.SyncPair, error)
	Delete(ctx context.Context, countyID string, pairUUID string) error
	Get(ctx context.Context, countyID string, pairUUID string) (types.SyncPair, error)
	List(ctx context.Context, countyID string, filter types.PairListFilter) ([]types.SyncPair, error)
}

type CreatePairRequest struct {
	Name            string
	SourceSystem    string
	TargetSystem    string
	SourceConfig    map[string]any
	TargetConfig    map[string]any
	EntityType      string
	KeyField        string
	FieldMappings   []types.FieldMapping
	Transformations map[string]types.TransformDef
	Filters         types.PairFilters
	Schedule        string
	IsActive        bool
}

// UpdatePairRequest is a partial definition: nil fields keep the stored
// value, non-nil fields replace it wholesale. A pointer to an empty string
// clears schedule; the other scalars stay subject to validation.
type UpdatePairRequest struct {
	PairUUID        string
	Name            *string
	SourceSystem    *string
	TargetSystem    *string
	SourceConfig    map[string]any
	TargetConfig    map[string]any
	EntityType      *string
	KeyField        *string
	FieldMappings   []types.FieldMapping
	Transformations map[string]types.TransformDef
	Filters         *types.PairFilters
	Schedule        *string
}

type pairRegistry struct {
	store      ports.PairStore
	transforms mapping.Registry
	catalog    AdapterCatalog
	operations OperationProbe
	audit      auditlog.Sink
}

// NewPairRegistry wires the registry service. catalog, operations, and audit
// may be nil; config schema checks, the delete-while-running guard, and
// audit emission are skipped then.
func NewPairRegistry(store ports.PairStore, transforms mapping.Registry, catalog AdapterCatalog, operations OperationProbe, audit auditlog.Sink) PairRegistry {
	return &pairRegistry{store: store, transforms: transforms, catalog: catalog, operations: operations, audit: audit}
}

func (r *pairRegistry) Create(ctx context.Context, countyID string, req CreatePairRequest) (types.SyncPair, error) {
	pair := types.SyncPair{
		CountyID:        strings.TrimSpace(countyID),
		Name:            strings.TrimSpace(req.Name),
		SourceSystem:    strings.TrimSpace(req.SourceSystem),
		TargetSystem:    strings.TrimSpace(req.TargetSystem),
		SourceConfig:    req.SourceConfig,
		TargetConfig:    req.TargetConfig,
		EntityType:      strings.TrimSpace(req.EntityType),
		KeyField:        strings.TrimSpace(req.KeyField),
		FieldMappings:   req.FieldMappings,
		Transformations: req.Transformations,
		Filters:         req.Filters,
		Schedule:        strings.TrimSpace(req.Schedule),
		IsActive:        req.IsActive,
	}
	if err := r.validatePair(&pair); err != nil {
		return types.SyncPair{}, err
	}

	pair.PairUUID = newPairUUID()
	now := timeNow().UTC()
	pair.CreatedAt = now
	pair.UpdatedAt = now
	created, err := r.store.CreatePair(ctx, countyID, pair)
	if err != nil {
		return types.SyncPair{}, err
	}
	r.auditPair(ctx, countyID, auditlog.ActionPairCreated, created.PairUUID, map[string]any{"name": created.Name})
	return created, nil
}

func (r *pairRegistry) Update(ctx context.Context, countyID string, req UpdatePairRequest) (types.SyncPair, error) {
	pairUUID := strings.TrimSpace(req.PairUUID)
	if pairUUID == "" {
		return types.SyncPair{}, syncerr.NewInvalidInput("pair_uuid is required")
	}
	existing, err := r.store.GetPair(ctx, countyID, pairUUID)
	if err != nil {
		return types.SyncPair{}, err
	}

	pair := existing.Clone()
	if req.Name != nil {
		pair.Name = strings.TrimSpace(*req.Name)
	}
	if req.SourceSystem != nil {
		pair.SourceSystem = strings.TrimSpace(*req.SourceSystem)
	}
	if req.TargetSystem != nil {
		pair.TargetSystem = strings.TrimSpace(*req.TargetSystem)
	}
	if req.SourceConfig != nil {
		pair.SourceConfig = req.SourceConfig
	}
	if req.TargetConfig != nil {
		pair.TargetConfig = req.TargetConfig
	}
	if req.EntityType != nil {
		pair.EntityType = strings.TrimSpace(*req.EntityType)
	}
	if req.KeyField != nil {
		pair.KeyField = strings.TrimSpace(*req.KeyField)
	}
	if req.FieldMappings != nil {
		pair.FieldMappings = req.FieldMappings
	}
	if req.Transformations != nil {
		pair.Transformations = req.Transformations
	}
	if req.Filters != nil {
		pair.Filters = *req.Filters
	}
	if req.Schedule != nil {
		pair.Schedule = strings.TrimSpace(*req.Schedule)
	}

	// The merged definition re-runs the full create-time validation.
	if err := r.validatePair(&pair); err != nil {
		return types.SyncPair{}, err
	}
	pair.UpdatedAt = timeNow().UTC()
	updated, err := r.store.UpdatePair(ctx, countyID, pair)
	if err != nil {
		return types.SyncPair{}, err
	}
	r.auditPair(ctx, countyID, auditlog.ActionPairUpdated, updated.PairUUID, map[string]any{"name": updated.Name})
	return updated, nil
}

func (r *pairRegistry) SetActive(ctx context.Context, countyID string, pairUUID string, active bool) (types.SyncPair, error) {
	pairUUID = strings.TrimSpace(pairUUID)
	if pairUUID == "" {
		return types.SyncPair{}, syncerr.NewInvalidInput("pair_uuid is required")
	}
	pair, err := r.store.SetPairActive(ctx, countyID, pairUUID, active)
	if err != nil {
		return types.SyncPair{}, err
	}
	r.auditPair(ctx, countyID, auditlog.ActionPairToggled, pair.PairUUID, map[string]any{"is_active": active})
	return pair, nil
}

func (r *pairRegistry) Delete(ctx context.Context, countyID string, pairUUID string) error {
	pairUUID = strings.TrimSpace(pairUUID)
	if pairUUID == "" {
		return syncerr.NewInvalidInput("pair_uuid is required")
	}
	pair, err := r.store.GetPair(ctx, countyID, pairUUID)
	if err != nil {
		return err
	}
	if pair.IsActive {
		return syncerr.NewConflict("pair is active; deactivate before deleting")
	}
	if r.operations != nil {
		busy, err := r.operations.HasActiveOperationForPair(ctx, countyID, pairUUID)
		if err != nil {
			return err
		}
		if busy {
			return syncerr.NewConflict("pair has an operation in progress")
		}
	}
	if err := r.store.DeletePair(ctx, countyID, pairUUID); err != nil {
		return err
	}
	r.auditPair(ctx, countyID, auditlog.ActionPairDeleted, pairUUID, map[string]any{"name": pair.Name})
	return nil
}

func (r *pairRegistry) Get(ctx context.Context, countyID string, pairUUID string) (types.SyncPair, error) {
	pairUUID = strings.TrimSpace(pairUUID)
	if pairUUID == "" {
		return types.SyncPair{}, syncerr.NewInvalidInput("pair_uuid is required")
	}
	return r.store.GetPair(ctx, countyID, pairUUID)
}

func (r *pairRegistry) List(ctx context.Context, countyID string, filter types.PairListFilter) ([]types.SyncPair, error) {
	return r.store.ListPairs(ctx, countyID, filter)
}

func (r *pairRegistry) auditPair(ctx context.Context, countyID string, action auditlog.Action, pairUUID string, details map[string]any) {
	auditlog.Emit(ctx, r.audit, auditlog.Event{
		CountyID:   countyID,
		Action:     action,
		EntityKind: "sync_pair",
		EntityUUID: pairUUID,
		Details:    details,
	})
}

func (r *pairRegistry) validatePair(pair *types.SyncPair) error {
	if pair.CountyID == "" {
		return syncerr.NewInvalidInput("county is required")
	}
	if pair.Name == "" {
		return syncerr.NewInvalidInput("name is required")
	}
	if pair.SourceSystem == "" {
		return syncerr.NewInvalidInput("source_system is required")
	}
	if pair.TargetSystem == "" {
		return syncerr.NewInvalidInput("target_system is required")
	}
	if pair.EntityType == "" {
		return syncerr.NewInvalidInput("entity_type is required")
	}
	if err := mapping.ValidatePath(pair.KeyField); err != nil {
		return syncerr.NewInvalidInput(fmt.Sprintf("key_field: %v", err))
	}
	if len(pair.FieldMappings) == 0 {
		return syncerr.NewInvalidInput("at least one field mapping is required")
	}

	for name, def := range pair.Transformations {
		if strings.TrimSpace(name) == "" {
			return syncerr.NewInvalidInput("transformations: empty name")
		}
		if _, ok := r.transforms.Lookup(def.Base); !ok {
			return syncerr.NewInvalidInput(fmt.Sprintf("transformations[%s]: unknown base transform %q", name, def.Base))
		}
	}

	effective := mapping.WithPairTransforms(r.transforms, pair.Transformations)
	seenTargets := make(map[string]struct{}, len(pair.FieldMappings))
	for i, m := range pair.FieldMappings {
		if err := mapping.ValidatePath(m.SourceField); err != nil {
			return syncerr.NewInvalidInput(fmt.Sprintf("field_mappings[%d].source_field: %v", i, err))
		}
		if err := mapping.ValidatePath(m.TargetField); err != nil {
			return syncerr.NewInvalidInput(fmt.Sprintf("field_mappings[%d].target_field: %v", i, err))
		}
		if !m.DataType.Valid() {
			return syncerr.NewInvalidInput(fmt.Sprintf("field_mappings[%d].data_type: unknown type %q", i, string(m.DataType)))
		}
		if _, dup := seenTargets[m.TargetField]; dup {
			return syncerr.NewInvalidInput(fmt.Sprintf("field_mappings[%d]: duplicate target_field %q", i, m.TargetField))
		}
		seenTargets[m.TargetField] = struct{}{}
		if m.DefaultValue != nil {
			if _, err := mapping.Coerce(m.DefaultValue, m.DataType); err != nil {
				return syncerr.NewInvalidInput(fmt.Sprintf("field_mappings[%d].default_value: %v", i, err))
			}
		}
		if m.Transformation != "" {
			if _, ok := effective.Lookup(m.Transformation); !ok {
				return syncerr.NewInvalidInput(fmt.Sprintf("field_mappings[%d]: unknown transformation %q", i, m.Transformation))
			}
		}
		for j, rule := range m.ValidationRules {
			if err := mapping.ValidateRuleDef(rule); err != nil {
				return syncerr.NewInvalidInput(fmt.Sprintf("field_mappings[%d].validation_rules[%d]: %v", i, j, err))
			}
		}
	}

	if _, err := CompileRecordFilter(pair.Filters.Record); err != nil {
		return err
	}
	if err := ValidateSchedule(pair.Schedule); err != nil {
		return err
	}

	if r.catalog != nil {
		if err := r.catalog.ValidateSourceConfig(pair.SourceSystem, pair.SourceConfig); err != nil {
			return err
		}
		if err := r.catalog.ValidateTargetConfig(pair.TargetSystem, pair.TargetConfig); err != nil {
			return err
		}
	}
	return nil
}
