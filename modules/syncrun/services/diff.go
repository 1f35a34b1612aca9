package services

import (
	"github.com/openparcel/parcelsync/modules/mapping"
	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
	runtypes "github.com/openparcel/parcelsync/modules/syncrun/domain/types"
)

// ComputeDiff compares the mapped candidate record against the record
// currently in the target system and classifies the change for one entity.
// Only target fields named by the pair's mappings participate; fields the
// evaluator omitted (failed optional mappings) are skipped rather than
// treated as removals. Before/after values are captured only for fields
// whose canonical forms differ, so a no_change diff carries no field data.
//
// The returned diff has ChangeType, FieldChanges, EntityType and EntityID
// populated; the executor fills in identity, status and timestamps when it
// persists the row.
func ComputeDiff(pair pairtypes.SyncPair, entityID string, candidate, existing map[string]any) runtypes.SyncDiff {
	d := runtypes.SyncDiff{
		EntityType: pair.EntityType,
		EntityID:   entityID,
	}
	switch {
	case candidate == nil && existing == nil:
		d.ChangeType = runtypes.ChangeNoChange
	case existing == nil:
		d.ChangeType = runtypes.ChangeCreate
		d.FieldChanges = presentChanges(pair, candidate, false)
	case candidate == nil:
		d.ChangeType = runtypes.ChangeDelete
		d.FieldChanges = presentChanges(pair, existing, true)
	default:
		changes := updateChanges(pair, candidate, existing)
		if len(changes) == 0 {
			d.ChangeType = runtypes.ChangeNoChange
		} else {
			d.ChangeType = runtypes.ChangeUpdate
			d.FieldChanges = changes
		}
	}
	return d
}

// presentChanges records one-sided field values: all mapped fields present
// in the record, as After for creates or Before for deletes.
func presentChanges(pair pairtypes.SyncPair, record map[string]any, before bool) map[string]runtypes.FieldChange {
	changes := make(map[string]runtypes.FieldChange)
	for _, m := range pair.FieldMappings {
		if _, ok := changes[m.TargetField]; ok {
			continue
		}
		v, ok := mapping.ExtractPath(record, m.TargetField)
		if !ok {
			continue
		}
		if before {
			changes[m.TargetField] = runtypes.FieldChange{Before: v}
		} else {
			changes[m.TargetField] = runtypes.FieldChange{After: v}
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

func updateChanges(pair pairtypes.SyncPair, candidate, existing map[string]any) map[string]runtypes.FieldChange {
	var changes map[string]runtypes.FieldChange
	for _, m := range pair.FieldMappings {
		if _, ok := changes[m.TargetField]; ok {
			continue
		}
		candVal, ok := mapping.ExtractPath(candidate, m.TargetField)
		if !ok {
			continue
		}
		exVal, _ := mapping.ExtractPath(existing, m.TargetField)
		if canonicalEqual(candVal, exVal) {
			continue
		}
		if changes == nil {
			changes = make(map[string]runtypes.FieldChange)
		}
		changes[m.TargetField] = runtypes.FieldChange{Before: exVal, After: candVal}
	}
	return changes
}
