package pipeline

import (
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/revlake/revlake-engine/pkg/models"
)

// MergeAction says whether a merge decision creates a new canonical record
// or updates an existing one.
type MergeAction string

const (
	ActionCreate MergeAction = "create"
	ActionUpdate MergeAction = "update"
	// ActionNone means the incoming record changed nothing; the caller
	// persists nothing and counts neither a create nor an update.
	ActionNone MergeAction = "none"
)

// MergeInput carries the context one merge decision needs.
type MergeInput struct {
	EntityType string
	Source     models.Source
	SourceID   string
	Policy     models.ConflictPolicy
	Now        time.Time
}

// MergeDecision is the outcome of merging one mapped record.
type MergeDecision struct {
	Action    MergeAction
	Record    *models.CanonicalRecord
	Conflicts []models.Conflict
}

// Merge folds a validated canonical partial into the canonical zone.
// existing is the record matched by identity key, or nil on first sight.
// The decision is pure; the caller persists Record and Conflicts.
func Merge(existing *models.CanonicalRecord, incoming *MappedRecord, in MergeInput) *MergeDecision {
	if existing == nil {
		rec := &models.CanonicalRecord{
			ID:              uuid.New(),
			EntityType:      in.EntityType,
			KeyValue:        incoming.KeyValue,
			Fields:          lo.Assign(map[string]any{}, incoming.Fields),
			SourceUpdatedAt: incoming.LastModified,
			IsActive:        true,
			LastSynced:      in.Now,
			CreatedAt:       in.Now,
			UpdatedAt:       in.Now,
		}
		rec.TouchSource(in.Source, in.SourceID, in.Now)
		return &MergeDecision{Action: ActionCreate, Record: rec}
	}

	decision := &MergeDecision{Action: ActionUpdate, Record: existing}

	before := lo.Assign(map[string]any{}, existing.Fields)
	wasActive := existing.IsActive
	hadSource := existing.HasSource(in.Source, in.SourceID)

	switch in.Policy {
	case models.PolicyLastUpdatedWins:
		if incomingNewer(existing, incoming) {
			overwrite(existing, incoming.Fields)
		} else {
			fillMissing(existing, incoming.Fields)
		}

	case models.PolicySmartMerge:
		decision.Conflicts = smartMerge(existing, incoming, in)

	default: // source_master: the incoming source always overwrites
		overwrite(existing, incoming.Fields)
	}

	// Replaying unchanged data is a no-op, not an update. Any conflicts
	// raised above are still the caller's to record.
	if wasActive && hadSource && reflect.DeepEqual(existing.Fields, before) {
		decision.Action = ActionNone
		return decision
	}

	// A soft-deleted record that reappears in a fetch comes back to life.
	if !existing.IsActive {
		existing.IsActive = true
		existing.DeactivatedAt = nil
	}

	if incoming.LastModified != nil &&
		(existing.SourceUpdatedAt == nil || incoming.LastModified.After(*existing.SourceUpdatedAt)) {
		existing.SourceUpdatedAt = incoming.LastModified
	}

	existing.TouchSource(in.Source, in.SourceID, in.Now)
	existing.LastSynced = in.Now
	existing.UpdatedAt = in.Now
	return decision
}

// incomingNewer compares source-side modification times for the
// last_updated_wins policy. Records stored before the source timestamp was
// tracked fall back to the local sync time.
func incomingNewer(existing *models.CanonicalRecord, incoming *MappedRecord) bool {
	if incoming.LastModified == nil {
		return true
	}
	ref := existing.SourceUpdatedAt
	if ref == nil {
		ref = &existing.LastSynced
	}
	return !incoming.LastModified.Before(*ref)
}

// overwrite takes every present incoming value.
func overwrite(rec *models.CanonicalRecord, fields map[string]any) {
	for k, v := range fields {
		if v == nil {
			// Null lookups must not clobber an already-resolved reference.
			if _, had := rec.Fields[k]; had {
				continue
			}
		}
		rec.Fields[k] = v
	}
}

// fillMissing only adds values the record does not have yet.
func fillMissing(rec *models.CanonicalRecord, fields map[string]any) {
	for k, v := range fields {
		if v == nil {
			continue
		}
		if current, ok := rec.Fields[k]; !ok || isAbsent(current) {
			rec.Fields[k] = v
		}
	}
}

// smartMerge keeps stored values and flags disagreements as conflicts.
func smartMerge(rec *models.CanonicalRecord, incoming *MappedRecord, in MergeInput) []models.Conflict {
	var conflicts []models.Conflict
	for k, v := range incoming.Fields {
		if v == nil {
			continue
		}
		current, ok := rec.Fields[k]
		if !ok || isAbsent(current) {
			rec.Fields[k] = v
			continue
		}
		if valuesEqual(current, v) {
			continue
		}
		conflicts = append(conflicts, models.Conflict{
			ID:             uuid.New(),
			CanonicalID:    rec.ID,
			EntityType:     in.EntityType,
			Field:          k,
			ExistingValue:  current,
			IncomingValue:  v,
			IncomingSource: in.Source,
			Status:         models.ConflictStatusOpen,
			CreatedAt:      in.Now,
		})
	}
	return conflicts
}

// valuesEqual compares field values loosely: numbers and their string forms
// from different sources should not spawn conflicts.
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return asString(a) == asString(b)
}
