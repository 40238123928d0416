package models

import (
	"time"

	"github.com/google/uuid"
)

// RawRecord is an immutable raw-zone row: exactly what a connector returned,
// tagged with its origin. Never updated or deleted by the pipeline.
type RawRecord struct {
	ID         int64          `json:"id"`
	Source     Source         `json:"source"`
	EntityType string         `json:"entity_type"`
	Payload    map[string]any `json:"payload"`
	FetchedAt  time.Time      `json:"fetched_at"`
	SyncRunID  uuid.UUID      `json:"sync_run_id"`
}

// SourceRef records one external system's contribution to a canonical record.
type SourceRef struct {
	Source    Source    `json:"source"`
	SourceID  string    `json:"source_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// CanonicalRecord is one merged, deduplicated real-world entity.
// Sources is never empty once the record exists. Records are soft-deleted
// (IsActive=false) when their source rows disappear from a fetch; the
// pipeline never hard-deletes them.
type CanonicalRecord struct {
	ID         uuid.UUID      `json:"id"`
	EntityType string         `json:"entity_type"`
	KeyValue   string         `json:"key_value"` // Resolved identity-key value used for merge
	Fields     map[string]any `json:"fields"`
	Sources    []SourceRef    `json:"_sources"`
	// SourceUpdatedAt is the newest source-side modification time seen for
	// this record; last_updated_wins compares against it, not sync time.
	SourceUpdatedAt *time.Time `json:"source_updated_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	DeactivatedAt   *time.Time `json:"deactivated_at,omitempty"`
	LastSynced      time.Time  `json:"last_synced"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasSource reports whether the record already carries a contribution from
// (source, sourceID).
func (r *CanonicalRecord) HasSource(source Source, sourceID string) bool {
	for _, ref := range r.Sources {
		if ref.Source == source && ref.SourceID == sourceID {
			return true
		}
	}
	return false
}

// TouchSource adds (source, sourceID) to the contribution list, or refreshes
// its LastSeen timestamp if already present. Order of first contribution is
// preserved.
func (r *CanonicalRecord) TouchSource(source Source, sourceID string, now time.Time) {
	for i := range r.Sources {
		if r.Sources[i].Source == source && r.Sources[i].SourceID == sourceID {
			r.Sources[i].LastSeen = now
			return
		}
	}
	r.Sources = append(r.Sources, SourceRef{
		Source:    source,
		SourceID:  sourceID,
		FirstSeen: now,
		LastSeen:  now,
	})
}
