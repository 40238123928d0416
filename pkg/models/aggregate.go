package models

import "time"

// ServingAggregate is one precomputed serving-zone view, recomputed from the
// canonical store after each non-failed sync run.
type ServingAggregate struct {
	Name       string         `json:"name"` // e.g. "record_counts", "pipeline_by_stage"
	EntityType string         `json:"entity_type,omitempty"`
	Payload    map[string]any `json:"payload"`
	ComputedAt time.Time      `json:"computed_at"`
}

// ZoneStats holds per-zone record counts for the data-lake stats endpoint.
type ZoneStats struct {
	RawRecords       int64            `json:"raw_records"`
	CanonicalRecords int64            `json:"canonical_records"`
	CanonicalActive  int64            `json:"canonical_active"`
	ServingViews     int64            `json:"serving_views"`
	SyncRuns         int64            `json:"sync_runs"`
	ByEntityType     map[string]int64 `json:"by_entity_type"`
}
