package models

import (
	"time"

	"github.com/google/uuid"
)

// ConflictStatus is the review state of a recorded merge conflict.
type ConflictStatus string

const (
	ConflictStatusOpen     ConflictStatus = "open"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// Conflict records a field-level disagreement surfaced by the smart_merge
// policy: the stored value was kept, the incoming value was flagged for a
// human to resolve.
type Conflict struct {
	ID             uuid.UUID      `json:"id"`
	CanonicalID    uuid.UUID      `json:"canonical_id"`
	EntityType     string         `json:"entity_type"`
	Field          string         `json:"field"`
	ExistingValue  any            `json:"existing_value"`
	IncomingValue  any            `json:"incoming_value"`
	IncomingSource Source         `json:"incoming_source"`
	Status         ConflictStatus `json:"status"`
	// Resolution is "keep_existing" or "take_incoming" once resolved.
	Resolution string     `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
