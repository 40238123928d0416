package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the lifecycle state of one sync run.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
	// SyncStatusSkipped marks an entity a batch run never started, e.g. its
	// mapping was disabled. It appears in batch results only, never in
	// sync_logs rows.
	SyncStatusSkipped SyncStatus = "skipped"
)

// RecordError is one per-record failure captured during a run.
type RecordError struct {
	SourceID string `json:"source_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Rule     string `json:"rule,omitempty"`
	Message  string `json:"message"`
}

// SyncLog is the append-only record of one sync run for one entity mapping.
// It is the only durable record of run outcomes; there is no retry queue.
type SyncLog struct {
	ID              uuid.UUID     `json:"id"`
	Source          Source        `json:"source"`
	EntityMappingID uuid.UUID     `json:"entity_mapping_id"`
	EntityType      string        `json:"entity_type"`
	Status          SyncStatus    `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	Processed       int           `json:"processed"`
	Created         int           `json:"created"`
	Updated         int           `json:"updated"`
	Failed          int           `json:"failed"`
	Errors          []RecordError `json:"errors,omitempty"`
	Message         string        `json:"message,omitempty"`
}

// CountsConsistent reports whether created + updated + failed <= processed.
// Records excluded from canonical by soft-delete reconciliation or skipped
// duplicates account for the difference.
func (l *SyncLog) CountsConsistent() bool {
	return l.Created+l.Updated+l.Failed <= l.Processed
}

// AppendError adds a per-record error, keeping at most max entries.
// The failure is still counted by the caller; only the detail list is bounded.
func (l *SyncLog) AppendError(e RecordError, max int) {
	if max > 0 && len(l.Errors) >= max {
		return
	}
	l.Errors = append(l.Errors, e)
}
