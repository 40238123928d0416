package models

import (
	"time"

	"github.com/google/uuid"
)

// TransformKind names how a source value becomes a target value.
type TransformKind string

const (
	// TransformDirect copies the value, coercing to the declared target type.
	TransformDirect TransformKind = "direct"
	// TransformLookup resolves a remote foreign key to a canonical id.
	TransformLookup TransformKind = "lookup"
	// TransformFormat applies a declared cleanup to the value.
	TransformFormat TransformKind = "format"
	// TransformDefault supplies a constant when the source value is absent.
	TransformDefault TransformKind = "default"
)

// FieldType is a declared field type on either side of a mapping.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeDate    FieldType = "date"
	FieldTypeBoolean FieldType = "boolean"
)

// FormatKind names the cleanup applied by a format transform.
type FormatKind string

const (
	FormatHTMLStrip      FormatKind = "html_strip"
	FormatTrim           FormatKind = "trim"
	FormatEmailLowercase FormatKind = "email_lowercase"
	FormatPhone          FormatKind = "phone"
)

// ConflictPolicy selects how the merge engine resolves disagreeing field
// values between the incoming source and the stored canonical record.
type ConflictPolicy string

const (
	// PolicySourceMaster always takes the incoming source's value.
	PolicySourceMaster ConflictPolicy = "source_master"
	// PolicyLastUpdatedWins compares record update timestamps.
	PolicyLastUpdatedWins ConflictPolicy = "last_updated_wins"
	// PolicySmartMerge keeps the stored value and records a conflict entry.
	PolicySmartMerge ConflictPolicy = "smart_merge"
)

// FieldMapping is one rule in an entity mapping's ordered rule list.
// System-provided mappings can be disabled but never deleted.
type FieldMapping struct {
	SourceField string        `json:"source_field"`
	SourceType  FieldType     `json:"source_type"`
	TargetField string        `json:"target_field"`
	TargetType  FieldType     `json:"target_type"`
	Transform   TransformKind `json:"transform"`

	// Format names the cleanup for format transforms.
	Format FormatKind `json:"format,omitempty"`
	// DefaultValue is the constant for default transforms.
	DefaultValue any `json:"default_value,omitempty"`
	// LookupEntity is the referenced entity type for lookup transforms.
	LookupEntity string `json:"lookup_entity,omitempty"`

	IsRequired bool `json:"is_required"`
	IsKeyField bool `json:"is_key_field"`
	Enabled    bool `json:"enabled"`
	IsSystem   bool `json:"is_system"`
}

// EntityMapping binds one remote object type to one local collection.
// Disabling it halts future syncs for the entity without deleting history.
type EntityMapping struct {
	ID              uuid.UUID      `json:"id"`
	Source          Source         `json:"source"`
	RemoteModel     string         `json:"remote_model"`     // e.g. "res.partner", "Opportunity", "deals"
	LocalCollection string         `json:"local_collection"` // e.g. "accounts", "opportunities"
	SyncEnabled     bool           `json:"sync_enabled"`
	ConflictPolicy  ConflictPolicy `json:"conflict_policy"`
	FieldMappings   []FieldMapping `json:"field_mappings"`
	LastSyncAt      *time.Time     `json:"last_sync_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// EnabledFieldMappings returns the enabled rules in declaration order.
func (m *EntityMapping) EnabledFieldMappings() []FieldMapping {
	enabled := make([]FieldMapping, 0, len(m.FieldMappings))
	for _, fm := range m.FieldMappings {
		if fm.Enabled {
			enabled = append(enabled, fm)
		}
	}
	return enabled
}

// KeyFieldMapping returns the enabled mapping marked as the identity key,
// or nil when none is configured.
func (m *EntityMapping) KeyFieldMapping() *FieldMapping {
	for i := range m.FieldMappings {
		if m.FieldMappings[i].IsKeyField && m.FieldMappings[i].Enabled {
			return &m.FieldMappings[i]
		}
	}
	return nil
}
