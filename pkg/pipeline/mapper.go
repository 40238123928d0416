// Package pipeline holds the pure stages a sync run threads each record
// through: field mapping, validation, and canonical merge. Stages take their
// inputs explicitly and perform no I/O, so each is unit-testable on its own;
// the sync orchestrator wires them to the stores.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/revlake/revlake-engine/pkg/models"
)

// LookupResolver resolves a remote foreign key to the canonical id of the
// referenced entity, if that entity has already been synced.
type LookupResolver interface {
	ResolveReference(ctx context.Context, entityType string, source models.Source, sourceID string) (uuid.UUID, bool, error)
}

// FieldIssue is a per-field problem raised while mapping one record.
type FieldIssue struct {
	Field   string
	Message string
}

// MappedRecord is the output of the field mapper for one raw record:
// a canonical partial plus everything downstream stages need to know.
type MappedRecord struct {
	// Fields is the canonical partial.
	Fields map[string]any
	// SourceID is the record's id in the external system.
	SourceID string
	// KeyValue is the resolved identity-key value, normalized for merge.
	// Empty when the key field did not resolve - a validation failure.
	KeyValue string
	// LastModified is the source-side modification timestamp, when the
	// payload carried one. Used by the last_updated_wins policy.
	LastModified *time.Time
	// UnmappedSourceFields are payload fields no enabled rule covered.
	UnmappedSourceFields []string
	// Errors are blocking per-field failures (type coercion, bad key).
	Errors []FieldIssue
	// Warnings are non-blocking issues (unresolved lookups).
	Warnings []FieldIssue
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	phoneKeepRe  = regexp.MustCompile(`[^0-9+]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Per-source names for the record modification timestamp.
var lastModifiedFields = []string{
	"write_date",            // Odoo
	"SystemModstamp",        // Salesforce
	"hs_lastmodifieddate",   // HubSpot
	"lastModifiedDateTime",  // Microsoft Graph
}

// Map applies an entity mapping's enabled rules to one raw payload.
// Coercion failures become per-field errors, never panics; fields with no
// enabled rule are ignored and reported as unmapped.
func Map(ctx context.Context, raw map[string]any, mapping *models.EntityMapping, resolver LookupResolver) *MappedRecord {
	out := &MappedRecord{
		Fields:   make(map[string]any),
		SourceID: ExtractSourceID(raw),
	}

	mappedSourceFields := make(map[string]bool)

	for _, fm := range mapping.EnabledFieldMappings() {
		mappedSourceFields[fm.SourceField] = true
		value, present := raw[fm.SourceField]

		switch fm.Transform {
		case models.TransformDefault:
			if !present || isAbsent(value) {
				value = fm.DefaultValue
			}
			out.Fields[fm.TargetField] = value

		case models.TransformLookup:
			out.applyLookup(ctx, value, fm, mapping.Source, resolver)

		case models.TransformFormat:
			if !present || isAbsent(value) {
				continue
			}
			out.Fields[fm.TargetField] = applyFormat(asString(value), fm.Format)

		default: // direct
			if !present || isAbsent(value) {
				continue
			}
			coerced, err := CoerceValue(value, fm.TargetType)
			if err != nil {
				out.Errors = append(out.Errors, FieldIssue{
					Field:   fm.TargetField,
					Message: fmt.Sprintf("cannot coerce %q to %s: %v", fm.SourceField, fm.TargetType, err),
				})
				continue
			}
			out.Fields[fm.TargetField] = coerced
		}

		if fm.IsKeyField {
			if v, ok := out.Fields[fm.TargetField]; ok && !isAbsent(v) {
				out.KeyValue = NormalizeBusinessKey(asString(v))
			}
		}
	}

	for field := range raw {
		if !mappedSourceFields[field] {
			out.UnmappedSourceFields = append(out.UnmappedSourceFields, field)
		}
	}

	out.LastModified = extractLastModified(raw)
	return out
}

// applyLookup resolves a remote reference to a canonical id. An unresolved
// reference stays null with a warning; a later run backfills it once the
// referenced entity has synced.
func (out *MappedRecord) applyLookup(ctx context.Context, value any, fm models.FieldMapping, source models.Source, resolver LookupResolver) {
	refID := foreignKeyID(value)
	if refID == "" {
		return
	}

	if resolver == nil {
		out.Fields[fm.TargetField] = nil
		out.Warnings = append(out.Warnings, FieldIssue{Field: fm.TargetField, Message: "no lookup resolver available"})
		return
	}

	// The reference lives in the same external system as the record itself;
	// the mapping's source scopes the source-id lookup.
	canonicalID, found, err := resolver.ResolveReference(ctx, fm.LookupEntity, source, refID)
	if err != nil {
		out.Fields[fm.TargetField] = nil
		out.Warnings = append(out.Warnings, FieldIssue{Field: fm.TargetField, Message: fmt.Sprintf("lookup failed: %v", err)})
		return
	}
	if !found {
		out.Fields[fm.TargetField] = nil
		out.Warnings = append(out.Warnings, FieldIssue{
			Field:   fm.TargetField,
			Message: fmt.Sprintf("referenced %s %s not synced yet", fm.LookupEntity, refID),
		})
		return
	}
	out.Fields[fm.TargetField] = canonicalID.String()
}

// ExtractSourceID pulls the external record id out of a raw payload.
func ExtractSourceID(raw map[string]any) string {
	for _, key := range []string{"id", "Id", "ID"} {
		if v, ok := raw[key]; ok && !isAbsent(v) {
			return asString(v)
		}
	}
	return ""
}

// foreignKeyID extracts a remote FK value. Odoo many-to-one fields arrive as
// [id, display_name] pairs; flat scalars are used as-is.
func foreignKeyID(value any) string {
	if pair, ok := value.([]any); ok {
		if len(pair) > 0 && !isAbsent(pair[0]) {
			return asString(pair[0])
		}
		return ""
	}
	if isAbsent(value) {
		return ""
	}
	return asString(value)
}

// isAbsent treats nil, empty string, and Odoo's literal false-for-null as a
// missing value.
func isAbsent(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	}
	return false
}

// CoerceValue converts a raw value to the declared target type.
func CoerceValue(value any, target models.FieldType) (any, error) {
	switch target {
	case models.FieldTypeNumber:
		return coerceNumber(value)
	case models.FieldTypeBoolean:
		return coerceBool(value)
	case models.FieldTypeDate:
		t, err := coerceDate(value)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(time.RFC3339), nil
	default: // string
		return asString(value), nil
	}
}

func coerceNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not numeric", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric value of type %T", value)
	}
}

func coerceBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(v)))
		if err != nil {
			return false, fmt.Errorf("%q is not boolean", v)
		}
		return b, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("unsupported boolean value of type %T", value)
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func coerceDate(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		// Epoch milliseconds arrive as strings from HubSpot.
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1e11 {
			return time.UnixMilli(ms), nil
		}
		return time.Time{}, fmt.Errorf("%q is not a recognized date", v)
	case float64:
		return time.UnixMilli(int64(v)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported date value of type %T", value)
	}
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// applyFormat runs one declared cleanup.
func applyFormat(value string, kind models.FormatKind) string {
	switch kind {
	case models.FormatHTMLStrip:
		stripped := htmlTagRe.ReplaceAllString(value, "")
		return strings.TrimSpace(whitespaceRe.ReplaceAllString(stripped, " "))
	case models.FormatEmailLowercase:
		return strings.ToLower(strings.TrimSpace(value))
	case models.FormatPhone:
		cleaned := phoneKeepRe.ReplaceAllString(value, "")
		if i := strings.LastIndex(cleaned, "+"); i > 0 {
			cleaned = strings.ReplaceAll(cleaned[1:], "+", "")
			cleaned = "+" + cleaned
		}
		return cleaned
	default: // trim
		return strings.TrimSpace(value)
	}
}

// NormalizeBusinessKey canonicalizes an identity-key value so that the same
// real-world entity matches across sources: lowercase, trimmed, inner
// whitespace collapsed.
func NormalizeBusinessKey(value string) string {
	s := strings.ToLower(strings.TrimSpace(value))
	return whitespaceRe.ReplaceAllString(s, " ")
}

// extractLastModified finds a source-side modification timestamp in the raw
// payload, whichever source convention it uses.
func extractLastModified(raw map[string]any) *time.Time {
	for _, field := range lastModifiedFields {
		v, ok := raw[field]
		if !ok || isAbsent(v) {
			continue
		}
		if t, err := coerceDate(v); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
