package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revlake/revlake-engine/pkg/models"
)

func floatPtr(f float64) *float64 { return &f }

func mapped(fields map[string]any) *MappedRecord {
	return &MappedRecord{Fields: fields, SourceID: "1", KeyValue: "key"}
}

func TestValidateRequired(t *testing.T) {
	rules := []Rule{{Field: "name", Kind: RuleRequired, Severity: SeverityError}}

	result := Validate(mapped(map[string]any{"name": "Acme"}), rules)
	assert.True(t, result.Valid)

	result = Validate(mapped(map[string]any{}), rules)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "name", result.Errors[0].Field)
	assert.Equal(t, "required", result.Errors[0].Rule)
}

func TestValidateEmail(t *testing.T) {
	rules := []Rule{{Field: "email", Kind: RuleEmail, Severity: SeverityError}}

	assert.True(t, Validate(mapped(map[string]any{"email": "a@b.com"}), rules).Valid)
	assert.False(t, Validate(mapped(map[string]any{"email": "not-an-email"}), rules).Valid)
	// Absent optional email passes.
	assert.True(t, Validate(mapped(map[string]any{}), rules).Valid)
}

func TestValidateRange(t *testing.T) {
	rules := []Rule{{Field: "probability", Kind: RuleRange, Severity: SeverityError, Min: floatPtr(0), Max: floatPtr(100)}}

	assert.True(t, Validate(mapped(map[string]any{"probability": float64(55)}), rules).Valid)
	assert.False(t, Validate(mapped(map[string]any{"probability": float64(140)}), rules).Valid)
	assert.False(t, Validate(mapped(map[string]any{"probability": "high"}), rules).Valid)
}

func TestValidatePattern(t *testing.T) {
	rules := []Rule{{Field: "source_ref", Kind: RulePattern, Severity: SeverityError, Pattern: `^[0-9a-zA-Z]{15,18}$`}}

	assert.True(t, Validate(mapped(map[string]any{"source_ref": "001xx000003DGbQAAW"}), rules).Valid)
	assert.False(t, Validate(mapped(map[string]any{"source_ref": "nope"}), rules).Valid)
}

func TestValidateWarningDoesNotBlock(t *testing.T) {
	rules := []Rule{{Field: "close_date", Kind: RuleDate, Severity: SeverityWarning}}

	result := Validate(mapped(map[string]any{"close_date": "sometime"}), rules)
	assert.True(t, result.Valid)
	assert.Len(t, result.Warnings, 1)
	assert.Empty(t, result.Errors)
}

func TestValidateMissingKeyValueFails(t *testing.T) {
	rec := &MappedRecord{Fields: map[string]any{"name": "Acme"}, SourceID: "1"}

	result := Validate(rec, nil)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "identity key")
}

func TestValidateCarriesMapperErrors(t *testing.T) {
	rec := mapped(map[string]any{})
	rec.Errors = []FieldIssue{{Field: "value", Message: "cannot coerce"}}

	result := Validate(rec, nil)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "coercion", result.Errors[0].Rule)
}

func TestRulesForMapping(t *testing.T) {
	m := &models.EntityMapping{FieldMappings: []models.FieldMapping{
		{SourceField: "dealname", TargetField: "name", IsRequired: true, Enabled: true},
		{SourceField: "email", TargetField: "email", Transform: models.TransformFormat, Format: models.FormatEmailLowercase, Enabled: true},
		{SourceField: "disabled", TargetField: "skip", IsRequired: true, Enabled: false},
	}}

	rules := RulesForMapping(m)
	require.Len(t, rules, 2)
	assert.Equal(t, RuleRequired, rules[0].Kind)
	assert.Equal(t, "name", rules[0].Field)
	assert.Equal(t, RuleEmail, rules[1].Kind)
}
