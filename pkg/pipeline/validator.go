package pipeline

import (
	"fmt"
	"regexp"

	"github.com/revlake/revlake-engine/pkg/models"
)

// Severity classifies a validation failure. Errors block canonical load;
// warnings do not.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// RuleKind names a validation rule.
type RuleKind string

const (
	RuleRequired RuleKind = "required"
	RuleEmail    RuleKind = "email"
	RuleDate     RuleKind = "date"
	RuleRange    RuleKind = "range"
	RulePattern  RuleKind = "pattern"
)

// Rule is one per-entity validation rule applied to a canonical partial.
type Rule struct {
	Field    string
	Kind     RuleKind
	Severity Severity
	Min      *float64
	Max      *float64
	Pattern  string

	compiled *regexp.Regexp
}

// ValidationResult is the outcome of validating one mapped record.
type ValidationResult struct {
	Valid    bool
	Errors   []models.RecordError
	Warnings []models.RecordError
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Validate checks a canonical partial against the given rules plus any
// coercion errors the mapper already raised. It is pure: no I/O, no mutation
// of the record.
func Validate(rec *MappedRecord, rules []Rule) *ValidationResult {
	result := &ValidationResult{Valid: true}

	// Mapper-level coercion failures count as validation errors.
	for _, issue := range rec.Errors {
		result.add(models.RecordError{
			SourceID: rec.SourceID,
			Field:    issue.Field,
			Rule:     "coercion",
			Message:  issue.Message,
		}, SeverityError)
	}

	// A record without a resolved identity key is never eligible for merge.
	if rec.KeyValue == "" {
		result.add(models.RecordError{
			SourceID: rec.SourceID,
			Rule:     string(RuleRequired),
			Message:  "identity key field did not resolve to a value",
		}, SeverityError)
	}

	for i := range rules {
		rule := &rules[i]
		value, present := rec.Fields[rule.Field]
		absent := !present || isAbsent(value)

		switch rule.Kind {
		case RuleRequired:
			if absent {
				result.add(models.RecordError{
					SourceID: rec.SourceID,
					Field:    rule.Field,
					Rule:     string(RuleRequired),
					Message:  fmt.Sprintf("required field %s is missing", rule.Field),
				}, rule.Severity)
			}

		case RuleEmail:
			if absent {
				continue
			}
			if !emailRe.MatchString(asString(value)) {
				result.add(models.RecordError{
					SourceID: rec.SourceID,
					Field:    rule.Field,
					Rule:     string(RuleEmail),
					Message:  fmt.Sprintf("%s is not a valid email address", rule.Field),
				}, rule.Severity)
			}

		case RuleDate:
			if absent {
				continue
			}
			if _, err := coerceDate(value); err != nil {
				result.add(models.RecordError{
					SourceID: rec.SourceID,
					Field:    rule.Field,
					Rule:     string(RuleDate),
					Message:  fmt.Sprintf("%s is not a valid date", rule.Field),
				}, rule.Severity)
			}

		case RuleRange:
			if absent {
				continue
			}
			n, err := coerceNumber(value)
			if err != nil {
				result.add(models.RecordError{
					SourceID: rec.SourceID,
					Field:    rule.Field,
					Rule:     string(RuleRange),
					Message:  fmt.Sprintf("%s is not numeric", rule.Field),
				}, rule.Severity)
				continue
			}
			if (rule.Min != nil && n < *rule.Min) || (rule.Max != nil && n > *rule.Max) {
				result.add(models.RecordError{
					SourceID: rec.SourceID,
					Field:    rule.Field,
					Rule:     string(RuleRange),
					Message:  fmt.Sprintf("%s value %v is out of range", rule.Field, n),
				}, rule.Severity)
			}

		case RulePattern:
			if absent {
				continue
			}
			if rule.compiled == nil {
				compiled, err := regexp.Compile(rule.Pattern)
				if err != nil {
					continue // a broken rule must not fail records
				}
				rule.compiled = compiled
			}
			if !rule.compiled.MatchString(asString(value)) {
				result.add(models.RecordError{
					SourceID: rec.SourceID,
					Field:    rule.Field,
					Rule:     string(RulePattern),
					Message:  fmt.Sprintf("%s does not match the expected format", rule.Field),
				}, rule.Severity)
			}
		}
	}

	return result
}

func (r *ValidationResult) add(e models.RecordError, severity Severity) {
	if severity == SeverityWarning {
		r.Warnings = append(r.Warnings, e)
		return
	}
	r.Errors = append(r.Errors, e)
	r.Valid = false
}

// RulesForMapping derives the baseline rule set from an entity mapping:
// every required field gets a required rule, email-formatted fields get an
// email rule, date-typed targets get a date rule.
func RulesForMapping(m *models.EntityMapping) []Rule {
	var rules []Rule
	for _, fm := range m.EnabledFieldMappings() {
		if fm.IsRequired {
			rules = append(rules, Rule{Field: fm.TargetField, Kind: RuleRequired, Severity: SeverityError})
		}
		if fm.Format == models.FormatEmailLowercase {
			rules = append(rules, Rule{Field: fm.TargetField, Kind: RuleEmail, Severity: SeverityError})
		}
		if fm.TargetType == models.FieldTypeDate && fm.Transform == models.TransformFormat {
			rules = append(rules, Rule{Field: fm.TargetField, Kind: RuleDate, Severity: SeverityWarning})
		}
	}
	return rules
}
