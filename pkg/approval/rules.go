// Package approval turns a filled request into an approved executable one
// or rejects it: field validation, the approval state machine, and the
// audit trail live here.
package approval

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/registry"
)

// FieldRule constrains one request field.
type FieldRule struct {
	Required bool
	Type     string // "string" or "number"
	Patterns []*regexp.Regexp
	Enum     []string
	Min      *float64
	Max      *float64
}

var (
	resourceIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[A-Z]{2,4}-\d{3,4}$`),
		regexp.MustCompile(`^[A-Z]{3,4}\d{3}$`),
		regexp.MustCompile(`^[A-Z]\d{3,4}$`),
		regexp.MustCompile(`^\d{3,4}$`),
	}
	isoDatePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoDateTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?$`)
)

func numRange(min, max float64) (*float64, *float64) { return &min, &max }

// DefaultRules is the registry of field rules for fleet requests.
func DefaultRules() *registry.BaseRegistry[FieldRule] {
	rules := registry.NewBaseRegistry[FieldRule]()

	for _, field := range []string{"resource_id", "vehicle_id"} {
		rules.Replace(field, FieldRule{Required: true, Type: "string", Patterns: resourceIDPatterns})
	}
	for _, field := range []string{"date", "start_date", "end_date", "due_date"} {
		rules.Replace(field, FieldRule{Type: "string", Patterns: []*regexp.Regexp{isoDatePattern}})
	}
	for _, field := range []string{"start_time", "end_time", "scheduled_at"} {
		rules.Replace(field, FieldRule{Type: "string", Patterns: []*regexp.Regexp{isoDateTimePattern}})
	}

	rules.Replace("priority", FieldRule{Type: "string",
		Enum: []string{"low", "medium", "high", "urgent"}})
	rules.Replace("status", FieldRule{Type: "string",
		Enum: []string{"active", "inactive", "pending", "completed", "cancelled"}})
	rules.Replace("maintenance_type", FieldRule{Type: "string",
		Enum: []string{"routine", "repair", "inspection", "emergency"}})

	yearMin, yearMax := numRange(2000, 2025)
	rules.Replace("year", FieldRule{Type: "number", Min: yearMin, Max: yearMax})
	paxMin, paxMax := numRange(1, 8)
	rules.Replace("passenger_count", FieldRule{Type: "number", Min: paxMin, Max: paxMax})

	return rules
}

// ValidateRequest checks every field of request against the rule registry
// plus the cross-field constraints. Fields with no rule pass unchecked;
// the _meta provenance subobject is skipped.
func ValidateRequest(request map[string]any, rules registry.Registry[FieldRule]) []models.ValidationFinding {
	var findings []models.ValidationFinding

	for field, value := range request {
		if field == "_meta" {
			continue
		}
		rule, ok := rules.Get(field)
		if !ok {
			continue
		}
		// A required field present as an empty string is an unfilled
		// slot; templates that never carry the field are unaffected.
		if rule.Required && isEmpty(value) {
			findings = append(findings, models.ValidationFinding{
				Field:    field,
				Severity: models.SeverityError,
				Message:  "required field is missing",
			})
			continue
		}
		findings = append(findings, checkField(field, value, rule)...)
	}

	findings = append(findings, checkTimeOrder(request)...)
	return findings
}

func isEmpty(v any) bool {
	s, ok := v.(string)
	return ok && s == ""
}

func checkField(field string, value any, rule FieldRule) []models.ValidationFinding {
	var findings []models.ValidationFinding
	fail := func(message, suggestion string) {
		findings = append(findings, models.ValidationFinding{
			Field:      field,
			Severity:   models.SeverityError,
			Message:    message,
			Suggestion: suggestion,
		})
	}

	switch rule.Type {
	case "number":
		if isEmpty(value) {
			// Unfilled slot; the required check reports missing fields.
			return findings
		}
		n, ok := asNumber(value)
		if !ok {
			fail(fmt.Sprintf("%v is not a number", value), "")
			return findings
		}
		if rule.Min != nil && n < *rule.Min {
			fail(fmt.Sprintf("%g is below the minimum %g", n, *rule.Min), "")
		}
		if rule.Max != nil && n > *rule.Max {
			fail(fmt.Sprintf("%g is above the maximum %g", n, *rule.Max), "")
		}
	default:
		s, ok := value.(string)
		if !ok {
			fail(fmt.Sprintf("%v is not a string", value), "")
			return findings
		}
		if s == "" {
			// Unfilled slot; the required check reports missing fields.
			return findings
		}
		if len(rule.Patterns) > 0 && !matchAny(rule.Patterns, s) {
			fail(fmt.Sprintf("%q does not match the expected format", s), "")
		}
		if len(rule.Enum) > 0 && !contains(rule.Enum, s) {
			fail(fmt.Sprintf("%q is not one of the allowed values", s),
				fmt.Sprintf("use one of %v", rule.Enum))
		}
	}
	return findings
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseDateTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// checkTimeOrder flags an end_time at or before start_time.
func checkTimeOrder(request map[string]any) []models.ValidationFinding {
	startRaw, _ := request["start_time"].(string)
	endRaw, _ := request["end_time"].(string)
	if startRaw == "" || endRaw == "" {
		return nil
	}
	start, okStart := parseDateTime(startRaw)
	end, okEnd := parseDateTime(endRaw)
	if !okStart || !okEnd {
		return nil
	}
	if !end.After(start) {
		return []models.ValidationFinding{{
			Field:      "end_time",
			Severity:   models.SeverityError,
			Message:    "end before start",
			Suggestion: "set end_time after start_time",
		}}
	}
	return nil
}
