package prompt

import (
	"fmt"
	"regexp"

	"github.com/kadirpekel/herald/pkg/models"
)

// Canonical entity patterns. These run locally so extracted entities can be
// annotated without another model round trip.
var (
	resourceIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[A-Z]{2,4}-\d{3,4}$`),
		regexp.MustCompile(`^[A-Z]{3,4}\d{3}$`),
		regexp.MustCompile(`^[A-Z]\d{3,4}$`),
		regexp.MustCompile(`^\d{3,4}$`),
	}

	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
		regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{4}$`),
	}

	timePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2})?$`),
		regexp.MustCompile(`^\d{1,2}(am|pm)$`),
		regexp.MustCompile(`^\d{1,2}:\d{2}(am|pm)$`),
		regexp.MustCompile(`^\d{1,2}-\d{1,2}(am|pm)$`),
	}

	vinCharset = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)
)

// ValidResourceID reports whether value matches one of the resource ID
// shapes (e.g. RES-1234, VEH001, B204, 1042).
func ValidResourceID(value string) bool {
	return matchAny(resourceIDPatterns, value)
}

// ValidDate accepts ISO-8601 dates and US-style m/d/Y dates.
func ValidDate(value string) bool {
	return matchAny(datePatterns, value)
}

// ValidTime accepts 24-hour clock times, am/pm hours, and am/pm hour ranges.
func ValidTime(value string) bool {
	return matchAny(timePatterns, value)
}

func matchAny(patterns []*regexp.Regexp, value string) bool {
	for _, p := range patterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// vinWeights are the ISO 3779 position weights. Position 9 (weight 0) is
// the check digit itself.
var vinWeights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// vinValue transliterates a VIN character per the ISO 3779 schedule.
// I, O, and Q never appear in a valid VIN and are rejected by the charset
// check before this table is consulted.
var vinValue = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 7, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
}

// ValidVIN reports whether value is a 17-character VIN with a correct
// ISO 3779 check digit at position 9.
func ValidVIN(value string) bool {
	if !vinCharset.MatchString(value) {
		return false
	}
	sum := 0
	for i := 0; i < 17; i++ {
		sum += vinValue[value[i]] * vinWeights[i]
	}
	want := byte('0' + sum%11)
	if sum%11 == 10 {
		want = 'X'
	}
	return value[8] == want
}

// ValidateEntities runs the local validators over extracted entity groups
// and returns one finding per invalid value. Kinds with no local validator
// pass unchecked.
func ValidateEntities(entities map[models.EntityKind][]string) []models.ValidationFinding {
	var findings []models.ValidationFinding
	for kind, values := range entities {
		for _, value := range values {
			if finding, ok := checkEntity(kind, value); !ok {
				findings = append(findings, finding)
			}
		}
	}
	return findings
}

func checkEntity(kind models.EntityKind, value string) (models.ValidationFinding, bool) {
	var valid bool
	var suggestion string
	switch kind {
	case models.EntityResourceID:
		valid = ValidResourceID(value)
		suggestion = "use a resource ID like RES-1234 or VEH001"
	case models.EntityDate:
		valid = ValidDate(value)
		suggestion = "use an ISO date like 2024-05-03"
	case models.EntityTime:
		valid = ValidTime(value)
		suggestion = "use a time like 14:00 or 2pm"
	default:
		return models.ValidationFinding{}, true
	}
	if valid {
		return models.ValidationFinding{}, true
	}
	return models.ValidationFinding{
		Field:      string(kind),
		Severity:   models.SeverityError,
		Message:    fmt.Sprintf("%q is not a valid %s", value, kind),
		Suggestion: suggestion,
	}, false
}
