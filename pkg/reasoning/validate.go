package reasoning

import (
	"context"
	"fmt"

	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/observability"
	"github.com/kadirpekel/herald/pkg/prompt"
)

// ValidationReport grades a result: confidence, locally validated
// entities, and API draft completeness each contribute to the score.
type ValidationReport struct {
	OverallScore    float32                    `json:"overall_score"`
	ConfidenceBand  models.ConfidenceBand      `json:"confidence_band"`
	EntityFindings  []models.ValidationFinding `json:"entity_findings,omitempty"`
	APIFindings     []models.ValidationFinding `json:"api_findings,omitempty"`
	Recommendations []string                   `json:"recommendations,omitempty"`
}

// recommendClarification is appended whenever confidence falls below the
// medium band.
const recommendClarification = "Consider requesting clarification"

// Validate scores a result without calling the model: +0.4 for high
// confidence (+0.2 for medium), +0.3 for clean entities, +0.3 when every
// API draft names both method and endpoint.
func (e *Engine) Validate(r *ReasoningResult) ValidationReport {
	var score float32
	var recommendations []string

	switch {
	case r.Confidence >= 0.8:
		score += 0.4
	case r.Confidence >= 0.6:
		score += 0.2
	default:
		recommendations = append(recommendations, recommendClarification)
	}

	entityFindings := prompt.ValidateEntities(r.Entities)
	if models.CountErrors(entityFindings) == 0 {
		score += 0.3
	} else {
		recommendations = append(recommendations, "Review the flagged entity values")
	}

	apiFindings := validateDrafts(r.APICalls)
	if models.CountErrors(apiFindings) == 0 {
		score += 0.3
	} else {
		recommendations = append(recommendations, "Complete the API call drafts before approval")
	}

	score = models.ClampConfidence(score)
	report := ValidationReport{
		OverallScore:    score,
		ConfidenceBand:  models.BandFor(score),
		EntityFindings:  entityFindings,
		APIFindings:     apiFindings,
		Recommendations: recommendations,
	}

	warnings := 0
	for _, f := range append(append([]models.ValidationFinding(nil), entityFindings...), apiFindings...) {
		if f.Severity == models.SeverityWarning {
			warnings++
		}
	}
	observability.GetGlobalMetrics().RecordValidation(context.Background(),
		models.CountErrors(entityFindings)+models.CountErrors(apiFindings), warnings)
	return report
}

// validateDrafts flags drafts missing a method or an endpoint.
func validateDrafts(drafts []models.APICallDraft) []models.ValidationFinding {
	var findings []models.ValidationFinding
	for i, d := range drafts {
		if d.Method == "" {
			findings = append(findings, models.ValidationFinding{
				Field:    fmt.Sprintf("api_calls[%d].method", i),
				Severity: models.SeverityError,
				Message:  "draft has no HTTP method",
			})
		}
		if d.Endpoint == "" {
			findings = append(findings, models.ValidationFinding{
				Field:    fmt.Sprintf("api_calls[%d].endpoint", i),
				Severity: models.SeverityError,
				Message:  "draft has no endpoint",
			})
		}
	}
	return findings
}
