// Package reasoning drives one request from text to a validated
// interpretation: prompts are built, the model is called (streaming or
// blocking), and the reply is turned into a ReasoningResult with a
// confidence score.
package reasoning

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kadirpekel/herald/pkg/models"
)

// State is the engine's coarse lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateStreaming  State = "streaming"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// ReasoningResult is the terminal product of one submitted request.
type ReasoningResult struct {
	RequestID   uuid.UUID                      `json:"request_id"`
	InputText   string                         `json:"input_text"`
	Intent      models.IntentTag               `json:"intent"`
	Confidence  float32                        `json:"confidence"`
	Band        models.ConfidenceBand          `json:"band"`
	Steps       []models.ReasoningStep         `json:"steps,omitempty"`
	Entities    map[models.EntityKind][]string `json:"entities,omitempty"`
	APICalls    []models.APICallDraft          `json:"api_calls,omitempty"`
	RawResponse string                         `json:"raw_response,omitempty"`
	Duration    time.Duration                  `json:"duration"`
	Err         error                          `json:"-"`
	CompletedAt time.Time                      `json:"completed_at"`
}

// Succeeded reports whether the request produced a usable result.
func (r *ReasoningResult) Succeeded() bool { return r.Err == nil }

// resultFromEnvelope maps a parsed envelope onto a result: summary fields
// directly, entities from the extraction step, API drafts from the mapping
// step.
func resultFromEnvelope(id uuid.UUID, input, raw string, duration time.Duration, env *models.Envelope) *ReasoningResult {
	confidence := models.ClampConfidence(env.Summary.Confidence)
	return &ReasoningResult{
		RequestID:   id,
		InputText:   input,
		Intent:      models.ParseIntentTag(env.Summary.Intent),
		Confidence:  confidence,
		Band:        models.BandFor(confidence),
		Steps:       env.ChainOfThought,
		Entities:    env.Entities(),
		APICalls:    env.APICalls(),
		RawResponse: raw,
		Duration:    duration,
		CompletedAt: time.Now(),
	}
}

// heuristicKeywords are the domain terms that raise the confidence of a
// non-JSON reply.
var heuristicKeywords = []string{"vehicle", "reservation", "maintenance"}

// HeuristicConfidence estimates confidence for a reply that carried no
// envelope: base 0.3, +0.2 for "API", +0.2 for any domain keyword,
// +0.1 for length over 100, capped at 1.
func HeuristicConfidence(text string) float32 {
	score := float32(0.3)
	lower := strings.ToLower(text)
	if strings.Contains(lower, "api") {
		score += 0.2
	}
	for _, kw := range heuristicKeywords {
		if strings.Contains(lower, kw) {
			score += 0.2
			break
		}
	}
	if len(text) > 100 {
		score += 0.1
	}
	return models.ClampConfidence(score)
}

// heuristicResult wraps a non-envelope reply. The intent stays unknown;
// downstream validation will recommend clarification for the low bands.
func heuristicResult(id uuid.UUID, input, raw string, duration time.Duration) *ReasoningResult {
	confidence := HeuristicConfidence(raw)
	return &ReasoningResult{
		RequestID:   id,
		InputText:   input,
		Intent:      models.IntentUnknown,
		Confidence:  confidence,
		Band:        models.BandFor(confidence),
		RawResponse: raw,
		Duration:    duration,
		CompletedAt: time.Now(),
	}
}

// errorResult records a failed request.
func errorResult(id uuid.UUID, input string, duration time.Duration, err error) *ReasoningResult {
	return &ReasoningResult{
		RequestID:   id,
		InputText:   input,
		Intent:      models.IntentUnknown,
		Band:        models.BandVeryLow,
		Duration:    duration,
		Err:         err,
		CompletedAt: time.Now(),
	}
}
