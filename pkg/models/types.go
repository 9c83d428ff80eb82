// Package models defines the shared data model of the herald pipeline:
// server and download states, stream chunks, reasoning steps, interpretations,
// template metadata, validation findings, and approval decisions.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ModelIdentifier names a model in the local LLM registry, e.g. "qwen2.5:14b".
// Opaque; equality by string.
type ModelIdentifier string

func (m ModelIdentifier) String() string { return string(m) }

// ServerState is the lifecycle state of the managed LLM runtime.
type ServerState string

const (
	StateStopped  ServerState = "stopped"
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateError    ServerState = "error"
)

func (s ServerState) String() string { return string(s) }

// DownloadProgress is one normalized progress record of a model pull.
type DownloadProgress struct {
	Status         string  `json:"status"`
	CompletedBytes uint64  `json:"completed_bytes"`
	TotalBytes     uint64  `json:"total_bytes"`
	Percent        float32 `json:"percent"`
}

// NewDownloadProgress clamps percent to [0,100]; a zero total yields 0.
func NewDownloadProgress(status string, completed, total uint64) DownloadProgress {
	var pct float32
	if total > 0 {
		pct = float32(100 * float64(completed) / float64(total))
		if pct > 100 {
			pct = 100
		}
	}
	return DownloadProgress{
		Status:         status,
		CompletedBytes: completed,
		TotalBytes:     total,
		Percent:        pct,
	}
}

// ModelRecord describes one installed model as reported by the runtime.
type ModelRecord struct {
	Name       string         `json:"name"`
	Size       int64          `json:"size"`
	ModifiedAt time.Time      `json:"modified_at"`
	Digest     string         `json:"digest"`
	Details    map[string]any `json:"details,omitempty"`
}

// StreamChunk is one unit of LLM output handed to the stream processor.
// ReceivedAt carries a monotonic reading; Seq is assigned in arrival order.
type StreamChunk struct {
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
	Seq        uint64    `json:"seq"`
	Final      bool      `json:"final"`
}

// ReasoningStep is one phase of the model's chain of thought.
// Optional fields stay nil when the model omitted them.
type ReasoningStep struct {
	Name       string              `json:"name"`
	Narrative  string              `json:"narrative"`
	Findings   []string            `json:"findings,omitempty"`
	Confidence *float32            `json:"confidence,omitempty"`
	Entities   map[string][]string `json:"entities,omitempty"`
	APICalls   []APICallDraft      `json:"api_calls,omitempty"`
}

// Step names the pipeline keys on. The model is instructed to use exactly
// these phase names; extraction and mapping read them back by name.
const (
	StepInputAnalysis     = "Input Analysis"
	StepIntentRecognition = "Intent Recognition"
	StepEntityExtraction  = "Entity Extraction"
	StepAPIMapping        = "API Mapping"
)

// APICallDraft is a candidate fleet API call proposed by the model.
type APICallDraft struct {
	Method   string         `json:"method"`
	Endpoint string         `json:"endpoint"`
	Body     map[string]any `json:"body,omitempty"`
	Purpose  string         `json:"purpose,omitempty"`
}

// Interpretation is the pipeline's product: one input resolved to an intent,
// extracted entities, a chosen template, and a filled request object.
type Interpretation struct {
	ID                uuid.UUID               `json:"id"`
	InputText         string                  `json:"input_text"`
	Intent            IntentTag               `json:"intent"`
	Entities          map[EntityKind][]string `json:"entities"`
	TemplateName      string                  `json:"template_name"`
	Request           map[string]any          `json:"request"`
	IntentConfidence  float32                 `json:"intent_confidence"`
	EntityConfidence  float32                 `json:"entity_confidence"`
	OverallConfidence float32                 `json:"overall_confidence"`
}

// OverallConfidence aggregates the defined confidence signals. The entity
// signal counts only when at least one entity group is non-empty; with no
// defined signal besides intent, the intent confidence is returned as is.
// Absent signals never contribute, so the result is never NaN.
func OverallConfidence(intent float32, entity float32, entityDefined bool) float32 {
	if !entityDefined {
		return intent
	}
	return (intent + entity) / 2
}

// HasEntities reports whether any entity group holds at least one value.
func HasEntities(entities map[EntityKind][]string) bool {
	for _, vals := range entities {
		if len(vals) > 0 {
			return true
		}
	}
	return false
}

// TemplateMetadata describes one request template in the store.
type TemplateMetadata struct {
	Name             string       `json:"name" yaml:"name"`
	Category         string       `json:"category" yaml:"category"`
	Description      string       `json:"description" yaml:"description"`
	RequiredEntities []EntityKind `json:"required_entities" yaml:"required_entities"`
	OptionalEntities []EntityKind `json:"optional_entities" yaml:"optional_entities"`
	APIEndpoint      string       `json:"api_endpoint" yaml:"api_endpoint"`
	HTTPMethod       string       `json:"http_method" yaml:"http_method"`
	UsageCount       uint64       `json:"usage_count" yaml:"usage_count"`
	SuccessRate      float32      `json:"success_rate" yaml:"success_rate"`
}

// TemplateChoice is the selector's verdict for one input.
type TemplateChoice struct {
	TemplateName   string         `json:"template_name"`
	Confidence     float32        `json:"confidence"`
	ConfidenceBand ConfidenceBand `json:"confidence_band"`
	Reasoning      string         `json:"reasoning"`
	Alternatives   []string       `json:"alternatives,omitempty"`
	KeyFactors     []string       `json:"key_factors,omitempty"`
}

// Severity grades a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ValidationFinding is one per-field validation outcome.
type ValidationFinding struct {
	Field      string   `json:"field"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// CountErrors returns the number of Error-severity findings.
func CountErrors(findings []ValidationFinding) int {
	n := 0
	for _, f := range findings {
		if f.Severity == SeverityError {
			n++
		}
	}
	return n
}

// ApprovalAction is what the user chose to do with a generated request.
type ApprovalAction string

const (
	ActionApprove     ApprovalAction = "approve"
	ActionEditApprove ApprovalAction = "edit_approve"
	ActionRegenerate  ApprovalAction = "regenerate"
	ActionReject      ApprovalAction = "reject"
)

// ApprovalDecision is the terminal record of one approval.
type ApprovalDecision struct {
	Action   ApprovalAction `json:"action"`
	TakenAt  time.Time      `json:"taken_at"`
	UserID   string         `json:"user_id"`
	Original Interpretation `json:"original"`
	Modified map[string]any `json:"modified,omitempty"`
	Feedback string         `json:"feedback,omitempty"`
}
