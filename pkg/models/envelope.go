package models

import (
	"encoding/json"
)

// Envelope is the JSON object the model is instructed to emit: an ordered
// chain of reasoning steps plus a summary verdict.
type Envelope struct {
	ChainOfThought []ReasoningStep `json:"chain_of_thought"`
	Summary        Summary         `json:"summary"`
}

// Summary is the envelope's closing verdict.
type Summary struct {
	Intent     string  `json:"intent"`
	Confidence float32 `json:"confidence"`
	Risk       string  `json:"risk,omitempty"`
}

// ParseEnvelope attempts a structural parse of raw as a reasoning envelope.
// Acceptance requires both top-level keys, chain_of_thought and summary;
// candidates missing either are rejected even when they are valid JSON.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, WrapError(KindParseFailed, "envelope.parse", err)
	}
	cot, hasCot := top["chain_of_thought"]
	sum, hasSum := top["summary"]
	if !hasCot || !hasSum {
		return nil, NewError(KindParseFailed, "envelope.parse",
			"object is not a reasoning envelope")
	}

	env := &Envelope{}
	if err := json.Unmarshal(cot, &env.ChainOfThought); err != nil {
		return nil, WrapError(KindParseFailed, "envelope.parse", err)
	}
	if err := json.Unmarshal(sum, &env.Summary); err != nil {
		return nil, WrapError(KindParseFailed, "envelope.parse", err)
	}
	env.Summary.Confidence = ClampConfidence(env.Summary.Confidence)
	return env, nil
}

// Step returns the first chain-of-thought step with the given name, or nil.
func (e *Envelope) Step(name string) *ReasoningStep {
	for i := range e.ChainOfThought {
		if e.ChainOfThought[i].Name == name {
			return &e.ChainOfThought[i]
		}
	}
	return nil
}

// Entities collects the extraction step's groups onto canonical kinds.
func (e *Envelope) Entities() map[EntityKind][]string {
	step := e.Step(StepEntityExtraction)
	if step == nil {
		return nil
	}
	return CanonicalEntities(step.Entities)
}

// APICalls returns the drafts proposed by the mapping step.
func (e *Envelope) APICalls() []APICallDraft {
	step := e.Step(StepAPIMapping)
	if step == nil {
		return nil
	}
	return step.APICalls
}
