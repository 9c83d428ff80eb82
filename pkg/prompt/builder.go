// Package prompt produces herald's deterministic, versioned prompt strings
// and owns the pure entity validation helpers. Same inputs, same output:
// nothing in here reads the clock or the environment.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/kadirpekel/herald/pkg/models"
)

// Version tags the prompt family so model output drift can be correlated
// with prompt changes in logs.
const Version = "v1"

// Builder renders the four prompt families. The envelope schema is
// rendered once at construction.
type Builder struct {
	envelopeSchema string
}

// NewBuilder creates a Builder with the envelope schema pre-rendered from
// the Go types.
func NewBuilder() *Builder {
	return &Builder{envelopeSchema: renderEnvelopeSchema()}
}

func renderEnvelopeSchema() string {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&models.Envelope{})
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		// The reflected schema of a static type marshals unless the type
		// itself is broken; fall back to the bare shape.
		return `{"chain_of_thought": [], "summary": {"intent": "", "confidence": 0}}`
	}
	return string(data)
}

// SystemPrompt is the fixed instruction text: the intent taxonomy, the
// reasoning phases, and the strict JSON envelope the model must emit.
func (b *Builder) SystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are a fleet-management assistant that converts natural-language requests into structured API calls.\n\n")
	sb.WriteString("Classify every request into exactly one intent:\n")
	for _, intent := range models.AllIntents() {
		sb.WriteString("- ")
		sb.WriteString(string(intent))
		sb.WriteString("\n")
	}
	sb.WriteString("\nReason in these phases, in order: ")
	sb.WriteString(models.StepInputAnalysis)
	sb.WriteString(", ")
	sb.WriteString(models.StepIntentRecognition)
	sb.WriteString(", ")
	sb.WriteString(models.StepEntityExtraction)
	sb.WriteString(", ")
	sb.WriteString(models.StepAPIMapping)
	sb.WriteString(".\n\n")
	sb.WriteString("Respond with ONLY a JSON object matching this schema, no other text:\n\n")
	sb.WriteString(b.envelopeSchema)
	sb.WriteString("\n\nImportant:\n")
	sb.WriteString("- Output ONLY valid JSON, no other text\n")
	sb.WriteString("- chain_of_thought holds one entry per phase, named exactly as above\n")
	sb.WriteString("- Entity groups use plural keys: resource_ids, dates, times, locations, users\n")
	sb.WriteString("- summary.confidence is a number in [0,1]\n")
	return sb.String()
}

// UserPrompt renders one request: a timestamp line, optional labeled
// context key/values (sorted for determinism), the input, and the trailing
// analyze instruction.
func (b *Builder) UserPrompt(now time.Time, input string, context map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current time: %s\n", now.UTC().Format(time.RFC3339))

	if len(context) > 0 {
		sb.WriteString("Context:\n")
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, context[k])
		}
	}

	sb.WriteString("\nRequest:\n")
	sb.WriteString(input)
	sb.WriteString("\n\nAnalyze the request and emit the reasoning envelope.")
	return sb.String()
}

// clarificationQuestions maps each entity kind to its canonical question.
var clarificationQuestions = map[models.EntityKind]string{
	models.EntityResourceID: "Which vehicle or resource is this about (e.g. RES-1234)?",
	models.EntityDate:       "What date should this apply to?",
	models.EntityTime:       "What time, or time range, should this apply to?",
	models.EntityLocation:   "Which location is involved?",
	models.EntityUser:       "Which user is this for?",
	models.EntityDuration:   "How long should this last?",
	models.EntityCost:       "What is the expected cost?",
	models.EntityMileage:    "What is the mileage reading?",
	models.EntityFuel:       "What is the fuel level or amount?",
	models.EntityStatus:     "What status should be set?",
	models.EntityPriority:   "What priority should this have?",
}

// ClarificationPrompt renders the original input plus one bullet per
// missing entity kind.
func (b *Builder) ClarificationPrompt(input string, missing []models.EntityKind) string {
	var sb strings.Builder
	sb.WriteString("The following request could not be fully interpreted:\n\n")
	sb.WriteString(input)
	sb.WriteString("\n\nPlease clarify:\n")
	for _, kind := range missing {
		question, ok := clarificationQuestions[kind]
		if !ok {
			question = fmt.Sprintf("Please provide a value for %s.", kind)
		}
		fmt.Fprintf(&sb, "- %s: %s\n", kind, question)
	}
	return sb.String()
}

// TemplateExamples provides up to a handful of few-shot input examples per
// template category.
type TemplateExamples map[string][]string

// maxExamplesPerCategory bounds the few-shot block per category.
const maxExamplesPerCategory = 3

// SelectionPrompt renders the template-selection prompt: the user input,
// a fixed-format list of available templates, few-shot examples per
// category, and the strict JSON reply instruction.
func (b *Builder) SelectionPrompt(input string, templates []models.TemplateMetadata, examples TemplateExamples) string {
	sorted := make([]models.TemplateMetadata, len(templates))
	copy(sorted, templates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var sb strings.Builder
	sb.WriteString("Select the single best request template for this input.\n\nInput:\n")
	sb.WriteString(input)
	sb.WriteString("\n\nAvailable templates:\n")

	seenCategories := make(map[string]bool)
	for _, t := range sorted {
		fmt.Fprintf(&sb, "\n- name: %s\n  category: %s\n  description: %s\n", t.Name, t.Category, t.Description)
		fmt.Fprintf(&sb, "  required_entities: %s\n", joinKinds(t.RequiredEntities))
		fmt.Fprintf(&sb, "  optional_entities: %s\n", joinKinds(t.OptionalEntities))
		fmt.Fprintf(&sb, "  endpoint: %s %s\n", t.HTTPMethod, t.APIEndpoint)
		fmt.Fprintf(&sb, "  success_rate: %.2f\n", t.SuccessRate)

		if !seenCategories[t.Category] {
			seenCategories[t.Category] = true
			if ex := examples[t.Category]; len(ex) > 0 {
				n := len(ex)
				if n > maxExamplesPerCategory {
					n = maxExamplesPerCategory
				}
				fmt.Fprintf(&sb, "  examples (%s):\n", t.Category)
				for _, line := range ex[:n] {
					fmt.Fprintf(&sb, "    * %s\n", line)
				}
			}
		}
	}

	sb.WriteString("\nRespond with ONLY this JSON object, no other text:\n")
	sb.WriteString(`{"selected_template": "<name>", "confidence": <0..1>, "reasoning": "<why>", "key_factors": ["<factor>"], "alternatives": ["<name>"], "matched_examples": ["<example>"]}`)
	sb.WriteString("\n")
	return sb.String()
}

func joinKinds(kinds []models.EntityKind) string {
	if len(kinds) == 0 {
		return "none"
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
