package template

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/observability"
	"github.com/kadirpekel/herald/pkg/prompt"
)

// BlockingGenerator is the slice of the reasoning engine the selector
// depends on: one raw blocking generation with its own budget.
type BlockingGenerator interface {
	GenerateBlocking(ctx context.Context, promptText string, temperature float64, maxTokens int) (string, error)
}

// SelectionRecord is one history entry.
type SelectionRecord struct {
	Input        string                `json:"input"`
	TemplateName string                `json:"template_name"`
	Confidence   float32               `json:"confidence"`
	Band         models.ConfidenceBand `json:"band"`
	Reasoning    string                `json:"reasoning"`
	RawResponse  string                `json:"raw_response,omitempty"`
	Fallback     bool                  `json:"fallback"`
	At           time.Time             `json:"at"`
}

// Analytics summarizes the selection history.
type Analytics struct {
	Total             int                            `json:"total"`
	AverageConfidence float32                        `json:"average_confidence"`
	MostSelected      []NameCount                    `json:"most_selected"`
	BandDistribution  map[models.ConfidenceBand]int  `json:"band_distribution"`
}

// NameCount pairs a template name with its selection count.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Selector asks the model which template fits an input, with deterministic
// fallbacks when the model answer is unusable.
type Selector struct {
	cfg      config.SelectionConfig
	store    *Store
	gen      BlockingGenerator
	builder  *prompt.Builder
	examples prompt.TemplateExamples
	log      *slog.Logger

	mu      sync.Mutex
	history []SelectionRecord
}

// NewSelector creates a selector over the store.
func NewSelector(cfg config.SelectionConfig, store *Store, gen BlockingGenerator, builder *prompt.Builder) *Selector {
	cfg.SetDefaults()
	return &Selector{
		cfg:     cfg,
		store:   store,
		gen:     gen,
		builder: builder,
		log:     logger.Component("selector"),
	}
}

// SetExamples installs the few-shot examples rendered into the selection
// prompt, keyed by template category.
func (s *Selector) SetExamples(examples prompt.TemplateExamples) {
	s.examples = examples
}

// selectionReply is the strict JSON shape the model is instructed to emit.
type selectionReply struct {
	SelectedTemplate string   `json:"selected_template"`
	Confidence       float32  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
	KeyFactors       []string `json:"key_factors"`
	Alternatives     []string `json:"alternatives"`
	MatchedExamples  []string `json:"matched_examples"`
}

// Select chooses the template for input. The model is consulted in blocking
// mode; an unknown name falls back to the closest by Jaccard similarity,
// and an unparseable reply falls back to the statistically best template
// with VeryLow confidence.
func (s *Selector) Select(ctx context.Context, input string) (models.TemplateChoice, error) {
	metas := s.store.Metadata()
	if len(metas) == 0 {
		return models.TemplateChoice{}, models.NewError(models.KindTemplateNotFound,
			"template.select", "store is empty")
	}

	promptText := s.builder.SelectionPrompt(input, metas, s.examples)
	raw, err := s.gen.GenerateBlocking(ctx, promptText, s.cfg.Temperature, s.cfg.MaxTokens)
	if err != nil {
		s.log.Warn("Selection generation failed, using fallback", "err", err)
		choice := s.fallbackChoice(metas, "model call failed: "+err.Error())
		s.finish(input, choice, raw, true)
		return choice, nil
	}

	reply, ok := parseReply(raw)
	if !ok {
		choice := s.fallbackChoice(metas, "model reply was not valid selection JSON")
		s.finish(input, choice, raw, true)
		return choice, nil
	}

	name := reply.SelectedTemplate
	fallback := false
	if _, exists := s.store.Get(name); !exists {
		closest := closestName(name, s.store.Names())
		s.log.Warn("Model chose unknown template, mapping to closest",
			"chosen", name, "closest", closest)
		name = closest
		fallback = true
	}

	confidence := models.ClampConfidence(reply.Confidence)
	choice := models.TemplateChoice{
		TemplateName:   name,
		Confidence:     confidence,
		ConfidenceBand: models.BandFor(confidence),
		Reasoning:      reply.Reasoning,
		Alternatives:   reply.Alternatives,
		KeyFactors:     reply.KeyFactors,
	}
	s.finish(input, choice, raw, fallback)
	return choice, nil
}

// finish records usage, history, and metrics for one selection.
func (s *Selector) finish(input string, choice models.TemplateChoice, raw string, fallback bool) {
	s.store.RecordUsage(choice.TemplateName)
	observability.GetGlobalMetrics().RecordTemplateSelection(context.Background(),
		choice.TemplateName, choice.ConfidenceBand.String(), fallback)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, SelectionRecord{
		Input:        input,
		TemplateName: choice.TemplateName,
		Confidence:   choice.Confidence,
		Band:         choice.ConfidenceBand,
		Reasoning:    choice.Reasoning,
		RawResponse:  raw,
		Fallback:     fallback,
		At:           time.Now(),
	})
	if len(s.history) > s.cfg.HistoryCapacity {
		s.history = append([]SelectionRecord(nil), s.history[len(s.history)-s.cfg.HistoryCapacity:]...)
	}
}

// fallbackChoice picks the template with the highest (usage_count,
// success_rate) ordering, names sorted for a deterministic tie-break.
func (s *Selector) fallbackChoice(metas []models.TemplateMetadata, reason string) models.TemplateChoice {
	best := metas[0]
	for _, m := range metas[1:] {
		if m.UsageCount > best.UsageCount ||
			(m.UsageCount == best.UsageCount && m.SuccessRate > best.SuccessRate) {
			best = m
		}
	}
	return models.TemplateChoice{
		TemplateName:   best.Name,
		Confidence:     0.1,
		ConfidenceBand: models.BandVeryLow,
		Reasoning:      "fallback selection: " + reason,
	}
}

// parseReply tolerates code-fence decoration around the JSON body.
func parseReply(raw string) (selectionReply, bool) {
	var reply selectionReply
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return reply, false
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &reply); err != nil {
		return reply, false
	}
	if reply.SelectedTemplate == "" {
		return reply, false
	}
	return reply, true
}

// closestName picks the candidate with the highest Jaccard similarity over
// the tokenized names; candidates come pre-sorted so ties are stable.
func closestName(name string, candidates []string) string {
	target := nameTokens(name)
	best := candidates[0]
	bestScore := -1.0
	for _, c := range candidates {
		score := jaccard(target, nameTokens(c))
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// nameTokens lowercases and splits a template name on underscores and
// spaces.
func nameTokens(name string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ReplaceAll(strings.ToLower(name), "_", " ")) {
		tokens[tok] = true
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// History snapshots the selection history, oldest first.
func (s *Selector) History() []SelectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SelectionRecord(nil), s.history...)
}

// Analytics summarizes the history.
func (s *Selector) Analytics() Analytics {
	s.mu.Lock()
	history := append([]SelectionRecord(nil), s.history...)
	s.mu.Unlock()

	a := Analytics{
		Total:            len(history),
		BandDistribution: make(map[models.ConfidenceBand]int),
	}
	if len(history) == 0 {
		return a
	}

	var sum float32
	counts := make(map[string]int)
	for _, rec := range history {
		sum += rec.Confidence
		counts[rec.TemplateName]++
		a.BandDistribution[rec.Band]++
	}
	a.AverageConfidence = sum / float32(len(history))

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	for i, name := range names {
		if i == 5 {
			break
		}
		a.MostSelected = append(a.MostSelected, NameCount{Name: name, Count: counts[name]})
	}
	return a
}
