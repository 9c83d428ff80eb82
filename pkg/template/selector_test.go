package template

import (
	"context"
	"errors"
	"testing"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/prompt"
)

type scriptedGenerator struct {
	raw string
	err error
}

func (g *scriptedGenerator) GenerateBlocking(ctx context.Context, promptText string, temperature float64, maxTokens int) (string, error) {
	return g.raw, g.err
}

func loadedStore(t *testing.T) *Store {
	t.Helper()
	dir := writeTemplates(t, map[string]string{
		"create_reservation.yaml": reservationDoc,
		"query_status.yaml":       statusDoc,
	})
	s := NewStore()
	if err := s.LoadDir(dir); err != nil {
		t.Fatal(err)
	}
	return s
}

func testSelector(t *testing.T, store *Store, gen BlockingGenerator) *Selector {
	t.Helper()
	cfg := config.SelectionConfig{}
	cfg.SetDefaults()
	return NewSelector(cfg, store, gen, prompt.NewBuilder())
}

func TestSelectParsesFencedReply(t *testing.T) {
	gen := &scriptedGenerator{raw: "```json\n" +
		`{"selected_template": "create_reservation", "confidence": 0.88,
		  "reasoning": "input asks for a booking", "key_factors": ["booking verb"]}` +
		"\n```"}
	store := loadedStore(t)
	sel := testSelector(t, store, gen)

	choice, err := sel.Select(context.Background(), "book the van friday")
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if choice.TemplateName != "create_reservation" {
		t.Errorf("template = %q", choice.TemplateName)
	}
	if choice.Confidence != 0.88 || choice.ConfidenceBand != models.BandHigh {
		t.Errorf("confidence = %g band = %s", choice.Confidence, choice.ConfidenceBand)
	}
	if choice.Reasoning != "input asks for a booking" {
		t.Errorf("reasoning = %q", choice.Reasoning)
	}

	// Selection counts as usage.
	for _, m := range store.Metadata() {
		if m.Name == "create_reservation" && m.UsageCount != 8 {
			t.Errorf("usage count = %d, want seed 7 + 1", m.UsageCount)
		}
	}
}

func TestSelectUnknownNameFallsBackByJaccard(t *testing.T) {
	gen := &scriptedGenerator{raw: `{"selected_template": "reservation create", "confidence": 0.75, "reasoning": "close enough"}`}
	sel := testSelector(t, loadedStore(t), gen)

	choice, err := sel.Select(context.Background(), "book the van")
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if choice.TemplateName != "create_reservation" {
		t.Errorf("template = %q, want closest by token overlap", choice.TemplateName)
	}
	// Model confidence and reasoning survive the name mapping.
	if choice.Confidence != 0.75 || choice.Reasoning != "close enough" {
		t.Errorf("choice = %+v", choice)
	}
}

func TestSelectUnparseableReplyDeterministicFallback(t *testing.T) {
	gen := &scriptedGenerator{raw: "I think you should probably use the reservation one."}
	sel := testSelector(t, loadedStore(t), gen)

	choice, err := sel.Select(context.Background(), "book the van")
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	// create_reservation carries the seeded usage_count 7 and wins.
	if choice.TemplateName != "create_reservation" {
		t.Errorf("template = %q", choice.TemplateName)
	}
	if choice.Confidence != 0.1 || choice.ConfidenceBand != models.BandVeryLow {
		t.Errorf("fallback confidence = %g band = %s", choice.Confidence, choice.ConfidenceBand)
	}
	if choice.Reasoning == "" {
		t.Error("fallback reasoning must describe the failure")
	}
}

func TestSelectModelErrorDeterministicFallback(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("model unreachable")}
	sel := testSelector(t, loadedStore(t), gen)

	choice, err := sel.Select(context.Background(), "book the van")
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if choice.ConfidenceBand != models.BandVeryLow {
		t.Errorf("band = %s, want very_low", choice.ConfidenceBand)
	}
}

func TestSelectEmptyStore(t *testing.T) {
	sel := testSelector(t, NewStore(), &scriptedGenerator{})
	_, err := sel.Select(context.Background(), "anything")
	if !models.IsKind(err, models.KindTemplateNotFound) {
		t.Fatalf("error = %v, want TemplateNotFound", err)
	}
}

func TestAnalytics(t *testing.T) {
	gen := &scriptedGenerator{raw: `{"selected_template": "query_status", "confidence": 0.8, "reasoning": "status check"}`}
	sel := testSelector(t, loadedStore(t), gen)

	for i := 0; i < 3; i++ {
		if _, err := sel.Select(context.Background(), "how is RES-1234 doing"); err != nil {
			t.Fatal(err)
		}
	}

	a := sel.Analytics()
	if a.Total != 3 {
		t.Errorf("total = %d, want 3", a.Total)
	}
	if diff := a.AverageConfidence - 0.8; diff > 1e-5 || diff < -1e-5 {
		t.Errorf("average confidence = %g, want 0.8", a.AverageConfidence)
	}
	if len(a.MostSelected) == 0 || a.MostSelected[0].Name != "query_status" || a.MostSelected[0].Count != 3 {
		t.Errorf("most selected = %+v", a.MostSelected)
	}
	if a.BandDistribution[models.BandHigh] != 3 {
		t.Errorf("band distribution = %v", a.BandDistribution)
	}
}

func TestCloseNames(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"create reservation", "create_reservation"},
		{"reservation_create", "create_reservation"},
		{"status query", "query_status"},
		{"totally unrelated", "create_reservation"}, // first sorted name on zero overlap
	}
	candidates := []string{"create_reservation", "query_status"}
	for _, tc := range cases {
		if got := closestName(tc.name, candidates); got != tc.want {
			t.Errorf("closestName(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
