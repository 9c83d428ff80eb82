package reasoning

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/llm"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/prompt"
)

const envelopeResponse = `{
	"chain_of_thought": [
		{"name": "Input Analysis", "narrative": "reading"},
		{"name": "Intent Recognition", "narrative": "reservation request"},
		{"name": "Entity Extraction", "narrative": "found entities",
		 "entities": {"resource_ids": ["RES-1234"], "dates": ["2024-05-03"]}},
		{"name": "API Mapping", "narrative": "one call",
		 "api_calls": [{"method": "POST", "endpoint": "/api/reservations"}]}
	],
	"summary": {"intent": "resource_reservation", "confidence": 0.85}
}`

// fakeGenerator scripts the model side of the engine.
type fakeGenerator struct {
	response string
	err      error
	chunks   []llm.GenerateChunk

	calls atomic.Int64

	mu   sync.Mutex
	last llm.GenerateRequest
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.GenerateResponse{Text: f.response}, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.GenerateChunk, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.GenerateChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func testEngine(t *testing.T, gen *fakeGenerator, mutate func(*config.EngineConfig)) *Engine {
	t.Helper()
	cfg := config.EngineConfig{}
	cfg.SetDefaults()
	if mutate != nil {
		mutate(&cfg)
	}
	streamCfg := config.StreamConfig{UpdateInterval: 5 * time.Millisecond}
	e := NewEngine(cfg, streamCfg, "test-model", gen, prompt.NewBuilder())
	t.Cleanup(e.Close)
	return e
}

func waitResult(t *testing.T, e *Engine, id uuid.UUID) *ReasoningResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := e.Result(id)
		if err == nil {
			return r
		}
		if !models.IsKind(err, models.KindNotReady) {
			t.Fatalf("Result() error: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("result not ready within 2s")
	return nil
}

func boolPtr(b bool) *bool { return &b }

// near compares accumulated float32 scores, which are sums of inexact
// decimal constants.
func near(a, b float32) bool {
	d := a - b
	return d < 1e-5 && d > -1e-5
}

func TestSubmitEmptyInputBlockedWithoutModelCall(t *testing.T) {
	gen := &fakeGenerator{}
	e := testEngine(t, gen, nil)

	id := e.Submit("   ", SubmitOptions{})
	r, err := e.Result(id)
	if err != nil {
		t.Fatalf("Result() error: %v", err)
	}
	if !models.IsKind(r.Err, models.KindValidationBlocked) {
		t.Fatalf("result error = %v, want ValidationBlocked", r.Err)
	}
	if gen.calls.Load() != 0 {
		t.Error("empty input must not reach the model")
	}
}

func TestBlockingPathMapsEnvelope(t *testing.T) {
	gen := &fakeGenerator{response: envelopeResponse}
	e := testEngine(t, gen, nil)

	id := e.Submit("reserve RES-1234 for may 3rd", SubmitOptions{Streaming: boolPtr(false)})
	r := waitResult(t, e, id)

	if r.Err != nil {
		t.Fatalf("result error: %v", r.Err)
	}
	if r.Intent != models.IntentResourceReservation {
		t.Errorf("intent = %s", r.Intent)
	}
	if r.Confidence != 0.85 || r.Band != models.BandHigh {
		t.Errorf("confidence = %g band = %s", r.Confidence, r.Band)
	}
	if got := r.Entities[models.EntityResourceID]; len(got) != 1 || got[0] != "RES-1234" {
		t.Errorf("resource ids = %v", got)
	}
	if len(r.APICalls) != 1 || r.APICalls[0].Endpoint != "/api/reservations" {
		t.Errorf("api calls = %+v", r.APICalls)
	}
	if len(r.Steps) != 4 {
		t.Errorf("steps = %d, want 4", len(r.Steps))
	}
}

func TestStreamingPathSplitChunks(t *testing.T) {
	half := len(envelopeResponse) / 2
	gen := &fakeGenerator{chunks: []llm.GenerateChunk{
		{Content: envelopeResponse[:half]},
		{Content: envelopeResponse[half:], Done: true},
	}}
	e := testEngine(t, gen, nil)

	id := e.Submit("reserve RES-1234 for may 3rd", SubmitOptions{})
	r := waitResult(t, e, id)

	if r.Err != nil {
		t.Fatalf("result error: %v", r.Err)
	}
	if r.Intent != models.IntentResourceReservation {
		t.Errorf("intent = %s", r.Intent)
	}
	if len(r.Steps) != 4 {
		t.Errorf("steps = %d, want 4", len(r.Steps))
	}
}

func TestStreamingMidStreamErrorSurfacesCause(t *testing.T) {
	gen := &fakeGenerator{chunks: []llm.GenerateChunk{
		{Content: envelopeResponse[:20]},
		{Err: context.DeadlineExceeded},
	}}
	e := testEngine(t, gen, nil)

	id := e.Submit("reserve RES-1234 for may 3rd", SubmitOptions{})
	r := waitResult(t, e, id)

	if r.Err == nil {
		t.Fatal("expected an error result")
	}
	if models.IsKind(r.Err, models.KindCancelled) {
		t.Fatalf("result error = %v, must not be reported as cancellation", r.Err)
	}
	if !models.IsKind(r.Err, models.KindLLMTimeout) {
		t.Errorf("result error kind = %v, want LLMTimeout", r.Err)
	}
	if !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Errorf("result error = %v, want the deadline cause in the chain", r.Err)
	}
}

func TestStreamingMidStreamErrorWrapsUnknownCause(t *testing.T) {
	cause := errors.New("connection reset")
	gen := &fakeGenerator{chunks: []llm.GenerateChunk{
		{Content: "{"},
		{Err: cause},
	}}
	e := testEngine(t, gen, nil)

	id := e.Submit("reserve RES-1234 for may 3rd", SubmitOptions{})
	r := waitResult(t, e, id)

	if !models.IsKind(r.Err, models.KindInternal) {
		t.Errorf("result error kind = %v, want Internal", r.Err)
	}
	if !errors.Is(r.Err, cause) {
		t.Errorf("result error = %v, want the generator cause in the chain", r.Err)
	}
}

func TestBlockingNonJSONFallsBackToHeuristic(t *testing.T) {
	gen := &fakeGenerator{response: "I would call the vehicle API for this reservation."}
	e := testEngine(t, gen, nil)

	id := e.Submit("do the thing", SubmitOptions{Streaming: boolPtr(false)})
	r := waitResult(t, e, id)

	if r.Err != nil {
		t.Fatalf("result error: %v", r.Err)
	}
	if r.Intent != models.IntentUnknown {
		t.Errorf("intent = %s, want unknown", r.Intent)
	}
	// base 0.3 + API 0.2 + keyword 0.2 = 0.7
	if !near(r.Confidence, 0.7) {
		t.Errorf("confidence = %g, want 0.7", r.Confidence)
	}
}

func TestHeuristicConfidence(t *testing.T) {
	cases := []struct {
		name string
		text string
		want float32
	}{
		{"bare", "nope", 0.3},
		{"api only", "call the API", 0.5},
		{"keyword only", "the vehicle is red", 0.5},
		{"api and keyword", "API for vehicle", 0.7},
		{"everything", "the API returned the vehicle reservation " + strings.Repeat("x", 100), 0.8},
	}
	for _, tc := range cases {
		if got := HeuristicConfidence(tc.text); !near(got, tc.want) {
			t.Errorf("%s: HeuristicConfidence = %g, want %g", tc.name, got, tc.want)
		}
	}
}

func TestResultNotFound(t *testing.T) {
	e := testEngine(t, &fakeGenerator{}, nil)
	_, err := e.Result(uuid.New())
	if !models.IsKind(err, models.KindNotFound) {
		t.Fatalf("error = %v, want NotFound", err)
	}
}

func TestValidateFullScore(t *testing.T) {
	e := testEngine(t, &fakeGenerator{}, nil)
	r := &ReasoningResult{
		Confidence: 0.85,
		Entities: map[models.EntityKind][]string{
			models.EntityResourceID: {"RES-1234"},
			models.EntityDate:       {"2024-05-03"},
		},
		APICalls: []models.APICallDraft{{Method: "POST", Endpoint: "/api/reservations"}},
	}
	report := e.Validate(r)
	if !near(report.OverallScore, 1.0) {
		t.Errorf("score = %g, want 1.0", report.OverallScore)
	}
	if len(report.Recommendations) != 0 {
		t.Errorf("recommendations = %v, want none", report.Recommendations)
	}
}

func TestValidateLowConfidenceRecommendsClarification(t *testing.T) {
	e := testEngine(t, &fakeGenerator{}, nil)
	r := &ReasoningResult{Confidence: 0.3}
	report := e.Validate(r)

	found := false
	for _, rec := range report.Recommendations {
		if rec == recommendClarification {
			found = true
		}
	}
	if !found {
		t.Errorf("recommendations = %v, want %q", report.Recommendations, recommendClarification)
	}
	// 0.3 entities (none flagged) + 0.3 drafts (none missing) only.
	if !near(report.OverallScore, 0.6) {
		t.Errorf("score = %g, want 0.6", report.OverallScore)
	}
}

func TestValidateFlagsIncompleteDrafts(t *testing.T) {
	e := testEngine(t, &fakeGenerator{}, nil)
	r := &ReasoningResult{
		Confidence: 0.85,
		APICalls:   []models.APICallDraft{{Method: "POST"}},
	}
	report := e.Validate(r)
	if models.CountErrors(report.APIFindings) != 1 {
		t.Errorf("api findings = %+v, want one error", report.APIFindings)
	}
	if !near(report.OverallScore, 0.7) {
		t.Errorf("score = %g, want 0.7", report.OverallScore)
	}
}

func TestStatsAndLatest(t *testing.T) {
	gen := &fakeGenerator{response: envelopeResponse}
	e := testEngine(t, gen, nil)

	id := e.Submit("reserve RES-1234", SubmitOptions{Streaming: boolPtr(false)})
	waitResult(t, e, id)

	stats := e.Stats()
	if stats.Total != 1 || stats.Successful != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("success rate = %g", stats.SuccessRate)
	}
	if latest := e.Latest(); latest == nil || latest.RequestID != id {
		t.Error("Latest() does not return the completed request")
	}
}

func TestHistoryTrimEvictsOldResults(t *testing.T) {
	gen := &fakeGenerator{response: envelopeResponse}
	e := testEngine(t, gen, func(c *config.EngineConfig) {
		c.HistoryCapacity = 4
	})

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		id := e.Submit("reserve RES-1234", SubmitOptions{Streaming: boolPtr(false)})
		waitResult(t, e, id)
		ids = append(ids, id)
	}

	if n := len(e.History()); n > 4 {
		t.Errorf("history length = %d, want <= 4", n)
	}
	// The oldest result fell out of the ring.
	if _, err := e.Result(ids[0]); !models.IsKind(err, models.KindNotFound) {
		t.Errorf("oldest result error = %v, want NotFound", err)
	}
	// The newest is always retained.
	if _, err := e.Result(ids[len(ids)-1]); err != nil {
		t.Errorf("newest result error = %v", err)
	}
}

func TestGenerateBlockingUsesCallerBudget(t *testing.T) {
	gen := &fakeGenerator{response: "plain text"}
	e := testEngine(t, gen, nil)

	text, err := e.GenerateBlocking(context.Background(), "pick a template", 0.3, 1000)
	if err != nil {
		t.Fatalf("GenerateBlocking() error: %v", err)
	}
	if text != "plain text" {
		t.Errorf("text = %q", text)
	}
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.last.Temperature != 0.3 || gen.last.MaxTokens != 1000 {
		t.Errorf("request = %+v, want caller temperature and budget", gen.last)
	}
}
