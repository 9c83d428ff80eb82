package reasoning

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/llm"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/observability"
	"github.com/kadirpekel/herald/pkg/prompt"
	"github.com/kadirpekel/herald/pkg/stream"
)

// Generator is the slice of the LLM manager the engine depends on.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error)
	GenerateStream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.GenerateChunk, error)
}

// Notifier receives live stream events for UI fanout. Publishing must not
// block; the engine calls it from its stream-draining goroutines.
type Notifier interface {
	PublishUIUpdate(update stream.UIUpdate)
	PublishStep(streamID string, step models.ReasoningStep)
}

// SubmitOptions tune one request. Zero values fall back to the engine
// configuration.
type SubmitOptions struct {
	Context     map[string]string
	Temperature float64
	MaxTokens   int
	Streaming   *bool
}

// Stats is a snapshot of the engine's throughput counters.
type Stats struct {
	Total               uint64  `json:"total"`
	Successful          uint64  `json:"successful"`
	SuccessRate         float32 `json:"success_rate"`
	AverageProcessingMS float64 `json:"average_processing_ms"`
	State               State   `json:"state"`
}

// historyTrimTarget is how many entries survive a history overflow.
const historyTrimTarget = 500

type job struct {
	id    uuid.UUID
	text  string
	opts  SubmitOptions
	model models.ModelIdentifier
}

// Engine owns one request from text to result. Submit never blocks; the
// model calls run on a small worker pool so a streaming request and a
// blocking template-selection call can coexist.
type Engine struct {
	cfg       config.EngineConfig
	streamCfg config.StreamConfig
	model     models.ModelIdentifier
	gen       Generator
	builder   *prompt.Builder
	log       *slog.Logger

	jobs      chan job
	wg        sync.WaitGroup
	closeOnce sync.Once

	notifierMu sync.RWMutex
	notifier   Notifier

	mu            sync.Mutex
	state         State
	pending       map[uuid.UUID]bool
	results       map[uuid.UUID]*ReasoningResult
	history       []*ReasoningResult
	latest        *ReasoningResult
	total         uint64
	successful    uint64
	totalDuration time.Duration
}

// NewEngine creates an engine and starts its worker pool.
func NewEngine(cfg config.EngineConfig, streamCfg config.StreamConfig, model models.ModelIdentifier, gen Generator, builder *prompt.Builder) *Engine {
	cfg.SetDefaults()
	streamCfg.SetDefaults()
	e := &Engine{
		cfg:       cfg,
		streamCfg: streamCfg,
		model:     model,
		gen:       gen,
		builder:   builder,
		log:       logger.Component("reasoning"),
		jobs:      make(chan job, cfg.HistoryCapacity),
		state:     StateIdle,
		pending:   make(map[uuid.UUID]bool),
		results:   make(map[uuid.UUID]*ReasoningResult),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// SetNotifier installs the live-event sink. A nil notifier disables fanout.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifierMu.Lock()
	e.notifier = n
	e.notifierMu.Unlock()
}

func (e *Engine) currentNotifier() Notifier {
	e.notifierMu.RLock()
	defer e.notifierMu.RUnlock()
	return e.notifier
}

// Close drains the worker pool. Queued jobs still run to completion.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.jobs) })
	e.wg.Wait()
}

// Submit enqueues one request and returns its ID immediately. Empty input
// is rejected with ValidationBlocked before any model call.
func (e *Engine) Submit(text string, opts SubmitOptions) uuid.UUID {
	id := uuid.New()

	if strings.TrimSpace(text) == "" {
		finding := models.ValidationFinding{
			Field:    "input",
			Severity: models.SeverityError,
			Message:  "input text is empty",
		}
		e.record(errorResult(id, text, 0,
			models.BlockedError("reasoning.submit", []models.ValidationFinding{finding})))
		return id
	}

	e.mu.Lock()
	e.pending[id] = true
	e.mu.Unlock()

	select {
	case e.jobs <- job{id: id, text: text, opts: opts, model: e.model}:
	default:
		e.record(errorResult(id, text, 0,
			models.NewError(models.KindInternal, "reasoning.submit", "request queue full")))
	}
	return id
}

// Result returns the result for id, NotReady while the request is still in
// flight, or NotFound for an unknown or already-evicted ID.
func (e *Engine) Result(id uuid.UUID) (*ReasoningResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.results[id]; ok {
		return r, nil
	}
	if e.pending[id] {
		return nil, models.Errorf(models.KindNotReady, "reasoning.result",
			"request %s still in flight", id)
	}
	return nil, models.Errorf(models.KindNotFound, "reasoning.result",
		"no request %s", id)
}

// Latest returns the most recently completed result, or nil.
func (e *Engine) Latest() *ReasoningResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// History returns a snapshot of completed results, oldest first.
func (e *Engine) History() []*ReasoningResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*ReasoningResult(nil), e.history...)
}

// Stats snapshots the throughput counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Total: e.total, Successful: e.successful, State: e.state}
	if e.total > 0 {
		s.SuccessRate = float32(e.successful) / float32(e.total)
		s.AverageProcessingMS = float64(e.totalDuration.Milliseconds()) / float64(e.total)
	}
	return s
}

// GenerateBlocking runs one raw blocking generation outside the Submit
// pipeline. The template selector uses it with its own temperature and
// token budget.
func (e *Engine) GenerateBlocking(ctx context.Context, promptText string, temperature float64, maxTokens int) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BlockingTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.gen.Generate(callCtx, llm.GenerateRequest{
		Model:       e.model,
		Prompt:      promptText,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	observability.GetGlobalMetrics().RecordLLMCall(ctx, e.model.String(), time.Since(start),
		prompt.EstimateTokens(promptText), 0, err)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for j := range e.jobs {
		e.process(j)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) process(j job) {
	streaming := e.cfg.Streaming != nil && *e.cfg.Streaming
	if j.opts.Streaming != nil {
		streaming = *j.opts.Streaming
	}
	temperature := e.cfg.Temperature
	if j.opts.Temperature != 0 {
		temperature = j.opts.Temperature
	}
	maxTokens := e.cfg.MaxTokens
	if j.opts.MaxTokens != 0 {
		maxTokens = j.opts.MaxTokens
	}

	req := llm.GenerateRequest{
		Model:       j.model,
		System:      e.builder.SystemPrompt(),
		Prompt:      e.builder.UserPrompt(time.Now(), j.text, j.opts.Context),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	var result *ReasoningResult
	if streaming {
		e.setState(StateStreaming)
		result = e.runStreaming(j, req)
	} else {
		e.setState(StateProcessing)
		result = e.runBlocking(j, req)
	}

	if result.Err != nil {
		e.setState(StateError)
		e.log.Warn("Request failed", "request_id", j.id, "err", result.Err)
	} else {
		e.setState(StateCompleted)
		e.log.Info("Request completed", "request_id", j.id,
			"intent", result.Intent, "confidence", result.Confidence,
			"duration", result.Duration)
	}
	e.record(result)
}

// runStreaming wires a fresh stream processor between the model and the
// result: chunks are forwarded as they arrive, steps are collected in
// envelope order, and the processor's single completion decides the result.
func (e *Engine) runStreaming(j job, req llm.GenerateRequest) *ReasoningResult {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StreamTimeout)
	defer cancel()

	start := time.Now()
	proc := stream.NewProcessor(e.streamCfg)
	handle, err := proc.Start(j.id.String())
	if err != nil {
		return errorResult(j.id, j.text, time.Since(start), err)
	}

	chunks, err := e.gen.GenerateStream(ctx, req)
	if err != nil {
		proc.Stop()
		return errorResult(j.id, j.text, time.Since(start), err)
	}

	// A generator error mid-stream stops the processor, but the cause must
	// survive the resulting cancellation and reach the caller.
	genErr := make(chan error, 1)
	go func() {
		sawFinal := false
		for chunk := range chunks {
			if chunk.Err != nil {
				genErr <- chunk.Err
				proc.Stop()
				return
			}
			sawFinal = sawFinal || chunk.Done
			proc.PushChunk(chunk.Content, chunk.Done)
		}
		// A stream that ended without done still must complete.
		if !sawFinal {
			proc.PushChunk("", true)
		}
	}()

	// Steps must be drained so the parser never stalls on a full channel.
	var steps []models.ReasoningStep
	stepsDone := make(chan struct{})
	go func() {
		defer close(stepsDone)
		for s := range handle.Steps() {
			steps = append(steps, s)
			if n := e.currentNotifier(); n != nil {
				n.PublishStep(j.id.String(), s)
			}
		}
	}()

	// UI updates go straight to the notifier; with none installed the
	// drain still keeps the processor's UI queue moving.
	go func() {
		for u := range handle.UIUpdates() {
			if n := e.currentNotifier(); n != nil {
				n.PublishUIUpdate(u)
			}
		}
	}()

	var completion stream.Completion
	select {
	case completion = <-handle.Completion():
	case <-ctx.Done():
		proc.Stop()
		<-stepsDone
		observability.GetGlobalMetrics().RecordLLMCall(context.Background(),
			req.Model.String(), time.Since(start), prompt.EstimateTokens(req.Prompt), 0, ctx.Err())
		return errorResult(j.id, j.text, time.Since(start),
			models.WrapError(models.KindLLMTimeout, "reasoning.stream", ctx.Err()))
	}
	<-stepsDone

	duration := time.Since(start)
	observability.GetGlobalMetrics().RecordLLMCall(context.Background(),
		req.Model.String(), duration, prompt.EstimateTokens(req.Prompt),
		prompt.EstimateTokens(completion.Raw), completion.Err)

	switch {
	case completion.Err == nil:
		return resultFromEnvelope(j.id, j.text, completion.Raw, duration, completion.Envelope)
	case models.IsKind(completion.Err, models.KindParseFailed):
		return heuristicResult(j.id, j.text, completion.Raw, duration)
	case models.IsKind(completion.Err, models.KindCancelled):
		select {
		case err := <-genErr:
			kind := models.KindInternal
			if errors.Is(err, context.DeadlineExceeded) {
				kind = models.KindLLMTimeout
			}
			return errorResult(j.id, j.text, duration,
				models.WrapError(kind, "reasoning.stream", err))
		default:
			return errorResult(j.id, j.text, duration, completion.Err)
		}
	default:
		return errorResult(j.id, j.text, duration, completion.Err)
	}
}

// runBlocking issues one non-streaming generation and parses the full
// response once.
func (e *Engine) runBlocking(j job, req llm.GenerateRequest) *ReasoningResult {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.BlockingTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.gen.Generate(ctx, req)
	duration := time.Since(start)
	observability.GetGlobalMetrics().RecordLLMCall(context.Background(),
		req.Model.String(), duration, prompt.EstimateTokens(req.Prompt), 0, err)
	if err != nil {
		if ctx.Err() != nil {
			err = models.WrapError(models.KindLLMTimeout, "reasoning.blocking", ctx.Err())
		}
		return errorResult(j.id, j.text, duration, err)
	}

	if env := stream.ExtractEnvelope([]byte(resp.Text)); env != nil {
		return resultFromEnvelope(j.id, j.text, resp.Text, duration, env)
	}
	return heuristicResult(j.id, j.text, resp.Text, duration)
}

// record stores a terminal result, maintains the history ring, and evicts
// results that fell out of the ring.
func (e *Engine) record(r *ReasoningResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.pending, r.RequestID)
	e.results[r.RequestID] = r
	e.history = append(e.history, r)
	e.latest = r
	e.total++
	if r.Err == nil {
		e.successful++
	}
	e.totalDuration += r.Duration

	if len(e.history) > e.cfg.HistoryCapacity {
		keep := historyTrimTarget
		if keep > e.cfg.HistoryCapacity/2 {
			keep = e.cfg.HistoryCapacity / 2
		}
		cut := e.history[:len(e.history)-keep]
		for _, old := range cut {
			delete(e.results, old.RequestID)
		}
		e.history = append([]*ReasoningResult(nil), e.history[len(e.history)-keep:]...)
	}
}
