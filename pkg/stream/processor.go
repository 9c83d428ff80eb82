// Package stream turns a live LLM token stream into ordered reasoning-step
// events plus a bounded cadence of UI updates, surviving malformed and
// truncated model output.
package stream

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/observability"
)

// UIUpdate is one batched UI event: the chunk contents that arrived since
// the previous tick, in arrival order.
type UIUpdate struct {
	StreamID  string    `json:"stream_id"`
	Contents  []string  `json:"contents"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Completion is the single terminal result of a stream.
type Completion struct {
	StreamID string
	Envelope *models.Envelope
	Raw      string
	Duration time.Duration
	Err      error
}

// Processor owns one stream at a time. The accumulator belongs exclusively
// to the parser task; chunks are transferred by value through the inbound
// queue and UI items through the UI queue, so the two tasks share no
// mutable state.
type Processor struct {
	cfg config.StreamConfig
	log *slog.Logger

	mu     sync.Mutex
	active *Handle
}

// NewProcessor creates a processor with the given tuning.
func NewProcessor(cfg config.StreamConfig) *Processor {
	cfg.SetDefaults()
	return &Processor{
		cfg: cfg,
		log: logger.Component("stream"),
	}
}

// Handle is the caller's view of one running stream.
type Handle struct {
	streamID string
	started  time.Time

	inbound chan models.StreamChunk
	uiQueue chan string

	steps      chan models.ReasoningStep
	uiUpdates  chan UIUpdate
	completion chan Completion
	errs       chan error

	stop     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once

	parserDone chan struct{}
	uiDone     chan struct{}

	seq     atomic.Uint64
	dropped atomic.Uint64
	stopped atomic.Bool
}

// Steps delivers reasoning steps in envelope order.
func (h *Handle) Steps() <-chan models.ReasoningStep { return h.steps }

// UIUpdates delivers at most one batch per update interval.
func (h *Handle) UIUpdates() <-chan UIUpdate { return h.uiUpdates }

// Completion delivers exactly one terminal result.
func (h *Handle) Completion() <-chan Completion { return h.completion }

// Errors delivers non-fatal diagnostics.
func (h *Handle) Errors() <-chan error { return h.errs }

// DroppedChunks reports how many inbound chunks were discarded on overflow.
func (h *Handle) DroppedChunks() uint64 { return h.dropped.Load() }

// Start initializes a fresh accumulator and launches the parser and UI
// dispatcher tasks. Only one stream may run per processor instance.
func (p *Processor) Start(streamID string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return nil, models.Errorf(models.KindInternal, "stream.start",
			"stream %s already in progress", p.active.streamID)
	}

	h := &Handle{
		streamID:   streamID,
		started:    time.Now(),
		inbound:    make(chan models.StreamChunk, p.cfg.QueueSize),
		uiQueue:    make(chan string, p.cfg.UIQueueSize),
		steps:      make(chan models.ReasoningStep, 64),
		uiUpdates:  make(chan UIUpdate, 16),
		completion: make(chan Completion, 1),
		errs:       make(chan error, 16),
		stop:       make(chan struct{}),
		parserDone: make(chan struct{}),
		uiDone:     make(chan struct{}),
	}
	p.active = h

	go p.parserLoop(h)
	go p.uiLoop(h)

	p.log.Debug("Stream started", "stream_id", streamID)
	return h, nil
}

// PushChunk enqueues a chunk without blocking. When the inbound queue is
// full the oldest chunk is discarded and the overflow counter incremented;
// overflow never reaches the completion. Chunks pushed after Stop succeed
// but are discarded.
func (p *Processor) PushChunk(content string, final bool) {
	p.mu.Lock()
	h := p.active
	p.mu.Unlock()
	if h == nil || h.stopped.Load() {
		return
	}

	chunk := models.StreamChunk{
		Content:    content,
		ReceivedAt: time.Now(),
		Seq:        h.seq.Add(1) - 1,
		Final:      final,
	}

	for {
		select {
		case h.inbound <- chunk:
			return
		default:
		}
		// Queue full: drop the oldest and retry.
		select {
		case <-h.inbound:
			n := h.dropped.Add(1)
			p.log.Warn("Chunk queue overflow, dropped oldest",
				"stream_id", h.streamID, "dropped_total", n)
			observability.GetGlobalMetrics().RecordChunkOverflow(context.Background(), h.streamID)
			select {
			case h.errs <- models.Errorf(models.KindChunkQueueOverflow, "stream.push",
				"dropped oldest chunk (total %d)", n):
			default:
			}
		default:
		}
	}
}

// Stop cancels in-flight parsing and completes the stream with Cancelled.
// Both tasks exit within one tick.
func (p *Processor) Stop() {
	p.mu.Lock()
	h := p.active
	p.mu.Unlock()
	if h == nil {
		return
	}

	h.stopped.Store(true)
	h.stopOnce.Do(func() { close(h.stop) })

	<-h.parserDone
	<-h.uiDone

	h.complete(Completion{
		StreamID: h.streamID,
		Err:      models.NewError(models.KindCancelled, "stream.stop", "stream cancelled"),
	})
	p.release(h)
}

// release clears the active handle so the processor can start a new stream.
func (p *Processor) release(h *Handle) {
	p.mu.Lock()
	if p.active == h {
		p.active = nil
	}
	p.mu.Unlock()
}

// complete delivers the single terminal result and closes the channels the
// consumer ranges over.
func (h *Handle) complete(c Completion) {
	h.doneOnce.Do(func() {
		h.completion <- c
		close(h.completion)
		close(h.steps)
	})
}

// parserLoop reads chunks FIFO, appends to the single-owner accumulator,
// and re-parses the outermost balanced-brace candidate after every chunk.
// Steps already emitted are remembered by ordinal so re-parses never
// re-emit.
func (p *Processor) parserLoop(h *Handle) {
	defer close(h.parserDone)

	var accumulator []byte
	var envelope *models.Envelope
	emitted := 0
	start := time.Now()

	finish := func(env *models.Envelope, err error) {
		duration := time.Since(start)
		recovered := env != nil && err == nil && envelope == nil
		observability.GetGlobalMetrics().RecordStreamParse(context.Background(), duration, recovered, err)
		h.complete(Completion{
			StreamID: h.streamID,
			Envelope: env,
			Raw:      string(accumulator),
			Duration: duration,
			Err:      err,
		})
		p.release(h)
	}

	for {
		select {
		case <-h.stop:
			return
		case chunk := <-h.inbound:
			if chunk.Content != "" {
				accumulator = append(accumulator, chunk.Content...)

				// UI items travel a separate queue; a stalled UI
				// consumer must never stall parsing.
				select {
				case h.uiQueue <- chunk.Content:
				default:
					select {
					case <-h.uiQueue:
					default:
					}
					select {
					case h.uiQueue <- chunk.Content:
					default:
					}
				}
			}

			if candidate, complete := candidateObject(accumulator); complete {
				if env, err := models.ParseEnvelope(candidate); err == nil {
					envelope = env
					emitted = h.emitSteps(env, emitted)
				}
			}

			if chunk.Final {
				if envelope != nil {
					finish(envelope, nil)
					return
				}
				if env := recoverEnvelope(accumulator); env != nil {
					h.emitSteps(env, emitted)
					finish(env, nil)
					return
				}
				finish(nil, models.NewError(models.KindParseFailed, "stream.parse",
					"no valid reasoning envelope in model output"))
				return
			}
		}
	}
}

// emitSteps sends every step at ordinal >= from and returns the new count.
func (h *Handle) emitSteps(env *models.Envelope, from int) int {
	for i := from; i < len(env.ChainOfThought); i++ {
		select {
		case h.steps <- env.ChainOfThought[i]:
		case <-h.stop:
			return i
		}
	}
	return len(env.ChainOfThought)
}

// recoverEnvelope attempts the longest-valid-prefix heuristic: scan from
// the end backwards for positions where the accumulator ends with '}' and
// try a structural parse of the prefix. First success wins.
func recoverEnvelope(accumulator []byte) *models.Envelope {
	start := bytes.IndexByte(accumulator, '{')
	if start < 0 {
		return nil
	}
	for _, pos := range closingBracePositions(accumulator) {
		if env, err := models.ParseEnvelope(accumulator[start : pos+1]); err == nil {
			return env
		}
	}
	return nil
}

// uiLoop batches UI items, at most one update of up to the configured
// batch size per tick.
func (p *Processor) uiLoop(h *Handle) {
	defer close(h.uiDone)
	defer close(h.uiUpdates)

	ticker := time.NewTicker(p.cfg.UpdateInterval)
	defer ticker.Stop()

	flush := func() {
		var batch []string
	drain:
		for len(batch) < p.cfg.UIBatchSize {
			select {
			case item := <-h.uiQueue:
				batch = append(batch, item)
			default:
				break drain
			}
		}
		if len(batch) == 0 {
			return
		}
		update := UIUpdate{StreamID: h.streamID, Contents: batch, EmittedAt: time.Now()}
		select {
		case h.uiUpdates <- update:
		default:
			// Slow UI consumer: drop the oldest pending update.
			select {
			case <-h.uiUpdates:
			default:
			}
			select {
			case h.uiUpdates <- update:
			default:
			}
		}
	}

	for {
		select {
		case <-h.stop:
			flush()
			return
		case <-h.parserDone:
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
