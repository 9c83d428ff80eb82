package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
)

// StateObserver receives every server-state transition and every download
// progress record, in total order.
type StateObserver interface {
	OnStateChange(from, to models.ServerState)
	OnDownloadProgress(progress models.DownloadProgress)
}

// healthFailureThreshold is how many consecutive probe misses move a
// Running manager to Error.
const healthFailureThreshold = 2

// readinessPollInterval paces the Start readiness loop.
const readinessPollInterval = 500 * time.Millisecond

// Manager exposes an inference endpoint regardless of whether the model
// runtime is already running, not yet running, or not installed. It owns
// the subprocess handle exclusively; callers observe through getters and
// the observer interface.
type Manager struct {
	cfg    config.LLMConfig
	client *Client
	log    *slog.Logger

	mu      sync.Mutex
	state   models.ServerState
	proc    *process
	spawned bool

	healthCancel context.CancelFunc

	obsMu     sync.Mutex
	observers []StateObserver

	events    chan event
	closeOnce sync.Once
	closed    chan struct{}
}

type event struct {
	isProgress bool
	from, to   models.ServerState
	progress   models.DownloadProgress
}

// NewManager creates a manager for the configured runtime. The observer
// dispatcher starts immediately; Close releases it.
func NewManager(cfg config.LLMConfig) *Manager {
	m := &Manager{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL),
		log:    logger.Component("llm"),
		state:  models.StateStopped,
		events: make(chan event, 64),
		closed: make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// Client returns the underlying runtime HTTP client.
func (m *Manager) Client() *Client {
	return m.client
}

// State returns the current server state.
func (m *Manager) State() models.ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Spawned reports whether the running process was started by this manager.
// Managers attached to an externally started runtime never kill it.
func (m *Manager) Spawned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawned
}

// Subscribe registers an observer for state transitions and download
// progress.
func (m *Manager) Subscribe(obs StateObserver) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, obs)
}

// Unsubscribe removes a previously registered observer.
func (m *Manager) Unsubscribe(obs StateObserver) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for i, o := range m.observers {
		if o == obs {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// dispatch delivers events to observers from a single goroutine so every
// observer sees transitions in the same total order.
func (m *Manager) dispatch() {
	for {
		select {
		case <-m.closed:
			return
		case ev := <-m.events:
			m.obsMu.Lock()
			observers := make([]StateObserver, len(m.observers))
			copy(observers, m.observers)
			m.obsMu.Unlock()

			for _, obs := range observers {
				if ev.isProgress {
					obs.OnDownloadProgress(ev.progress)
				} else {
					obs.OnStateChange(ev.from, ev.to)
				}
			}
		}
	}
}

// setStateLocked transitions the state machine. Callers hold m.mu.
func (m *Manager) setStateLocked(to models.ServerState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.log.Info("Server state changed", "from", from, "to", to)
	select {
	case m.events <- event{from: from, to: to}:
	case <-m.closed:
	}
}

func (m *Manager) publishProgress(p models.DownloadProgress) {
	select {
	case m.events <- event{isProgress: true, progress: p}:
	case <-m.closed:
	}
}

// IsResponsive issues a lightweight health probe with the configured
// probe deadline.
func (m *Manager) IsResponsive(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	_, err := m.client.Tags(probeCtx)
	return err == nil
}

// Start brings the runtime to Running. Idempotent: an already responsive
// runtime transitions to Running without a spawn attempt. Otherwise the
// binary is discovered, spawned detached, and polled for readiness until
// timeout (the configured start timeout when zero).
func (m *Manager) Start(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = m.cfg.StartTimeout
	}

	m.mu.Lock()
	if m.state == models.StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.IsResponsive(ctx) {
		m.mu.Lock()
		m.setStateLocked(models.StateRunning)
		m.mu.Unlock()
		m.startHealthMonitor()
		return nil
	}

	m.mu.Lock()
	m.setStateLocked(models.StateStarting)
	m.mu.Unlock()

	binary := m.cfg.Binary
	if binary == "" {
		discovered, err := DiscoverBinary(ctx, m.cfg.BinaryCandidates)
		if err != nil {
			m.toError()
			return err
		}
		binary = discovered
	}

	proc, err := spawn(binary, SpawnOptions{NewSession: true, NoConsole: true})
	if err != nil {
		m.toError()
		return models.WrapError(models.KindSpawnError, "llm.start", err)
	}

	m.mu.Lock()
	m.proc = proc
	m.spawned = true
	m.mu.Unlock()

	m.log.Info("Spawned model server", "binary", binary, "pid", proc.cmd.Process.Pid)

	deadline := time.Now().Add(timeout)
	for {
		if m.IsResponsive(ctx) {
			m.mu.Lock()
			m.setStateLocked(models.StateRunning)
			m.mu.Unlock()
			m.startHealthMonitor()
			return nil
		}
		if proc.exited() {
			m.toError()
			return models.Errorf(models.KindSpawnError, "llm.start",
				"model server exited during startup: %s", proc.stderrSnapshot())
		}
		if time.Now().After(deadline) {
			m.toError()
			return models.Errorf(models.KindSpawnError, "llm.start",
				"model server did not become ready within %s", timeout)
		}
		select {
		case <-ctx.Done():
			m.toError()
			return models.WrapError(models.KindCancelled, "llm.start", ctx.Err())
		case <-time.After(readinessPollInterval):
		}
	}
}

func (m *Manager) toError() {
	m.mu.Lock()
	m.setStateLocked(models.StateError)
	m.mu.Unlock()
}

// Stop sends graceful termination and, after the configured grace period,
// force-kills the process group. The state always lands in Stopped. A
// runtime this manager merely attached to is left running.
func (m *Manager) Stop() error {
	m.stopHealthMonitor()

	m.mu.Lock()
	proc := m.proc
	spawned := m.spawned
	m.proc = nil
	m.spawned = false
	m.setStateLocked(models.StateStopped)
	m.mu.Unlock()

	if proc == nil || !spawned {
		return nil
	}

	m.log.Info("Stopping model server", "grace", m.cfg.StopGrace)
	if err := proc.terminate(m.cfg.StopGrace); err != nil {
		m.log.Warn("Model server did not stop cleanly", "err", err)
		return err
	}
	return nil
}

// Close stops the runtime and releases the observer dispatcher.
func (m *Manager) Close() error {
	err := m.Stop()
	m.closeOnce.Do(func() { close(m.closed) })
	return err
}

// startHealthMonitor polls IsResponsive while Running. Two consecutive
// failures transition to Error and notify observers; there is no
// self-restart.
func (m *Manager) startHealthMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	go m.healthLoop(ctx)
}

func (m *Manager) stopHealthMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != models.StateRunning {
				return
			}
			if m.IsResponsive(ctx) {
				failures = 0
				continue
			}
			failures++
			m.log.Warn("Health probe failed", "consecutive", failures)
			if failures >= healthFailureThreshold {
				m.log.Error("Model server health lost")
				m.toError()
				m.stopHealthMonitor()
				return
			}
		}
	}
}

// ListModels lists the models installed in the runtime.
func (m *Manager) ListModels(ctx context.Context) ([]models.ModelRecord, error) {
	return m.client.Tags(ctx)
}

// EnsureModel pulls the model when absent. A present model is a no-op
// producing zero progress events. Progress is forwarded to subscribers;
// the pull runs under the configured pull deadline.
func (m *Manager) EnsureModel(ctx context.Context, id models.ModelIdentifier) error {
	installed, err := m.client.Tags(ctx)
	if err != nil {
		return models.WrapError(models.KindModelPullFailed, "llm.ensure_model", err)
	}
	for _, rec := range installed {
		if rec.Name == id.String() {
			return nil
		}
	}

	m.log.Info("Pulling model", "model", id)
	pullCtx, cancel := context.WithTimeout(ctx, m.cfg.PullTimeout)
	defer cancel()

	return m.client.Pull(pullCtx, id, m.publishProgress)
}

// Generate runs one blocking generation. A manager in Error fails fast
// with HealthLost rather than waiting out a dead connection.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if m.State() == models.StateError {
		return nil, models.NewError(models.KindHealthLost, "llm.generate",
			"could not reach model server")
	}
	return m.client.Generate(ctx, req)
}

// GenerateStream runs one streaming generation.
func (m *Manager) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan GenerateChunk, error) {
	if m.State() == models.StateError {
		return nil, models.NewError(models.KindHealthLost, "llm.generate",
			"could not reach model server")
	}
	return m.client.GenerateStream(ctx, req)
}
