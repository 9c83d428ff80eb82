// Package runtime builds the pipeline object graph from configuration and
// owns its lifecycle: the managed LLM runtime, the reasoning engine, the
// template store and selector, the approval manager with its fleet
// executor, and the UI event bridge.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/herald/pkg/approval"
	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/credentials"
	"github.com/kadirpekel/herald/pkg/fleet"
	"github.com/kadirpekel/herald/pkg/llm"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/observability"
	"github.com/kadirpekel/herald/pkg/prompt"
	"github.com/kadirpekel/herald/pkg/reasoning"
	"github.com/kadirpekel/herald/pkg/server"
	"github.com/kadirpekel/herald/pkg/template"
)

// shutdownGrace bounds the bridge drain on teardown.
const shutdownGrace = 5 * time.Second

// resultPollInterval paces the Process result poll.
const resultPollInterval = 50 * time.Millisecond

// Runtime wires the pipeline components together. Components communicate
// through their own channels and callbacks; the runtime only builds and
// tears down.
type Runtime struct {
	cfg *config.Config
	log *slog.Logger

	obs      *observability.Manager
	manager  *llm.Manager
	builder  *prompt.Builder
	engine   *reasoning.Engine
	store    *template.Store
	selector *template.Selector
	fleet    *fleet.Client
	approval *approval.Manager
	bridge   *server.Server

	mu           sync.Mutex
	lastTemplate string
	closed       bool
}

// New builds the object graph. The LLM runtime is not started yet; call
// EnsureLLM before processing input.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, models.WrapError(models.KindInternal, "runtime.new", err)
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return nil, models.WrapError(models.KindInternal, "runtime.new", err)
	}

	r := &Runtime{
		cfg: cfg,
		log: logger.Component("runtime"),
		obs: obs,
	}

	r.manager = llm.NewManager(cfg.LLM)
	r.builder = prompt.NewBuilder()
	r.engine = reasoning.NewEngine(cfg.Engine, cfg.Stream,
		models.ModelIdentifier(cfg.LLM.Model), r.manager, r.builder)

	r.store = template.NewStore()
	if err := r.store.LoadDir(cfg.Templates.Dir); err != nil {
		r.teardownEarly(ctx)
		return nil, err
	}
	r.selector = template.NewSelector(cfg.Templates.Selection, r.store, r.engine, r.builder)

	if err := resolveFleetSecrets(&cfg.Fleet, cfg.Credentials); err != nil {
		r.teardownEarly(ctx)
		return nil, err
	}
	fleetClient, err := fleet.NewClient(cfg.Fleet)
	if err != nil {
		r.teardownEarly(ctx)
		return nil, err
	}
	r.fleet = fleetClient
	r.approval = approval.NewManager(cfg.Approval, nil, fleetClient)

	r.bridge = server.NewServer(cfg.Server, server.Sources{
		Runtime:  r.manager,
		Engine:   r.engine,
		Selector: r.selector,
		Audit:    r.approval,
	})
	r.engine.SetNotifier(r.bridge)
	r.manager.Subscribe(r.bridge)

	return r, nil
}

func (r *Runtime) teardownEarly(ctx context.Context) {
	r.engine.Close()
	r.manager.Close()
	r.obs.Shutdown(ctx)
}

// resolveFleetSecrets fills empty auth secrets from the credential store.
// The store is only opened, and the passphrase only requested, when the
// configured auth mode is actually missing a secret.
func resolveFleetSecrets(cfg *config.FleetConfig, credCfg config.CredentialsConfig) error {
	var slot *string
	var name string
	switch cfg.Auth.Mode {
	case config.AuthBearer:
		slot, name = &cfg.Auth.Token, "fleet_token"
	case config.AuthAPIKey:
		slot, name = &cfg.Auth.APIKey, "fleet_api_key"
	case config.AuthCookie:
		slot, name = &cfg.Auth.Password, "fleet_password"
	case config.AuthOAuth:
		slot, name = &cfg.Auth.ClientSecret, "fleet_client_secret"
	default:
		return nil
	}
	if *slot != "" {
		return nil
	}

	store, err := credentials.Open(credCfg)
	if err != nil {
		return err
	}
	value, err := store.Get(name)
	if err != nil {
		return err
	}
	*slot = value
	return nil
}

// EnsureLLM brings the managed runtime up and makes the configured model
// available, pulling it when absent. Download progress reaches bridge
// subscribers through the manager's observer feed.
func (r *Runtime) EnsureLLM(ctx context.Context) error {
	if err := r.manager.Start(ctx, r.cfg.LLM.StartTimeout); err != nil {
		return err
	}
	return r.manager.EnsureModel(ctx, models.ModelIdentifier(r.cfg.LLM.Model))
}

// Run serves the bridge and the template watcher until ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if *r.cfg.Server.Enabled {
		g.Go(r.bridge.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return r.bridge.Shutdown(shutCtx)
		})
	}

	if *r.cfg.Templates.Watch {
		if err := r.store.Watch(ctx, r.cfg.Templates.Dir); err != nil {
			return err
		}
	}

	// Keep Run blocked until the context ends even when every optional
	// service is disabled.
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}

// Close tears the graph down in reverse build order. The LLM runtime is
// stopped only when this process spawned it; an externally managed server
// is left running.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var firstErr error
	if err := r.bridge.Shutdown(shutCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	r.store.StopWatch()
	r.engine.Close()

	if r.manager.Spawned() {
		if err := r.manager.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.manager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.obs.Shutdown(shutCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// State is the managed LLM runtime's lifecycle state.
func (r *Runtime) State() models.ServerState { return r.manager.State() }

// Engine exposes the reasoning engine.
func (r *Runtime) Engine() *reasoning.Engine { return r.engine }

// Approval exposes the approval manager.
func (r *Runtime) Approval() *approval.Manager { return r.approval }

// Templates exposes the template store.
func (r *Runtime) Templates() *template.Store { return r.store }

// BridgeAddr is the UI bridge listen address.
func (r *Runtime) BridgeAddr() string { return r.bridge.Addr() }
