// Package server is the UI event bridge: a localhost HTTP surface exposing
// pipeline state, history, and the audit trail, plus a websocket feed of
// live stream updates, reasoning steps, and runtime transitions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/observability"
	"github.com/kadirpekel/herald/pkg/reasoning"
	"github.com/kadirpekel/herald/pkg/template"
)

// Sources are the read-only views the bridge serves. Nil fields render as
// absent sections rather than errors, so the server can come up before the
// rest of the pipeline.
type Sources struct {
	Runtime interface {
		State() models.ServerState
	}
	Engine interface {
		Stats() reasoning.Stats
		History() []*reasoning.ReasoningResult
	}
	Selector interface {
		Analytics() template.Analytics
	}
	Audit interface {
		ExportJSON() ([]byte, error)
	}
}

// Server hosts the bridge endpoints and the websocket hub.
type Server struct {
	cfg     config.ServerConfig
	log     *slog.Logger
	hub     *hub
	sources Sources

	httpServer *http.Server
	router     chi.Router
}

// NewServer builds the bridge from config. It does not listen yet.
func NewServer(cfg config.ServerConfig, sources Sources) *Server {
	cfg.SetDefaults()
	log := logger.Component("server")

	s := &Server{
		cfg:     cfg,
		log:     log,
		hub:     newHub(log),
		sources: sources,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(
		observability.GetTracer("herald.server"),
		observability.GetGlobalMetrics(),
	))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/state", s.handleState)
	r.Get("/api/history", s.handleHistory)
	r.Get("/api/audit", s.handleAudit)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.serveWS)

	s.router = r
	return s
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start listens and serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("UI bridge listening", "addr", s.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return models.WrapError(models.KindInternal, "server.start", err)
	}
	return nil
}

// Shutdown disconnects websocket clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.shutdown()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return models.WrapError(models.KindInternal, "server.shutdown", err)
	}
	s.log.Info("UI bridge stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := map[string]any{
		"clients": s.hub.clientCount(),
	}
	if s.sources.Runtime != nil {
		state["server_state"] = s.sources.Runtime.State()
	}
	if s.sources.Engine != nil {
		state["engine"] = s.sources.Engine.Stats()
	}
	if s.sources.Selector != nil {
		state["selection"] = s.sources.Selector.Analytics()
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.sources.Engine == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	history := s.sources.Engine.History()
	if history == nil {
		history = []*reasoning.ReasoningResult{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.sources.Audit == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	data, err := s.sources.Audit.ExportJSON()
	if err != nil {
		s.log.Error("Audit export failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit export failed"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Response encode failed", "error", err)
	}
}
