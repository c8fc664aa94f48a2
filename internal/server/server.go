package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clusterviz/clusterviz/internal/auth"
	"github.com/clusterviz/clusterviz/internal/broker"
	"github.com/clusterviz/clusterviz/internal/config"
	"github.com/clusterviz/clusterviz/internal/state"
	"github.com/clusterviz/clusterviz/internal/telemetry"
	"github.com/clusterviz/clusterviz/pkg/api"
)

// AuthGate verifies the credentials presented on a stream handshake.
// Satisfied by *auth.Manager.
type AuthGate interface {
	FromRequest(ctx context.Context, r *http.Request) (*auth.Identity, error)
}

type Server struct {
	cfg    *config.Config
	router chi.Router
	broker *broker.Broker
	store  *state.Store
	gate   AuthGate
	tel    *telemetry.Telemetry
	logger *slog.Logger
	http   *http.Server
}

func New(cfg *config.Config, b *broker.Broker, st *state.Store, gate AuthGate, tel *telemetry.Telemetry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		broker: b,
		store:  st,
		gate:   gate,
		tel:    tel,
		logger: logger,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", s.tel.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stream", s.handleStream)

		r.Get("/state", s.handleState)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/cluster", s.handleClusterSummary)
		r.Get("/nodes", s.handleNodes)
		r.Get("/pods", s.handlePods)
		r.Get("/namespaces", s.handleNamespaces)
	})

	return r
}

func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.cfg.HTTPAddr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.store.Loaded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading initial state"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Metrics())
}

func (s *Server) handleClusterSummary(w http.ResponseWriter, r *http.Request) {
	m := s.store.Metrics()
	writeJSON(w, http.StatusOK, api.ClusterSummary{
		Cluster:        s.cfg.ClusterName,
		NodeCount:      m.TotalNodes,
		PodCount:       m.TotalPods,
		NamespaceCount: m.TotalNamespaces,
		StateVersion:   s.store.Version(),
		Sessions:       s.broker.Len(),
		Metrics:        m,
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot().Nodes)
}

func (s *Server) handlePods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot().Pods)
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot().Namespaces)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write json response", "error", err)
	}
}
