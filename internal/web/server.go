// Package web exposes the inbound HTTP surface: the GitHub webhook
// endpoint, health checks, and Prometheus metrics.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasnoah/archon/internal/orchestrator"
	"github.com/lucasnoah/archon/internal/store"
)

// dispatchTimeout bounds one background orchestration kicked off by a
// webhook delivery.
const dispatchTimeout = 2 * time.Hour

// Dispatcher receives parsed issue events. Implemented by the orchestrator.
type Dispatcher interface {
	HandleIssueOpened(ctx context.Context, ev orchestrator.IssueEvent) error
	HandleIssueUpdated(ctx context.Context, ev orchestrator.IssueEvent) error
}

// Server hosts the HTTP endpoints.
type Server struct {
	dispatcher Dispatcher
	store      store.Store
	secret     []byte
	registry   *prometheus.Registry
	log        *slog.Logger

	srv *http.Server
}

// NewServer creates a Server. secret enables webhook signature verification
// when non-empty; registry may be nil to disable /metrics.
func NewServer(addr string, dispatcher Dispatcher, st store.Store, secret string, registry *prometheus.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		dispatcher: dispatcher,
		store:      st,
		secret:     []byte(secret),
		registry:   registry,
		log:        log,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/github", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.log.Error("health check failed", slog.String("error", err.Error()))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}
