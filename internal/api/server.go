package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/campaignd/internal/config"
	"github.com/foxzi/campaignd/internal/eventlog"
	"github.com/foxzi/campaignd/internal/gateway"
	"github.com/foxzi/campaignd/internal/ipfilter"
	"github.com/foxzi/campaignd/internal/job"
	"github.com/foxzi/campaignd/internal/metrics"
)

// Version is reported by the health endpoint
var Version = "dev"

// Scheduler accepts new jobs and cancels existing ones
type Scheduler interface {
	Submit(j *job.Job)
	Cancel(ctx context.Context, id string) (*job.Job, error)
	Active() int
	Pending() int
}

// StatusChecker checks gateway connectivity
type StatusChecker interface {
	CheckConnection(ctx context.Context, cfg gateway.Config) gateway.ConnectionStatus
}

// LogStore exposes the operator log stream
type LogStore interface {
	eventlog.Sink
	List(ctx context.Context, limit int) ([]eventlog.Entry, error)
	Clear(ctx context.Context) error
}

// Deps are the components the API serves
type Deps struct {
	Jobs          job.Store
	Scheduler     Scheduler
	Gateway       StatusChecker
	Provider      gateway.Provider
	Logs          LogStore
	DefaultDelays job.Delays
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		filter:    ipfilter.New(cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
		now:       time.Now,
	}

	if s.filter.Enabled() {
		logger.Info("API IP filtering enabled", "allowed_networks", s.filter.Count())
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.With(s.bodyLimit).Post("/", s.handleCreateJob)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleCancelJob)
		})

		r.Get("/instance/status", s.handleInstanceStatus)

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.handleListLogs)
			r.Post("/", s.handleAppendLog)
			r.Delete("/", s.handleClearLogs)
		})
	})
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
