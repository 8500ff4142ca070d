// Package api provides the HTTP API server of the build master.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/buildmaster/internal/api/handlers"
	"github.com/narvanalabs/buildmaster/internal/api/health"
	"github.com/narvanalabs/buildmaster/internal/api/middleware"
	"github.com/narvanalabs/buildmaster/internal/auth"
	"github.com/narvanalabs/buildmaster/internal/history"
	"github.com/narvanalabs/buildmaster/internal/scheduler"
	"github.com/narvanalabs/buildmaster/internal/slave"
	"github.com/narvanalabs/buildmaster/internal/source"
)

// Version is the current version of the master.
// This should be set at build time using ldflags.
var Version = "dev"

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default HTTP server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8010,
		RequestTimeout:  60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Deps are the master components the API exposes.
type Deps struct {
	History    *history.Manager
	Sources    []source.Manager
	Slaves     *slave.Registry
	Schedulers []scheduler.Scheduler
	// Auth enables bearer token checks on /v1 routes when set.
	Auth   *auth.Service
	Health *health.Checker
	// Logs enables /v1/tail/* when set.
	Logs handlers.LogFollower
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	config        *Config
	deps          Deps
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
	}

	s.healthChecker = deps.Health
	if s.healthChecker == nil {
		s.healthChecker = health.NewChecker(Version)
	}
	if deps.Auth == nil {
		logger.Warn("API authentication disabled, /v1 routes are open")
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	timeout := chimiddleware.Timeout(s.config.RequestTimeout)

	// Health check endpoint (no auth required)
	r.With(timeout).Get("/health", s.healthChecker.Handler())

	authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.logger)
	view := authMiddleware.Require(auth.PermissionViewHistory)

	historyHandler := handlers.NewHistoryHandler(s.deps.History, s.logger)
	sourcesHandler := handlers.NewSourcesHandler(s.deps.Sources, s.logger)
	slavesHandler := handlers.NewSlavesHandler(s.deps.Slaves, s.logger)
	schedulersHandler := handlers.NewSchedulersHandler(s.deps.Schedulers, s.logger)
	logsHandler := handlers.NewLogsHandler(s.deps.History, s.deps.Logs, s.logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		// Long-lived websockets, no request timeout
		r.With(view).Get("/sources/{name}/watch", sourcesHandler.Watch)
		r.With(view).Get("/tail/*", logsHandler.Tail)

		r.Group(func(r chi.Router) {
			r.Use(timeout)

			r.Group(func(r chi.Router) {
				r.Use(view)

				r.Get("/projects", historyHandler.ListProjects)
				r.Get("/history/*", historyHandler.Get)
				r.Get("/logs/*", historyHandler.Log)

				r.Get("/sources", sourcesHandler.List)
				r.Get("/sources/{name}", sourcesHandler.Get)
				r.Get("/sources/{name}/stamp", sourcesHandler.Stamp)

				r.Get("/slaves", slavesHandler.List)
				r.Get("/slaves/{name}", slavesHandler.Get)

				r.Get("/schedulers", schedulersHandler.List)
			})

			r.With(authMiddleware.Require(auth.PermissionManageHistory)).
				Delete("/history/*", historyHandler.Delete)
			r.With(authMiddleware.Require(auth.PermissionNotifyChanges)).
				Post("/sources/{name}/changes", sourcesHandler.NotifyChanges)
			r.With(authMiddleware.Require(auth.PermissionTrigger)).
				Post("/schedulers/{name}/trigger", schedulersHandler.Trigger)
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is done or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
