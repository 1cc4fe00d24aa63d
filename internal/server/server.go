// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the wiring layer. It connects handlers, middleware and
// routes, and decides:
//   - which URL patterns map to which handler functions
//   - what middleware runs on which routes
//   - how the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
//
//	main builds:    config.Config, *slog.Logger, executor.Executor (NewEngine)
//	Server.New():   sqlite.DB → PresetService
//	                Metrics → RunService(executor) → Execute/Stream/Preset handlers
//	                TokenService + PasswordService → AuthService → AuthHandler
//
// This is the composition root: all dependencies are wired in one place
// (New/setupRoutes), rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/devflow-exec/internal/auth"
	"github.com/sakif/devflow-exec/internal/config"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/handler"
	"github.com/sakif/devflow-exec/internal/middleware"
	"github.com/sakif/devflow-exec/internal/observability"
	sqliteRepo "github.com/sakif/devflow-exec/internal/repository/sqlite"
	"github.com/sakif/devflow-exec/internal/service"
)

// shutdownGrace is how long in-flight requests get after SIGINT/SIGTERM.
// Runs still going after that are canceled, which kills their children.
const shutdownGrace = 30 * time.Second

// runDrainTimeout bounds how long shutdown waits for canceled runs to kill
// and reap their children.
const runDrainTimeout = 10 * time.Second

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection. It is closed by Close, which
// Start calls on the way out, to flush pending writes and release the file.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	version string
	logger  *slog.Logger
	db      *sqliteRepo.DB
	metrics *observability.Metrics
	exec    executor.Executor
	runs    *service.RunService
}

// New creates a Server that runs commands on exec.
//
// WIRING:
//  1. Open the database (sqlite.New)
//  2. Create the metrics registry
//  3. Create the services (RunService, PresetService, AuthService)
//  4. Create the handlers and mount the routes
//
// Each layer only receives what it needs: services get the repository
// interface and the executor interface, handlers get the services.
func New(cfg *config.Config, version string, logger *slog.Logger, exec executor.Executor) (*Server, error) {
	if exec == nil {
		return nil, errors.New("server: executor is required")
	}

	if err := ensureDataDir(cfg.DBPath); err != nil {
		return nil, err
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		version: version,
		logger:  logger,
		db:      db,
		metrics: observability.NewMetrics(),
		exec:    exec,
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler returns the root handler, for tests and for embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Metrics returns the server's Prometheus collectors.
func (s *Server) Metrics() *observability.Metrics { return s.metrics }

// Close releases the database.
func (s *Server) Close() error { return s.db.Close() }

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                 → liveness + DB ping
//	GET    /metrics                 → Prometheus exposition
//	POST   /auth/token              → password → JWT      (auth enabled only)
//	POST   /auth/logout             → clear token cookie  (auth enabled only)
//	POST   /api/runs                → run synchronously
//	GET    /api/runs/stream         → run over WebSocket with live events
//	GET    /api/presets             → list presets
//	POST   /api/presets             → create preset
//	GET    /api/presets/{id}        → get preset
//	PUT    /api/presets/{id}        → update preset
//	DELETE /api/presets/{id}        → delete preset
//	POST   /api/presets/{id}/run    → run preset
//	GET    /api/me                  → token subject        (auth enabled only)
//
// MIDDLEWARE ORDER MATTERS:
//  1. RequestID: assigns a unique ID to each request
//  2. RealIP: extracts the client IP from proxy headers
//  3. Recoverer: turns panics into 500s
//  4. Metrics, then Logger
//
// /api/* additionally goes through RequireAuth when a JWT secret is set.
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.Logger(s.logger))

	// === Services ===
	s.runs = service.NewRunService(s.exec, service.RunConfig{
		DefaultTimeoutSeconds: s.config.DefaultTimeoutSeconds,
		BlockDangerous:        s.config.BlockDangerous,
		Profiles:              s.config.EnabledProfiles(),
	}, s.metrics, s.logger)
	presetService := service.NewPresetService(s.db, s.runs, s.logger)

	// === Handlers ===
	healthHandler := handler.NewHealthHandler(s.db, s.version, s.logger)
	executeHandler := handler.NewExecuteHandler(s.runs, s.logger)
	streamHandler := handler.NewStreamHandler(s.runs, s.logger, s.config.AllowedOrigins...)
	presetHandler := handler.NewPresetHandler(presetService, s.logger)

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	// === Auth ===
	var requireAuth func(http.Handler) http.Handler
	var authHandler *handler.AuthHandler
	if s.config.AuthEnabled() {
		tokens, err := auth.NewTokenService(s.config.JWTSecret, s.config.TokenTTL())
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
		authService := service.NewAuthService(s.config.AdminPasswordHash, tokens, auth.NewPasswordService(), s.logger)
		authHandler = handler.NewAuthHandler(authService, s.logger)
		requireAuth = auth.RequireAuth(tokens)

		s.router.Post("/auth/token", authHandler.HandleToken)
		s.router.Post("/auth/logout", authHandler.HandleLogout)
	} else {
		s.logger.Warn("JWT secret not set, /api is unauthenticated")
	}

	// === API Routes ===
	s.router.Route("/api", func(r chi.Router) {
		if requireAuth != nil {
			r.Use(requireAuth)
			r.Get("/me", authHandler.HandleMe)
		}

		r.Post("/runs", executeHandler.HandleExecute)
		r.Get("/runs/stream", streamHandler.HandleStream)

		r.Get("/presets", presetHandler.HandleList)
		r.Post("/presets", presetHandler.HandleCreate)
		r.Get("/presets/{id}", presetHandler.HandleGetByID)
		r.Put("/presets/{id}", presetHandler.HandleUpdate)
		r.Delete("/presets/{id}", presetHandler.HandleDelete)
		r.Post("/presets/{id}/run", presetHandler.HandleRun)
	})

	return nil
}

// Start listens on the configured port and blocks until SIGINT/SIGTERM or a
// listener error.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.ListenAndServe(ctx)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new connections
//  2. Give in-flight requests shutdownGrace to finish
//  3. Cancel every request context still alive (including hijacked run
//     streams, which Shutdown does not wait for) so their children are killed
//  4. Wait up to runDrainTimeout for those runs to reap their children
//  5. Close the database
//
// Synchronous runs can legitimately last as long as their timeout, so the
// server sets no WriteTimeout; runs bound themselves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	defer s.Close()

	baseCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
			slog.Bool("auth", s.config.AuthEnabled()),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	cancelRuns()
	s.drainRuns()
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("server stopped gracefully")
	return nil
}

func (s *Server) drainRuns() {
	ctx, cancel := context.WithTimeout(context.Background(), runDrainTimeout)
	defer cancel()
	if err := s.runs.Wait(ctx); err != nil {
		s.logger.Warn("runs still active at exit",
			slog.Int("active", s.runs.Active()),
			slog.String("error", err.Error()),
		)
	}
}

// ensureDataDir creates the database's parent directory (like `mkdir -p`).
func ensureDataDir(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dir, err)
	}
	return nil
}
