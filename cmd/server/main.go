// Package main is the entry point for the devflow execution server.
//
// MAIN PACKAGE IN GO:
// The main package should be kept minimal. Its job is to:
//  1. Read configuration (env vars, .env, optional YAML file)
//  2. Create dependencies (logger, execution engine)
//  3. Start the application
//
// All actual logic lives in imported packages (internal/server,
// internal/executor, ...). The cobra CLI in cmd/devflow offers the same
// server as `devflow serve` alongside one-shot runs.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sakif/devflow-exec/internal/config"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// === 1. READ CONFIGURATION ===
	// DEVFLOW_CONFIG optionally points at a YAML file; env vars override it.
	cfg, err := config.Load(os.Getenv("DEVFLOW_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	// Structured text logs to stdout, at the configured level.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	// os.Exit skips deferred calls, so everything that needs cleanup lives
	// in run and main only exits once run has returned.
	if err := run(cfg, logger, server.NewEngine); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// engineFactory builds the execution engine and its cleanup function.
type engineFactory func(cfg *config.Config, logger *slog.Logger) (*executor.Engine, func())

func run(cfg *config.Config, logger *slog.Logger, newEngine engineFactory) error {
	// === 3. INITIALIZE EXECUTOR ===
	// The Docker preflight is optional; without a daemon the engine still runs.
	engine, cleanup := newEngine(cfg, logger)
	defer cleanup()

	// === 4. CREATE AND START THE SERVER ===
	srv, err := server.New(cfg, version, logger, engine)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	return srv.Start()
}
