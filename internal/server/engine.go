package server

import (
	"log/slog"

	"github.com/sakif/devflow-exec/internal/config"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/executor/docker"
)

// NewEngine builds the execution engine described by cfg. The returned
// cleanup releases the Docker client when the image preflight is enabled;
// call it once the engine is no longer used.
//
// An unreachable Docker daemon is not fatal: the preflight is skipped and
// docker profile runs report the daemon's own error on stderr.
func NewEngine(cfg *config.Config, logger *slog.Logger) (*executor.Engine, func()) {
	shell := executor.HostShell(cfg.Shell)
	opts := []executor.Option{
		executor.WithShell(shell),
		executor.WithSampleInterval(cfg.SampleInterval()),
	}

	cleanup := func() {}
	if cfg.DockerPreflight {
		dcfg := docker.DefaultConfig()
		dcfg.Pull = cfg.DockerPull
		preflight, err := docker.New(dcfg, logger)
		if err != nil {
			logger.Warn("docker preflight unavailable", slog.String("error", err.Error()))
		} else {
			opts = append(opts, executor.WithImagePreflight(preflight))
			cleanup = func() {
				if err := preflight.Close(); err != nil {
					logger.Warn("closing docker client", slog.String("error", err.Error()))
				}
			}
		}
	}

	logger.Debug("execution engine configured",
		slog.String("shell", shell.Binary),
		slog.Duration("sample_interval", cfg.SampleInterval()),
		slog.Bool("docker_preflight", cfg.DockerPreflight),
	)
	return executor.NewEngine(logger, opts...), cleanup
}
