package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSampleInterval is the pause between liveness/metric checks.
	DefaultSampleInterval = 500 * time.Millisecond
	// DefaultDrainGrace bounds how long the streamers may keep reading
	// after the child is reaped, in case an orphan still holds the pipes.
	DefaultDrainGrace = 2 * time.Second
)

// ImagePreflight makes sure a container image is usable before a docker
// profile run is spawned. See internal/executor/docker.
type ImagePreflight interface {
	EnsureImage(ctx context.Context, image string) error
}

// Engine is the Executor that spawns real OS processes.
type Engine struct {
	shell      Shell
	interval   time.Duration
	drainGrace time.Duration
	newSampler func() Sampler
	preflight  ImagePreflight
	logger     *slog.Logger

	// spawn is swapped out by tests.
	spawn func(sh Shell, command string, req Request) (child, error)
}

var _ Executor = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithShell overrides the host shell (default: HostShell("")).
func WithShell(sh Shell) Option {
	return func(e *Engine) { e.shell = sh }
}

// WithSampleInterval sets the supervisory loop interval.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithSampler sets the per-run Sampler constructor (default: NewSampler).
func WithSampler(newSampler func() Sampler) Option {
	return func(e *Engine) {
		if newSampler != nil {
			e.newSampler = newSampler
		}
	}
}

// WithImagePreflight enables image checks for docker profile runs.
func WithImagePreflight(p ImagePreflight) Option {
	return func(e *Engine) { e.preflight = p }
}

// WithDrainGrace sets how long streamers may run after the child is reaped.
func WithDrainGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.drainGrace = d
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		shell:      HostShell(""),
		interval:   DefaultSampleInterval,
		drainGrace: DefaultDrainGrace,
		newSampler: NewSampler,
		logger:     logger,
		spawn:      spawnProcess,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func spawnProcess(sh Shell, command string, req Request) (child, error) {
	return Spawn(sh, command, req.Cwd, req.Env)
}

// Shell returns the shell the engine spawns commands with.
func (e *Engine) Shell() Shell { return e.shell }

// loopOutcome is what the supervisory loop learned before the child was reaped.
type loopOutcome struct {
	peak     Peak
	timedOut bool
	canceled bool
}

// Execute runs req to completion and returns its aggregated result.
//
// Spawn and wait failures are returned as *RunError. A timeout is not an
// error: the result carries TimedOut=true and ExitCode=-1. Cancelling ctx
// kills the child the same way a timeout does, but returns ctx's error
// instead of a result.
func (e *Engine) Execute(ctx context.Context, req Request, obs Observer) (*Result, error) {
	if obs == nil {
		obs = NopObserver
	}

	if req.Profile == ProfileDocker && e.preflight != nil {
		e.checkImage(ctx, req, obs)
	}

	resolved := ResolveCommand(req)
	e.logger.Info("run starting",
		slog.String("run_id", req.RunID),
		slog.String("profile", string(profileOrNative(req.Profile))),
		slog.String("shell", e.shell.Binary),
		slog.Duration("timeout", req.Timeout()),
	)
	e.logger.Debug("resolved command", slog.String("run_id", req.RunID), slog.String("command", resolved))

	proc, err := e.spawn(e.shell, resolved, req)
	if err != nil {
		e.logger.Error("spawn failed", slog.String("run_id", req.RunID), slog.String("error", err.Error()))
		return nil, &RunError{Kind: ErrSpawnFailed, RunID: req.RunID, Err: err}
	}
	// Release the pipes on every exit path.
	defer proc.CloseOutput()

	start := proc.Started()
	deadline := start.Add(req.Timeout())

	// === OUTPUT STREAMERS ===
	// Each streamer owns its buffer; the slices are only read after g.Wait.
	stdoutR, stderrR := proc.Output()
	var stdoutLines, stderrLines []string
	var g errgroup.Group
	g.Go(func() error {
		stdoutLines = streamLines(req.RunID, StreamStdout, stdoutR, obs)
		return nil
	})
	g.Go(func() error {
		stderrLines = streamLines(req.RunID, StreamStderr, stderrR, obs)
		return nil
	})
	streamsDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(streamsDone)
	}()

	// === SUPERVISORY LOOP ===
	outcome := e.supervise(ctx, proc, req, deadline, obs)

	// === REAP ===
	exitCode, waitErr := proc.Wait()
	duration := time.Since(start)

	select {
	case <-streamsDone:
	case <-time.After(e.drainGrace):
		e.logger.Warn("output still open after exit, closing pipes",
			slog.String("run_id", req.RunID),
			slog.Duration("grace", e.drainGrace),
		)
		proc.CloseOutput()
		<-streamsDone
	}

	if waitErr != nil {
		e.logger.Error("wait failed", slog.String("run_id", req.RunID), slog.String("error", waitErr.Error()))
		return nil, &RunError{Kind: ErrWaitFailed, RunID: req.RunID, Err: waitErr}
	}
	if outcome.canceled {
		return nil, fmt.Errorf("executor: run %s canceled: %w", req.RunID, ctx.Err())
	}

	// === AGGREGATE ===
	if outcome.timedOut {
		exitCode = -1
	}
	res := &Result{
		RunID:       req.RunID,
		Stdout:      strings.Join(stdoutLines, "\n"),
		Stderr:      strings.Join(stderrLines, "\n"),
		ExitCode:    exitCode,
		MaxCPU:      outcome.peak.CPU,
		MaxMemoryMB: outcome.peak.MemoryMB,
		DurationMS:  duration.Milliseconds(),
		TimedOut:    outcome.timedOut,
	}

	e.logger.Info("run completed",
		slog.String("run_id", req.RunID),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Duration("duration", duration),
		slog.Float64("max_cpu", res.MaxCPU),
		slog.Uint64("max_memory_mb", res.MaxMemoryMB),
	)
	return res, nil
}

// supervise polls the child until it exits or must be killed. Each iteration
// checks liveness first, so a natural exit always beats the deadline; then
// the deadline; then takes one resource sample.
func (e *Engine) supervise(ctx context.Context, proc child, req Request, deadline time.Time, obs Observer) loopOutcome {
	var out loopOutcome
	sampler := e.newSampler()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	deadlineTimer := time.NewTimer(time.Until(deadline))
	defer deadlineTimer.Stop()

	for {
		if proc.Poll() {
			return out
		}

		if !time.Now().Before(deadline) {
			secs := int(req.Timeout() / time.Second)
			obs.Emit(LogEvent(req.RunID, StreamError, fmt.Sprintf("command timed out after %ds", secs)))
			e.logger.Warn("run timed out, killing", slog.String("run_id", req.RunID), slog.Int("timeout_seconds", secs))
			e.kill(proc, req.RunID)
			out.timedOut = true
			return out
		}

		if s, ok := sampler.Sample(proc.PID()); ok {
			out.peak.Observe(s)
			obs.Emit(MetricsEvent(req.RunID, s))
		}

		select {
		case <-proc.Done():
		case <-ticker.C:
		case <-deadlineTimer.C:
		case <-ctx.Done():
			e.logger.Warn("run canceled, killing", slog.String("run_id", req.RunID), slog.String("reason", ctx.Err().Error()))
			e.kill(proc, req.RunID)
			out.canceled = true
			return out
		}
	}
}

// kill is best effort: a refused signal is logged and the caller still
// proceeds to Wait.
func (e *Engine) kill(proc child, runID string) {
	if err := proc.Kill(); err != nil {
		e.logger.Warn("kill failed",
			slog.String("run_id", runID),
			slog.Int("pid", proc.PID()),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) checkImage(ctx context.Context, req Request, obs Observer) {
	image := req.Docker.Image
	if image == "" {
		image = DefaultDockerImage
	}
	if err := e.preflight.EnsureImage(ctx, image); err != nil {
		e.logger.Warn("image preflight failed",
			slog.String("run_id", req.RunID),
			slog.String("image", image),
			slog.String("error", err.Error()),
		)
		obs.Emit(LogEvent(req.RunID, StreamError, fmt.Sprintf("image preflight for %s failed: %v", image, err)))
	}
}

func profileOrNative(p Profile) Profile {
	if p == "" {
		return ProfileNative
	}
	return p
}
