package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sakif/devflow-exec/internal/apperror"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/handler"
	sqliteRepo "github.com/sakif/devflow-exec/internal/repository/sqlite"
	"github.com/sakif/devflow-exec/internal/server"
	"github.com/sakif/devflow-exec/internal/service"
)

// Exit codes for the run command besides the child's own.
const (
	ExitFailure  = 1
	ExitRejected = 2   // invalid request, safety block or disabled profile
	ExitTimedOut = 124 // same as coreutils timeout(1)
)

type runFlags struct {
	profile        string
	image          string
	cpus           string
	memory         string
	host           string
	user           string
	cwd            string
	timeout        int
	env            []string
	json           bool
	metrics        bool
	preset         string
	allowDangerous bool
	verbose        bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>",
	Short: "Run a command and stream its output",
	Long: `Run one shell command under an execution profile and stream its output.

The command's stdout and stderr go to the terminal as they are produced. A
summary with the exit code, duration and peak CPU/memory is printed to
stderr at the end. devflow exits with the command's exit code, 124 on
timeout and 2 when the request is rejected.

Examples:
  devflow run -- make test
  devflow run --profile docker --image golang:1.25 --memory 1g -- go test ./...
  devflow run --profile ssh --host build-01 --user ci -- uptime
  devflow run --preset nightly --json`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	// Everything after the first argument belongs to the command.
	f.SetInterspersed(false)
	f.StringVar(&runOpts.profile, "profile", "native", "execution profile: native, docker or ssh")
	f.StringVar(&runOpts.image, "image", "", "container image for the docker profile")
	f.StringVar(&runOpts.cpus, "cpus", "", "docker CPU limit, e.g. 0.5")
	f.StringVar(&runOpts.memory, "memory", "", "docker memory limit, e.g. 256m")
	f.StringVar(&runOpts.host, "host", "", "remote host for the ssh profile")
	f.StringVar(&runOpts.user, "user", "", "remote user for the ssh profile")
	f.StringVar(&runOpts.cwd, "cwd", "", "working directory")
	f.IntVar(&runOpts.timeout, "timeout", 0, "timeout in seconds (default from config)")
	f.StringArrayVar(&runOpts.env, "env", nil, "extra environment variable KEY=VALUE (repeatable)")
	f.BoolVar(&runOpts.json, "json", false, "print events and the result as JSON lines")
	f.BoolVar(&runOpts.metrics, "metrics", false, "print CPU/memory samples while running")
	f.StringVar(&runOpts.preset, "preset", "", "run the stored preset with this name instead of a command")
	f.BoolVar(&runOpts.allowDangerous, "allow-dangerous", false, "run even if the safety check reports danger")
	f.BoolVarP(&runOpts.verbose, "verbose", "v", false, "log engine activity to stderr")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runOpts.preset == "" && len(args) == 0 {
		return errors.New("a command is required: devflow run -- <command>")
	}
	if runOpts.preset != "" && len(args) > 0 {
		return errors.New("--preset cannot be combined with a command")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if runOpts.verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	engine, cleanup := server.NewEngine(cfg, logger)
	defer cleanup()
	runs := service.NewRunService(engine, service.RunConfig{
		DefaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
		BlockDangerous:        cfg.BlockDangerous,
		Profiles:              cfg.EnabledProfiles(),
	}, nil, logger)

	// Ctrl+C cancels the run, which kills the child's process group.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), runOpts.json, runOpts.metrics)

	var res *executor.Result
	if runOpts.preset != "" {
		res, err = runPreset(ctx, cfg.DBPath, runs, logger, out)
	} else {
		var req executor.Request
		req, err = buildRequest(runOpts, args)
		if err != nil {
			return err
		}
		res, err = runs.Run(ctx, req, out)
	}
	if err != nil {
		out.failure(err)
		if errors.Is(err, apperror.ErrValidation) || errors.Is(err, apperror.ErrForbidden) {
			return &exitError{code: ExitRejected}
		}
		return &exitError{code: ExitFailure}
	}

	out.result(res)
	if code := exitCodeFor(res); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func runPreset(ctx context.Context, dbPath string, runs *service.RunService, logger *slog.Logger, obs executor.Observer) (*executor.Result, error) {
	db, err := sqliteRepo.New(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	presets := service.NewPresetService(db, runs, logger)
	return presets.RunByName(ctx, runOpts.preset, runOpts.allowDangerous, obs)
}

// buildRequest turns the flags and positional arguments into a request.
// Arguments are joined with spaces and handed to the shell as one line, so
// `devflow run -- ls -la '|' wc -l` and `devflow run -- "ls -la | wc -l"` agree.
func buildRequest(f runFlags, args []string) (executor.Request, error) {
	env, err := parseEnv(f.env)
	if err != nil {
		return executor.Request{}, err
	}
	return executor.Request{
		Command:        strings.Join(args, " "),
		Cwd:            f.cwd,
		Env:            env,
		TimeoutSeconds: f.timeout,
		Profile:        executor.Profile(f.profile),
		Docker: executor.DockerConfig{
			Image:    f.image,
			CPULimit: f.cpus,
			MemLimit: f.memory,
		},
		SSH: executor.SSHConfig{
			Host: f.host,
			User: f.user,
		},
		AllowDangerous: f.allowDangerous,
	}, nil
}

// parseEnv parses KEY=VALUE pairs. Later keys win.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

// exitCodeFor maps a result to devflow's exit code.
func exitCodeFor(res *executor.Result) int {
	switch {
	case res.TimedOut:
		return ExitTimedOut
	case res.ExitCode < 0 || res.ExitCode > 255:
		return ExitFailure
	default:
		return res.ExitCode
	}
}

// printer renders live events to the terminal. It is the run's Observer,
// so Emit is called from several goroutines.
type printer struct {
	mu          sync.Mutex
	stdout      io.Writer
	stderr      io.Writer
	json        bool
	showMetrics bool
	enc         *json.Encoder
}

func newPrinter(stdout, stderr io.Writer, jsonOut, showMetrics bool) *printer {
	return &printer{
		stdout:      stdout,
		stderr:      stderr,
		json:        jsonOut,
		showMetrics: showMetrics,
		enc:         json.NewEncoder(stdout),
	}
}

var _ executor.Observer = (*printer)(nil)

func (p *printer) Emit(e executor.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		if e.Type == executor.EventMetrics && !p.showMetrics {
			return
		}
		_ = p.enc.Encode(e)
		return
	}

	switch {
	case e.Type == executor.EventMetrics:
		if p.showMetrics && e.Metrics != nil {
			fmt.Fprintf(p.stderr, "[cpu %.1f%%  mem %d MB]\n", e.Metrics.CPUUsage, e.Metrics.MemoryMB)
		}
	case e.Stream == executor.StreamStdout:
		fmt.Fprintln(p.stdout, e.Line)
	case e.Stream == executor.StreamStderr:
		fmt.Fprintln(p.stderr, e.Line)
	default:
		fmt.Fprintf(p.stderr, "devflow: %s\n", e.Line)
	}
}

func (p *printer) result(res *executor.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = p.enc.Encode(handler.StreamMessage{Type: handler.MsgResult, RunID: res.RunID, Result: res})
		return
	}
	status := fmt.Sprintf("exit %d", res.ExitCode)
	if res.TimedOut {
		status = "timed out"
	}
	fmt.Fprintf(p.stderr, "devflow: %s in %dms (peak cpu %.1f%%, mem %d MB, run %s)\n",
		status, res.DurationMS, res.MaxCPU, res.MaxMemoryMB, res.RunID)
}

func (p *printer) failure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := err.Error()
	var field string
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		msg, field = appErr.Message, appErr.Field
	}

	if p.json {
		_ = p.enc.Encode(handler.StreamMessage{Type: handler.MsgFailure, Error: msg, Field: field})
		return
	}
	if field != "" {
		fmt.Fprintf(p.stderr, "devflow: %s: %s\n", field, msg)
		return
	}
	fmt.Fprintf(p.stderr, "devflow: %s\n", msg)
}
