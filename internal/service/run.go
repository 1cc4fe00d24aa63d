// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository / Executor    → reads/writes the database, runs processes
//
// Services never import net/http. They take plain Go values, return domain
// errors from internal/apperror, and depend on interfaces
// (repository.PresetRepository, executor.Executor) so tests can hand them
// in-memory fakes. The same RunService backs the HTTP API and the devflow CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/devflow-exec/internal/apperror"
	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/observability"
	"github.com/sakif/devflow-exec/internal/safety"
)

// Validation limits for run requests.
const (
	MaxCommandLength  = 100000 // bytes
	MaxTimeoutSeconds = 86400
)

// Configuration values end up inside a generated shell line unquoted, so
// they are held to patterns that cannot carry shell syntax.
var (
	imagePattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/:@-]*$`)
	hostPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
	ipv6Pattern    = regexp.MustCompile(`^\[[0-9A-Fa-f:.]+\]$`)
	userPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9._-]*$`)
	cpuPattern     = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	memPattern     = regexp.MustCompile(`^[0-9]+[bkmgBKMG]?$`)
	envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// RunConfig holds the run policy taken from configuration.
type RunConfig struct {
	// DefaultTimeoutSeconds replaces a zero timeout on incoming requests.
	DefaultTimeoutSeconds int
	// BlockDangerous rejects commands with danger-level safety issues unless
	// the request sets AllowDangerous.
	BlockDangerous bool
	// Profiles lists the execution profiles this server accepts. Empty
	// means all of them.
	Profiles []executor.Profile
}

// RunService validates run requests, applies the safety policy and hands
// them to an executor.
type RunService struct {
	exec    executor.Executor
	cfg     RunConfig
	metrics *observability.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	active int
	idle   chan struct{} // closed when active drops back to zero
}

// NewRunService creates a RunService. metrics may be nil (the CLI runs
// without a registry).
func NewRunService(exec executor.Executor, cfg RunConfig, metrics *observability.Metrics, logger *slog.Logger) *RunService {
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = executor.DefaultTimeoutSeconds
	}
	return &RunService{
		exec:    exec,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Run normalizes and validates req, applies the safety policy, executes the
// command and records metrics for the outcome.
//
// Validation and safety rejections are *apperror.AppError values and nothing
// is spawned. Engine failures come back unchanged (*executor.RunError or a
// wrapped context error).
func (s *RunService) Run(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
	if obs == nil {
		obs = executor.NopObserver
	}

	req, issues, err := s.Prepare(req)
	if err != nil {
		s.metrics.ObserveRun(profileLabel(req.Profile), observability.OutcomeRejected, 0, 0, 0, false)
		return nil, err
	}
	profile := string(req.Profile)

	// Issues that did not block the run are still reported on the error
	// stream before anything is spawned.
	for _, is := range issues {
		prefix := "safety warning"
		if is.Severity == safety.SeverityDanger {
			prefix = "safety override"
		}
		obs.Emit(executor.LogEvent(req.RunID, executor.StreamError, fmt.Sprintf("%s: %s", prefix, is.Message)))
	}

	s.begin()
	defer s.end()

	done := s.metrics.RunStarted()
	start := time.Now()
	res, err := s.exec.Execute(ctx, req, obs)
	done()

	outcome := classifyOutcome(res, err)
	if res != nil {
		s.metrics.ObserveRun(profile, outcome, time.Duration(res.DurationMS)*time.Millisecond, res.MaxCPU, res.MaxMemoryMB, true)
	} else {
		s.metrics.ObserveRun(profile, outcome, time.Since(start), 0, 0, false)
	}

	if err != nil {
		s.logger.Error("run failed",
			slog.String("run_id", req.RunID),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return res, nil
}

// Wait blocks until no run is executing or ctx ends. The server calls it
// after canceling request contexts, so children are killed and reaped
// before the process exits.
func (s *RunService) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports how many runs are executing.
func (s *RunService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *RunService) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		s.idle = make(chan struct{})
	}
	s.active++
}

func (s *RunService) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 {
		close(s.idle)
	}
}

// Prepare normalizes req and runs every check Run performs before spawning.
// It returns the normalized request and the safety issues that did not
// block it.
func (s *RunService) Prepare(req executor.Request) (executor.Request, []safety.Issue, error) {
	req = s.normalize(req)

	if err := validateRequest(req); err != nil {
		return req, nil, err
	}
	if !s.profileEnabled(req.Profile) {
		return req, nil, apperror.Forbidden("profile",
			fmt.Sprintf("execution profile %q is disabled on this server", req.Profile))
	}

	issues := safety.Check(req.Command)
	for _, is := range issues {
		s.metrics.ObserveSafetyIssue(string(is.Severity))
	}
	if safety.HasDanger(issues) && s.cfg.BlockDangerous && !req.AllowDangerous {
		s.logger.Warn("run rejected by safety check",
			slog.String("run_id", req.RunID),
			slog.Int("issues", len(issues)),
		)
		return req, issues, apperror.ValidationFailed("command", dangerMessage(issues))
	}
	return req, issues, nil
}

func (s *RunService) profileEnabled(p executor.Profile) bool {
	if len(s.cfg.Profiles) == 0 {
		return true
	}
	for _, enabled := range s.cfg.Profiles {
		if enabled == p {
			return true
		}
	}
	return false
}

// normalize fills in the run ID and timeout and canonicalizes the profile
// name. Profile config defaults (image, user, host) are applied when the
// command line is generated, not here, so stored presets stay minimal.
func (s *RunService) normalize(req executor.Request) executor.Request {
	req.RunID = strings.TrimSpace(req.RunID)
	if req.RunID == "" {
		req.RunID = xid.New().String()
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = s.cfg.DefaultTimeoutSeconds
	}
	if p, err := executor.ParseProfile(string(req.Profile)); err == nil {
		req.Profile = p
	}
	req.Docker.Image = strings.TrimSpace(req.Docker.Image)
	req.Docker.CPULimit = strings.TrimSpace(req.Docker.CPULimit)
	req.Docker.MemLimit = strings.TrimSpace(req.Docker.MemLimit)
	req.SSH.Host = strings.TrimSpace(req.SSH.Host)
	req.SSH.User = strings.TrimSpace(req.SSH.User)
	return req
}

// validateRequest checks a normalized request. Only the active profile's
// configuration is checked; the other profile's fields are ignored.
func validateRequest(req executor.Request) error {
	if strings.TrimSpace(req.Command) == "" {
		return apperror.ValidationFailed("command", "command is required")
	}
	if len(req.Command) > MaxCommandLength {
		return apperror.ValidationFailed("command",
			fmt.Sprintf("command must be %d bytes or less", MaxCommandLength))
	}
	if req.TimeoutSeconds < 1 || req.TimeoutSeconds > MaxTimeoutSeconds {
		return apperror.ValidationFailed("timeout_seconds",
			fmt.Sprintf("timeout must be between 1 and %d seconds", MaxTimeoutSeconds))
	}

	switch req.Profile {
	case executor.ProfileNative:
	case executor.ProfileDocker:
		d := req.Docker
		if d.Image != "" && !imagePattern.MatchString(d.Image) {
			return apperror.ValidationFailed("docker.image", "invalid docker image reference")
		}
		if d.CPULimit != "" && !cpuPattern.MatchString(d.CPULimit) {
			return apperror.ValidationFailed("docker.cpu_limit", "cpu limit must be a decimal number such as 0.5")
		}
		if d.MemLimit != "" && !memPattern.MatchString(d.MemLimit) {
			return apperror.ValidationFailed("docker.mem_limit", "memory limit must be a number with an optional b, k, m or g suffix")
		}
	case executor.ProfileSSH:
		h := req.SSH.Host
		if h != "" && (strings.HasPrefix(h, "-") || !(hostPattern.MatchString(h) || ipv6Pattern.MatchString(h))) {
			return apperror.ValidationFailed("ssh.host", "invalid ssh host")
		}
		if req.SSH.User != "" && !userPattern.MatchString(req.SSH.User) {
			return apperror.ValidationFailed("ssh.user", "invalid ssh user")
		}
	default:
		return apperror.ValidationFailed("profile", fmt.Sprintf("unknown execution profile %q", req.Profile))
	}

	for name := range req.Env {
		if !envNamePattern.MatchString(name) {
			return apperror.ValidationFailed("env", fmt.Sprintf("invalid environment variable name %q", name))
		}
	}
	return nil
}

// profileLabel keeps the metrics label set bounded when a request names an
// unknown profile.
func profileLabel(p executor.Profile) string {
	switch p {
	case executor.ProfileNative, executor.ProfileDocker, executor.ProfileSSH:
		return string(p)
	default:
		return "unknown"
	}
}

func dangerMessage(issues []safety.Issue) string {
	var msgs []string
	for _, is := range issues {
		if is.Severity == safety.SeverityDanger {
			msgs = append(msgs, is.Message)
		}
	}
	return "command blocked by safety check: " + strings.Join(msgs, "; ")
}

func classifyOutcome(res *executor.Result, err error) string {
	switch {
	case errors.Is(err, executor.ErrSpawnFailed):
		return observability.OutcomeSpawnError
	case errors.Is(err, executor.ErrWaitFailed):
		return observability.OutcomeWaitError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCanceled
	case err != nil:
		return observability.OutcomeFailure
	case res.TimedOut:
		return observability.OutcomeTimeout
	case res.ExitCode != 0:
		return observability.OutcomeFailure
	default:
		return observability.OutcomeSuccess
	}
}
