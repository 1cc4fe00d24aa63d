// Package executor runs shell commands under an execution profile (native
// host shell, docker sandbox or ssh remote host), streams their output live,
// samples their resource usage and enforces a wall-clock deadline.
//
// THE RUN PIPELINE:
//
//	Request → ResolveCommand (profile) → ResolveShell → Spawn
//	        → two output streamers + supervisory loop (monitor + deadline)
//	        → Wait (reap exactly once) → Result
//
// Everything a caller needs is in this file: the request/result types, the
// live Event type and the Observer that receives events while a run is in flight.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeoutSeconds is applied when a request does not set a timeout.
const DefaultTimeoutSeconds = 300

// Profile selects the sandboxing strategy for a run.
type Profile string

const (
	// ProfileNative runs the command directly in the host shell.
	ProfileNative Profile = "native"
	// ProfileDocker wraps the command in an ephemeral `docker run --rm`.
	ProfileDocker Profile = "docker"
	// ProfileSSH forwards the command to a remote host over ssh.
	ProfileSSH Profile = "ssh"
)

// ParseProfile maps a user-supplied profile name to a Profile.
// The empty string selects ProfileNative.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native", "host":
		return ProfileNative, nil
	case "docker", "container", "containerized":
		return ProfileDocker, nil
	case "ssh", "remote":
		return ProfileSSH, nil
	default:
		return "", fmt.Errorf("unknown execution profile %q", s)
	}
}

// Defaults for unset profile configuration.
const (
	DefaultDockerImage = "ubuntu:22.04"
	DefaultSSHUser     = "root"
	DefaultSSHHost     = "localhost"
)

// DockerConfig configures the docker profile. Empty fields fall back to
// defaults (image) or are omitted from the generated command line (limits).
type DockerConfig struct {
	Image    string `json:"image,omitempty"`
	CPULimit string `json:"cpu_limit,omitempty"` // e.g. "0.5"
	MemLimit string `json:"mem_limit,omitempty"` // e.g. "256m"
}

// SSHConfig configures the ssh profile.
type SSHConfig struct {
	Host string `json:"host,omitempty"`
	User string `json:"user,omitempty"`
}

// Request is the immutable input of a single run.
type Request struct {
	RunID          string            `json:"run_id"`
	Command        string            `json:"command"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Profile        Profile           `json:"profile,omitempty"`
	Docker         DockerConfig      `json:"docker,omitempty"`
	SSH            SSHConfig         `json:"ssh,omitempty"`

	// AllowDangerous lets a run through even when the safety check reports
	// a danger-level issue. The engine itself ignores it.
	AllowDangerous bool `json:"allow_dangerous,omitempty"`
}

// Timeout returns the configured deadline as a duration, applying the default.
func (r Request) Timeout() time.Duration {
	secs := r.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// MetricSample is a point-in-time CPU/memory reading of the running child.
type MetricSample struct {
	CPUUsage float64 `json:"cpu_usage"` // percent of one core, may exceed 100
	MemoryMB uint64  `json:"memory_mb"`
}

// Result is the terminal record of a run. It is built exactly once, after
// the child has been reaped.
type Result struct {
	RunID       string  `json:"run_id,omitempty"`
	Stdout      string  `json:"stdout"`
	Stderr      string  `json:"stderr"`
	ExitCode    int     `json:"exit_code"`
	MaxCPU      float64 `json:"max_cpu"`
	MaxMemoryMB uint64  `json:"max_memory_mb"`
	DurationMS  int64   `json:"duration_ms"`
	TimedOut    bool    `json:"timed_out"`
}

// Stream names the channel a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamError carries engine-generated warnings (timeouts, preflight failures).
	StreamError Stream = "error"
)

// EventType discriminates live events.
type EventType string

const (
	EventLog     EventType = "log"
	EventMetrics EventType = "metrics"
)

// Event is a live notification emitted while a run is in flight.
type Event struct {
	Type    EventType     `json:"type"`
	RunID   string        `json:"run_id"`
	Stream  Stream        `json:"stream,omitempty"`
	Line    string        `json:"line,omitempty"`
	Metrics *MetricSample `json:"metrics,omitempty"`
}

// LogEvent builds a log event.
func LogEvent(runID string, stream Stream, line string) Event {
	return Event{Type: EventLog, RunID: runID, Stream: stream, Line: line}
}

// MetricsEvent builds a metrics event.
func MetricsEvent(runID string, s MetricSample) Event {
	return Event{Type: EventMetrics, RunID: runID, Metrics: &s}
}

// Observer receives live events. Emit is called concurrently from the two
// output streamers and the supervisory loop, so implementations must be safe
// for concurrent use and should not block for long.
type Observer interface {
	Emit(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Emit calls f(e).
func (f ObserverFunc) Emit(e Event) { f(e) }

// NopObserver discards every event.
var NopObserver Observer = ObserverFunc(func(Event) {})

// Executor is the interface the service layer depends on.
type Executor interface {
	Execute(ctx context.Context, req Request, obs Observer) (*Result, error)
}
