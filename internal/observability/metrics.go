// Package observability holds the Prometheus metrics for run execution and
// the HTTP API. Everything is registered on a custom registry (no global
// state), which the server exposes on /metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Run outcomes used as the "outcome" label.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure" // exited non-zero
	OutcomeTimeout    = "timeout"
	OutcomeSpawnError = "spawn_error"
	OutcomeWaitError  = "wait_error"
	OutcomeCanceled   = "canceled"
	OutcomeRejected   = "rejected" // refused by validation or the safety check
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	ActiveRuns       prometheus.Gauge
	RunPeakCPU       prometheus.Histogram
	RunPeakMemoryMB  prometheus.Histogram
	SafetyIssues     *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPRequestTimes *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them, plus the standard Go
// runtime and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total command runs by profile and outcome.",
		}, []string{"profile", "outcome"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devflow",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of completed runs.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"profile"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devflow",
			Subsystem: "run",
			Name:      "active",
			Help:      "Number of runs currently in flight.",
		}),

		RunPeakCPU: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devflow",
			Subsystem: "run",
			Name:      "peak_cpu_percent",
			Help:      "Peak CPU usage per run, percent of one core.",
			Buckets:   []float64{1, 10, 25, 50, 100, 200, 400, 800},
		}),

		RunPeakMemoryMB: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devflow",
			Subsystem: "run",
			Name:      "peak_memory_mb",
			Help:      "Peak resident memory per run in megabytes.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),

		SafetyIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Subsystem: "safety",
			Name:      "issues_total",
			Help:      "Safety check matches by severity.",
		}, []string{"severity"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "status_code"}),

		HTTPRequestTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ActiveRuns,
		m.RunPeakCPU,
		m.RunPeakMemoryMB,
		m.SafetyIssues,
		m.HTTPRequests,
		m.HTTPRequestTimes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RunStarted marks a run in flight. Call the returned func exactly once when
// the run ends.
func (m *Metrics) RunStarted() (done func()) {
	if m == nil {
		return func() {}
	}
	m.ActiveRuns.Inc()
	return m.ActiveRuns.Dec
}

// ObserveRun records a finished run. peaks are only recorded for runs that
// produced a result.
func (m *Metrics) ObserveRun(profile, outcome string, d time.Duration, peakCPU float64, peakMemMB uint64, hasResult bool) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(profile, outcome).Inc()
	if !hasResult {
		return
	}
	m.RunDuration.WithLabelValues(profile).Observe(d.Seconds())
	m.RunPeakCPU.Observe(peakCPU)
	m.RunPeakMemoryMB.Observe(float64(peakMemMB))
}

// ObserveSafetyIssue counts one safety check match.
func (m *Metrics) ObserveSafetyIssue(severity string) {
	if m == nil {
		return
	}
	m.SafetyIssues.WithLabelValues(severity).Inc()
}
