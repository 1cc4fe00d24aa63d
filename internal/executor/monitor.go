package executor

// Sampler reads the CPU and memory usage of a running child.
//
// ok is false when the pid no longer resolves to a live process (it exited
// between Poll and Sample) or the platform has no sampling support; the
// supervisory loop skips that iteration silently.
//
// A Sampler is created per run and used from a single goroutine, so
// implementations may keep state between calls (CPU usage is a rate).
type Sampler interface {
	Sample(pid int) (s MetricSample, ok bool)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(pid int) (MetricSample, bool)

// Sample calls f(pid).
func (f SamplerFunc) Sample(pid int) (MetricSample, bool) { return f(pid) }

// Peak tracks the running maxima of every sample taken during a run.
// Both fields only ever grow.
type Peak struct {
	CPU      float64
	MemoryMB uint64
}

// Observe folds s into the maxima.
func (p *Peak) Observe(s MetricSample) {
	if s.CPUUsage > p.CPU {
		p.CPU = s.CPUUsage
	}
	if s.MemoryMB > p.MemoryMB {
		p.MemoryMB = s.MemoryMB
	}
}

const bytesPerMB = 1024 * 1024

// bytesToMB converts bytes to whole megabytes, rounding to nearest.
func bytesToMB(b uint64) uint64 {
	return (b + bytesPerMB/2) / bytesPerMB
}
