//go:build !linux

package executor

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// NewSampler returns a gopsutil based sampler that sums CPU time and resident
// memory over the child and every descendant it has started. There is no
// portable process-group query outside /proc, so the tree is walked from
// the child on each sample.
func NewSampler() Sampler {
	return &treeSampler{}
}

type treeSampler struct {
	// Same rate calculation as the procfs sampler: the first sample of a
	// run reports 0 CPU.
	lastCPU float64
	lastAt  time.Time
}

func (s *treeSampler) Sample(pid int) (MetricSample, bool) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return MetricSample{}, false
	}

	var (
		cpuSeconds float64
		rssBytes   uint64
		found      bool
	)
	seen := make(map[int32]bool)
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p.Pid] {
			continue
		}
		seen[p.Pid] = true

		times, err := p.Times()
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		found = true
		cpuSeconds += times.User + times.System
		if mem, err := p.MemoryInfo(); err == nil {
			rssBytes += mem.RSS
		}
		if children, err := p.Children(); err == nil {
			queue = append(queue, children...)
		}
	}
	if !found {
		return MetricSample{}, false
	}

	now := time.Now()
	usage := 0.0
	if !s.lastAt.IsZero() {
		if elapsed := now.Sub(s.lastAt).Seconds(); elapsed > 0 {
			usage = (cpuSeconds - s.lastCPU) / elapsed * 100
		}
		if usage < 0 {
			usage = 0
		}
	}
	s.lastCPU = cpuSeconds
	s.lastAt = now

	return MetricSample{CPUUsage: usage, MemoryMB: bytesToMB(rssBytes)}, true
}
