//go:build linux

package executor

import (
	"time"

	"github.com/prometheus/procfs"
)

// NewSampler returns a /proc based sampler that sums CPU time and resident
// memory over the child's whole process group. Spawn makes the child a group
// leader, so this covers everything the wrapping shell started.
func NewSampler() Sampler {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return SamplerFunc(func(int) (MetricSample, bool) { return MetricSample{}, false })
	}
	return &procfsSampler{fs: fs}
}

type procfsSampler struct {
	fs procfs.FS

	// CPU usage is derived from the change in cumulative CPU seconds between
	// two samples, so the first sample of a run always reports 0.
	lastCPU float64
	lastAt  time.Time
}

func (s *procfsSampler) Sample(pid int) (MetricSample, bool) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return MetricSample{}, false
	}

	var (
		cpuSeconds float64
		rssBytes   uint64
		found      bool
	)
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// Raced with an exiting process.
			continue
		}
		if stat.PID != pid && stat.PGRP != pid {
			continue
		}
		found = true
		cpuSeconds += stat.CPUTime()
		rssBytes += uint64(stat.ResidentMemory())
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
			// A group member exited and took its CPU time with it.
			usage = 0
		}
	}
	s.lastCPU = cpuSeconds
	s.lastAt = now

	return MetricSample{CPUUsage: usage, MemoryMB: bytesToMB(rssBytes)}, true
}
