package docker

import (
	"time"
)

// Config holds the configuration for the Docker image preflight.
type Config struct {
	// PullTimeout bounds a single image pull.
	PullTimeout time.Duration
	// InspectTimeout bounds the local "is it already here?" lookup.
	InspectTimeout time.Duration
	// Pull controls whether a missing image is pulled (true) or only reported (false).
	Pull bool
}

// DefaultConfig provides sensible defaults: pull missing images, give up after two minutes.
func DefaultConfig() Config {
	return Config{
		// Large images on slow links need a while
		PullTimeout: 2 * time.Minute,
		// The daemon answers inspects from local state
		InspectTimeout: 5 * time.Second,
		Pull:           true,
	}
}
