// Package docker talks to the Docker daemon on behalf of the docker execution
// profile.
//
// The profile itself runs the `docker` CLI through the host shell, so this
// package never starts containers. Its one job is the preflight: make sure
// the requested image exists locally before the run's deadline starts
// ticking, so a long first-time pull does not eat the command's timeout.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"golang.org/x/sync/singleflight"

	"github.com/sakif/devflow-exec/internal/executor"
)

// imageAPI is the slice of the Docker client the preflight needs.
// *client.Client satisfies it; tests pass a fake.
type imageAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Preflight implements executor.ImagePreflight using the Docker Engine API.
type Preflight struct {
	cli    imageAPI
	config Config
	logger *slog.Logger

	// ready caches images already confirmed present.
	mu    sync.Mutex
	ready map[string]bool
	// pulls collapses concurrent checks of the same image into one.
	pulls singleflight.Group
}

var _ executor.ImagePreflight = (*Preflight)(nil)

// New connects to the daemon configured by the environment (DOCKER_HOST etc.).
func New(cfg Config, logger *slog.Logger) (*Preflight, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newPreflight(cli, cfg, logger), nil
}

func newPreflight(cli imageAPI, cfg Config, logger *slog.Logger) *Preflight {
	return &Preflight{
		cli:    cli,
		config: cfg,
		logger: logger,
		ready:  make(map[string]bool),
	}
}

// Close releases the docker client.
func (p *Preflight) Close() error {
	return p.cli.Close()
}

// EnsureImage returns nil once ref is available locally, pulling it if
// allowed. Positive answers are cached for the life of the Preflight.
func (p *Preflight) EnsureImage(ctx context.Context, ref string) error {
	if p.isReady(ref) {
		return nil
	}

	// The shared check runs under the first caller's ctx; later callers
	// stop waiting when their own ctx ends.
	ch := p.pulls.DoChan(ref, func() (any, error) {
		if p.isReady(ref) {
			return nil, nil
		}
		if err := p.ensure(ctx, ref); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.ready[ref] = true
		p.mu.Unlock()
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Preflight) isReady(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[ref]
}

func (p *Preflight) ensure(ctx context.Context, ref string) error {
	inspectCtx, cancel := context.WithTimeout(ctx, p.config.InspectTimeout)
	defer cancel()

	_, err := p.cli.ImageInspect(inspectCtx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: inspecting image %s: %w", ref, err)
	}
	if !p.config.Pull {
		return fmt.Errorf("docker: image %s not present locally", ref)
	}

	p.logger.Info("pulling docker image", slog.String("image", ref))

	pullCtx, cancelPull := context.WithTimeout(ctx, p.config.PullTimeout)
	defer cancelPull()

	reader, err := p.cli.ImagePull(pullCtx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker: pulling image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is fully consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("docker: reading pull progress for %s: %w", ref, err)
	}

	p.logger.Info("docker image is ready", slog.String("image", ref))
	return nil
}
