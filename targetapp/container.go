// Package targetapp implements C13: bringing the scanned application up for
// the duration of a batch via testcontainers-go's generic container API, and
// tearing it down on stop or run cancellation. It is grounded in the
// testcontainers usage pattern from the pack (container.Run + wait strategy
// + deferred Terminate), adapted from a dedicated service container instead
// of a test-fixture database.
package targetapp

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ccpaging/log4go"
)

// Spec describes the image the operator wants brought up for a batch.
type Spec struct {
	Image        string
	ExposedPorts []string
	Env          map[string]string
	// WaitForLog, if set, is matched against the container's log output
	// before Start returns; otherwise Start waits for the first exposed
	// port to accept connections.
	WaitForLog     string
	StartupTimeout time.Duration
}

// Container wraps a running target application container.
type Container struct {
	inner testcontainers.Container
}

// Start brings spec's image up and blocks until it passes its wait strategy.
// A failure here is fatal to /start, not a detector concern (§4.13).
func Start(ctx context.Context, spec Spec) (*Container, error) {
	if spec.StartupTimeout == 0 {
		spec.StartupTimeout = 30 * time.Second
	}

	var strategy wait.Strategy
	if spec.WaitForLog != "" {
		strategy = wait.ForLog(spec.WaitForLog).WithStartupTimeout(spec.StartupTimeout)
	} else if len(spec.ExposedPorts) > 0 {
		strategy = wait.ForListeningPort(nat.Port(spec.ExposedPorts[0])).WithStartupTimeout(spec.StartupTimeout)
	}

	req := testcontainers.ContainerRequest{
		Image:        spec.Image,
		ExposedPorts: spec.ExposedPorts,
		Env:          spec.Env,
		WaitingFor:   strategy,
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("targetapp: starting container for image %v: %w", spec.Image, err)
	}
	log4go.Info("targetapp: container for image %v is up", spec.Image)
	return &Container{inner: c}, nil
}

// Endpoint returns the scheme-less host:port the crawler's reset endpoint
// should target, for the first exposed port.
func (c *Container) Endpoint(ctx context.Context) (string, error) {
	endpoint, err := c.inner.Endpoint(ctx, "")
	if err != nil {
		return "", fmt.Errorf("targetapp: resolving endpoint: %w", err)
	}
	return endpoint, nil
}

// Stop tears the container down. Safe to call once, on /stop or run
// cancellation (§4.13).
func (c *Container) Stop(ctx context.Context) error {
	if err := c.inner.Terminate(ctx); err != nil {
		return fmt.Errorf("targetapp: terminating container: %w", err)
	}
	return nil
}
