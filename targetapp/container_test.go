package targetapp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartWaitsForPortAndExposesEndpoint(t *testing.T) {
	ctx := context.Background()

	c, err := Start(ctx, Spec{
		Image:          "nginx:1.27-alpine",
		ExposedPorts:   []string{"80/tcp"},
		StartupTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(ctx) })

	endpoint, err := c.Endpoint(ctx)
	require.NoError(t, err)
	assert.True(t, strings.Contains(endpoint, ":"))
}

func TestStartWaitsForLogLine(t *testing.T) {
	ctx := context.Background()

	c, err := Start(ctx, Spec{
		Image:          "nginx:1.27-alpine",
		ExposedPorts:   []string{"80/tcp"},
		WaitForLog:     "start worker process",
		StartupTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(ctx) })
}

func TestStopTerminatesContainer(t *testing.T) {
	ctx := context.Background()

	c, err := Start(ctx, Spec{
		Image:          "nginx:1.27-alpine",
		ExposedPorts:   []string{"80/tcp"},
		StartupTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx))
}
