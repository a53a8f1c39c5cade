package lease_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Cypherspark/push-dispatch/internal/lease"
)

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisLease_Exclusive(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()
	rc, err := lease.Connect(ctx, url)
	require.NoError(t, err)
	defer rc.Close()

	l := lease.NewRedis(rc, "")
	release, ok, err := l.Acquire(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second holder must be refused")

	_, ok, err = l.Acquire(ctx, "c2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "other keys are independent")

	require.NoError(t, release(ctx))
	_, ok, err = l.Acquire(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLease_Expires(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()
	rc, err := lease.Connect(ctx, url)
	require.NoError(t, err)
	defer rc.Close()

	l := lease.NewRedis(rc, "test:")
	_, ok, err := l.Acquire(ctx, "c1", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := l.Acquire(ctx, "c1", time.Minute)
		return err == nil && ok
	}, 5*time.Second, 100*time.Millisecond)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := lease.Connect(context.Background(), "not-a-url")
	require.Error(t, err)
}
