package lock

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.TryAcquire(ctx, "t-1", time.Minute)
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "t-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.TryAcquire(ctx, "t-2", time.Minute)
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := l.TryAcquire(ctx, "t-1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestMemoryLocker_Expiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.TryAcquire(ctx, "t-1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.TryAcquire(ctx, "t-1", time.Minute)
	require.NoError(t, err)

	// Releasing the expired claim must not drop the new owner's lock.
	stale()
	_, err = l.TryAcquire(ctx, "t-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
	fresh()
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLocker(t *testing.T) {
	client := setupRedis(t)
	l := NewRedisLocker(client, "test:lock:", slog.Default())
	ctx := context.Background()

	release, err := l.TryAcquire(ctx, "t-1", time.Minute)
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "t-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	ttl, err := client.PTTL(ctx, "test:lock:t-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	release()

	again, err := l.TryAcquire(ctx, "t-1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestRedisLocker_ReleaseOnlyOwnToken(t *testing.T) {
	client := setupRedis(t)
	l := NewRedisLocker(client, "", slog.Default())
	ctx := context.Background()

	release, err := l.TryAcquire(ctx, "t-1", time.Minute)
	require.NoError(t, err)

	// Simulate expiry and takeover by another instance.
	require.NoError(t, client.Set(ctx, "crossledger:lock:t-1", "someone-else", time.Minute).Err())
	release()

	owner, err := client.Get(ctx, "crossledger:lock:t-1").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", owner)
}
