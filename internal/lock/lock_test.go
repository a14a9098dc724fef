package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerExclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "campaign:1", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, "campaign:2", time.Minute)
	require.NoError(t, err)
	other()

	release()
	again, err := l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestMemoryLockerExpiredLease(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)

	// The expired holder must not release the new lease.
	stale()
	_, err = l.Acquire(ctx, "campaign:1", time.Minute)
	require.ErrorIs(t, err, ErrHeld)
	fresh()
}

func TestMemoryLockerLeaseTokensAreUnique(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	first, err := l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)
	a := l.held["campaign:1"].token
	first()

	second, err := l.Acquire(ctx, "campaign:1", time.Minute)
	require.NoError(t, err)
	b := l.held["campaign:1"].token
	second()

	_, err = uuid.Parse(a)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	defer client.Close()

	l := NewRedisLocker(client, "test:lock:")
	key := "campaign:" + time.Now().Format("150405.000000")

	release, err := l.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key, 10*time.Second)
	require.ErrorIs(t, err, ErrHeld)

	release()
	again, err := l.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err)
	again()
}
