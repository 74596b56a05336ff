package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_ExclusiveAndReleased(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	ctx := context.Background()

	err := locker.WithLock(ctx, "availability:doc-1", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:availability:doc-1"))

		inner := locker.WithLock(ctx, "availability:doc-1", func(context.Context) error {
			t.Fatal("nested holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)

		other := locker.WithLock(ctx, "availability:doc-2", func(context.Context) error { return nil })
		assert.NoError(t, other)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:availability:doc-1"))
}

func TestRedisLocker_PropagatesFnError(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:k"))
}

func TestRedisLocker_DoesNotDeleteForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)

	err := locker.WithLock(context.Background(), "k", func(context.Context) error {
		// simulate expiry followed by another owner taking the key
		require.NoError(t, mr.Set("lock:k", "someone-else"))
		return nil
	})
	require.NoError(t, err)

	got, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	err := locker.WithLock(ctx, "k", func(ctx context.Context) error {
		return locker.WithLock(ctx, "k", func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	assert.NoError(t, locker.WithLock(ctx, "k", func(context.Context) error { return nil }))
}
