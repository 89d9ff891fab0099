package state

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

func TestCompareAndSetSemantics(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Empty expected means the key must not exist.
			won, err := backend.CompareAndSet(ctx, "cas_key", "", "100", time.Minute)
			require.NoError(t, err)
			assert.True(t, won)

			won, err = backend.CompareAndSet(ctx, "cas_key", "", "200", time.Minute)
			require.NoError(t, err)
			assert.False(t, won, "create-only CAS must lose against an existing key")

			won, err = backend.CompareAndSet(ctx, "cas_key", "999", "200", time.Minute)
			require.NoError(t, err)
			assert.False(t, won, "stale expected value must lose")

			won, err = backend.CompareAndSet(ctx, "cas_key", "100", "200", time.Minute)
			require.NoError(t, err)
			assert.True(t, won)

			val, ok, err := backend.Get(ctx, "cas_key")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "200", val)
		})
	}
}

func TestPutIfAbsent(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			won, err := backend.PutIfAbsent(ctx, "nx_key", "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, won)

			won, err = backend.PutIfAbsent(ctx, "nx_key", "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, won)

			val, ok, err := backend.Get(ctx, "nx_key")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a", val)
		})
	}
}

func TestIncrementBy(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := backend.IncrementBy(ctx, "ctr", 1, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = backend.IncrementBy(ctx, "ctr", 5, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(6), n)
		})
	}
}

func TestIncrementKeepsOriginalWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	backend := NewRedisBackend(client)
	ctx := context.Background()

	_, err := backend.IncrementBy(ctx, "win", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, mr.TTL("win"))

	mr.FastForward(30 * time.Second)
	_, err = backend.IncrementBy(ctx, "win", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("win"), "later hits must not extend the window")
}

func TestWindowHitSlides(t *testing.T) {
	base := time.Date(2025, 11, 5, 11, 59, 59, 0, time.UTC)
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				count, err := backend.WindowHit(ctx, "slide", time.Minute, base)
				require.NoError(t, err)
				assert.Equal(t, int64(i+1), count)
			}

			// One second later the earlier hits still fall inside the window.
			count, err := backend.WindowHit(ctx, "slide", time.Minute, base.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, int64(4), count)

			// A full minute past the last hit, everything has aged out.
			count, err = backend.WindowHit(ctx, "slide", time.Minute, base.Add(61*time.Second))
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestMemoryBackendExpiry(t *testing.T) {
	backend := NewMemoryBackend()
	now := time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "ttl_key", "v", time.Minute))
	_, ok, err := backend.Get(ctx, "ttl_key")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = backend.Get(ctx, "ttl_key")
	require.NoError(t, err)
	assert.False(t, ok)

	// An expired key is free for PutIfAbsent again.
	won, err := backend.PutIfAbsent(ctx, "ttl_key", "v2", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRedisBackendUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	backend := NewRedisBackend(client)

	mr.Close()

	_, _, err := backend.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	err = backend.Put(context.Background(), "k", "v", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

// failingBackend always errors; drives the breaker open.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("boom")
}
func (failingBackend) Put(context.Context, string, string, time.Duration) error {
	return errors.New("boom")
}
func (failingBackend) PutIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("boom")
}
func (failingBackend) CompareAndSet(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errors.New("boom")
}
func (failingBackend) IncrementBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("boom")
}
func (failingBackend) WindowHit(context.Context, string, time.Duration, time.Time) (int64, error) {
	return 0, errors.New("boom")
}
func (failingBackend) Delete(context.Context, string) error {
	return errors.New("boom")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	backend := NewBreakerBackend(failingBackend{}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := backend.Get(ctx, "k")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnavailable), "call %d should surface the raw failure", i)
	}

	// Breaker is open now; calls are shed without touching the back-end.
	_, _, err := backend.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestBreakerPassesThroughHealthyBackend(t *testing.T) {
	backend := NewBreakerBackend(NewMemoryBackend(), nil)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "k", "v", 0))
	val, ok, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", val)

	n, err := backend.IncrementBy(ctx, "ctr", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
