package state

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerBackend wraps a Backend with a circuit breaker so that a struggling
// back-end sheds load fast instead of stacking timeouts. An open breaker
// surfaces as ErrUnavailable, which the apply flow fails closed on.
type BreakerBackend struct {
	inner   Backend
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerBackend wraps inner with default breaker settings: trip after 5
// consecutive failures, retry after 10 seconds.
func NewBreakerBackend(inner Backend, logger *zap.Logger) *BreakerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:    "state-backend",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("state back-end breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &BreakerBackend{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerBackend) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.breaker.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	return res, err
}

func (b *BreakerBackend) Get(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		value string
		ok    bool
	}
	res, err := b.execute(func() (interface{}, error) {
		value, ok, err := b.inner.Get(ctx, key)
		return result{value, ok}, err
	})
	if err != nil {
		return "", false, err
	}
	r := res.(result)
	return r.value, r.ok, nil
}

func (b *BreakerBackend) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.Put(ctx, key, value, ttl)
	})
	return err
}

func (b *BreakerBackend) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.PutIfAbsent(ctx, key, value, ttl)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (b *BreakerBackend) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.CompareAndSet(ctx, key, expected, value, ttl)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (b *BreakerBackend) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.IncrementBy(ctx, key, delta, ttl)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (b *BreakerBackend) WindowHit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.WindowHit(ctx, key, window, now)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (b *BreakerBackend) Delete(ctx context.Context, key string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.Delete(ctx, key)
	})
	return err
}
