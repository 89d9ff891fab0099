// Package state owns all mutating evaluator state: per-period budgets, the
// replay cache, the idempotency cache, revocation entries and receipt storage.
// It is the only component that writes to the back-end.
package state

import (
	"context"
	"errors"
	"time"
)

// Key namespaces. No other keys are written by the core.
const (
	NSBudget  = "budget:"
	NSReplay  = "replay:"
	NSIdem    = "idem:"
	NSRevJTI  = "rev:jti:"
	NSRevPol  = "rev:pol:"
	NSReceipt = "rcpt:"
	NSUsage   = "usage:"
	NSRate    = "rate:"
)

// ErrUnavailable marks back-end reachability failures. The apply flow
// fails closed on it.
var ErrUnavailable = errors.New("state back-end unavailable")

// Backend is the key-value contract consumed by the state manager. A ttl of
// zero means no expiry.
type Backend interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores a value unconditionally.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// PutIfAbsent stores a value only when the key does not exist; reports
	// whether the write won.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSet stores value only when the current value equals expected.
	// An empty expected means the key must not exist. Reports whether the
	// write won.
	CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	// IncrementBy atomically adds delta to an integer counter, creating it
	// with the given ttl, and returns the new value.
	IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// WindowHit records one hit at now and returns how many hits fall inside
	// the trailing window, the new hit included. Hits older than the window
	// are discarded.
	WindowHit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)

	// Delete removes a key. Absent keys are not an error.
	Delete(ctx context.Context, key string) error
}

// KeySerializer is the optional actor-like primitive single-flighting
// mutations per key. Back-ends that cannot provide it force the manager onto
// its CAS-retry path.
type KeySerializer interface {
	SerializeOnKey(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
