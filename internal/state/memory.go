package state

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend for tests and single-node
// deployments. It also implements KeySerializer with a per-key mutex.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	windows map[string][]time.Time
	locks   map[string]*sync.Mutex
	clock   func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		windows: make(map[string][]time.Time),
		locks:   make(map[string]*sync.Mutex),
		clock:   time.Now,
	}
}

// SetClock overrides the expiry clock. Test hook.
func (b *MemoryBackend) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

func (b *MemoryBackend) get(key string) (memoryEntry, bool) {
	entry, ok := b.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && b.clock().After(entry.expiresAt) {
		delete(b.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (b *MemoryBackend) put(key, value string, ttl time.Duration) {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = b.clock().Add(ttl)
	}
	b.entries[key] = entry
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.get(key)
	return entry.value, ok, nil
}

func (b *MemoryBackend) Put(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(key, value, ttl)
	return nil
}

func (b *MemoryBackend) PutIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.get(key); ok {
		return false, nil
	}
	b.put(key, value, ttl)
	return true, nil
}

func (b *MemoryBackend) CompareAndSet(_ context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.get(key)
	if expected == "" {
		if ok {
			return false, nil
		}
	} else if !ok || entry.value != expected {
		return false, nil
	}
	b.put(key, value, ttl)
	return true, nil
}

func (b *MemoryBackend) IncrementBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var current int64
	entry, ok := b.get(key)
	if ok {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err == nil {
			current = parsed
		}
	}
	current += delta
	if ok {
		// Keep the original expiry; counters never extend their window.
		b.entries[key] = memoryEntry{value: strconv.FormatInt(current, 10), expiresAt: entry.expiresAt}
	} else {
		b.put(key, strconv.FormatInt(current, 10), ttl)
	}
	return current, nil
}

func (b *MemoryBackend) WindowHit(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-window)
	hits := b.windows[key]
	kept := hits[:0]
	for _, hit := range hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	kept = append(kept, now)
	b.windows[key] = kept
	return int64(len(kept)), nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	delete(b.windows, key)
	return nil
}

// SerializeOnKey runs fn under a mutex dedicated to key, single-flighting
// mutations the way the policy-state actor binding does.
func (b *MemoryBackend) SerializeOnKey(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	lock, ok := b.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[key] = lock
	}
	b.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}
