package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/internal/state"
	"github.com/agentoauth/go-core/internal/tenant"
)

var frozenNow = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

func newLimiter(cfg Config) (*Limiter, *state.MemoryBackend) {
	backend := state.NewMemoryBackend()
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return frozenNow }
	}
	return NewLimiter(backend, cfg, nil), backend
}

func TestCheckIPWithinLimit(t *testing.T) {
	l, _ := newLimiter(Config{IPPerMinute: 5, IPPerHour: 100})

	for i := 0; i < 5; i++ {
		status, err := l.CheckIP(context.Background(), "203.0.113.7")
		require.NoError(t, err, "hit %d", i)
		assert.Equal(t, int64(5), status.Limit)
		assert.Equal(t, int64(5-i-1), status.Remaining)
	}
}

func TestCheckIPMinuteExceeded(t *testing.T) {
	l, _ := newLimiter(Config{IPPerMinute: 3, IPPerHour: 100})

	for i := 0; i < 3; i++ {
		_, err := l.CheckIP(context.Background(), "203.0.113.7")
		require.NoError(t, err)
	}

	status, err := l.CheckIP(context.Background(), "203.0.113.7")
	require.Error(t, err)
	assert.Equal(t, errcode.IPRateLimit, errcode.From(err).Code)
	require.NotNil(t, status)
	assert.Equal(t, int64(0), status.Remaining)
	assert.True(t, status.Reset.Equal(frozenNow.Add(time.Minute)))
}

func TestCheckIPHourExceeded(t *testing.T) {
	l, _ := newLimiter(Config{IPPerMinute: 1000, IPPerHour: 4})

	for i := 0; i < 4; i++ {
		_, err := l.CheckIP(context.Background(), "203.0.113.7")
		require.NoError(t, err)
	}
	_, err := l.CheckIP(context.Background(), "203.0.113.7")
	require.Error(t, err)
	assert.Equal(t, errcode.IPRateLimit, errcode.From(err).Code)
}

func TestCheckIPIsolatesAddresses(t *testing.T) {
	l, _ := newLimiter(Config{IPPerMinute: 1, IPPerHour: 100})

	_, err := l.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	_, err = l.CheckIP(context.Background(), "203.0.113.8")
	require.NoError(t, err)
	_, err = l.CheckIP(context.Background(), "203.0.113.7")
	require.Error(t, err)
}

func TestCheckIPWindowResets(t *testing.T) {
	now := frozenNow
	backend := state.NewMemoryBackend()
	backend.SetClock(func() time.Time { return now })
	l := NewLimiter(backend, Config{IPPerMinute: 1, IPPerHour: 100, Clock: func() time.Time { return now }}, nil)

	_, err := l.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	_, err = l.CheckIP(context.Background(), "203.0.113.7")
	require.Error(t, err)

	// A new minute window admits again.
	now = now.Add(time.Minute)
	_, err = l.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
}

func TestCheckIPBurstAcrossMinuteBoundary(t *testing.T) {
	// A burst that fills the quota just before a minute boundary must not get
	// a fresh quota just after it. The window trails the request, so any 60s
	// span admits at most the limit.
	now := time.Date(2025, 11, 5, 11, 59, 59, 0, time.UTC)
	backend := state.NewMemoryBackend()
	backend.SetClock(func() time.Time { return now })
	l := NewLimiter(backend, Config{IPPerMinute: 5, IPPerHour: 1000, Clock: func() time.Time { return now }}, nil)

	admitted := 0
	for i := 0; i < 5; i++ {
		_, err := l.CheckIP(context.Background(), "203.0.113.7")
		require.NoError(t, err, "hit %d before the boundary", i)
		admitted++
	}

	now = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status, err := l.CheckIP(context.Background(), "203.0.113.7")
		if err == nil {
			admitted++
			continue
		}
		assert.Equal(t, errcode.IPRateLimit, errcode.From(err).Code)
		require.NotNil(t, status)
		assert.Equal(t, int64(0), status.Remaining)
	}
	assert.LessOrEqual(t, admitted, 5, "one trailing minute admitted more than its quota")

	// Once the pre-boundary burst ages out the address is admitted again.
	now = time.Date(2025, 11, 5, 12, 1, 0, 0, time.UTC)
	_, err := l.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
}

func TestCheckTenantQuota(t *testing.T) {
	l, _ := newLimiter(Config{})
	tn := &tenant.Tenant{ID: "issuer-1", Tier: "free", Quotas: tenant.Quotas{Daily: 3, Monthly: 100}}

	for i := 0; i < 3; i++ {
		status, err := l.CheckTenant(context.Background(), tn)
		require.NoError(t, err)
		assert.Equal(t, int64(3-i-1), status.Remaining)
	}

	status, err := l.CheckTenant(context.Background(), tn)
	require.Error(t, err)
	assert.Equal(t, errcode.QuotaExceeded, errcode.From(err).Code)
	require.NotNil(t, status)
	// The day window resets at the next UTC midnight.
	assert.True(t, status.Reset.Equal(time.Date(2025, 11, 6, 0, 0, 0, 0, time.UTC)))
}

func TestCheckTenantMonthlyQuota(t *testing.T) {
	l, _ := newLimiter(Config{})
	tn := &tenant.Tenant{ID: "issuer-1", Quotas: tenant.Quotas{Daily: 1000, Monthly: 2}}

	for i := 0; i < 2; i++ {
		_, err := l.CheckTenant(context.Background(), tn)
		require.NoError(t, err)
	}
	_, err := l.CheckTenant(context.Background(), tn)
	require.Error(t, err)
	assert.Equal(t, errcode.QuotaExceeded, errcode.From(err).Code)
}

func TestUsageReportsWithoutIncrementing(t *testing.T) {
	l, _ := newLimiter(Config{})
	tn := &tenant.Tenant{ID: "issuer-1", Quotas: tenant.Quotas{Daily: 1000, Monthly: 10000}}

	for i := 0; i < 4; i++ {
		_, err := l.CheckTenant(context.Background(), tn)
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		day, month, err := l.Usage(context.Background(), "issuer-1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), day)
		assert.Equal(t, int64(4), month)
	}
}

func TestCheckIPAdmitsWhenCounterUnavailable(t *testing.T) {
	l := NewLimiter(failingBackend{}, Config{Clock: func() time.Time { return frozenNow }}, nil)

	status, err := l.CheckIP(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, status.Limit, status.Remaining)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, fmt.Errorf("boom")
}
func (failingBackend) Put(context.Context, string, string, time.Duration) error {
	return fmt.Errorf("boom")
}
func (failingBackend) PutIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, fmt.Errorf("boom")
}
func (failingBackend) CompareAndSet(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, fmt.Errorf("boom")
}
func (failingBackend) IncrementBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, fmt.Errorf("boom")
}
func (failingBackend) WindowHit(context.Context, string, time.Duration, time.Time) (int64, error) {
	return 0, fmt.Errorf("boom")
}
func (failingBackend) Delete(context.Context, string) error {
	return fmt.Errorf("boom")
}
