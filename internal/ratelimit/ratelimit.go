// Package ratelimit enforces the two request-admission bands: sliding per-IP
// minute/hour windows and per-tenant daily/monthly quotas. Counters live in
// the state back-end so limits hold across instances.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/internal/state"
	"github.com/agentoauth/go-core/internal/tenant"
	"github.com/agentoauth/go-core/pkg/types"
)

// Config sets the per-IP band. Zero values fall back to the defaults.
type Config struct {
	IPPerMinute int64
	IPPerHour   int64
	Clock       func() time.Time
}

const (
	defaultIPPerMinute = 60
	defaultIPPerHour   = 1000
)

// Status describes one rate band after a hit; it feeds the X-RateLimit-*
// response headers.
type Status struct {
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// Limiter checks both admission bands against shared counters.
type Limiter struct {
	backend state.Backend
	cfg     Config
	logger  *zap.Logger
}

// NewLimiter creates a limiter on the given back-end.
func NewLimiter(backend state.Backend, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.IPPerMinute <= 0 {
		cfg.IPPerMinute = defaultIPPerMinute
	}
	if cfg.IPPerHour <= 0 {
		cfg.IPPerHour = defaultIPPerHour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{backend: backend, cfg: cfg, logger: logger}
}

// CheckIP counts a hit against the trailing minute and hour windows for an
// IP. The windows slide: a burst cannot double its quota by straddling a
// calendar boundary. It returns the tighter band's status; exceeding either
// returns an IP_RATE_LIMIT error carrying that status. Counter failures admit
// the request: rate limiting protects capacity, it is not a security decision.
func (l *Limiter) CheckIP(ctx context.Context, ip string) (*Status, error) {
	now := l.cfg.Clock().UTC()

	minute, err := l.slide(ctx, state.NSRate+"ip:"+ip+":m", l.cfg.IPPerMinute, time.Minute, now)
	if err != nil {
		return minute, err
	}
	hour, err := l.slide(ctx, state.NSRate+"ip:"+ip+":h", l.cfg.IPPerHour, time.Hour, now)
	if err != nil {
		return hour, err
	}
	return tighter(minute, hour), nil
}

// CheckTenant counts a hit against the tenant's daily and monthly quotas.
// Exceeding either returns QUOTA_EXCEEDED with the exhausted band's status.
func (l *Limiter) CheckTenant(ctx context.Context, tn *tenant.Tenant) (*Status, error) {
	now := l.cfg.Clock().UTC()

	day, err := l.hitQuota(ctx, usageKey(tn.ID, types.PeriodDay, now),
		tn.Quotas.Daily, state.PeriodEnd(types.PeriodDay, now), state.BudgetTTL(types.PeriodDay, now))
	if err != nil {
		return day, err
	}
	month, err := l.hitQuota(ctx, usageKey(tn.ID, types.PeriodMonth, now),
		tn.Quotas.Monthly, state.PeriodEnd(types.PeriodMonth, now), state.BudgetTTL(types.PeriodMonth, now))
	if err != nil {
		return month, err
	}
	return tighter(day, month), nil
}

// Usage reports the tenant's current day and month counters without
// incrementing them.
func (l *Limiter) Usage(ctx context.Context, tenantID string) (day, month int64, err error) {
	now := l.cfg.Clock().UTC()
	day, err = l.read(ctx, usageKey(tenantID, types.PeriodDay, now))
	if err != nil {
		return 0, 0, err
	}
	month, err = l.read(ctx, usageKey(tenantID, types.PeriodMonth, now))
	if err != nil {
		return 0, 0, err
	}
	return day, month, nil
}

// slide records a hit in the key's sliding log and enforces limit over the
// trailing window.
func (l *Limiter) slide(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (*Status, error) {
	if limit <= 0 {
		// Zero means unlimited, not zero headroom.
		return nil, nil
	}
	reset := now.Add(window)
	count, err := l.backend.WindowHit(ctx, key, window, now)
	if err != nil {
		l.logger.Warn("rate counter unavailable, admitting request", zap.String("key", key), zap.Error(err))
		return &Status{Limit: limit, Remaining: limit, Reset: reset}, nil
	}
	status := &Status{Limit: limit, Remaining: max64(limit-count, 0), Reset: reset}
	if count > limit {
		return status, errcode.New(errcode.IPRateLimit, "rate limit exceeded").
			WithSuggestion("retry after the reset time in X-RateLimit-Reset")
	}
	return status, nil
}

func (l *Limiter) hit(ctx context.Context, key string, limit int64, reset time.Time, ttl time.Duration) (*Status, error) {
	if limit <= 0 {
		// Zero means unlimited, not zero headroom.
		return nil, nil
	}
	count, err := l.backend.IncrementBy(ctx, key, 1, ttl)
	if err != nil {
		l.logger.Warn("rate counter unavailable, admitting request", zap.String("key", key), zap.Error(err))
		return &Status{Limit: limit, Remaining: limit, Reset: reset}, nil
	}
	status := &Status{Limit: limit, Remaining: max64(limit-count, 0), Reset: reset}
	if count > limit {
		return status, errcode.New(errcode.IPRateLimit, "rate limit exceeded").
			WithSuggestion("retry after the reset time in X-RateLimit-Reset")
	}
	return status, nil
}

func (l *Limiter) hitQuota(ctx context.Context, key string, limit int64, reset time.Time, ttl time.Duration) (*Status, error) {
	status, err := l.hit(ctx, key, limit, reset, ttl)
	if err != nil {
		return status, errcode.New(errcode.QuotaExceeded, "tenant quota exceeded").
			WithSuggestion("upgrade the tenant tier or wait for the quota window to reset")
	}
	return status, nil
}

func (l *Limiter) read(ctx context.Context, key string) (int64, error) {
	raw, ok, err := l.backend.Get(ctx, key)
	if err != nil {
		return 0, errcode.Wrap(errcode.VerifierUnavailable, "read usage counter", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func usageKey(tenantID string, p types.Period, now time.Time) string {
	return state.NSUsage + tenantID + ":" + string(p) + ":" + state.AlignedID(p, now)
}

// tighter picks the band with less headroom for the response headers.
func tighter(a, b *Status) *Status {
	if b == nil || (a != nil && a.Remaining <= b.Remaining) {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
