package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/pkg/types"
)

var frozenNow = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func budgetPolicy(limit string) *types.Policy {
	return &types.Policy{
		Version: types.PolicyVersion,
		ID:      "pol_budget",
		Actions: []string{"payment.create"},
		Limits: &types.Limits{
			PerPeriod: &types.PeriodLimit{
				Amount:   dec(limit),
				Currency: "USD",
				Period:   types.PeriodDay,
			},
		},
	}
}

func applyInput(p *types.Policy, jti, amount, idemKey string) ApplyInput {
	return ApplyInput{
		Policy:      p,
		JTI:         jti,
		TokenExpiry: frozenNow.Add(15 * time.Minute),
		Context: &types.RequestContext{
			Action:         "payment.create",
			Amount:         decPtr(amount),
			Currency:       "USD",
			IdempotencyKey: idemKey,
		},
		Now: frozenNow,
	}
}

// backends returns both implementations so every flow is exercised on the
// serializer path (memory) and the CAS path (redis).
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  NewRedisBackend(client),
	}
}

func TestApplyReplayDetection(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(backend, nil)

			first, err := m.Apply(context.Background(), applyInput(budgetPolicy("1000"), "jti_replay_1", "100", ""))
			require.NoError(t, err)
			assert.Equal(t, types.DecisionAllow, first.Decision)

			second, err := m.Apply(context.Background(), applyInput(budgetPolicy("1000"), "jti_replay_1", "100", ""))
			require.NoError(t, err)
			assert.Equal(t, types.DecisionDeny, second.Decision)
			assert.Equal(t, "Replay detected", second.Reason)
			assert.Equal(t, errcode.Replay, second.Code)
		})
	}
}

func TestApplyIdempotentRetry(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(backend, nil)
			p := budgetPolicy("1000")

			first, err := m.Apply(context.Background(), applyInput(p, "jti_idem_1", "400", "order-42"))
			require.NoError(t, err)
			require.Equal(t, types.DecisionAllow, first.Decision)
			require.NotNil(t, first.Remaining)
			assert.True(t, first.Remaining.Amount.Equal(dec("600")))
			assert.False(t, first.Idempotent)

			// Retry with a fresh jti but the same idempotency key: same decision
			// back, and the budget is not charged again.
			retry, err := m.Apply(context.Background(), applyInput(p, "jti_idem_2", "400", "order-42"))
			require.NoError(t, err)
			assert.Equal(t, types.DecisionAllow, retry.Decision)
			assert.True(t, retry.Idempotent)
			require.NotNil(t, retry.Remaining)
			assert.True(t, retry.Remaining.Amount.Equal(dec("600")))

			next, err := m.Apply(context.Background(), applyInput(p, "jti_idem_3", "100", ""))
			require.NoError(t, err)
			require.NotNil(t, next.Remaining)
			assert.True(t, next.Remaining.Amount.Equal(dec("500")))
		})
	}
}

func TestApplyBudgetExhaustion(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(backend, nil)
			p := budgetPolicy("1000")

			steps := []struct {
				amount    string
				decision  types.Decision
				remaining string
				reason    string
			}{
				{"300", types.DecisionAllow, "700", ""},
				{"500", types.DecisionAllow, "200", ""},
				{"300", types.DecisionDeny, "200", "Amount 300 USD exceeds remaining budget 200 USD"},
				{"200", types.DecisionAllow, "0", ""},
				{"1", types.DecisionDeny, "0", "Amount 1 USD exceeds remaining budget 0 USD"},
			}
			for i, step := range steps {
				out, err := m.Apply(context.Background(), applyInput(p, fmt.Sprintf("jti_budget_%d", i), step.amount, ""))
				require.NoError(t, err)
				assert.Equal(t, step.decision, out.Decision, "step %d", i)
				require.NotNil(t, out.Remaining, "step %d", i)
				assert.True(t, out.Remaining.Amount.Equal(dec(step.remaining)),
					"step %d remaining: got %s", i, out.Remaining.Amount)
				if step.reason != "" {
					assert.Equal(t, step.reason, out.Reason, "step %d", i)
					assert.Equal(t, errcode.PolicyError, out.Code, "step %d", i)
				}
			}
		})
	}
}

func TestApplyCurrencyMismatch(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil)
	in := applyInput(budgetPolicy("1000"), "jti_cur_1", "100", "")
	in.Context.Currency = "EUR"

	out, err := m.Apply(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDeny, out.Decision)
	assert.Equal(t, "Currency 'EUR' does not match budget currency 'USD'", out.Reason)
	assert.Equal(t, errcode.PolicyError, out.Code)
}

func TestApplyNoBudgetAllows(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil)
	p := &types.Policy{Version: types.PolicyVersion, ID: "pol_nolimit", Actions: []string{"read"}}
	in := ApplyInput{
		Policy:      p,
		JTI:         "jti_nolimit",
		TokenExpiry: frozenNow.Add(time.Minute),
		Context:     &types.RequestContext{Action: "read"},
		Now:         frozenNow,
	}

	out, err := m.Apply(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllow, out.Decision)
	assert.Nil(t, out.Remaining)
}

func TestApplyConcurrentSpendersSingleWindow(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(backend, nil)
			p := budgetPolicy("500")

			const workers = 10
			results := make(chan types.Decision, workers)
			errs := make(chan error, workers)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					out, err := m.Apply(context.Background(), applyInput(p, fmt.Sprintf("jti_conc_%d", i), "100", ""))
					if err != nil {
						errs <- err
						return
					}
					results <- out.Decision
				}(i)
			}
			wg.Wait()
			close(results)
			close(errs)

			for err := range errs {
				require.NoError(t, err)
			}
			allowed := 0
			for d := range results {
				if d == types.DecisionAllow {
					allowed++
				}
			}
			// 500 / 100 = exactly 5 winners, never more.
			assert.Equal(t, 5, allowed)

			out, err := m.Simulate(context.Background(), applyInput(p, "", "1", ""))
			require.NoError(t, err)
			assert.Equal(t, types.DecisionDeny, out.Decision)
		})
	}
}

func TestSimulateDoesNotWrite(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(backend, nil)
			p := budgetPolicy("1000")

			for i := 0; i < 3; i++ {
				out, err := m.Simulate(context.Background(), applyInput(p, "jti_sim", "900", "sim-key"))
				require.NoError(t, err)
				assert.Equal(t, types.DecisionAllow, out.Decision)
				require.NotNil(t, out.Remaining)
				assert.True(t, out.Remaining.Amount.Equal(dec("100")),
					"simulate run %d drifted: %s", i, out.Remaining.Amount)
			}

			// Nothing was claimed or spent: the same jti and full amount still apply.
			out, err := m.Apply(context.Background(), applyInput(p, "jti_sim", "900", ""))
			require.NoError(t, err)
			assert.Equal(t, types.DecisionAllow, out.Decision)
		})
	}
}

func TestSimulateOverBudget(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil)
	p := budgetPolicy("1000")

	_, err := m.Apply(context.Background(), applyInput(p, "jti_simover", "800", ""))
	require.NoError(t, err)

	out, err := m.Simulate(context.Background(), applyInput(p, "", "300", ""))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDeny, out.Decision)
	assert.Equal(t, "Amount 300 USD exceeds remaining budget 200 USD", out.Reason)
}

func TestRevocation(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(backend, nil)

			out, err := m.CheckRevoked(context.Background(), "jti_rev_1", "pol_rev_1")
			require.NoError(t, err)
			assert.Nil(t, out)

			require.NoError(t, m.Revoke(context.Background(), "jti_rev_1", ""))
			// Revoking again is a no-op, not an error.
			require.NoError(t, m.Revoke(context.Background(), "jti_rev_1", ""))

			out, err = m.CheckRevoked(context.Background(), "jti_rev_1", "")
			require.NoError(t, err)
			require.NotNil(t, out)
			assert.Equal(t, types.DecisionDeny, out.Decision)
			assert.Equal(t, "Token revoked", out.Reason)
			assert.Equal(t, errcode.Revoked, out.Code)

			require.NoError(t, m.Revoke(context.Background(), "", "pol_rev_1"))
			out, err = m.CheckRevoked(context.Background(), "jti_other", "pol_rev_1")
			require.NoError(t, err)
			require.NotNil(t, out)
			assert.Equal(t, "Policy revoked", out.Reason)
			assert.Equal(t, errcode.PolicyRevoked, out.Code)
		})
	}
}

func TestRevokeRequiresTarget(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil)
	err := m.Revoke(context.Background(), "", "")
	require.Error(t, err)
	assert.Equal(t, errcode.InvalidPayload, errcode.From(err).Code)
}

func TestApplyFailsClosedWhenBackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	m := NewManager(NewRedisBackend(client), nil)

	mr.Close()

	_, err := m.Apply(context.Background(), applyInput(budgetPolicy("1000"), "jti_down", "100", ""))
	require.Error(t, err)
	assert.Equal(t, errcode.VerifierUnavailable, errcode.From(err).Code)

	_, err = m.Simulate(context.Background(), applyInput(budgetPolicy("1000"), "", "100", ""))
	require.Error(t, err)
	assert.Equal(t, errcode.VerifierUnavailable, errcode.From(err).Code)
}

func TestReplayEntryExpiresWithToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	m := NewManager(NewRedisBackend(client), nil)

	in := applyInput(budgetPolicy("1000"), "jti_ttl_1", "10", "")
	_, err := m.Apply(context.Background(), in)
	require.NoError(t, err)

	ttl := mr.TTL(NSReplay + "jti_ttl_1")
	assert.Equal(t, 15*time.Minute, ttl)

	// Expired tokens still claim the key briefly so concurrent duplicates lose.
	past := in
	past.JTI = "jti_ttl_2"
	past.TokenExpiry = frozenNow.Add(-time.Hour)
	_, err = m.Apply(context.Background(), past)
	require.NoError(t, err)
	assert.Equal(t, time.Second, mr.TTL(NSReplay+"jti_ttl_2"))
}

func TestBudgetKeyIsolatesPeriods(t *testing.T) {
	m := NewManager(NewMemoryBackend(), nil)
	p := budgetPolicy("1000")

	in := applyInput(p, "jti_period_1", "1000", "")
	out, err := m.Apply(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, types.DecisionAllow, out.Decision)

	// The next day is a fresh window.
	tomorrow := frozenNow.AddDate(0, 0, 1)
	next := applyInput(p, "jti_period_2", "1000", "")
	next.Context.Timestamp = &tomorrow
	out, err = m.Apply(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllow, out.Decision)
	require.NotNil(t, out.Remaining)
	assert.True(t, out.Remaining.PeriodEnds.Equal(time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)))
}
