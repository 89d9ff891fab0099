package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/pkg/types"
)

const (
	idemTTL       = time.Hour
	revocationTTL = 366 * 24 * time.Hour
	maxCASRetries = 8
)

// Outcome is the stateful decision of an apply or simulate.
type Outcome struct {
	Decision   types.Decision   `json:"decision"`
	Reason     string           `json:"reason,omitempty"`
	Code       errcode.Code     `json:"code,omitempty"`
	Remaining  *types.Remaining `json:"remaining,omitempty"`
	Idempotent bool             `json:"-"`
}

// ApplyInput carries everything the stateful flow needs.
type ApplyInput struct {
	Policy      *types.Policy
	JTI         string
	TokenExpiry time.Time
	Context     *types.RequestContext
	Now         time.Time
}

// Manager performs the stateful checks: replay exclusion, idempotent replays,
// atomic budget accounting, revocations. It owns every write to the back-end.
type Manager struct {
	backend Backend
	logger  *zap.Logger
}

// NewManager creates a state manager.
func NewManager(backend Backend, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{backend: backend, logger: logger}
}

// Apply runs the mutating flow: replay claim, idempotency lookup, currency
// check, atomic budget increment, idempotency persist. Steps on the same
// budget or replay key are serialized; back-end failures fail closed.
func (m *Manager) Apply(ctx context.Context, in ApplyInput) (*Outcome, error) {
	at := in.Context.At(in.Now)

	// 1. Replay exclusion: first writer wins, everyone else is a replay.
	if in.JTI != "" {
		ttl := in.TokenExpiry.Sub(in.Now)
		if ttl < time.Second {
			ttl = time.Second
		}
		won, err := m.backend.PutIfAbsent(ctx, NSReplay+in.JTI, "1", ttl)
		if err != nil {
			return nil, unavailable(err)
		}
		if !won {
			return &Outcome{Decision: types.DecisionDeny, Reason: "Replay detected", Code: errcode.Replay}, nil
		}
	}

	// 2. Idempotent replay of a prior decision.
	idemKey := ""
	if in.Context.IdempotencyKey != "" {
		idemKey = NSIdem + in.Context.IdempotencyKey
		stored, ok, err := m.backend.Get(ctx, idemKey)
		if err != nil {
			return nil, unavailable(err)
		}
		if ok {
			outcome := &Outcome{}
			if err := json.Unmarshal([]byte(stored), outcome); err == nil {
				outcome.Idempotent = true
				return outcome, nil
			}
			m.logger.Warn("discarding unreadable idempotency entry", zap.String("key", idemKey))
		}
	}

	// No budget to account: the stateless checks were the whole story.
	if in.Context.Amount == nil || in.Policy.Limits == nil || in.Policy.Limits.PerPeriod == nil {
		outcome := &Outcome{Decision: types.DecisionAllow}
		if err := m.persistIdem(ctx, idemKey, outcome); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	limit := in.Policy.Limits.PerPeriod

	// 3. Currency must match the budget's currency; no conversion.
	if in.Context.Currency != limit.Currency {
		return &Outcome{
			Decision: types.DecisionDeny,
			Reason: fmt.Sprintf("Currency '%s' does not match budget currency '%s'",
				in.Context.Currency, limit.Currency),
			Code: errcode.PolicyError,
		}, nil
	}

	// 4–5. Atomic read-check-increment on the aligned budget key.
	key := BudgetKey(in.Policy.ID, limit.Period, at)
	ttl := BudgetTTL(limit.Period, at)
	outcome, err := m.spend(ctx, key, *in.Context.Amount, limit, ttl, at)
	if err != nil {
		return nil, err
	}

	// 6. Persist the decision for idempotent retries.
	if err := m.persistIdem(ctx, idemKey, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// spend increments the budget if it fits, via the back-end's per-key
// serializer when available, otherwise a bounded CAS loop.
func (m *Manager) spend(ctx context.Context, key string, amount decimal.Decimal, limit *types.PeriodLimit, ttl time.Duration, at time.Time) (*Outcome, error) {
	if ks, ok := m.backend.(KeySerializer); ok {
		var outcome *Outcome
		err := ks.SerializeOnKey(ctx, key, func(ctx context.Context) error {
			spent, err := m.readSpent(ctx, key)
			if err != nil {
				return err
			}
			newSpent := spent.Add(amount)
			if newSpent.GreaterThan(limit.Amount) {
				outcome = denyOverBudget(amount, spent, limit, at)
				return nil
			}
			if err := m.backend.Put(ctx, key, newSpent.String(), ttl); err != nil {
				return unavailable(err)
			}
			outcome = allowWithRemaining(newSpent, limit, at)
			return nil
		})
		if err != nil {
			return nil, unavailable(err)
		}
		return outcome, nil
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, exists, err := m.backend.Get(ctx, key)
		if err != nil {
			return nil, unavailable(err)
		}
		spent := decimal.Zero
		if exists {
			spent, err = decimal.NewFromString(raw)
			if err != nil {
				return nil, errcode.Wrap(errcode.VerifierUnavailable, "corrupt budget entry", err)
			}
		}
		newSpent := spent.Add(amount)
		if newSpent.GreaterThan(limit.Amount) {
			return denyOverBudget(amount, spent, limit, at), nil
		}

		expected := ""
		if exists {
			expected = raw
		}
		won, err := m.backend.CompareAndSet(ctx, key, expected, newSpent.String(), ttl)
		if err != nil {
			return nil, unavailable(err)
		}
		if won {
			return allowWithRemaining(newSpent, limit, at), nil
		}
		// Lost the race; re-read and retry.
	}
	return nil, errcode.New(errcode.VerifierUnavailable, "budget contention not resolved")
}

// Simulate reports the theoretical outcome without writing to any namespace.
// Replay and idempotency are ignored.
func (m *Manager) Simulate(ctx context.Context, in ApplyInput) (*Outcome, error) {
	at := in.Context.At(in.Now)

	if in.Context.Amount == nil || in.Policy.Limits == nil || in.Policy.Limits.PerPeriod == nil {
		return &Outcome{Decision: types.DecisionAllow}, nil
	}
	limit := in.Policy.Limits.PerPeriod

	if in.Context.Currency != limit.Currency {
		return &Outcome{
			Decision: types.DecisionDeny,
			Reason: fmt.Sprintf("Currency '%s' does not match budget currency '%s'",
				in.Context.Currency, limit.Currency),
			Code: errcode.PolicyError,
		}, nil
	}

	key := BudgetKey(in.Policy.ID, limit.Period, at)
	spent, err := m.readSpent(ctx, key)
	if err != nil {
		return nil, err
	}
	newSpent := spent.Add(*in.Context.Amount)
	if newSpent.GreaterThan(limit.Amount) {
		return denyOverBudget(*in.Context.Amount, spent, limit, at), nil
	}
	return allowWithRemaining(newSpent, limit, at), nil
}

func (m *Manager) readSpent(ctx context.Context, key string) (decimal.Decimal, error) {
	raw, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		return decimal.Zero, unavailable(err)
	}
	if !ok {
		return decimal.Zero, nil
	}
	spent, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errcode.Wrap(errcode.VerifierUnavailable, "corrupt budget entry", err)
	}
	return spent, nil
}

func (m *Manager) persistIdem(ctx context.Context, idemKey string, outcome *Outcome) error {
	if idemKey == "" {
		return nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return errcode.Wrap(errcode.VerifierUnavailable, "marshal idempotency entry", err)
	}
	if err := m.backend.Put(ctx, idemKey, string(data), idemTTL); err != nil {
		return unavailable(err)
	}
	return nil
}

// CheckRevoked looks up jti and policy revocation entries. A nil outcome
// means not revoked.
func (m *Manager) CheckRevoked(ctx context.Context, jti, policyID string) (*Outcome, error) {
	if jti != "" {
		_, revoked, err := m.backend.Get(ctx, NSRevJTI+jti)
		if err != nil {
			return nil, unavailable(err)
		}
		if revoked {
			return &Outcome{Decision: types.DecisionDeny, Reason: "Token revoked", Code: errcode.Revoked}, nil
		}
	}
	if policyID != "" {
		_, revoked, err := m.backend.Get(ctx, NSRevPol+policyID)
		if err != nil {
			return nil, unavailable(err)
		}
		if revoked {
			return &Outcome{Decision: types.DecisionDeny, Reason: "Policy revoked", Code: errcode.PolicyRevoked}, nil
		}
	}
	return nil, nil
}

// Revoke writes revocation entries for a jti and/or policy id. Idempotent.
func (m *Manager) Revoke(ctx context.Context, jti, policyID string) error {
	if jti == "" && policyID == "" {
		return errcode.New(errcode.InvalidPayload, "revoke requires jti or policy_id")
	}
	if jti != "" {
		if err := m.backend.Put(ctx, NSRevJTI+jti, "1", revocationTTL); err != nil {
			return unavailable(err)
		}
	}
	if policyID != "" {
		if err := m.backend.Put(ctx, NSRevPol+policyID, "1", revocationTTL); err != nil {
			return unavailable(err)
		}
	}
	return nil
}

func denyOverBudget(amount, spent decimal.Decimal, limit *types.PeriodLimit, at time.Time) *Outcome {
	remaining := limit.Amount.Sub(spent)
	return &Outcome{
		Decision: types.DecisionDeny,
		Reason: fmt.Sprintf("Amount %s %s exceeds remaining budget %s %s",
			amount.String(), limit.Currency, remaining.String(), limit.Currency),
		Code: errcode.PolicyError,
		Remaining: &types.Remaining{
			Amount:     remaining,
			Currency:   limit.Currency,
			PeriodEnds: PeriodEnd(limit.Period, at),
		},
	}
}

func allowWithRemaining(newSpent decimal.Decimal, limit *types.PeriodLimit, at time.Time) *Outcome {
	return &Outcome{
		Decision: types.DecisionAllow,
		Remaining: &types.Remaining{
			Amount:     limit.Amount.Sub(newSpent),
			Currency:   limit.Currency,
			PeriodEnds: PeriodEnd(limit.Period, at),
		},
	}
}

// unavailable maps back-end failures to the fail-closed error code,
// preserving an already-coded error.
func unavailable(err error) error {
	var ce *errcode.Error
	if errors.As(err, &ce) {
		return ce
	}
	return errcode.Wrap(errcode.VerifierUnavailable, "state back-end error", err)
}
