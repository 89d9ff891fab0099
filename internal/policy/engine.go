// Package policy implements the stateless policy engine: action, resource,
// per-transaction and time-window checks, first failure wins. Budget state is
// the state manager's concern.
package policy

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/pkg/types"
)

// Denial is an authoritative stateless DENY. The engine stops at the first
// failed check; stateful checks never run after a denial.
type Denial struct {
	Reason string
	Code   errcode.Code
}

// Engine evaluates policies against request contexts.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a stateless policy engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Evaluate runs the stateless checks in order. A nil return means the policy
// permits the request as far as stateless checks go.
func (e *Engine) Evaluate(p *types.Policy, rc *types.RequestContext, at time.Time) *Denial {
	if d := checkAction(p, rc); d != nil {
		return d
	}
	if d := checkResource(p, rc); d != nil {
		return d
	}
	if d := checkPerTxn(p, rc); d != nil {
		return d
	}
	if d := checkTime(p, at); d != nil {
		return d
	}
	return nil
}

func checkAction(p *types.Policy, rc *types.RequestContext) *Denial {
	for _, a := range p.Actions {
		if a == rc.Action {
			return nil
		}
	}
	return &Denial{
		Reason: fmt.Sprintf("Action '%s' not permitted", rc.Action),
		Code:   errcode.PolicyError,
	}
}

// checkResource is OR across entries, AND within an entry between type and
// (ids ∪ prefixes).
func checkResource(p *types.Policy, rc *types.RequestContext) *Denial {
	if rc.Resource == nil {
		return nil
	}
	for _, rule := range p.Resources {
		if rule.Type != rc.Resource.Type {
			continue
		}
		for _, id := range rule.Match.IDs {
			if id == rc.Resource.ID {
				return nil
			}
		}
		for _, prefix := range rule.Match.Prefixes {
			if strings.HasPrefix(rc.Resource.ID, prefix) {
				return nil
			}
		}
	}
	return &Denial{
		Reason: fmt.Sprintf("Resource '%s:%s' not allowed", rc.Resource.Type, rc.Resource.ID),
		Code:   errcode.PolicyError,
	}
}

// checkPerTxn applies the single-transaction cap. A missing amount skips all
// monetary checks; a missing currency fails them.
func checkPerTxn(p *types.Policy, rc *types.RequestContext) *Denial {
	if rc.Amount == nil || p.Limits == nil || p.Limits.PerTxn == nil {
		return nil
	}
	limit := p.Limits.PerTxn
	if rc.Currency != limit.Currency {
		return &Denial{
			Reason: fmt.Sprintf("Currency '%s' does not match per-transaction limit currency '%s'", rc.Currency, limit.Currency),
			Code:   errcode.PolicyError,
		}
	}
	if rc.Amount.GreaterThan(limit.Amount) {
		return &Denial{
			Reason: fmt.Sprintf("Amount %s %s exceeds per-transaction limit %s %s",
				rc.Amount.String(), rc.Currency, limit.Amount.String(), limit.Currency),
			Code: errcode.PolicyError,
		}
	}
	return nil
}

// checkTime enforces the day-of-week set and inclusive HH:MM window. Checks
// run in UTC unless the constraint names a loadable tz.
func checkTime(p *types.Policy, at time.Time) *Denial {
	if p.Constraints == nil || p.Constraints.Time == nil {
		return nil
	}
	tc := p.Constraints.Time

	loc := time.UTC
	if tc.TZ != "" {
		if l, err := time.LoadLocation(tc.TZ); err == nil {
			loc = l
		}
	}
	local := at.In(loc)

	if len(tc.DOW) > 0 {
		day := local.Weekday().String()[:3] // Mon..Sun
		found := false
		for _, d := range tc.DOW {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return &Denial{
				Reason: fmt.Sprintf("Day-of-week '%s' not permitted by policy time constraints", day),
				Code:   errcode.PolicyError,
			}
		}
	}

	if tc.Start != "" && tc.End != "" {
		hhmm := local.Format("15:04")
		if hhmm < tc.Start || hhmm > tc.End {
			return &Denial{
				Reason: fmt.Sprintf("Time '%s' outside permitted window %s-%s", hhmm, tc.Start, tc.End),
				Code:   errcode.PolicyError,
			}
		}
	}
	return nil
}
