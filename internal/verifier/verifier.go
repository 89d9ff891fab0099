// Package verifier orchestrates a full token evaluation: signature and payload
// checks, intent validation, canonical hash binding, revocation and replay
// lookups, stateless policy matching, atomic budget accounting and receipt
// minting. It is the single entry point behind the verify and simulate
// endpoints.
package verifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/canonical"
	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/internal/intent"
	"github.com/agentoauth/go-core/internal/policy"
	"github.com/agentoauth/go-core/internal/receipt"
	"github.com/agentoauth/go-core/internal/state"
	"github.com/agentoauth/go-core/internal/token"
	"github.com/agentoauth/go-core/pkg/types"
)

// Clock supplies the evaluation time. Injected so decisions are deterministic
// under test.
type Clock func() time.Time

// Config configures the verifier.
type Config struct {
	// Audience, when set, is matched against the token's aud claim if the
	// token carries one.
	Audience string
	// SimulateFailOpen lets simulate return a best-effort ALLOW when the
	// state back-end is unreachable. Apply always fails closed.
	SimulateFailOpen bool
	// Clock defaults to time.Now.
	Clock Clock
}

// Request is one evaluation request.
type Request struct {
	Token string
	// Context is the concrete request the policy is evaluated against.
	Context *types.RequestContext
	// Tenant is the API-key-attributed tenant, empty on the keyless path.
	Tenant string
	// Simulate disables all state writes.
	Simulate bool
}

// Result is a final decision. Coded errors (malformed input, bad signatures,
// back-end outages) are returned as errors instead; everything that reaches a
// Result is a policy-level ALLOW or DENY.
type Result struct {
	Decision   types.Decision
	Reason     string
	Code       errcode.Code
	PolicyHash string
	Timestamp  time.Time
	Tenant     string
	// User and Agent identify the delegation principals; audit hashes them.
	User  string
	Agent string

	ReceiptID string
	Remaining *types.Remaining

	IntentVerified   *bool
	IntentValidUntil *time.Time
	IntentApprovedAt *time.Time

	Simulation bool
	Idempotent bool
	// Degraded marks a fail-open simulate or a lost receipt; audit records it.
	Degraded bool
}

// Verifier wires the evaluation pipeline together.
type Verifier struct {
	cfg      Config
	codec    *token.Codec
	intents  *intent.Validator
	engine   *policy.Engine
	states   *state.Manager
	receipts *receipt.Signer
	logger   *zap.Logger
}

// New creates a verifier. The receipt signer may be nil, in which case no
// receipts are minted.
func New(cfg Config, codec *token.Codec, intents *intent.Validator, engine *policy.Engine, states *state.Manager, receipts *receipt.Signer, logger *zap.Logger) *Verifier {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		cfg:      cfg,
		codec:    codec,
		intents:  intents,
		engine:   engine,
		states:   states,
		receipts: receipts,
		logger:   logger,
	}
}

// Evaluate runs the full pipeline. Mutating unless req.Simulate is set.
func (v *Verifier) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	now := v.cfg.Clock().UTC()

	decoded, err := v.codec.Verify(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if err := token.ValidatePayload(decoded.Payload); err != nil {
		return nil, err
	}
	payload := decoded.Payload

	if now.After(payload.ExpiresAt()) {
		return nil, errcode.New(errcode.Expired, "token has expired").
			WithSuggestion("request a freshly issued token")
	}

	if v.cfg.Audience != "" && payload.Audience != "" && payload.Audience != v.cfg.Audience {
		return nil, errcode.Newf(errcode.AudienceMismatch,
			"token audience %q does not match this evaluator", payload.Audience)
	}

	tenant := req.Tenant
	if tenant == "" {
		tenant = payload.Issuer
	}
	if tenant == "" {
		return nil, errcode.New(errcode.MissingIssuer, "token has no iss claim and no API key was presented").
			WithSuggestion("include an iss claim or authenticate with an API key")
	}

	result := &Result{
		PolicyHash: payload.PolicyHash,
		Timestamp:  now,
		Tenant:     tenant,
		User:       payload.User,
		Agent:      payload.Agent,
		Simulation: req.Simulate,
	}

	// Intent runs before the hash check so an expired gesture is reported as
	// such even when the policy bytes were also tampered with.
	if payload.Ver == types.VersionV03 {
		res, err := v.intents.Validate(payload.Intent, payload.PolicyHash, tenant, now)
		if err != nil {
			return v.deny(ctx, req, decoded, result, errcode.From(err).Message, errcode.From(err).Code, nil)
		}
		result.IntentVerified = &res.Verified
		if !res.ValidUntil.IsZero() {
			vu := res.ValidUntil
			result.IntentValidUntil = &vu
		}
		if !res.ApprovedAt.IsZero() {
			aa := res.ApprovedAt
			result.IntentApprovedAt = &aa
		}
	}

	ok, err := canonical.VerifyHash(payload.PolicyRaw, payload.PolicyHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return v.deny(ctx, req, decoded, result,
			"Policy hash does not match canonical policy", errcode.PolicyHashMismatch, nil)
	}

	revoked, err := v.states.CheckRevoked(ctx, payload.JTI, decoded.Policy.ID)
	if err != nil {
		if !v.failOpen(req, err) {
			return nil, err
		}
		result.Degraded = true
	} else if revoked != nil {
		return v.deny(ctx, req, decoded, result, revoked.Reason, revoked.Code, nil)
	}

	if denial := v.engine.Evaluate(decoded.Policy, req.Context, req.Context.At(now)); denial != nil {
		return v.deny(ctx, req, decoded, result, denial.Reason, denial.Code, nil)
	}

	outcome, err := v.applyState(ctx, req, decoded, now)
	if err != nil {
		return nil, err
	}
	result.Remaining = outcome.Remaining
	result.Idempotent = outcome.Idempotent
	result.Degraded = result.Degraded || outcome.Degraded

	if outcome.Decision == types.DecisionDeny {
		return v.deny(ctx, req, decoded, result, outcome.Reason, outcome.Code, outcome.Remaining)
	}

	result.Decision = types.DecisionAllow
	v.mintReceipt(ctx, req, decoded, result)
	return result, nil
}

// stateOutcome widens state.Outcome with the fail-open marker.
type stateOutcome struct {
	Decision   types.Decision
	Reason     string
	Code       errcode.Code
	Remaining  *types.Remaining
	Idempotent bool
	Degraded   bool
}

func (v *Verifier) applyState(ctx context.Context, req *Request, decoded *token.Decoded, now time.Time) (*stateOutcome, error) {
	in := state.ApplyInput{
		Policy:      decoded.Policy,
		JTI:         decoded.Payload.JTI,
		TokenExpiry: decoded.Payload.ExpiresAt(),
		Context:     req.Context,
		Now:         now,
	}

	var (
		out *state.Outcome
		err error
	)
	if req.Simulate {
		out, err = v.states.Simulate(ctx, in)
		if err != nil && v.failOpen(req, err) {
			return &stateOutcome{Decision: types.DecisionAllow, Degraded: true}, nil
		}
	} else {
		out, err = v.states.Apply(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	return &stateOutcome{
		Decision:   out.Decision,
		Reason:     out.Reason,
		Code:       out.Code,
		Remaining:  out.Remaining,
		Idempotent: out.Idempotent,
	}, nil
}

// Revoke writes revocation entries for a jti and/or policy id.
func (v *Verifier) Revoke(ctx context.Context, jti, policyID string) error {
	return v.states.Revoke(ctx, jti, policyID)
}

// Receipt returns a stored receipt's compact JWS by id.
func (v *Verifier) Receipt(ctx context.Context, id string) (string, bool, error) {
	if v.receipts == nil {
		return "", false, nil
	}
	return v.receipts.Get(ctx, id)
}

// failOpen reports whether a back-end outage may be tolerated for this
// request. Only simulate is ever allowed to fail open, and only when
// configured; the apply path always fails closed.
func (v *Verifier) failOpen(req *Request, err error) bool {
	if !req.Simulate || !v.cfg.SimulateFailOpen {
		return false
	}
	if errcode.From(err).Code != errcode.VerifierUnavailable {
		return false
	}
	v.logger.Warn("state back-end unavailable, simulate failing open", zap.Error(err))
	return true
}

// deny finalizes a DENY result and mints its receipt.
func (v *Verifier) deny(ctx context.Context, req *Request, decoded *token.Decoded, result *Result, reason string, code errcode.Code, remaining *types.Remaining) (*Result, error) {
	result.Decision = types.DecisionDeny
	result.Reason = reason
	result.Code = code
	if remaining != nil {
		result.Remaining = remaining
	}
	v.mintReceipt(ctx, req, decoded, result)
	return result, nil
}

// mintReceipt signs and stores a receipt for the decision. Failures degrade
// the result but never change the decision. Simulations never mint.
func (v *Verifier) mintReceipt(ctx context.Context, req *Request, decoded *token.Decoded, result *Result) {
	if v.receipts == nil || req.Simulate {
		return
	}
	rcpt := types.Receipt{
		PolicyID:         decoded.Policy.ID,
		Decision:         result.Decision,
		Reason:           result.Reason,
		Timestamp:        result.Timestamp,
		Remaining:        result.Remaining,
		IntentVerified:   result.IntentVerified,
		IntentValidUntil: result.IntentValidUntil,
		IntentApprovedAt: result.IntentApprovedAt,
	}
	id, err := v.receipts.Mint(ctx, rcpt)
	if err != nil {
		result.Degraded = true
		v.logger.Error("receipt mint failed",
			zap.String("policy_id", decoded.Policy.ID),
			zap.String("decision", string(result.Decision)),
			zap.Error(err))
		return
	}
	result.ReceiptID = id
}
