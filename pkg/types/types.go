// Package types defines the wire-level data model shared by the evaluator
// components: token payloads, policies, intents, request contexts and receipts.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

func init() {
	// Amounts are JSON numbers on the wire, not strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Supported token payload versions.
const (
	VersionV02 = "act.v0.2"
	VersionV03 = "act.v0.3"

	PolicyVersion  = "pol.v0.2"
	IntentType     = "webauthn.v0"
	ReceiptVersion = "receipt.v0.2"
)

// Decision is the outcome of an evaluation.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Period identifies a budget accounting window.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Valid reports whether p is one of the four supported periods.
func (p Period) Valid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// ScopeList accepts either a single string or an array of action names.
type ScopeList []string

// UnmarshalJSON implements the string-or-array form of the scope claim.
func (s *ScopeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = ScopeList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("scope must be a string or array of strings")
	}
	*s = ScopeList(many)
	return nil
}

// Payload is the decoded token payload. The policy is kept both raw (for
// canonical hashing, which must see the exact bytes the issuer signed) and
// parsed (for evaluation).
type Payload struct {
	Ver        string          `json:"ver"`
	JTI        string          `json:"jti"`
	User       string          `json:"user"`
	Agent      string          `json:"agent"`
	Scope      ScopeList       `json:"scope"`
	Issuer     string          `json:"iss,omitempty"`
	Audience   string          `json:"aud,omitempty"`
	Exp        int64           `json:"exp"`
	Nonce      string          `json:"nonce"`
	PolicyRaw  json.RawMessage `json:"policy"`
	PolicyHash string          `json:"policy_hash"`
	Intent     *Intent         `json:"intent,omitempty"`
}

// jwt.Claims implementation so the payload can be parsed directly by the codec.

func (p *Payload) GetExpirationTime() (*jwt.NumericDate, error) {
	if p.Exp == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(p.Exp, 0)), nil
}
func (p *Payload) GetIssuedAt() (*jwt.NumericDate, error)  { return nil, nil }
func (p *Payload) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (p *Payload) GetIssuer() (string, error)              { return p.Issuer, nil }
func (p *Payload) GetSubject() (string, error)             { return p.User, nil }
func (p *Payload) GetAudience() (jwt.ClaimStrings, error) {
	if p.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{p.Audience}, nil
}

// ExpiresAt returns the expiry as a time.
func (p *Payload) ExpiresAt() time.Time { return time.Unix(p.Exp, 0).UTC() }

// Policy is the structured authorization contract embedded in a token.
type Policy struct {
	Version     string         `json:"version"`
	ID          string         `json:"id"`
	Actions     []string       `json:"actions"`
	Resources   []ResourceRule `json:"resources,omitempty"`
	Limits      *Limits        `json:"limits,omitempty"`
	Constraints *Constraints   `json:"constraints,omitempty"`
	Strict      bool           `json:"strict,omitempty"`
}

// ResourceRule matches a request resource by type equality plus either ids
// membership or any prefix match.
type ResourceRule struct {
	Type  string        `json:"type"`
	Match ResourceMatch `json:"match"`
}

// ResourceMatch holds the id/prefix sets of a resource rule.
type ResourceMatch struct {
	IDs      []string `json:"ids,omitempty"`
	Prefixes []string `json:"prefixes,omitempty"`
}

// Limits carries the optional monetary caps of a policy.
type Limits struct {
	PerTxn    *TxnLimit    `json:"per_txn,omitempty"`
	PerPeriod *PeriodLimit `json:"per_period,omitempty"`
}

// TxnLimit is a hard cap on a single transaction.
type TxnLimit struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// PeriodLimit is a budget over an aligned UTC period window.
type PeriodLimit struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Period   Period          `json:"period"`
}

// Constraints holds the optional non-monetary policy constraints.
type Constraints struct {
	Time *TimeConstraint `json:"time,omitempty"`
}

// TimeConstraint restricts evaluation to a day-of-week set and an inclusive
// HH:MM window. Checks run against UTC unless TZ names a valid location.
type TimeConstraint struct {
	DOW   []string `json:"dow,omitempty"`
	Start string   `json:"start,omitempty"`
	End   string   `json:"end,omitempty"`
	TZ    string   `json:"tz,omitempty"`
}

// Intent is a WebAuthn assertion binding a fresh human gesture to a policy hash.
type Intent struct {
	Type              string    `json:"type"`
	CredentialID      string    `json:"credential_id"`
	Signature         string    `json:"signature"`
	ClientDataJSON    string    `json:"client_data_json"`
	AuthenticatorData string    `json:"authenticator_data"`
	ApprovedAt        time.Time `json:"approved_at"`
	ValidUntil        time.Time `json:"valid_until"`
	Challenge         string    `json:"challenge"`
	RPID              string    `json:"rp_id"`
}

// ResourceRef identifies the concrete resource of a request.
type ResourceRef struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

// RequestContext is the concrete request the policy is evaluated against.
type RequestContext struct {
	Action         string           `json:"action" validate:"required"`
	Resource       *ResourceRef     `json:"resource,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Timestamp      *time.Time       `json:"timestamp,omitempty"`
}

// At resolves the evaluation instant, defaulting to now.
func (rc *RequestContext) At(now time.Time) time.Time {
	if rc.Timestamp != nil {
		return rc.Timestamp.UTC()
	}
	return now.UTC()
}

// Remaining reports the budget left after an apply.
type Remaining struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	PeriodEnds time.Time       `json:"period_ends"`
}

// Receipt is the evaluator-signed record of a decision.
type Receipt struct {
	Version          string     `json:"version"`
	ID               string     `json:"id"`
	PolicyID         string     `json:"policy_id"`
	Decision         Decision   `json:"decision"`
	Reason           string     `json:"reason,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	Remaining        *Remaining `json:"remaining,omitempty"`
	IntentVerified   *bool      `json:"intent_verified,omitempty"`
	IntentValidUntil *time.Time `json:"intent_valid_until,omitempty"`
	IntentApprovedAt *time.Time `json:"intent_approved_at,omitempty"`
}
