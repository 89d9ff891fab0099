package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/internal/ratelimit"
	"github.com/agentoauth/go-core/pkg/types"
)

// validate checks request bodies against their struct tags.
var validate = validator.New()

// VerifyRequest is the body of POST /verify and POST /simulate.
type VerifyRequest struct {
	Token   string                `json:"token" validate:"required"`
	Context *types.RequestContext `json:"context" validate:"required"`
}

// RevokeRequest is the body of POST /revoke. At least one target is required.
type RevokeRequest struct {
	JTI      string `json:"jti,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
}

// LintPolicyRequest is the body of POST /lint/policy.
type LintPolicyRequest struct {
	Policy json.RawMessage `json:"policy" validate:"required"`
}

// LintTokenRequest is the body of POST /lint/token.
type LintTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// DecisionResponse is the ALLOW/DENY body of verify and simulate.
type DecisionResponse struct {
	Decision        types.Decision   `json:"decision"`
	Reason          string           `json:"reason,omitempty"`
	Code            errcode.Code     `json:"code,omitempty"`
	PolicyHash      string           `json:"policy_hash,omitempty"`
	Timestamp       *time.Time       `json:"timestamp,omitempty"`
	ReceiptID       string           `json:"receipt_id,omitempty"`
	RemainingBudget *types.Remaining `json:"remaining_budget,omitempty"`
	IntentVerified  *bool            `json:"intent_verified,omitempty"`
	Simulation      bool             `json:"simulation,omitempty"`
	Idempotent      bool             `json:"idempotent,omitempty"`
}

// ErrorResponse is the body of any non-decision failure.
type ErrorResponse struct {
	Valid      bool         `json:"valid"`
	Error      string       `json:"error"`
	Code       errcode.Code `json:"code"`
	Suggestion string       `json:"suggestion,omitempty"`
	ResetTime  *time.Time   `json:"resetTime,omitempty"`
}

// LintPolicyResponse reports a policy's canonical form and hash.
type LintPolicyResponse struct {
	Valid      bool            `json:"valid"`
	Canonical  json.RawMessage `json:"canonical"`
	PolicyHash string          `json:"policy_hash"`
}

// LintTokenResponse reports a decode-only token inspection.
type LintTokenResponse struct {
	Valid           bool            `json:"valid"`
	Header          lintHeader      `json:"header"`
	Ver             string          `json:"ver"`
	JTI             string          `json:"jti"`
	Issuer          string          `json:"iss,omitempty"`
	Exp             int64           `json:"exp"`
	PolicyHash      string          `json:"policy_hash"`
	PolicyHashValid bool            `json:"policy_hash_valid"`
	Canonical       json.RawMessage `json:"canonical_policy"`
	HasIntent       bool            `json:"has_intent"`
}

type lintHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// UsageResponse is the body of GET /usage.
type UsageResponse struct {
	Tenant string      `json:"tenant"`
	Tier   string      `json:"tier"`
	Usage  usageWindow `json:"usage"`
	Quotas usageQuotas `json:"quotas"`
}

type usageWindow struct {
	Day   int64 `json:"day"`
	Month int64 `json:"month"`
}

type usageQuotas struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// writeJSON writes a JSON body with a status code.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a coded error onto the error response shape.
func writeError(w http.ResponseWriter, err error) {
	ce := errcode.From(err)
	writeJSON(w, ce.HTTPStatus(), ErrorResponse{
		Valid:      false,
		Error:      ce.Message,
		Code:       ce.Code,
		Suggestion: ce.Suggestion,
	})
}

// writeRateLimited writes a 429 with the reset time in the body.
func writeRateLimited(w http.ResponseWriter, err error, status *ratelimit.Status) {
	ce := errcode.From(err)
	body := ErrorResponse{
		Valid:      false,
		Error:      ce.Message,
		Code:       ce.Code,
		Suggestion: ce.Suggestion,
	}
	if status != nil {
		reset := status.Reset
		body.ResetTime = &reset
	}
	writeJSON(w, ce.HTTPStatus(), body)
}

// setRateHeaders writes the X-RateLimit-* headers for the tightest band.
func setRateHeaders(w http.ResponseWriter, status *ratelimit.Status) {
	if status == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(status.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(status.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(status.Reset.Unix(), 10))
}
