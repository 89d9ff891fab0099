// Package errcode defines the stable machine-readable error codes surfaced by
// the evaluator and the typed error that carries them between components.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine token identifying a failure class.
type Code string

const (
	MissingToken         Code = "MISSING_TOKEN"
	InvalidToken         Code = "INVALID_TOKEN"
	InvalidPayload       Code = "INVALID_PAYLOAD"
	UnsupportedVersion   Code = "UNSUPPORTED_VERSION"
	UnsupportedAlg       Code = "UNSUPPORTED_ALG"
	InvalidSignature     Code = "INVALID_SIGNATURE"
	UnknownKID           Code = "UNKNOWN_KID"
	Expired              Code = "EXPIRED"
	AudienceMismatch     Code = "AUDIENCE_MISMATCH"
	MissingIssuer        Code = "MISSING_ISSUER"
	InvalidAPIKey        Code = "INVALID_API_KEY"
	IPRateLimit          Code = "IP_RATE_LIMIT"
	QuotaExceeded        Code = "QUOTA_EXCEEDED"
	PolicyHashMismatch   Code = "POLICY_HASH_MISMATCH"
	IntentExpired        Code = "INTENT_EXPIRED"
	IntentInvalid        Code = "INTENT_INVALID"
	IntentPolicyMismatch Code = "INTENT_POLICY_MISMATCH"
	Revoked              Code = "REVOKED"
	PolicyRevoked        Code = "POLICY_REVOKED"
	VerifierUnavailable  Code = "VERIFIER_UNAVAILABLE"
	Replay               Code = "REPLAY"
	PolicyError          Code = "POLICY_ERROR"
)

// httpStatus maps each code to its HTTP response class. Codes absent from the
// map default to 400.
var httpStatus = map[Code]int{
	MissingToken:         http.StatusBadRequest,
	InvalidToken:         http.StatusBadRequest,
	InvalidPayload:       http.StatusBadRequest,
	UnsupportedVersion:   http.StatusBadRequest,
	UnsupportedAlg:       http.StatusBadRequest,
	InvalidSignature:     http.StatusBadRequest,
	UnknownKID:           http.StatusBadRequest,
	Expired:              http.StatusUnauthorized,
	AudienceMismatch:     http.StatusForbidden,
	MissingIssuer:        http.StatusBadRequest,
	InvalidAPIKey:        http.StatusUnauthorized,
	IPRateLimit:          http.StatusTooManyRequests,
	QuotaExceeded:        http.StatusTooManyRequests,
	PolicyHashMismatch:   http.StatusBadRequest,
	IntentExpired:        http.StatusForbidden,
	IntentInvalid:        http.StatusForbidden,
	IntentPolicyMismatch: http.StatusForbidden,
	Revoked:              http.StatusForbidden,
	PolicyRevoked:        http.StatusForbidden,
	VerifierUnavailable:  http.StatusServiceUnavailable,
	Replay:               http.StatusForbidden,
	PolicyError:          http.StatusForbidden,
}

// HTTPStatus returns the HTTP status for a code.
func HTTPStatus(c Code) int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusBadRequest
}

// Error is an error value with a stable code, a human-readable message and an
// optional developer-facing suggestion. Components return these; the request
// handler maps them to HTTP.
type Error struct {
	Code       Code
	Message    string
	Suggestion string
	cause      error
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithSuggestion attaches a developer hint and returns the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the HTTP status for the error's code.
func (e *Error) HTTPStatus() int { return HTTPStatus(e.Code) }

// From extracts a coded error from err, or wraps it as VERIFIER_UNAVAILABLE if
// it carries no code. Unexpected failures default to fail-closed.
func From(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return Wrap(VerifierUnavailable, "internal error", err)
}

// Is allows errors.Is matching on the code.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}
