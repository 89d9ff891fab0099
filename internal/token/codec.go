// Package token implements the compact JWS codec for delegation tokens:
// decode-only parsing for lint paths and full EdDSA verification against a
// JWKS-resolved issuer key.
package token

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/pkg/types"
)

// Header is the decoded JOSE header of a token.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// Decoded is the parsed view of a token. Signature validity is reported by
// Verified; Decode never sets it.
type Decoded struct {
	Header   Header
	Payload  *types.Payload
	Policy   *types.Policy
	Verified bool
}

// KeyResolver resolves an issuer verification key by kid.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (ed25519.PublicKey, error)
}

// Codec parses and verifies compact-serialized tokens.
type Codec struct {
	resolver KeyResolver
	logger   *zap.Logger
}

// NewCodec creates a token codec. The resolver may be nil for decode-only use.
func NewCodec(resolver KeyResolver, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{resolver: resolver, logger: logger}
}

// parser skips claim-time validation: expiry is checked by the verifier
// against its own clock so that decisions stay deterministic under frozen time.
var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{"EdDSA"}),
	jwt.WithoutClaimsValidation(),
)

// Decode parses a token without verifying its signature. It performs no I/O.
func (c *Codec) Decode(raw string) (*Decoded, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errcode.New(errcode.MissingToken, "token is required").
			WithSuggestion("pass the compact JWS in the 'token' field")
	}
	if strings.Count(raw, ".") != 2 {
		return nil, errcode.New(errcode.InvalidToken, "token must have three dot-separated parts")
	}

	payload := &types.Payload{}
	tok, _, err := parser.ParseUnverified(raw, payload)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidToken, "token is not a valid compact JWS", err)
	}

	hdr, err := headerOf(tok)
	if err != nil {
		return nil, err
	}

	policy, err := parsePolicy(payload)
	if err != nil {
		return nil, err
	}

	return &Decoded{Header: hdr, Payload: payload, Policy: policy}, nil
}

// Verify parses a token and verifies its EdDSA signature using the key
// resolved by kid. The JWKS fetch, if needed, honors ctx.
func (c *Codec) Verify(ctx context.Context, raw string) (*Decoded, error) {
	decoded, err := c.Decode(raw)
	if err != nil {
		return nil, err
	}
	if c.resolver == nil {
		return nil, errcode.New(errcode.UnknownKID, "no key resolver configured")
	}

	key, err := c.resolver.Resolve(ctx, decoded.Header.Kid)
	if err != nil {
		return nil, err
	}

	payload := &types.Payload{}
	_, err = parser.ParseWithClaims(raw, payload, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errcode.Wrap(errcode.InvalidSignature, "signature verification failed", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errcode.Wrap(errcode.InvalidToken, "token is not a valid compact JWS", err)
		default:
			return nil, errcode.Wrap(errcode.InvalidSignature, "signature verification failed", err)
		}
	}

	decoded.Payload = payload
	decoded.Policy, err = parsePolicy(payload)
	if err != nil {
		return nil, err
	}
	decoded.Verified = true
	return decoded, nil
}

// headerOf validates the JOSE header: alg must be EdDSA and kid must be present.
func headerOf(tok *jwt.Token) (Header, error) {
	hdr := Header{}
	if alg, ok := tok.Header["alg"].(string); ok {
		hdr.Alg = alg
	}
	if kid, ok := tok.Header["kid"].(string); ok {
		hdr.Kid = kid
	}
	if typ, ok := tok.Header["typ"].(string); ok {
		hdr.Typ = typ
	}

	if hdr.Alg != "EdDSA" {
		return hdr, errcode.Newf(errcode.UnsupportedAlg, "unsupported algorithm %q (expected EdDSA)", hdr.Alg)
	}
	if hdr.Kid == "" {
		return hdr, errcode.New(errcode.UnknownKID, "token header has no kid")
	}
	return hdr, nil
}

// parsePolicy decodes the raw policy bytes carried in the payload.
func parsePolicy(p *types.Payload) (*types.Policy, error) {
	if len(p.PolicyRaw) == 0 {
		return nil, errcode.New(errcode.InvalidPayload, "token payload has no policy")
	}
	policy := &types.Policy{}
	if err := json.Unmarshal(p.PolicyRaw, policy); err != nil {
		return nil, errcode.Wrap(errcode.InvalidPayload, "policy is not valid JSON", err)
	}
	return policy, nil
}

// ValidatePayload checks the structural requirements of a decoded payload.
// Signature, expiry, hash and intent semantics are the verifier's concern.
func ValidatePayload(p *types.Payload) error {
	switch p.Ver {
	case types.VersionV02, types.VersionV03:
	case "":
		return errcode.New(errcode.InvalidPayload, "missing ver claim")
	default:
		return errcode.Newf(errcode.UnsupportedVersion, "unsupported token version %q", p.Ver)
	}
	if len(p.JTI) < 8 {
		return errcode.New(errcode.InvalidPayload, "jti must be at least 8 characters")
	}
	if p.User == "" || p.Agent == "" {
		return errcode.New(errcode.InvalidPayload, "user and agent claims are required")
	}
	if len(p.Scope) == 0 {
		return errcode.New(errcode.InvalidPayload, "scope claim is required")
	}
	if p.Exp == 0 {
		return errcode.New(errcode.InvalidPayload, "exp claim is required")
	}
	if p.Nonce == "" {
		return errcode.New(errcode.InvalidPayload, "nonce claim is required")
	}
	if p.PolicyHash == "" {
		return errcode.New(errcode.InvalidPayload, "policy_hash claim is required")
	}
	if p.Ver == types.VersionV03 && p.Intent == nil {
		return errcode.New(errcode.InvalidPayload, "act.v0.3 tokens require an intent block")
	}
	return nil
}
