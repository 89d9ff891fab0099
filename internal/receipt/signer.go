// Package receipt mints and stores signed decision receipts. Receipts are
// compact EdDSA JWS objects under a dedicated signing key, retrievable by id
// for the audit window.
package receipt

import (
	"context"
	"crypto/ed25519"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/internal/state"
	"github.com/agentoauth/go-core/pkg/types"
)

// storeTTL keeps receipts retrievable for the audit window.
const storeTTL = 400 * 24 * time.Hour

// receiptClaims adapts a receipt to the JWT claims contract. Receipts carry
// their own timestamp; none of the registered claims apply.
type receiptClaims struct {
	types.Receipt
}

func (receiptClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (receiptClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (receiptClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (receiptClaims) GetIssuer() (string, error)                   { return "", nil }
func (receiptClaims) GetSubject() (string, error)                  { return "", nil }
func (receiptClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Signer signs receipts with the process-wide receipt key and persists them
// under the receipt namespace.
type Signer struct {
	key     ed25519.PrivateKey
	kid     string
	backend state.Backend
	logger  *zap.Logger
}

// NewSigner creates a receipt signer.
func NewSigner(key ed25519.PrivateKey, kid string, backend state.Backend, logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{key: key, kid: kid, backend: backend, logger: logger}
}

// KID returns the signing key identifier published in the JWKS.
func (s *Signer) KID() string { return s.kid }

// PublicKey returns the verification key for minted receipts.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// NewID allocates a receipt identifier.
func NewID() string {
	return "rcpt_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Mint fills in the receipt envelope, signs it and stores the compact JWS.
// Callers on the ALLOW path must treat a mint failure as a degraded receipt,
// never as a failed decision.
func (s *Signer) Mint(ctx context.Context, rcpt types.Receipt) (string, error) {
	rcpt.Version = types.ReceiptVersion
	if rcpt.ID == "" {
		rcpt.ID = NewID()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, receiptClaims{rcpt})
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", errcode.Wrap(errcode.VerifierUnavailable, "sign receipt", err)
	}

	if err := s.backend.Put(ctx, state.NSReceipt+rcpt.ID, signed, storeTTL); err != nil {
		return "", errcode.Wrap(errcode.VerifierUnavailable, "store receipt", err)
	}
	return rcpt.ID, nil
}

// Get returns the stored compact JWS for a receipt id.
func (s *Signer) Get(ctx context.Context, id string) (string, bool, error) {
	signed, ok, err := s.backend.Get(ctx, state.NSReceipt+id)
	if err != nil {
		return "", false, errcode.Wrap(errcode.VerifierUnavailable, "load receipt", err)
	}
	return signed, ok, nil
}
