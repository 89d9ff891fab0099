package intent

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/pkg/types"
)

// clientData is the subset of the WebAuthn clientDataJSON the validator reads.
type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// Result reports the outcome of intent validation. Verified is false when only
// structural validation ran (no registered key for the credential).
type Result struct {
	Verified   bool
	ValidUntil time.Time
	ApprovedAt time.Time
}

// Config configures the validator.
type Config struct {
	// RPID the evaluator expects intents to be bound to.
	RPID string
	// StrictTenants lists tenants for which an unverifiable intent (no
	// registered authenticator key) is rejected rather than flagged.
	StrictTenants map[string]bool
}

// Validator validates webauthn.v0 intent blocks.
type Validator struct {
	cfg      Config
	registry *Registry
	logger   *zap.Logger
}

// NewValidator creates an intent validator.
func NewValidator(cfg Config, registry *Registry, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cfg: cfg, registry: registry, logger: logger}
}

// Validate runs the six validation steps in order against the supplied clock
// time. Expiry is exact; there is no grace period.
func (v *Validator) Validate(in *types.Intent, policyHash, tenant string, now time.Time) (*Result, error) {
	if in == nil {
		return nil, errcode.New(errcode.IntentInvalid, "intent block is required")
	}

	// 1. Type.
	if in.Type != types.IntentType {
		return nil, errcode.Newf(errcode.IntentInvalid, "unsupported intent type %q", in.Type)
	}

	// 2. Expiry, exact.
	if in.ValidUntil.IsZero() || now.After(in.ValidUntil) {
		return nil, errcode.New(errcode.IntentExpired, "intent approval has expired; a new human gesture is required")
	}

	// 3. Challenge binds the intent to the policy.
	if in.Challenge != policyHash {
		return nil, errcode.New(errcode.IntentPolicyMismatch, "intent challenge does not match policy hash")
	}

	// 4. Relying party.
	if in.RPID != v.cfg.RPID {
		return nil, errcode.Newf(errcode.IntentInvalid, "intent rp_id %q does not match expected relying party", in.RPID)
	}

	// 5. Structural decode of the assertion fields.
	clientDataRaw, err := base64.RawURLEncoding.DecodeString(in.ClientDataJSON)
	if err != nil {
		return nil, errcode.Wrap(errcode.IntentInvalid, "client_data_json is not valid base64url", err)
	}
	authData, err := base64.RawURLEncoding.DecodeString(in.AuthenticatorData)
	if err != nil {
		return nil, errcode.Wrap(errcode.IntentInvalid, "authenticator_data is not valid base64url", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(in.Signature)
	if err != nil {
		return nil, errcode.Wrap(errcode.IntentInvalid, "signature is not valid base64url", err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(in.CredentialID); err != nil {
		return nil, errcode.Wrap(errcode.IntentInvalid, "credential_id is not valid base64url", err)
	}

	var cd clientData
	if err := json.Unmarshal(clientDataRaw, &cd); err != nil {
		return nil, errcode.Wrap(errcode.IntentInvalid, "client_data_json is not valid JSON", err)
	}
	if cd.Type != "webauthn.get" {
		return nil, errcode.Newf(errcode.IntentInvalid, "client data type %q is not webauthn.get", cd.Type)
	}
	if len(authData) < 37 {
		return nil, errcode.New(errcode.IntentInvalid, "authenticator_data is too short")
	}

	result := &Result{ValidUntil: in.ValidUntil, ApprovedAt: in.ApprovedAt}

	// 6. Full signature verification when the authenticator key is registered;
	// otherwise structural-only, flagged in the receipt.
	key, registered := v.lookupKey(in.CredentialID)
	if !registered {
		if v.cfg.StrictTenants[tenant] {
			return nil, errcode.New(errcode.IntentInvalid, "no registered authenticator key for credential and tenant requires full verification")
		}
		v.logger.Debug("intent validated structurally only",
			zap.String("credential_id", in.CredentialID))
		return result, nil
	}

	if err := verifyAssertion(key, authData, clientDataRaw, sig, v.cfg.RPID); err != nil {
		return nil, err
	}
	result.Verified = true
	return result, nil
}

func (v *Validator) lookupKey(credentialID string) (*CredentialKey, bool) {
	if v.registry == nil {
		return nil, false
	}
	return v.registry.Lookup(credentialID)
}

// verifyAssertion checks the WebAuthn assertion signature over
// authenticatorData || SHA256(clientDataJSON) and the rpIdHash prefix.
func verifyAssertion(key *CredentialKey, authData, clientDataRaw, sig []byte, rpID string) error {
	rpHash := sha256.Sum256([]byte(rpID))
	if string(authData[:32]) != string(rpHash[:]) {
		return errcode.New(errcode.IntentInvalid, "authenticator_data rpIdHash does not match relying party")
	}

	clientHash := sha256.Sum256(clientDataRaw)
	signed := append(append([]byte{}, authData...), clientHash[:]...)

	switch {
	case key.EC2Key != nil:
		digest := sha256.Sum256(signed)
		if !ecdsa.VerifyASN1(key.EC2Key, digest[:], sig) {
			return errcode.New(errcode.IntentInvalid, "webauthn assertion signature verification failed")
		}
	case key.OKPKey != nil:
		if !ed25519.Verify(key.OKPKey, signed, sig) {
			return errcode.New(errcode.IntentInvalid, "webauthn assertion signature verification failed")
		}
	default:
		return errcode.New(errcode.IntentInvalid, "registered credential key is unusable")
	}
	return nil
}
