// Package tenant resolves the quota principal of a request. Attribution
// precedence: a signed API-key capability (X-API-Key or Authorization Bearer)
// wins; otherwise the token's iss claim attributes a free-tier tenant.
package tenant

import (
	"crypto/ed25519"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/errcode"
)

// Quotas are per-tenant daily and monthly request allowances.
type Quotas struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// Tenant is the resolved quota principal.
type Tenant struct {
	ID     string
	Tier   string
	Quotas Quotas
	// Keyed is true when the tenant authenticated with an API key rather
	// than being attributed from the token's iss claim.
	Keyed bool
}

// capabilityClaims is the payload of a signed API-key capability.
type capabilityClaims struct {
	jwt.RegisteredClaims
	Tier   string `json:"tier"`
	Quotas Quotas `json:"quotas"`
}

// Authenticator validates API-key capabilities and attributes free-tier
// tenants.
type Authenticator struct {
	key         ed25519.PublicKey
	freeDaily   int64
	freeMonthly int64
	logger      *zap.Logger
}

// NewAuthenticator creates an authenticator. key verifies API-key
// capabilities; freeDaily and freeMonthly are the keyless-tier quotas.
func NewAuthenticator(key ed25519.PublicKey, freeDaily, freeMonthly int64, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{key: key, freeDaily: freeDaily, freeMonthly: freeMonthly, logger: logger}
}

var capabilityParser = jwt.NewParser(jwt.WithValidMethods([]string{"EdDSA"}))

// Authenticate resolves the API-key credential of a request, if present.
// A nil tenant with nil error means keyless: the caller attributes the
// tenant from the token's iss claim.
func (a *Authenticator) Authenticate(r *http.Request) (*Tenant, error) {
	cred := credentialFrom(r)
	if cred == "" {
		return nil, nil
	}
	if a.key == nil {
		return nil, errcode.New(errcode.InvalidAPIKey, "API keys are not enabled on this deployment")
	}

	claims := &capabilityClaims{}
	_, err := capabilityParser.ParseWithClaims(cred, claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	})
	if err != nil {
		a.logger.Debug("API key rejected", zap.Error(err))
		return nil, errcode.Wrap(errcode.InvalidAPIKey, "API key is invalid or expired", err).
			WithSuggestion("check the X-API-Key header value")
	}
	if claims.Subject == "" {
		return nil, errcode.New(errcode.InvalidAPIKey, "API key carries no subject")
	}

	tier := claims.Tier
	if tier == "" {
		tier = "standard"
	}
	quotas := claims.Quotas
	if quotas.Daily == 0 {
		quotas.Daily = a.freeDaily
	}
	if quotas.Monthly == 0 {
		quotas.Monthly = a.freeMonthly
	}
	return &Tenant{ID: claims.Subject, Tier: tier, Quotas: quotas, Keyed: true}, nil
}

// FreeTier attributes a keyless tenant from the token's issuer.
func (a *Authenticator) FreeTier(issuer string) *Tenant {
	return &Tenant{
		ID:     issuer,
		Tier:   "free",
		Quotas: Quotas{Daily: a.freeDaily, Monthly: a.freeMonthly},
	}
}

// credentialFrom extracts an API-key credential from the request headers.
func credentialFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
