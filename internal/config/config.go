// Package config loads evaluator configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full evaluator configuration.
type Config struct {
	// Port the HTTP server listens on.
	Port int `yaml:"port"`
	// RequestTimeout is the per-request deadline.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Audience, when set, is matched against token aud claims.
	Audience string `yaml:"audience"`
	// RPID is the WebAuthn relying party id intents must be bound to.
	RPID string `yaml:"rp_id"`
	// SimulateFailOpen lets simulate degrade to ALLOW on back-end outages.
	SimulateFailOpen bool `yaml:"simulate_fail_open"`
	// TermsURL overrides the default terms text.
	TermsURL string `yaml:"terms_url"`

	// SigningKey is the base64 Ed25519 receipt signing key (seed or full
	// private key). Empty disables receipt minting.
	SigningKey string `yaml:"signing_key"`
	// SigningKID is the kid published for the receipt key.
	SigningKID string `yaml:"signing_kid"`
	// APIKeyPublicKey is the base64 Ed25519 key that verifies API-key
	// capabilities. Empty disables keyed tenants.
	APIKeyPublicKey string `yaml:"api_key_public_key"`

	// StateBackendURL is a redis:// URL. Empty selects the in-process store.
	StateBackendURL string `yaml:"state_backend_url"`
	// JWKSURLs are issuer key-set endpoints for token verification.
	JWKSURLs []string `yaml:"jwks_urls"`
	// CredentialRegistry is the YAML file of registered authenticator keys.
	CredentialRegistry string `yaml:"credential_registry"`
	// IntentStrictTenants lists tenants whose unverifiable intents are
	// rejected instead of flagged.
	IntentStrictTenants []string `yaml:"intent_strict_tenants"`

	// AuditSalt keys the privacy fingerprints in audit events.
	AuditSalt string `yaml:"audit_salt"`
	// AuditLogFile, when set, adds a rotating file audit writer.
	AuditLogFile string `yaml:"audit_log_file"`
	// AuditPostgresDSN, when set, adds a Postgres audit writer.
	AuditPostgresDSN string `yaml:"audit_postgres_dsn"`

	FreeTierDaily   int64 `yaml:"free_tier_daily"`
	FreeTierMonthly int64 `yaml:"free_tier_monthly"`
	IPPerMinute     int64 `yaml:"ip_per_minute"`
	IPPerHour       int64 `yaml:"ip_per_hour"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:            8080,
		RequestTimeout:  5 * time.Second,
		FreeTierDaily:   1000,
		FreeTierMonthly: 10000,
		IPPerMinute:     60,
		IPPerHour:       1000,
	}
}

// Load reads the YAML file at path (skipped when empty) and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := os.Getenv("AUDIENCE"); v != "" {
		c.Audience = v
	}
	if v := os.Getenv("RP_ID"); v != "" {
		c.RPID = v
	}
	if v := os.Getenv("SIMULATE_FAIL_OPEN"); v != "" {
		c.SimulateFailOpen = v == "true" || v == "1"
	}
	if v := os.Getenv("TERMS_URL"); v != "" {
		c.TermsURL = v
	}
	if v := os.Getenv("SIGNING_PRIVATE_KEY"); v != "" {
		c.SigningKey = v
	}
	if v := os.Getenv("SIGNING_KID"); v != "" {
		c.SigningKID = v
	}
	if v := os.Getenv("API_KEY_PUBLIC_KEY"); v != "" {
		c.APIKeyPublicKey = v
	}
	if v := os.Getenv("STATE_BACKEND_URL"); v != "" {
		c.StateBackendURL = v
	}
	if v := os.Getenv("JWKS_URLS"); v != "" {
		urls := strings.Split(v, ",")
		c.JWKSURLs = c.JWKSURLs[:0]
		for _, u := range urls {
			if u = strings.TrimSpace(u); u != "" {
				c.JWKSURLs = append(c.JWKSURLs, u)
			}
		}
	}
	if v := os.Getenv("CREDENTIAL_REGISTRY"); v != "" {
		c.CredentialRegistry = v
	}
	if v := os.Getenv("INTENT_STRICT_TENANTS"); v != "" {
		c.IntentStrictTenants = c.IntentStrictTenants[:0]
		for _, tn := range strings.Split(v, ",") {
			if tn = strings.TrimSpace(tn); tn != "" {
				c.IntentStrictTenants = append(c.IntentStrictTenants, tn)
			}
		}
	}
	if v := os.Getenv("AUDIT_SALT"); v != "" {
		c.AuditSalt = v
	}
	if v := os.Getenv("AUDIT_LOG_FILE"); v != "" {
		c.AuditLogFile = v
	}
	if v := os.Getenv("AUDIT_POSTGRES_DSN"); v != "" {
		c.AuditPostgresDSN = v
	}
	if v := os.Getenv("FREE_TIER_DAILY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.FreeTierDaily = n
		}
	}
	if v := os.Getenv("FREE_TIER_MONTHLY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.FreeTierMonthly = n
		}
	}
	if v := os.Getenv("IP_LIMIT_MIN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.IPPerMinute = n
		}
	}
	if v := os.Getenv("IP_LIMIT_HOUR"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.IPPerHour = n
		}
	}
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.SigningKey != "" {
		if c.SigningKID == "" {
			return fmt.Errorf("signing_kid is required when signing_key is set")
		}
		if _, err := c.SigningPrivateKey(); err != nil {
			return err
		}
	}
	if c.APIKeyPublicKey != "" {
		if _, err := c.APIKeyPublic(); err != nil {
			return err
		}
	}
	return nil
}

// SigningPrivateKey decodes the receipt signing key. A 32-byte value is
// treated as an Ed25519 seed, a 64-byte value as the full private key.
func (c *Config) SigningPrivateKey() (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing_key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("signing_key must be a %d-byte seed or %d-byte private key, got %d bytes",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// APIKeyPublic decodes the capability verification key.
func (c *Config) APIKeyPublic() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(c.APIKeyPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode api_key_public_key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("api_key_public_key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
