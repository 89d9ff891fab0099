package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/errcode"
)

// JWK is a single JSON Web Key. Only OKP/Ed25519 keys are used for issuer
// and receipt signing keys.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	X   string `json:"x,omitempty"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWK builds the OKP JWK for an Ed25519 public key.
func PublicJWK(kid string, key ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		Kid: kid,
		Alg: "EdDSA",
		Use: "sig",
		X:   base64.RawURLEncoding.EncodeToString(key),
	}
}

// ed25519Key decodes the JWK into a usable public key.
func (k JWK) ed25519Key() (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return nil, fmt.Errorf("key %s is not an Ed25519 OKP key", k.Kid)
	}
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x of key %s: %w", k.Kid, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key %s has invalid length %d", k.Kid, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// JWKSResolver fetches issuer keys from one or more JWKS URLs and caches them
// by kid. Stale entries are served while a refresh is in flight; a cold-cache
// fetch runs under the caller's deadline.
type JWKSResolver struct {
	urls     []string
	cacheTTL time.Duration
	client   *http.Client
	logger   *zap.Logger

	mu         sync.RWMutex
	keys       map[string]ed25519.PublicKey
	lastUpdate time.Time

	refreshMu sync.Mutex // single-flights refreshes
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// JWKSConfig configures the resolver.
type JWKSConfig struct {
	URLs        []string
	CacheTTL    time.Duration // default 1 hour
	HTTPTimeout time.Duration // default 10 seconds
}

// NewJWKSResolver creates a resolver with background refresh. It does not
// fetch eagerly; the first Resolve populates the cache.
func NewJWKSResolver(cfg JWKSConfig, logger *zap.Logger) (*JWKSResolver, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("at least one JWKS URL is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &JWKSResolver{
		urls:     cfg.URLs,
		cacheTTL: cfg.CacheTTL,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger:   logger,
		keys:     make(map[string]ed25519.PublicKey),
		stopCh:   make(chan struct{}),
	}
	go r.refreshLoop()
	return r, nil
}

// Resolve returns the public key for kid, fetching the JWKS if the cache is
// cold or stale. Unknown kids surface as UNKNOWN_KID.
func (r *JWKSResolver) Resolve(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	key, ok := r.keys[kid]
	fresh := time.Since(r.lastUpdate) < r.cacheTTL
	r.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := r.refresh(ctx); err != nil {
		// Serve the stale key rather than fail a request on a refresh hiccup.
		if ok {
			return key, nil
		}
		return nil, errcode.Wrap(errcode.UnknownKID, fmt.Sprintf("key %q not cached and JWKS refresh failed", kid), err)
	}

	r.mu.RLock()
	key, ok = r.keys[kid]
	r.mu.RUnlock()
	if !ok {
		return nil, errcode.Newf(errcode.UnknownKID, "key %q not found in JWKS", kid)
	}
	return key, nil
}

// refresh fetches every configured JWKS URL and swaps the cache.
func (r *JWKSResolver) refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	merged := make(map[string]ed25519.PublicKey)
	var lastErr error
	for _, url := range r.urls {
		set, err := r.fetch(ctx, url)
		if err != nil {
			r.logger.Warn("JWKS fetch failed", zap.String("url", url), zap.Error(err))
			lastErr = err
			continue
		}
		for _, jwk := range set.Keys {
			key, err := jwk.ed25519Key()
			if err != nil {
				r.logger.Warn("skipping unusable JWK", zap.String("kid", jwk.Kid), zap.Error(err))
				continue
			}
			merged[jwk.Kid] = key
		}
	}

	if len(merged) == 0 && lastErr != nil {
		return lastErr
	}

	r.mu.Lock()
	r.keys = merged
	r.lastUpdate = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *JWKSResolver) fetch(ctx context.Context, url string) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS server returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read JWKS response: %w", err)
	}
	set := &JWKS{}
	if err := json.Unmarshal(body, set); err != nil {
		return nil, fmt.Errorf("parse JWKS: %w", err)
	}
	return set, nil
}

// refreshLoop refreshes the cache in the background at half the TTL.
func (r *JWKSResolver) refreshLoop() {
	ticker := time.NewTicker(r.cacheTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.client.Timeout)
			if err := r.refresh(ctx); err != nil {
				r.logger.Warn("background JWKS refresh failed", zap.Error(err))
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the background refresh.
func (r *JWKSResolver) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// StaticResolver resolves keys from a fixed in-memory map. Used for locally
// configured issuer keys and in tests.
type StaticResolver map[string]ed25519.PublicKey

// Resolve implements KeyResolver.
func (s StaticResolver) Resolve(_ context.Context, kid string) (ed25519.PublicKey, error) {
	key, ok := s[kid]
	if !ok {
		return nil, errcode.Newf(errcode.UnknownKID, "key %q not found in JWKS", kid)
	}
	return key, nil
}

// ChainResolver tries each resolver in order, returning the first hit.
type ChainResolver []KeyResolver

// Resolve implements KeyResolver.
func (c ChainResolver) Resolve(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	var lastErr error
	for _, r := range c {
		key, err := r.Resolve(ctx, kid)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errcode.Newf(errcode.UnknownKID, "key %q not found", kid)
	}
	return nil, lastErr
}
