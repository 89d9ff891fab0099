// Package intent validates WebAuthn-backed approval blocks: structural checks
// always, full assertion verification when the authenticator's public key is
// registered.
package intent

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// COSE constants for the two key types accepted from authenticators.
const (
	coseKtyOKP = 1
	coseKtyEC2 = 2

	coseCrvP256    = 1
	coseCrvEd25519 = 6
)

// CredentialKey is a registered authenticator public key. Exactly one of
// EC2Key/OKPKey is set.
type CredentialKey struct {
	CredentialID string
	Tenant       string
	EC2Key       *ecdsa.PublicKey
	OKPKey       ed25519.PublicKey
}

// registryFile is the on-disk YAML layout of the credential registry.
type registryFile struct {
	Credentials []struct {
		CredentialID string `yaml:"credential_id"`
		COSEKey      []byte `yaml:"cose_key_b64"`
		Tenant       string `yaml:"tenant,omitempty"`
	} `yaml:"credentials"`
}

// Registry holds registered authenticator keys, reloading its backing file on
// change so new credentials take effect without a restart.
type Registry struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	keys map[string]*CredentialKey

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry loads the registry file and starts watching it. An empty path
// yields an empty registry (structural-validation-only deployments).
func NewRegistry(path string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		path:   path,
		logger: logger,
		keys:   make(map[string]*CredentialKey),
		stopCh: make(chan struct{}),
	}
	if path == "" {
		return r, nil
	}

	if err := r.load(); err != nil {
		return nil, fmt.Errorf("load credential registry: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create registry watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch credential registry: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

// Lookup returns the registered key for a credential id.
func (r *Registry) Lookup(credentialID string) (*CredentialKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[credentialID]
	return key, ok
}

// Register adds a key in memory. Used by tests and embedded deployments.
func (r *Registry) Register(key *CredentialKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.CredentialID] = key
}

// load parses the YAML file and swaps the key map atomically.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse registry YAML: %w", err)
	}

	keys := make(map[string]*CredentialKey, len(file.Credentials))
	for _, entry := range file.Credentials {
		key, err := ParseCOSEKey(entry.COSEKey)
		if err != nil {
			r.logger.Warn("skipping unparseable credential key",
				zap.String("credential_id", entry.CredentialID), zap.Error(err))
			continue
		}
		key.CredentialID = entry.CredentialID
		key.Tenant = entry.Tenant
		keys[entry.CredentialID] = key
	}

	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	r.logger.Info("credential registry loaded", zap.Int("credentials", len(keys)))
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := r.load(); err != nil {
					r.logger.Error("credential registry reload failed", zap.Error(err))
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("credential registry watcher error", zap.Error(err))
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// ParseCOSEKey decodes a CBOR-encoded COSE public key (ES256 EC2/P-256 or
// EdDSA OKP/Ed25519, the two algorithms WebAuthn authenticators commonly use).
func ParseCOSEKey(data []byte) (*CredentialKey, error) {
	var m map[int]cbor.RawMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode COSE key: %w", err)
	}

	var kty int
	if raw, ok := m[1]; ok {
		if err := cbor.Unmarshal(raw, &kty); err != nil {
			return nil, fmt.Errorf("decode kty: %w", err)
		}
	}

	intField := func(label int) (int, error) {
		raw, ok := m[label]
		if !ok {
			return 0, fmt.Errorf("COSE key missing label %d", label)
		}
		var v int
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return 0, err
		}
		return v, nil
	}
	bytesField := func(label int) ([]byte, error) {
		raw, ok := m[label]
		if !ok {
			return nil, fmt.Errorf("COSE key missing label %d", label)
		}
		var v []byte
		if err := cbor.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	switch kty {
	case coseKtyEC2:
		crv, err := intField(-1)
		if err != nil {
			return nil, err
		}
		if crv != coseCrvP256 {
			return nil, fmt.Errorf("unsupported EC2 curve %d", crv)
		}
		x, err := bytesField(-2)
		if err != nil {
			return nil, err
		}
		y, err := bytesField(-3)
		if err != nil {
			return nil, err
		}
		return &CredentialKey{EC2Key: &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}}, nil

	case coseKtyOKP:
		crv, err := intField(-1)
		if err != nil {
			return nil, err
		}
		if crv != coseCrvEd25519 {
			return nil, fmt.Errorf("unsupported OKP curve %d", crv)
		}
		x, err := bytesField(-2)
		if err != nil {
			return nil, err
		}
		if len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid Ed25519 key length %d", len(x))
		}
		return &CredentialKey{OKPKey: ed25519.PublicKey(x)}, nil

	default:
		return nil, fmt.Errorf("unsupported COSE key type %d", kty)
	}
}
