// Package canonical produces the deterministic JSON form and SHA-256 digest of
// policies. The canonical form follows RFC 8785 (JCS): object keys sorted at
// every depth, arrays preserved in order, minimal number representation, no
// insignificant whitespace.
package canonical

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"github.com/agentoauth/go-core/internal/errcode"
)

// HashPrefix precedes the lowercase hex digest in every policy hash.
const HashPrefix = "sha256:"

// Canonicalize transforms raw JSON into its RFC 8785 canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errcode.New(errcode.InvalidPayload, "empty value cannot be canonicalized")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidPayload, "value is not canonicalizable JSON", err)
	}
	return out, nil
}

// CanonicalizeValue marshals v and canonicalizes the result. Unrepresentable
// values (NaN, Infinity, cycles) surface as INVALID_PAYLOAD.
func CanonicalizeValue(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidPayload, "value is not JSON-representable", err)
	}
	return Canonicalize(raw)
}

// Hash returns "sha256:<lowercase-hex>" over the canonical form of raw JSON.
func Hash(raw []byte) (string, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// HashValue hashes an arbitrary JSON-representable value.
func HashValue(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errcode.Wrap(errcode.InvalidPayload, "value is not JSON-representable", err)
	}
	return Hash(raw)
}

// VerifyHash recomputes the hash of raw JSON and compares it to expected in
// constant time.
func VerifyHash(raw []byte, expected string) (bool, error) {
	actual, err := Hash(raw)
	if err != nil {
		return false, err
	}
	if len(actual) != len(expected) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1, nil
}
