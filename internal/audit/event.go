// Package audit emits one sanitized record per request through an async ring
// buffer. Records never contain secrets, nonces, signatures or full token
// bytes; identifying fields are salted hashes and amounts are coarsened into
// bands.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// Event is one audit record.
type Event struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	Method string `json:"method"`
	Path   string `json:"path"`
	Tenant string `json:"tenant,omitempty"`

	// Salted fingerprints; raw values never appear in audit.
	IPHash    string `json:"ip_hash,omitempty"`
	UserHash  string `json:"user_hash,omitempty"`
	AgentHash string `json:"agent_hash,omitempty"`

	AmountBand string `json:"amount_band,omitempty"`

	Status    int    `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Decision  string `json:"decision,omitempty"`
	Code      string `json:"code,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
	// Degraded marks lost receipts and fail-open simulations.
	Degraded bool `json:"degraded,omitempty"`
}

// Fingerprint hashes a value with the process-wide audit salt. The first 16
// hex characters are enough to correlate without being reversible in practice.
func Fingerprint(salt, value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ":" + value))
	return hex.EncodeToString(sum[:])[:16]
}

// AmountBand coarsens a transaction amount so audit never carries exact
// figures. Bands are half-open on the upper bound.
func AmountBand(amount *decimal.Decimal) string {
	if amount == nil {
		return ""
	}
	switch {
	case amount.LessThan(decimal.NewFromInt(10)):
		return "lt-10"
	case amount.LessThan(decimal.NewFromInt(100)):
		return "10-100"
	case amount.LessThan(decimal.NewFromInt(1000)):
		return "100-1k"
	case amount.LessThan(decimal.NewFromInt(10000)):
		return "1k-10k"
	default:
		return "gte-10k"
	}
}
