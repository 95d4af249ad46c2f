// Package idgen provides identifier generation for marketplace records.
//
// Internal identifiers are short prefixed random hex strings ("dsp_", "pay_",
// "ent_"). Public identifiers handed to buyers and sellers are UUIDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes used across the escrow and payout subsystems.
const (
	PrefixDispute     = "dsp_"
	PrefixPayout      = "pay_"
	PrefixEntry       = "ent_"
	PrefixRemediation = "rem_"
	PrefixAnomaly     = "anm_"
	PrefixOrder       = "ord_"
)

// WithPrefix generates a random ID with a prefix (e.g. "dsp_", "pay_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// External returns a new public-facing identifier.
func External() string {
	return uuid.NewString()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
