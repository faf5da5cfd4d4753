package audit

import "time"

// PseudonymStrategy selects how a pseudonym is derived
type PseudonymStrategy string

const (
	StrategyDeterministic PseudonymStrategy = "deterministic"
	StrategyRandom        PseudonymStrategy = "random"
)

// PseudonymMapping links a subject identifier to its replacement token.
// OriginalID never leaves memory unencrypted once the mapping is stored;
// EncryptedOriginal is the KMS-sealed ciphertext kept at rest.
type PseudonymMapping struct {
	PseudonymID       string            `json:"pseudonymId"`
	Strategy          PseudonymStrategy `json:"strategy"`
	CreatedAt         time.Time         `json:"createdAt"`
	EncryptedOriginal []byte            `json:"-"`

	// OriginalDigest is the salted digest used as the lookup key for
	// deterministic mappings; empty for random ones
	OriginalDigest string `json:"-"`

	// Populated only in memory during the operation that creates the mapping
	OriginalID string `json:"-"`
}
