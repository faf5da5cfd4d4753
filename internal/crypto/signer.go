package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// Signature is the detached seal over an event hash. Signing covers the
// hash, not the whole event, so verification is independent of how
// non-critical fields are laid out in storage.
type Signature struct {
	Value     string `json:"value"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId,omitempty"`
}

// Signer produces and verifies event signatures
type Signer interface {
	Sign(ctx context.Context, hash string) (Signature, error)
	Verify(ctx context.Context, hash string, sig Signature) (bool, error)
}

// AlgorithmHMACSHA256 tags locally produced signatures
const AlgorithmHMACSHA256 = "HMAC-SHA256"

// Keyring holds the HMAC secrets by key id. Verification walks the ring
// newest-first so records signed under a rotated-out key still verify.
type Keyring struct {
	currentID string
	// ordered newest first, currentID included
	order []string
	keys  map[string][]byte
}

// NewKeyring builds a keyring. The first entry of order is the signing
// key; the remainder are verify-only previous keys.
func NewKeyring(order []string, keys map[string][]byte) (*Keyring, error) {
	if len(order) == 0 {
		return nil, errors.NewConfigError("signing keyring is empty")
	}
	for _, id := range order {
		secret, ok := keys[id]
		if !ok {
			return nil, errors.NewConfigError("keyring order references unknown key id " + id)
		}
		if len(secret) < 32 {
			return nil, errors.NewConfigError("signing key " + id + " must be at least 32 bytes")
		}
	}
	return &Keyring{currentID: order[0], order: order, keys: keys}, nil
}

// SingleKeyring wraps one secret under the given key id
func SingleKeyring(keyID string, secret []byte) (*Keyring, error) {
	return NewKeyring([]string{keyID}, map[string][]byte{keyID: secret})
}

// HMACSigner signs event hashes with HMAC-SHA256 using the keyring's
// current key.
type HMACSigner struct {
	ring *Keyring
}

// NewHMACSigner creates the local signer
func NewHMACSigner(ring *Keyring) (*HMACSigner, error) {
	if ring == nil {
		return nil, errors.NewConfigError("HMAC signer requires a keyring")
	}
	return &HMACSigner{ring: ring}, nil
}

func (s *HMACSigner) Sign(_ context.Context, hash string) (Signature, error) {
	if hash == "" {
		return Signature{}, errors.NewValidationError("EMPTY_HASH", "cannot sign empty hash")
	}
	mac := hmac.New(sha256.New, s.ring.keys[s.ring.currentID])
	mac.Write([]byte(hash))
	return Signature{
		Value:     hex.EncodeToString(mac.Sum(nil)),
		Algorithm: AlgorithmHMACSHA256,
		KeyID:     s.ring.currentID,
	}, nil
}

func (s *HMACSigner) Verify(_ context.Context, hash string, sig Signature) (bool, error) {
	if sig.Algorithm != "" && sig.Algorithm != AlgorithmHMACSHA256 {
		return false, errors.NewValidationError("ALGORITHM_MISMATCH",
			"signature algorithm "+sig.Algorithm+" is not verifiable locally")
	}

	candidates := s.ring.order
	if sig.KeyID != "" {
		if _, ok := s.ring.keys[sig.KeyID]; ok {
			candidates = []string{sig.KeyID}
		}
	}

	expected, err := hex.DecodeString(sig.Value)
	if err != nil {
		return false, nil
	}
	for _, id := range candidates {
		mac := hmac.New(sha256.New, s.ring.keys[id])
		mac.Write([]byte(hash))
		if hmac.Equal(mac.Sum(nil), expected) {
			return true, nil
		}
	}
	return false, nil
}
