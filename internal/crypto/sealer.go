package crypto

import (
	"context"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// SigningMode selects where signatures come from
type SigningMode string

const (
	ModeLocal SigningMode = "local"
	ModeKMS   SigningMode = "kms"
)

// Sealer is the crypto facade the producer and verifier use: hash
// always, sign per configuration.
type Sealer struct {
	hasher *Hasher
	signer Signer
	mode   SigningMode
}

// NewSealer wires the facade. signer may be nil when signing is
// disabled entirely.
func NewSealer(mode SigningMode, signer Signer) (*Sealer, error) {
	if mode != ModeLocal && mode != ModeKMS {
		return nil, errors.NewConfigError("unknown signing mode " + string(mode))
	}
	return &Sealer{hasher: NewHasher(), signer: signer, mode: mode}, nil
}

// Hash seals the critical field projection
func (s *Sealer) Hash(ev *audit.Event) (string, error) {
	return s.hasher.Hash(ev)
}

// VerifyHash recomputes and compares in constant time
func (s *Sealer) VerifyHash(ev *audit.Event, expected string) bool {
	return s.hasher.VerifyHash(ev, expected)
}

// Seal writes hash (and signature when requested) onto the event.
// Signature failures degrade gracefully: the hash stays attached and a
// CRYPTO_UNAVAILABLE error is returned for the caller to log, unless
// required is set, in which case the event is left unsigned and the
// error is fatal to the enqueue.
func (s *Sealer) Seal(ctx context.Context, ev *audit.Event, sign, required bool) error {
	hash, err := s.hasher.Hash(ev)
	if err != nil {
		return err
	}
	ev.Hash = hash
	ev.HashAlgorithm = audit.HashAlgorithm

	if !sign {
		return nil
	}
	if s.signer == nil {
		err := errors.NewConfigError("signature requested but no signer configured")
		if required {
			return err
		}
		return errors.NewCryptoUnavailableError("signing unavailable, event sealed with hash only").WithCause(err)
	}

	sig, err := s.signer.Sign(ctx, hash)
	if err != nil {
		if required {
			return err
		}
		// Degrade: hash-only seal
		return errors.NewCryptoUnavailableError("signing failed, event sealed with hash only").WithCause(err)
	}
	ev.Signature = sig.Value
	ev.SignatureAlgorithm = sig.Algorithm
	ev.SignatureKeyID = sig.KeyID
	return nil
}

// VerifySignature checks a stored signature against the stored hash
func (s *Sealer) VerifySignature(ctx context.Context, ev *audit.Event) (bool, error) {
	if ev.Signature == "" {
		return false, errors.NewValidationError("MISSING_SIGNATURE", "event carries no signature")
	}
	if s.signer == nil {
		return false, errors.NewConfigError("no signer configured for verification")
	}
	return s.signer.Verify(ctx, ev.Hash, Signature{
		Value:     ev.Signature,
		Algorithm: ev.SignatureAlgorithm,
		KeyID:     ev.SignatureKeyID,
	})
}
