// Package gdpr implements the data-subject rights engine:
// pseudonymization, access and portability exports, rectification,
// erasure, restriction, and retention enforcement.
package gdpr

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// Cipher seals original subject identifiers at rest. Satisfied by the
// KMS client.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// pseudonymPrefix marks every minted token, deterministic or random.
// The prefix is reserved: it lets retention recognize rows that were
// already rewritten.
const pseudonymPrefix = "pseudo-"

// IsPseudonym reports whether id is a token minted by this package
func IsPseudonym(id string) bool {
	return strings.HasPrefix(id, pseudonymPrefix)
}

// Pseudonymizer derives and persists subject-id replacements.
// Operations on the same original id serialize behind a per-id lock so
// concurrent requests never create two mappings.
type Pseudonymizer struct {
	repo   audit.PseudonymRepository
	cipher Cipher
	salt   []byte
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPseudonymizer builds the pseudonymizer. The salt comes from
// KMS-encrypted configuration and must not be empty.
func NewPseudonymizer(repo audit.PseudonymRepository, cipher Cipher, salt []byte, logger *zap.Logger) (*Pseudonymizer, error) {
	if len(salt) == 0 {
		return nil, errors.NewConfigError("pseudonym salt must not be empty")
	}
	return &Pseudonymizer{
		repo:   repo,
		cipher: cipher,
		salt:   salt,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (p *Pseudonymizer) lockFor(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// digest is the salted lookup key; the plaintext id is never indexed
func (p *Pseudonymizer) digest(originalID string) string {
	sum := sha256.Sum256(append([]byte(originalID), p.salt...))
	return hex.EncodeToString(sum[:])
}

// deterministicPseudonym derives pseudo-<hex(sha256(id||salt))[:16]>
func (p *Pseudonymizer) deterministicPseudonym(originalID string) string {
	return pseudonymPrefix + p.digest(originalID)[:16]
}

// Pseudonymize returns the mapping for an original id, creating it if
// needed. Deterministic mode returns the existing mapping for a repeat
// id; random mode always mints a fresh token.
func (p *Pseudonymizer) Pseudonymize(ctx context.Context, originalID string, strategy audit.PseudonymStrategy) (*audit.PseudonymMapping, error) {
	if originalID == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "original id is required")
	}

	lock := p.lockFor(originalID)
	lock.Lock()
	defer lock.Unlock()

	var (
		pseudonymID string
		digest      string
	)
	switch strategy {
	case audit.StrategyDeterministic:
		digest = p.digest(originalID)
		existing, err := p.repo.FindByOriginalDigest(ctx, digest)
		if err == nil {
			return existing, nil
		}
		if !errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, err
		}
		pseudonymID = p.deterministicPseudonym(originalID)
	case audit.StrategyRandom:
		token := make([]byte, 16)
		if _, err := rand.Read(token); err != nil {
			return nil, errors.NewInternalError("generate random pseudonym").WithCause(err)
		}
		pseudonymID = pseudonymPrefix + hex.EncodeToString(token)
	default:
		return nil, errors.NewValidationError("INVALID_STRATEGY",
			"strategy must be deterministic or random")
	}

	encrypted, err := p.cipher.Encrypt(ctx, []byte(originalID))
	if err != nil {
		return nil, err
	}

	mapping := &audit.PseudonymMapping{
		PseudonymID:       pseudonymID,
		Strategy:          strategy,
		CreatedAt:         time.Now().UTC(),
		EncryptedOriginal: encrypted,
		OriginalDigest:    digest,
		OriginalID:        originalID,
	}
	if err := p.repo.Create(ctx, mapping); err != nil {
		// A concurrent writer on another node won the race
		if errors.IsType(err, errors.ErrorTypeDuplicate) && strategy == audit.StrategyDeterministic {
			return p.repo.FindByOriginalDigest(ctx, digest)
		}
		return nil, err
	}

	p.logger.Info("pseudonym mapping created",
		zap.String("pseudonym", pseudonymID),
		zap.String("strategy", string(strategy)),
	)
	return mapping, nil
}

// Reidentify decrypts the original id behind a pseudonym. Restricted to
// authorized compliance workflows by the caller.
func (p *Pseudonymizer) Reidentify(ctx context.Context, pseudonymID string) (string, error) {
	mapping, err := p.repo.FindByPseudonym(ctx, pseudonymID)
	if err != nil {
		return "", err
	}
	plaintext, err := p.cipher.Decrypt(ctx, mapping.EncryptedOriginal)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
