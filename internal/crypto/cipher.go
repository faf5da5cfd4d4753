package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// LocalCipher seals small payloads with AES-256-GCM under a key
// derived from the local secret. It protects pseudonym originals at
// rest when no KMS is configured; KMS deployments use the remote
// encrypt/decrypt endpoints instead.
type LocalCipher struct {
	aead cipher.AEAD
}

// NewLocalCipher derives the AEAD key from secret
func NewLocalCipher(secret []byte) (*LocalCipher, error) {
	if len(secret) == 0 {
		return nil, errors.NewConfigError("local cipher requires a secret")
	}
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.NewConfigError("initializing local cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewConfigError("initializing local cipher").WithCause(err)
	}
	return &LocalCipher{aead: aead}, nil
}

// Encrypt prepends the random nonce to the sealed payload
func (c *LocalCipher) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.NewCryptoUnavailableError("generating nonce").WithCause(err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *LocalCipher) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errors.NewIntegrityError("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.NewIntegrityError("ciphertext failed authentication")
	}
	return plaintext, nil
}
