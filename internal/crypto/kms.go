package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// KMSConfig configures the remote key management client
type KMSConfig struct {
	BaseURL       string
	AccessToken   string
	EncryptionKey string
	SigningKey    string
	Timeout       time.Duration
	// RequestsPerSecond bounds outbound calls; the KMS throttles hard
	// at its own limit, this keeps us under it
	RequestsPerSecond float64
	Burst             int
}

// KMSClient talks to the external KMS over HTTP. It is shared and
// thread-safe; callers wrap it with the pipeline retry policy and
// circuit breaker.
type KMSClient struct {
	cfg     KMSConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewKMSClient validates configuration and builds the shared client
func NewKMSClient(cfg KMSConfig, logger *zap.Logger) (*KMSClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.NewConfigError("KMS base URL is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.NewConfigError("KMS access token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	c := &KMSClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}
	c.warnOnTokenExpiry()
	return c, nil
}

// warnOnTokenExpiry parses the access token's exp claim so an operator
// sees a pending expiry before the KMS starts rejecting calls.
func (c *KMSClient) warnOnTokenExpiry() {
	token, _, err := jwt.NewParser().ParseUnverified(c.cfg.AccessToken, jwt.MapClaims{})
	if err != nil {
		// Opaque tokens are fine, nothing to report
		return
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	remaining := time.Until(exp.Time)
	if remaining < 0 {
		c.logger.Error("KMS access token is expired", zap.Time("expired_at", exp.Time))
	} else if remaining < 72*time.Hour {
		c.logger.Warn("KMS access token expires soon",
			zap.Time("expires_at", exp.Time),
			zap.Duration("remaining", remaining))
	}
}

type kmsSignRequest struct {
	KeyID   string `json:"keyId"`
	Payload string `json:"payload"`
}

type kmsSignResponse struct {
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId"`
}

type kmsVerifyRequest struct {
	KeyID     string `json:"keyId"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type kmsVerifyResponse struct {
	Valid bool `json:"valid"`
}

type kmsCipherRequest struct {
	KeyID      string `json:"keyId"`
	Plaintext  string `json:"plaintext,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

type kmsCipherResponse struct {
	Plaintext  string `json:"plaintext,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

func (c *KMSClient) post(ctx context.Context, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.NewCryptoUnavailableError("KMS rate limit wait cancelled").WithCause(err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return errors.NewInternalError("failed to encode KMS request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.NewInternalError("failed to build KMS request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewCryptoUnavailableError("KMS request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return errors.NewCryptoUnavailableError(
			fmt.Sprintf("KMS returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return errors.NewConfigError(
			fmt.Sprintf("KMS rejected request with status %d", resp.StatusCode))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.NewCryptoUnavailableError("failed to read KMS response").WithCause(err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.NewCryptoUnavailableError("malformed KMS response").WithCause(err)
	}
	return nil
}

// Sign delegates hash signing to the KMS
func (c *KMSClient) Sign(ctx context.Context, hash string) (Signature, error) {
	var resp kmsSignResponse
	err := c.post(ctx, "/v1/sign", kmsSignRequest{KeyID: c.cfg.SigningKey, Payload: hash}, &resp)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Value: resp.Signature, Algorithm: resp.Algorithm, KeyID: resp.KeyID}, nil
}

// Verify checks a KMS-produced signature
func (c *KMSClient) Verify(ctx context.Context, hash string, sig Signature) (bool, error) {
	keyID := sig.KeyID
	if keyID == "" {
		keyID = c.cfg.SigningKey
	}
	var resp kmsVerifyResponse
	err := c.post(ctx, "/v1/verify", kmsVerifyRequest{
		KeyID: keyID, Payload: hash, Signature: sig.Value,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// Encrypt seals plaintext under the configured encryption key. Used for
// pseudonym originals, which are never stored in the clear.
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	var resp kmsCipherResponse
	err := c.post(ctx, "/v1/encrypt", kmsCipherRequest{
		KeyID:     c.cfg.EncryptionKey,
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
	}, &resp)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(resp.Ciphertext)
	if err != nil {
		return nil, errors.NewCryptoUnavailableError("KMS returned malformed ciphertext").WithCause(err)
	}
	return ciphertext, nil
}

// Decrypt opens KMS-sealed ciphertext
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	var resp kmsCipherResponse
	err := c.post(ctx, "/v1/decrypt", kmsCipherRequest{
		KeyID:      c.cfg.EncryptionKey,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, &resp)
	if err != nil {
		return nil, err
	}
	plaintext, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		return nil, errors.NewCryptoUnavailableError("KMS returned malformed plaintext").WithCause(err)
	}
	return plaintext, nil
}

// Ping probes KMS availability for health checks
func (c *KMSClient) Ping(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewCryptoUnavailableError("KMS health probe failed").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.NewCryptoUnavailableError(
			fmt.Sprintf("KMS health probe returned %d", resp.StatusCode))
	}
	return nil
}
