package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

// Key prefixes for cache entries
const (
	presetPrefix          = "cap:preset:"
	pseudonymDigestPrefix = "cap:pseudonym:digest:"
	pseudonymIDPrefix     = "cap:pseudonym:id:"
)

// TTL values. Presets change rarely but are administrator-editable;
// pseudonym mappings are immutable once minted.
const (
	PresetTTL    = 5 * time.Minute
	PseudonymTTL = time.Hour
)

var (
	_ audit.PresetRepository    = (*PresetCache)(nil)
	_ audit.PseudonymRepository = (*PseudonymCache)(nil)
)

// PresetCache is a read-through cache over a PresetRepository. Cache
// failures degrade to the backing store, never to an error.
type PresetCache struct {
	inner  audit.PresetRepository
	client *redis.Client
	logger *zap.Logger
}

// NewPresetCache wraps repo with a Redis read-through layer
func NewPresetCache(repo audit.PresetRepository, client *redis.Client, logger *zap.Logger) *PresetCache {
	return &PresetCache{inner: repo, client: client, logger: logger}
}

func (c *PresetCache) Get(ctx context.Context, name string) (*audit.Preset, error) {
	key := presetPrefix + name
	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var preset audit.Preset
		if err := json.Unmarshal(data, &preset); err == nil {
			return &preset, nil
		}
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.Warn("preset cache read failed", zap.String("preset", name), zap.Error(err))
	}

	preset, err := c.inner.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, preset, PresetTTL)
	return preset, nil
}

func (c *PresetCache) List(ctx context.Context) ([]*audit.Preset, error) {
	return c.inner.List(ctx)
}

// Save writes through and invalidates so the next Get observes the
// update immediately rather than at TTL expiry
func (c *PresetCache) Save(ctx context.Context, preset *audit.Preset) error {
	if err := c.inner.Save(ctx, preset); err != nil {
		return err
	}
	if err := c.client.Del(ctx, presetPrefix+preset.Name).Err(); err != nil {
		c.logger.Warn("preset cache invalidation failed",
			zap.String("preset", preset.Name), zap.Error(err))
	}
	return nil
}

func (c *PresetCache) store(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// PseudonymCache caches pseudonym mapping lookups. Mappings never
// change after creation, so entries need no invalidation, only a TTL
// to bound memory.
type PseudonymCache struct {
	inner  audit.PseudonymRepository
	client *redis.Client
	logger *zap.Logger
}

// cachedMapping is the cache wire form. The mapping's own JSON tags
// strip the at-rest fields for subject exports, so the cache carries
// them explicitly. The KMS-sealed ciphertext is safe to cache; the
// plaintext OriginalID is not and never leaves process memory.
type cachedMapping struct {
	PseudonymID       string                  `json:"pseudonymId"`
	Strategy          audit.PseudonymStrategy `json:"strategy"`
	CreatedAt         time.Time               `json:"createdAt"`
	EncryptedOriginal []byte                  `json:"encryptedOriginal"`
	OriginalDigest    string                  `json:"originalDigest,omitempty"`
}

func toCached(m *audit.PseudonymMapping) *cachedMapping {
	return &cachedMapping{
		PseudonymID:       m.PseudonymID,
		Strategy:          m.Strategy,
		CreatedAt:         m.CreatedAt,
		EncryptedOriginal: m.EncryptedOriginal,
		OriginalDigest:    m.OriginalDigest,
	}
}

func (c *cachedMapping) mapping() *audit.PseudonymMapping {
	return &audit.PseudonymMapping{
		PseudonymID:       c.PseudonymID,
		Strategy:          c.Strategy,
		CreatedAt:         c.CreatedAt,
		EncryptedOriginal: c.EncryptedOriginal,
		OriginalDigest:    c.OriginalDigest,
	}
}

// NewPseudonymCache wraps repo with a Redis read-through layer
func NewPseudonymCache(repo audit.PseudonymRepository, client *redis.Client, logger *zap.Logger) *PseudonymCache {
	return &PseudonymCache{inner: repo, client: client, logger: logger}
}

// Create writes through and primes both lookup keys
func (c *PseudonymCache) Create(ctx context.Context, mapping *audit.PseudonymMapping) error {
	if err := c.inner.Create(ctx, mapping); err != nil {
		return err
	}
	c.prime(ctx, mapping)
	return nil
}

func (c *PseudonymCache) FindByOriginalDigest(ctx context.Context, digest string) (*audit.PseudonymMapping, error) {
	if m := c.lookup(ctx, pseudonymDigestPrefix+digest); m != nil {
		return m, nil
	}
	mapping, err := c.inner.FindByOriginalDigest(ctx, digest)
	if err != nil {
		return nil, err
	}
	c.prime(ctx, mapping)
	return mapping, nil
}

func (c *PseudonymCache) FindByPseudonym(ctx context.Context, pseudonymID string) (*audit.PseudonymMapping, error) {
	if m := c.lookup(ctx, pseudonymIDPrefix+pseudonymID); m != nil {
		return m, nil
	}
	mapping, err := c.inner.FindByPseudonym(ctx, pseudonymID)
	if err != nil {
		return nil, err
	}
	c.prime(ctx, mapping)
	return mapping, nil
}

func (c *PseudonymCache) lookup(ctx context.Context, key string) *audit.PseudonymMapping {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("pseudonym cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	var cached cachedMapping
	if err := json.Unmarshal(data, &cached); err != nil {
		c.client.Del(ctx, key)
		return nil
	}
	return cached.mapping()
}

func (c *PseudonymCache) prime(ctx context.Context, mapping *audit.PseudonymMapping) {
	data, err := json.Marshal(toCached(mapping))
	if err != nil {
		return
	}
	pipe := c.client.Pipeline()
	if mapping.OriginalDigest != "" {
		pipe.Set(ctx, pseudonymDigestPrefix+mapping.OriginalDigest, data, PseudonymTTL)
	}
	pipe.Set(ctx, pseudonymIDPrefix+mapping.PseudonymID, data, PseudonymTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("pseudonym cache write failed",
			zap.String("pseudonym", mapping.PseudonymID), zap.Error(err))
	}
}
