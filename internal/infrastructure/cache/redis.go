// Package cache provides the Redis client factory and read-through
// caches for hot lookup paths: producer presets and pseudonym mappings.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/config"
)

// NewClient builds a Redis client from configuration and verifies
// connectivity. The same client backs both the broker and the caches.
func NewClient(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.NewConfigError("redis URL is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.NewConfigError("parsing redis URL").WithCause(err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.NewBrokerUnavailableError("redis ping failed").WithCause(err)
	}

	logger.Info("redis connected",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB))
	return client, nil
}
