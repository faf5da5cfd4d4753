package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config holds the connection pool settings
type Config struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// DefaultConfig returns the production pool defaults
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		MaxConns:          25,
		MinConns:          2,
		MaxConnLifetime:   30 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
	}
}

// ConnectionPool wraps a pgx pool with periodic health checks
type ConnectionPool struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConnectionPool connects and verifies the primary database
func NewConnectionPool(ctx context.Context, cfg Config, logger *zap.Logger) (*ConnectionPool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	cp := &ConnectionPool{
		pool:      pool,
		logger:    logger,
		healthy:   true,
		lastCheck: time.Now(),
		stop:      make(chan struct{}),
	}
	if cfg.HealthCheckPeriod > 0 {
		go cp.healthCheckLoop(cfg.HealthCheckPeriod)
	}

	logger.Info("database connection pool initialized",
		zap.Int32("max_connections", poolCfg.MaxConns))
	return cp, nil
}

// Pool exposes the underlying pgx pool for repositories
func (cp *ConnectionPool) Pool() *pgxpool.Pool {
	return cp.pool
}

// Healthy reports the last health check result
func (cp *ConnectionPool) Healthy() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.healthy
}

// Ping checks connectivity directly
func (cp *ConnectionPool) Ping(ctx context.Context) error {
	return cp.pool.Ping(ctx)
}

// Stat returns pool statistics for the metrics gauge
func (cp *ConnectionPool) Stat() *pgxpool.Stat {
	return cp.pool.Stat()
}

// Close stops the health checker and drains the pool
func (cp *ConnectionPool) Close() {
	cp.stopOnce.Do(func() { close(cp.stop) })
	cp.pool.Close()
}

func (cp *ConnectionPool) healthCheckLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-cp.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := cp.pool.Ping(ctx)
			cancel()

			cp.mu.Lock()
			wasHealthy := cp.healthy
			cp.healthy = err == nil
			cp.lastCheck = time.Now()
			cp.mu.Unlock()

			if err != nil && wasHealthy {
				cp.logger.Error("database health check failed", zap.Error(err))
			} else if err == nil && !wasHealthy {
				cp.logger.Info("database health restored")
			}
		}
	}
}
