// Command pipeline runs the audit ingestion daemon: queue workers,
// retention, scheduled reports, health probes, and the metrics
// endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/config"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/database"
	"github.com/davidleathers/compliant-audit-pipeline/internal/logging"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to configuration file")
		migrate       = flag.Bool("migrate", false, "run database migrations and exit")
		migrationsDir = flag.String("migrations", "migrations", "path to migration files")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	if *migrate {
		if err := database.MigrateUp(cfg.Database.URL, *migrationsDir, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied")
		return
	}

	ctx := context.Background()
	runtime, err := NewRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build runtime", zap.Error(err))
	}
	runtime.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("shutting down", zap.String("signal", received.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runtime.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	variant := logging.VariantDevelopment
	if cfg.Production() {
		variant = logging.VariantProduction
	}
	return logging.NewLogger(variant, level)
}
