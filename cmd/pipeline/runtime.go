package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/alerting"
	"github.com/davidleathers/compliant-audit-pipeline/internal/crypto"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/compliant-audit-pipeline/internal/gdpr"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/archive"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/cache"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/config"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/database"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/telemetry"
	"github.com/davidleathers/compliant-audit-pipeline/internal/logging"
	"github.com/davidleathers/compliant-audit-pipeline/internal/metrics"
	"github.com/davidleathers/compliant-audit-pipeline/internal/pipeline"
	"github.com/davidleathers/compliant-audit-pipeline/internal/queue"
	"github.com/davidleathers/compliant-audit-pipeline/internal/reports"
	"github.com/davidleathers/compliant-audit-pipeline/internal/storage"
	"github.com/davidleathers/compliant-audit-pipeline/internal/validation"
)

// Runtime owns every long-lived component of the daemon and tears them
// down in reverse dependency order.
type Runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	auditLog *logging.BatchLogger

	telemetry *telemetry.Provider
	pool      *database.ConnectionPool
	redis     *redis.Client
	broker    *queue.Broker
	coldStore *archive.ColdStore
	kms       *crypto.KMSClient

	producer  *pipeline.Producer
	processor *pipeline.Processor
	alerts    *alerting.Manager
	health    *alerting.HealthChecker
	retention *gdpr.RetentionJob
	scheduler *reports.Scheduler
	registry  *metrics.Registry
	httpSrv   *http.Server

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRuntime wires the full pipeline from configuration. It fails fast
// on missing crypto material: a compliance daemon without a seal or a
// pseudonym salt has nothing useful to do.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	r := &Runtime{cfg: cfg, logger: logger, stop: make(chan struct{})}

	ok := false
	defer func() {
		if !ok {
			r.closeInfra()
		}
	}()

	variant := logging.VariantDevelopment
	if cfg.Production() {
		variant = logging.VariantProduction
	}
	r.auditLog = logging.NewAuditSink(variant, logging.BatchConfig{
		QueueSize:     cfg.Logging.QueueSize,
		MaxBatchSize:  cfg.Logging.BatchSize,
		FlushInterval: cfg.Logging.FlushInterval,
	}, logger)

	provider, err := telemetry.Init(ctx, &telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   1.0,
		ExportTimeout:  30 * time.Second,
		ExportInterval: 10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	r.telemetry = provider

	registry, err := metrics.NewRegistry(cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, err
	}
	r.registry = registry

	r.pool, err = database.NewConnectionPool(ctx, database.Config{
		URL:               cfg.Database.URL,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	r.redis, err = cache.NewClient(ctx, &cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	r.broker = queue.NewBroker(r.redis, queue.BrokerConfig{
		QueueName:         cfg.Queue.Name,
		RemoveOnComplete:  cfg.Queue.RemoveOnComplete,
		DefaultVisibility: cfg.Queue.Visibility,
	}, logger)

	sealer, cipher, err := r.buildCrypto()
	if err != nil {
		return nil, err
	}

	events := storage.NewEventRepository(r.pool.Pool(), sealer, logger)
	integrityLog := storage.NewIntegrityLogRepository(r.pool.Pool())
	dlq := storage.NewDLQRepository(r.pool.Pool())
	alertRepo := storage.NewAlertRepository(r.pool.Pool())
	reportRepo := storage.NewReportRepository(r.pool.Pool())
	presets := cache.NewPresetCache(storage.NewPresetRepository(r.pool.Pool()), r.redis, logger)
	pseudonyms := cache.NewPseudonymCache(storage.NewPseudonymRepository(r.pool.Pool()), r.redis, logger)

	validator := validation.New(validation.DefaultConfig())
	r.producer = pipeline.NewProducer(validator, sealer, r.broker, presets, registry, logger)

	auditor := gdpr.AuditorFunc(func(ctx context.Context, ev *audit.Event) error {
		return r.producer.Log(ctx, ev, nil)
	})

	r.alerts = alerting.NewManager(alertRepo, logger, func(ctx context.Context, action string, alert *audit.Alert) {
		ev := audit.New(action, audit.StatusSuccess)
		ev.TargetResourceType = "Alert"
		ev.TargetResourceID = alert.ID
		ev.OutcomeDescription = alert.Title
		if err := r.producer.LogSystem(ctx, ev, nil); err != nil {
			r.auditLog.Error(ctx, "alert audit emit failed",
				zap.String("alert", alert.ID), zap.Error(err))
		}
	})

	r.processor = pipeline.NewProcessor(r.broker, validator, sealer, events, dlq,
		r.alerts, registry, pipeline.ProcessorConfig{
			Workers:     cfg.Queue.Workers,
			Visibility:  cfg.Queue.Visibility,
			MaxAttempts: cfg.Queue.MaxAttempts,
		}, logger)

	if cfg.GDPR.PseudonymSalt == "" {
		return nil, errors.NewConfigError("GDPR_PSEUDONYM_SALT is required")
	}
	pseudonymizer, err := gdpr.NewPseudonymizer(pseudonyms, cipher,
		[]byte(cfg.GDPR.PseudonymSalt), logger)
	if err != nil {
		return nil, err
	}

	if cfg.Archive.URL != "" {
		r.coldStore, err = archive.NewColdStore(ctx, cfg.Archive.URL, logger)
		if err != nil {
			return nil, err
		}
	}
	var archiver gdpr.Archiver
	if r.coldStore != nil {
		archiver = r.coldStore
	}
	r.retention = gdpr.NewRetentionJob(audit.NewRetentionRegistry(), events,
		archiver, pseudonymizer, auditor, logger)

	generator := reports.NewGenerator(events, integrityLog, logger)
	r.scheduler = reports.NewScheduler(reportRepo, generator, nil, auditor, logger)

	r.health = alerting.NewHealthChecker(r.alerts, logger,
		cfg.Alerting.HealthCheckPeriod, r.probes()...)

	r.httpSrv = &http.Server{
		Addr:              cfg.Telemetry.MetricsAddr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ok = true
	return r, nil
}

func (r *Runtime) buildCrypto() (*crypto.Sealer, gdpr.Cipher, error) {
	switch r.cfg.Crypto.Mode {
	case "kms":
		client, err := crypto.NewKMSClient(crypto.KMSConfig{
			BaseURL:       r.cfg.KMS.BaseURL,
			AccessToken:   r.cfg.KMS.AccessToken,
			EncryptionKey: r.cfg.KMS.EncryptionKey,
			SigningKey:    r.cfg.KMS.SigningKey,
			Timeout:       r.cfg.KMS.Timeout,
		}, r.logger)
		if err != nil {
			return nil, nil, err
		}
		r.kms = client
		sealer, err := crypto.NewSealer(crypto.ModeKMS, client)
		if err != nil {
			return nil, nil, err
		}
		return sealer, client, nil

	default:
		if r.cfg.Crypto.Secret == "" {
			return nil, nil, errors.NewConfigError("AUDIT_CRYPTO_SECRET is required in local signing mode")
		}
		ring, err := crypto.SingleKeyring(r.cfg.Crypto.KeyID, []byte(r.cfg.Crypto.Secret))
		if err != nil {
			return nil, nil, err
		}
		signer, err := crypto.NewHMACSigner(ring)
		if err != nil {
			return nil, nil, err
		}
		sealer, err := crypto.NewSealer(crypto.ModeLocal, signer)
		if err != nil {
			return nil, nil, err
		}
		cipher, err := crypto.NewLocalCipher([]byte(r.cfg.Crypto.Secret))
		if err != nil {
			return nil, nil, err
		}
		return sealer, cipher, nil
	}
}

func (r *Runtime) probes() []alerting.Probe {
	probes := []alerting.Probe{
		{
			Name:     "database",
			Severity: audit.SeverityCritical,
			Check:    r.pool.Ping,
		},
		{
			Name:     "broker",
			Severity: audit.SeverityCritical,
			Check:    r.broker.Ping,
		},
	}
	if r.kms != nil {
		probes = append(probes, alerting.Probe{
			Name:     "kms",
			Severity: audit.SeverityHigh,
			Check:    r.kms.Ping,
		})
	}
	return probes
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		healthy := r.health.Healthy() && r.pool.Healthy()
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy})
	})
	return mux
}

// Start launches the workers, background jobs, and HTTP listener
func (r *Runtime) Start() {
	r.processor.Start()
	r.retention.Start(r.cfg.Retention.Interval)
	r.scheduler.Start(r.cfg.Reports.PollInterval)
	r.health.Start()
	go r.pollPoolStats()

	go func() {
		r.logger.Info("serving metrics and health", zap.String("addr", r.httpSrv.Addr))
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", zap.Error(err))
		}
	}()

	r.auditLog.Info(context.Background(), "pipeline started",
		zap.Int("workers", r.cfg.Queue.Workers),
		zap.String("queue", r.cfg.Queue.Name))
}

func (r *Runtime) pollPoolStats() {
	pool := r.pool
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.registry.SetDBPoolSize(int64(pool.Stat().TotalConns()))
		}
	}
}

// Shutdown drains in reverse order: stop intake-side loops, wait for
// in-flight jobs, then close infrastructure
func (r *Runtime) Shutdown(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stop) })
	r.health.Stop()
	r.scheduler.Stop()
	r.retention.Stop()

	if err := r.httpSrv.Shutdown(ctx); err != nil {
		r.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := r.processor.Stop(ctx); err != nil {
		r.logger.Warn("processor did not drain before deadline", zap.Error(err))
	}

	r.auditLog.Info(ctx, "pipeline stopped")
	r.closeInfra()
	if err := r.auditLog.Close(ctx); err != nil {
		r.logger.Warn("audit log close", zap.Error(err))
	}
}

func (r *Runtime) closeInfra() {
	if r.coldStore != nil {
		r.coldStore.Close()
		r.coldStore = nil
	}
	if r.redis != nil {
		r.redis.Close()
		r.redis = nil
	}
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Warn("telemetry shutdown", zap.Error(err))
		}
		cancel()
		r.telemetry = nil
	}
}
