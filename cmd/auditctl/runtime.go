package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/crypto"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/compliant-audit-pipeline/internal/gdpr"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/archive"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/cache"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/config"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/database"
	"github.com/davidleathers/compliant-audit-pipeline/internal/pipeline"
	"github.com/davidleathers/compliant-audit-pipeline/internal/queue"
	"github.com/davidleathers/compliant-audit-pipeline/internal/storage"
	"github.com/davidleathers/compliant-audit-pipeline/internal/validation"
)

// toolRuntime is the CLI's slice of the daemon wiring: repositories,
// crypto, and a producer so operator actions land in the trail like any
// other audit event.
type toolRuntime struct {
	pool  *database.ConnectionPool
	redis *redis.Client

	events        *storage.EventRepository
	integrityLog  *storage.IntegrityLogRepository
	dlq           *storage.DLQRepository
	broker        *queue.Broker
	sealer        *crypto.Sealer
	producer      *pipeline.Producer
	pseudonymizer *gdpr.Pseudonymizer
	engine        *gdpr.Engine
	coldStore     *archive.ColdStore
}

func newToolRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*toolRuntime, error) {
	rt := &toolRuntime{}

	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var err error
	rt.pool, err = database.NewConnectionPool(ctx, database.Config{
		URL:               cfg.Database.URL,
		MaxConns:          4,
		MinConns:          1,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
		HealthCheckPeriod: time.Hour,
	}, logger)
	if err != nil {
		return nil, err
	}

	rt.redis, err = cache.NewClient(ctx, &cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	rt.broker = queue.NewBroker(rt.redis, queue.BrokerConfig{
		QueueName:         cfg.Queue.Name,
		RemoveOnComplete:  cfg.Queue.RemoveOnComplete,
		DefaultVisibility: cfg.Queue.Visibility,
	}, logger)

	rt.integrityLog = storage.NewIntegrityLogRepository(rt.pool.Pool())
	rt.dlq = storage.NewDLQRepository(rt.pool.Pool())
	presets := storage.NewPresetRepository(rt.pool.Pool())
	pseudonyms := cache.NewPseudonymCache(storage.NewPseudonymRepository(rt.pool.Pool()), rt.redis, logger)

	var cipher gdpr.Cipher
	switch cfg.Crypto.Mode {
	case "kms":
		client, err := crypto.NewKMSClient(crypto.KMSConfig{
			BaseURL:       cfg.KMS.BaseURL,
			AccessToken:   cfg.KMS.AccessToken,
			EncryptionKey: cfg.KMS.EncryptionKey,
			SigningKey:    cfg.KMS.SigningKey,
			Timeout:       cfg.KMS.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		rt.sealer, err = crypto.NewSealer(crypto.ModeKMS, client)
		if err != nil {
			return nil, err
		}
		cipher = client
	default:
		if cfg.Crypto.Secret == "" {
			return nil, errors.NewConfigError("AUDIT_CRYPTO_SECRET is required in local signing mode")
		}
		ring, err := crypto.SingleKeyring(cfg.Crypto.KeyID, []byte(cfg.Crypto.Secret))
		if err != nil {
			return nil, err
		}
		signer, err := crypto.NewHMACSigner(ring)
		if err != nil {
			return nil, err
		}
		rt.sealer, err = crypto.NewSealer(crypto.ModeLocal, signer)
		if err != nil {
			return nil, err
		}
		cipher, err = crypto.NewLocalCipher([]byte(cfg.Crypto.Secret))
		if err != nil {
			return nil, err
		}
	}

	rt.events = storage.NewEventRepository(rt.pool.Pool(), rt.sealer, logger)

	validator := validation.New(validation.DefaultConfig())
	rt.producer = pipeline.NewProducer(validator, rt.sealer, rt.broker, presets, nil, logger)

	if cfg.GDPR.PseudonymSalt == "" {
		return nil, errors.NewConfigError("GDPR_PSEUDONYM_SALT is required")
	}
	rt.pseudonymizer, err = gdpr.NewPseudonymizer(pseudonyms, cipher,
		[]byte(cfg.GDPR.PseudonymSalt), logger)
	if err != nil {
		return nil, err
	}
	rt.engine = gdpr.NewEngine(rt.events, rt.pseudonymizer, rt.auditor(), logger)

	if cfg.Archive.URL != "" {
		rt.coldStore, err = archive.NewColdStore(ctx, cfg.Archive.URL, logger)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return rt, nil
}

func (rt *toolRuntime) auditor() gdpr.Auditor {
	return gdpr.AuditorFunc(func(ctx context.Context, ev *audit.Event) error {
		return rt.producer.Log(ctx, ev, nil)
	})
}

func (rt *toolRuntime) archiver() gdpr.Archiver {
	if rt.coldStore == nil {
		return nil
	}
	return rt.coldStore
}

// requeue moves a parked job back onto the queue with a reset attempt
// budget
func (rt *toolRuntime) requeue(ctx context.Context, jobID string) int {
	record, err := rt.dlq.Get(ctx, jobID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			fmt.Fprintf(os.Stderr, "no parked job %q\n", jobID)
			return exitBadInput
		}
		fmt.Fprintf(os.Stderr, "loading parked job: %v\n", err)
		return exitError
	}

	job := record.Job
	job.Meta.Attempts = 0
	job.Meta.LastError = ""
	job.Meta.NextEligibleAt = time.Time{}
	if err := rt.broker.Enqueue(ctx, job); err != nil {
		fmt.Fprintf(os.Stderr, "re-enqueue failed: %v\n", err)
		return exitError
	}
	if err := rt.dlq.Delete(ctx, jobID); err != nil {
		fmt.Fprintf(os.Stderr, "job re-enqueued but still parked in DLQ: %v\n", err)
		return exitPartial
	}
	fmt.Printf("requeued job %s\n", jobID)
	return exitOK
}

func (rt *toolRuntime) Close() {
	if rt.coldStore != nil {
		rt.coldStore.Close()
	}
	if rt.redis != nil {
		rt.redis.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}
