package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/alerting"
	"github.com/davidleathers/compliant-audit-pipeline/internal/crypto"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/compliant-audit-pipeline/internal/metrics"
	"github.com/davidleathers/compliant-audit-pipeline/internal/reliability"
	"github.com/davidleathers/compliant-audit-pipeline/internal/validation"
)

// JobBroker is the broker surface the processor drains
type JobBroker interface {
	Claim(ctx context.Context, visibility time.Duration) (*audit.QueueJob, error)
	Ack(ctx context.Context, job *audit.QueueJob) error
	Release(ctx context.Context, job *audit.QueueJob, nextEligibleAt time.Time) error
	Drop(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (int64, error)
}

// DLQ parks terminally failed jobs
type DLQ interface {
	Park(ctx context.Context, record *audit.DeadLetterRecord) error
}

// ProcessorConfig bounds the worker pool
type ProcessorConfig struct {
	Workers    int
	Visibility time.Duration

	// MaxAttempts counts broker-level deliveries of one job; past it the
	// job parks in the DLQ
	MaxAttempts int

	// IdleSleep paces the claim loop when the queue is empty
	IdleSleep time.Duration

	// BreakerBackoff paces the claim loop while the circuit is open
	BreakerBackoff time.Duration

	// JobTimeout bounds one job's processing
	JobTimeout time.Duration

	// Compliance overlays re-applied on the worker side
	Compliance []string

	// Policy overrides the in-process retry schedule; zero value means
	// reliability.DefaultPolicy
	Policy reliability.Policy

	// Breaker tunes the storage circuit breaker
	Breaker reliability.BreakerConfig
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 250 * time.Millisecond
	}
	if c.BreakerBackoff <= 0 {
		c.BreakerBackoff = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = c.Visibility
	}
	return c
}

// Processor is the worker pool draining the broker into storage.
// Delivery is at least once; the storage unique constraint makes the
// trail effectively exactly-once.
type Processor struct {
	broker    JobBroker
	validator *validation.Validator
	sealer    *crypto.Sealer
	events    audit.EventRepository
	dlq       DLQ
	alerts    *alerting.Manager
	metrics   *metrics.Registry
	executor  *reliability.Executor
	breaker   *reliability.CircuitBreaker
	policy    reliability.Policy
	logger    *zap.Logger
	cfg       ProcessorConfig

	stop     chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup
}

// NewProcessor wires the worker pool. alerts and registry may be nil.
func NewProcessor(broker JobBroker, validator *validation.Validator, sealer *crypto.Sealer, events audit.EventRepository, dlq DLQ, alerts *alerting.Manager, registry *metrics.Registry, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	cfg = cfg.withDefaults()
	policy := cfg.Policy
	if policy.MaxAttempts <= 0 {
		policy = reliability.DefaultPolicy()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg.Name = "audit-storage"
	}
	breaker := reliability.NewCircuitBreaker(breakerCfg, logger)

	return &Processor{
		broker:    broker,
		validator: validator,
		sealer:    sealer,
		events:    events,
		dlq:       dlq,
		alerts:    alerts,
		metrics:   registry,
		executor:  reliability.NewExecutor(policy, breaker, reliability.ClassifyStrict, logger),
		breaker:   breaker,
		policy:    policy,
		logger:    logger,
		cfg:       cfg,
		stop:      make(chan struct{}),
	}
}

// Start launches the workers and the depth gauge poller
func (p *Processor) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}
	p.workers.Add(1)
	go p.pollDepth()
	p.logger.Info("processor started", zap.Int("workers", p.cfg.Workers))
}

// Stop halts claiming and waits for in-flight jobs until ctx expires.
// Unacknowledged jobs revert at broker visibility expiry.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.breaker.Close()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) worker(id int) {
	defer p.workers.Done()
	log := p.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		// Allow is a readiness peek only; claiming the half-open probe
		// slot is left to the executor inside handle
		if !p.breaker.Allow() {
			p.sleep(p.cfg.BreakerBackoff)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
		job, err := p.broker.Claim(ctx, p.cfg.Visibility)
		if err != nil {
			cancel()
			log.Warn("claim failed", zap.Error(err))
			p.sleep(p.cfg.IdleSleep)
			continue
		}
		if job == nil {
			cancel()
			p.sleep(p.cfg.IdleSleep)
			continue
		}

		p.handle(ctx, log, job)
		cancel()
	}
}

// handle runs one claimed job to its outcome: ack, release, or park
func (p *Processor) handle(ctx context.Context, log *zap.Logger, job *audit.QueueJob) {
	ctx, span := tracer.Start(ctx, "audit.process")
	span.SetAttributes(
		attribute.String("audit.job_id", job.JobID),
		attribute.Int("audit.attempts", job.Meta.Attempts),
	)
	defer span.End()

	start := time.Now()

	if job.Event == nil {
		p.park(ctx, log, job, errors.NewValidationError("MISSING_EVENT", "job carries no event"))
		return
	}
	org := job.Event.OrganizationID

	// Defense in depth: producers validate, but the broker accepts any
	// well-formed payload
	res := p.validator.ValidateAndSanitize(job.Event, p.cfg.Compliance...)
	if !res.Valid() {
		if p.metrics != nil {
			p.metrics.RecordValidationFailure(ctx, org, res.Errors[0].Code)
		}
		p.park(ctx, log, job, validationError(res))
		return
	}

	if job.Event.Hash != "" && !p.sealer.VerifyHash(job.Event, job.Event.Hash) {
		if p.metrics != nil {
			p.metrics.RecordIntegrityFailure(ctx, org, "hash_mismatch")
		}
		p.raiseIntegrityAlert(ctx, job)
		p.park(ctx, log, job,
			errors.NewIntegrityError(fmt.Sprintf("stored hash does not match event %s", job.Event.ID)))
		return
	}

	err := p.executor.Do(ctx, "persist-event", func(ctx context.Context) error {
		_, insertErr := p.events.Insert(ctx, job.Event)
		if errors.IsType(insertErr, errors.ErrorTypeDuplicate) {
			// At-least-once delivery replayed the job; the trail already
			// holds the event
			if p.metrics != nil {
				p.metrics.RecordDuplicate(ctx, org)
			}
			return nil
		}
		return insertErr
	})

	latency := float64(time.Since(start).Milliseconds())
	if err == nil {
		if ackErr := p.broker.Ack(ctx, job); ackErr != nil {
			log.Warn("ack failed, job will redeliver", zap.String("job", job.JobID), zap.Error(ackErr))
		}
		if p.metrics != nil {
			p.metrics.RecordProcessed(ctx, latency, org, true)
		}
		return
	}

	if p.metrics != nil {
		p.metrics.RecordProcessed(ctx, latency, org, false)
	}

	switch {
	case errors.IsType(err, errors.ErrorTypeCircuitOpen):
		// Not a real attempt; hand the job back for when the circuit
		// recovers
		if relErr := p.broker.Release(ctx, job, time.Now().UTC().Add(p.cfg.BreakerBackoff)); relErr != nil {
			log.Warn("release failed", zap.String("job", job.JobID), zap.Error(relErr))
		}

	case errors.IsType(err, errors.ErrorTypeRetryExhausted) && job.Meta.Attempts+1 < p.cfg.MaxAttempts:
		job.Meta.Attempts++
		job.Meta.LastError = err.Error()
		delay := p.policy.Delay(job.Meta.Attempts)
		if p.metrics != nil {
			p.metrics.RecordRetry(ctx, "persist")
		}
		log.Info("releasing job for retry",
			zap.String("job", job.JobID),
			zap.Int("attempts", job.Meta.Attempts),
			zap.Duration("backoff", delay))
		if relErr := p.broker.Release(ctx, job, time.Now().UTC().Add(delay)); relErr != nil {
			log.Warn("release failed", zap.String("job", job.JobID), zap.Error(relErr))
		}

	default:
		p.park(ctx, log, job, err)
	}
}

// park moves a terminally failed job to the DLQ and drops it from the
// broker
func (p *Processor) park(ctx context.Context, log *zap.Logger, job *audit.QueueJob, terminal error) {
	job.Meta.Attempts++
	code := errors.Code(terminal)
	record := &audit.DeadLetterRecord{
		Job:           job,
		FailedAt:      time.Now().UTC(),
		TerminalError: terminal.Error(),
		TerminalCode:  code,
		RetryHistory: []audit.RetryAttempt{{
			Attempt:   job.Meta.Attempts,
			At:        time.Now().UTC(),
			Error:     terminal.Error(),
			ErrorCode: code,
		}},
	}

	if err := p.dlq.Park(ctx, record); err != nil {
		// Leave the job invisible; it redelivers after the visibility
		// window and parking is retried then
		log.Error("DLQ park failed, job will redeliver",
			zap.String("job", job.JobID), zap.Error(err))
		return
	}
	if err := p.broker.Drop(ctx, job.JobID); err != nil {
		log.Warn("drop after park failed", zap.String("job", job.JobID), zap.Error(err))
	}

	org := record.OrganizationID()
	if p.metrics != nil {
		p.metrics.RecordDLQPark(ctx, org, code)
	}
	if p.alerts != nil {
		_, err := p.alerts.Raise(ctx, audit.SeverityCritical, "pipeline",
			"audit job parked in dead-letter queue",
			fmt.Sprintf("job %s failed terminally: %s", job.JobID, terminal.Error()))
		if err != nil {
			log.Error("failed to raise DLQ alert", zap.Error(err))
		}
	}
	log.Error("job parked in DLQ",
		zap.String("job", job.JobID),
		zap.String("code", code),
		zap.Int("attempts", job.Meta.Attempts))
}

func (p *Processor) raiseIntegrityAlert(ctx context.Context, job *audit.QueueJob) {
	if p.alerts == nil {
		return
	}
	_, err := p.alerts.Raise(ctx, audit.SeverityCritical, "integrity",
		"tampered event detected in pipeline",
		fmt.Sprintf("event %s failed hash verification before storage", job.Event.ID))
	if err != nil {
		p.logger.Error("failed to raise integrity alert", zap.Error(err))
	}
}

func (p *Processor) pollDepth() {
	defer p.workers.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			depth, err := p.broker.Depth(ctx)
			cancel()
			if err != nil {
				continue
			}
			if p.metrics != nil {
				p.metrics.SetQueueDepth(depth)
			}
		}
	}
}

func (p *Processor) sleep(d time.Duration) {
	select {
	case <-p.stop:
	case <-time.After(d):
	}
}
