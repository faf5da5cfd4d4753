package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all pipeline metrics
type Registry struct {
	meter metric.Meter

	// Ingestion
	EventsIngested     metric.Int64Counter
	ValidationFailures metric.Int64Counter
	Duplicates         metric.Int64Counter
	IngestThroughput   metric.Float64ObservableGauge

	// Processing
	ProcessingLatency metric.Float64Histogram
	Retries           metric.Int64Counter
	DLQParks          metric.Int64Counter
	QueueDepth        metric.Int64ObservableGauge

	// Integrity and compliance
	IntegrityFailures metric.Int64Counter
	ReportExecutions  metric.Int64Counter
	Pseudonymizations metric.Int64Counter

	// System
	DatabasePoolSize metric.Int64ObservableGauge

	// State for observable metrics
	mu              sync.RWMutex
	queueDepth      int64
	dbPoolSize      int64
	eventsProcessed int64
	lastEventCount  int64
	lastEventTime   time.Time
}

// NewRegistry creates the metrics registry on the named meter
func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{
		meter:         meter,
		lastEventTime: time.Now(),
	}

	if err := r.initIngestionMetrics(); err != nil {
		return nil, err
	}

	if err := r.initProcessingMetrics(); err != nil {
		return nil, err
	}

	if err := r.initComplianceMetrics(); err != nil {
		return nil, err
	}

	if err := r.initSystemMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

// initIngestionMetrics initializes producer-side metrics
func (r *Registry) initIngestionMetrics() error {
	var err error

	r.EventsIngested, err = r.meter.Int64Counter(
		"audit.ingest.events_total",
		metric.WithDescription("Total audit events accepted by the producer"),
	)
	if err != nil {
		return err
	}

	r.ValidationFailures, err = r.meter.Int64Counter(
		"audit.ingest.validation_failure_total",
		metric.WithDescription("Total events rejected by validation"),
	)
	if err != nil {
		return err
	}

	r.Duplicates, err = r.meter.Int64Counter(
		"audit.ingest.duplicate_total",
		metric.WithDescription("Total duplicate events absorbed at the store"),
	)
	if err != nil {
		return err
	}

	r.IngestThroughput, err = r.meter.Float64ObservableGauge(
		"audit.ingest.throughput_per_second",
		metric.WithDescription("Current event ingestion throughput per second"),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()

			now := time.Now()
			elapsed := now.Sub(r.lastEventTime).Seconds()
			if elapsed > 0 {
				rate := float64(r.eventsProcessed-r.lastEventCount) / elapsed
				o.Observe(rate)
				r.lastEventCount = r.eventsProcessed
				r.lastEventTime = now
			}
			return nil
		}),
	)

	return err
}

// initProcessingMetrics initializes worker-side metrics
func (r *Registry) initProcessingMetrics() error {
	var err error

	r.ProcessingLatency, err = r.meter.Float64Histogram(
		"audit.process.latency",
		metric.WithDescription("End-to-end event processing latency in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000, 10000),
	)
	if err != nil {
		return err
	}

	r.Retries, err = r.meter.Int64Counter(
		"audit.process.retry_total",
		metric.WithDescription("Total retry attempts across processing steps"),
	)
	if err != nil {
		return err
	}

	r.DLQParks, err = r.meter.Int64Counter(
		"audit.process.dlq_park_total",
		metric.WithDescription("Total jobs parked to the dead letter queue"),
	)
	if err != nil {
		return err
	}

	r.QueueDepth, err = r.meter.Int64ObservableGauge(
		"audit.process.queue_depth",
		metric.WithDescription("Current depth of the audit event queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.queueDepth)
			return nil
		}),
	)

	return err
}

// initComplianceMetrics initializes integrity and compliance metrics
func (r *Registry) initComplianceMetrics() error {
	var err error

	r.IntegrityFailures, err = r.meter.Int64Counter(
		"audit.integrity.failure_total",
		metric.WithDescription("Total integrity verification failures"),
	)
	if err != nil {
		return err
	}

	r.ReportExecutions, err = r.meter.Int64Counter(
		"audit.report.execution_total",
		metric.WithDescription("Total compliance report executions"),
	)
	if err != nil {
		return err
	}

	r.Pseudonymizations, err = r.meter.Int64Counter(
		"audit.gdpr.pseudonymization_total",
		metric.WithDescription("Total pseudonymization operations"),
	)

	return err
}

// initSystemMetrics initializes system-level metrics
func (r *Registry) initSystemMetrics() error {
	var err error

	r.DatabasePoolSize, err = r.meter.Int64ObservableGauge(
		"audit.system.db_connection_pool_size",
		metric.WithDescription("Current database connection pool size"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.dbPoolSize)
			return nil
		}),
	)

	return err
}

// Helper methods for updating observable metric values

// SetQueueDepth sets the queue depth gauge
func (r *Registry) SetQueueDepth(depth int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueDepth = depth
}

// SetDBPoolSize sets the database connection pool size
func (r *Registry) SetDBPoolSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbPoolSize = size
}

// Helper methods for recording metrics with common attribute patterns

// RecordIngest records one accepted event
func (r *Registry) RecordIngest(ctx context.Context, organizationID, action string) {
	r.EventsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("organization_id", organizationID),
		attribute.String("action", action),
	))

	r.mu.Lock()
	r.eventsProcessed++
	r.mu.Unlock()
}

// RecordValidationFailure records one rejected event
func (r *Registry) RecordValidationFailure(ctx context.Context, organizationID, code string) {
	r.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("organization_id", organizationID),
		attribute.String("code", code),
	))
}

// RecordDuplicate records one absorbed duplicate
func (r *Registry) RecordDuplicate(ctx context.Context, organizationID string) {
	r.Duplicates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("organization_id", organizationID),
	))
}

// RecordProcessed records one fully processed job
func (r *Registry) RecordProcessed(ctx context.Context, latencyMS float64, organizationID string, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("organization_id", organizationID),
		attribute.Bool("success", success),
	}
	r.ProcessingLatency.Record(ctx, latencyMS, metric.WithAttributes(attrs...))
}

// RecordRetry records one retry attempt
func (r *Registry) RecordRetry(ctx context.Context, step string) {
	r.Retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
	))
}

// RecordDLQPark records one parked job
func (r *Registry) RecordDLQPark(ctx context.Context, organizationID, terminalCode string) {
	r.DLQParks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("organization_id", organizationID),
		attribute.String("code", terminalCode),
	))
}

// RecordIntegrityFailure records one verification failure
func (r *Registry) RecordIntegrityFailure(ctx context.Context, organizationID, reason string) {
	r.IntegrityFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("organization_id", organizationID),
		attribute.String("reason", reason),
	))
}

// RecordReportExecution records one report run
func (r *Registry) RecordReportExecution(ctx context.Context, reportType string, success bool) {
	r.ReportExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("report_type", reportType),
		attribute.Bool("success", success),
	))
}

// RecordPseudonymization records one pseudonymization operation
func (r *Registry) RecordPseudonymization(ctx context.Context, strategy string) {
	r.Pseudonymizations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
	))
}
