package logging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrBufferFull signals backpressure: the queue is above its high-water
// mark and the caller must decide whether to drop, degrade, or fail.
var ErrBufferFull = errors.New("log buffer full")

// ErrClosed is returned after Close
var ErrClosed = errors.New("logger closed")

// BatchConfig tunes the async batch pipeline
type BatchConfig struct {
	// QueueSize is the bounded queue capacity
	QueueSize int
	// HighWaterMark rejects enqueues once queue depth reaches it.
	// Defaults to QueueSize.
	HighWaterMark int
	// MaxBatchSize flushes a batch as soon as it is this large
	MaxBatchSize int
	// FlushInterval flushes partial batches on this cadence
	FlushInterval time.Duration
	// CloseTimeout caps the drain during Close
	CloseTimeout time.Duration
	// Workers consume and flush batches concurrently
	Workers int
}

// DefaultBatchConfig mirrors the production defaults
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		QueueSize:     10000,
		MaxBatchSize:  100,
		FlushInterval: 500 * time.Millisecond,
		CloseTimeout:  5 * time.Second,
		Workers:       2,
	}
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > c.QueueSize {
		c.HighWaterMark = c.QueueSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

// BatchStats snapshots pipeline counters
type BatchStats struct {
	Enqueued  int64
	Rejected  int64
	Delivered int64
	Dropped   int64
	Depth     int
}

// BatchLogger is the single-producer/multi-consumer batched sink. Log
// calls never block: above the high-water mark they fail with
// ErrBufferFull instead of queuing.
type BatchLogger struct {
	cfg        BatchConfig
	transports []Transport
	fallback   *zap.Logger

	queue  chan Entry
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	enqueued  atomic.Int64
	rejected  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBatchLogger starts the consumer workers. fallback receives drop
// diagnostics when every transport fails; it may be nil.
func NewBatchLogger(cfg BatchConfig, fallback *zap.Logger, transports ...Transport) *BatchLogger {
	cfg = cfg.withDefaults()
	if fallback == nil {
		fallback = zap.NewNop()
	}
	bl := &BatchLogger{
		cfg:        cfg,
		transports: transports,
		fallback:   fallback,
		queue:      make(chan Entry, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		bl.wg.Add(1)
		go bl.consume()
	}
	return bl
}

// Log enqueues one entry, folding the context's propagated IDs into its
// fields. Non-blocking.
func (bl *BatchLogger) Log(ctx context.Context, level zapcore.Level, msg string, fields ...zap.Field) error {
	if bl.closed.Load() {
		return ErrClosed
	}
	if len(bl.queue) >= bl.cfg.HighWaterMark {
		bl.rejected.Add(1)
		return ErrBufferFull
	}

	entry := Entry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: msg,
		Fields:  append(ContextFields(ctx), fields...),
	}
	select {
	case bl.queue <- entry:
		bl.enqueued.Add(1)
		return nil
	default:
		bl.rejected.Add(1)
		return ErrBufferFull
	}
}

// Debug enqueues at debug level
func (bl *BatchLogger) Debug(ctx context.Context, msg string, fields ...zap.Field) error {
	return bl.Log(ctx, zapcore.DebugLevel, msg, fields...)
}

// Info enqueues at info level
func (bl *BatchLogger) Info(ctx context.Context, msg string, fields ...zap.Field) error {
	return bl.Log(ctx, zapcore.InfoLevel, msg, fields...)
}

// Warn enqueues at warn level
func (bl *BatchLogger) Warn(ctx context.Context, msg string, fields ...zap.Field) error {
	return bl.Log(ctx, zapcore.WarnLevel, msg, fields...)
}

// Error enqueues at error level
func (bl *BatchLogger) Error(ctx context.Context, msg string, fields ...zap.Field) error {
	return bl.Log(ctx, zapcore.ErrorLevel, msg, fields...)
}

// Stats snapshots the pipeline counters
func (bl *BatchLogger) Stats() BatchStats {
	return BatchStats{
		Enqueued:  bl.enqueued.Load(),
		Rejected:  bl.rejected.Load(),
		Delivered: bl.delivered.Load(),
		Dropped:   bl.dropped.Load(),
		Depth:     len(bl.queue),
	}
}

// Close stops intake, drains outstanding batches within the close
// timeout, then closes the transports.
func (bl *BatchLogger) Close(ctx context.Context) error {
	if !bl.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(bl.done)

	drained := make(chan struct{})
	go func() {
		bl.wg.Wait()
		close(drained)
	}()

	deadline := time.NewTimer(bl.cfg.CloseTimeout)
	defer deadline.Stop()

	var drainErr error
	select {
	case <-drained:
	case <-deadline.C:
		drainErr = context.DeadlineExceeded
	case <-ctx.Done():
		drainErr = ctx.Err()
	}

	for _, t := range bl.transports {
		if err := t.Close(); err != nil && drainErr == nil {
			drainErr = err
		}
	}
	return drainErr
}

func (bl *BatchLogger) consume() {
	defer bl.wg.Done()

	batch := make([]Entry, 0, bl.cfg.MaxBatchSize)
	ticker := time.NewTicker(bl.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		bl.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-bl.queue:
			batch = append(batch, e)
			if len(batch) >= bl.cfg.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-bl.done:
			// drain whatever is still queued, then exit
			for {
				select {
				case e := <-bl.queue:
					batch = append(batch, e)
					if len(batch) >= bl.cfg.MaxBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver fans one batch out to every transport. A batch counts as
// delivered when at least one transport accepts it.
func (bl *BatchLogger) deliver(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), bl.cfg.FlushInterval*4)
	defer cancel()

	accepted := false
	for _, t := range bl.transports {
		if err := t.Send(ctx, batch); err != nil {
			bl.fallback.Warn("log transport rejected batch",
				zap.String("transport", t.Name()),
				zap.Int("entries", len(batch)),
				zap.Error(err),
			)
			continue
		}
		accepted = true
	}
	if accepted {
		bl.delivered.Add(int64(len(batch)))
	} else {
		bl.dropped.Add(int64(len(batch)))
	}
}
