package logging

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Entry is one queued log record
type Entry struct {
	Time    time.Time
	Level   zapcore.Level
	Message string
	Fields  []zap.Field
}

// Transport delivers batches of entries to a destination
type Transport interface {
	Name() string
	Send(ctx context.Context, batch []Entry) error
	Close() error
}

// ZapTransport writes batches through a zap core. It backs the console
// variants and doubles as the test sink via zap observers.
type ZapTransport struct {
	name   string
	logger *zap.Logger
}

// NewZapTransport wraps an existing zap logger as a batch destination
func NewZapTransport(name string, logger *zap.Logger) *ZapTransport {
	return &ZapTransport{name: name, logger: logger}
}

// NewConsoleTransport builds a stdout console transport
func NewConsoleTransport(level zapcore.Level) *ZapTransport {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		level,
	)
	return &ZapTransport{name: "console", logger: zap.New(core)}
}

func (t *ZapTransport) Name() string { return t.name }

func (t *ZapTransport) Send(_ context.Context, batch []Entry) error {
	for _, e := range batch {
		if ce := t.logger.Check(e.Level, e.Message); ce != nil {
			ce.Time = e.Time
			ce.Write(e.Fields...)
		}
	}
	return nil
}

func (t *ZapTransport) Close() error { return t.logger.Sync() }

// BreakerTransport wraps a transport in a circuit breaker so a failing
// destination cannot stall the batch pipeline.
type BreakerTransport struct {
	inner Transport
	cb    *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the transport breaker
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// NewBreakerTransport wraps inner with a gobreaker circuit
func NewBreakerTransport(inner Transport, settings BreakerSettings, logger *zap.Logger) *BreakerTransport {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("log transport breaker state change",
					zap.String("transport", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
		},
	})
	return &BreakerTransport{inner: inner, cb: cb}
}

func (t *BreakerTransport) Name() string { return t.inner.Name() }

func (t *BreakerTransport) Send(ctx context.Context, batch []Entry) error {
	_, err := t.cb.Execute(func() (interface{}, error) {
		return nil, t.inner.Send(ctx, batch)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("transport %s circuit open: %w", t.inner.Name(), err)
	}
	return err
}

func (t *BreakerTransport) Close() error { return t.inner.Close() }

// State exposes the breaker state for health reporting
func (t *BreakerTransport) State() gobreaker.State { return t.cb.State() }
