package reliability

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// Policy is an exponential backoff schedule with jitter
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFraction spreads the delay uniformly in ±fraction of itself
	JitterFraction float64
}

// DefaultPolicy is the worker-side schedule
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// TransportPolicy is the tighter schedule used by log transports
func TransportPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.10,
	}
}

// Delay computes the backoff before attempt n (1-based), jittered and
// clamped to [0, MaxDelay].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	jitter := 0.0
	if p.JitterFraction > 0 {
		jitter = base * p.JitterFraction * (rand.Float64()*2 - 1)
	}
	delay := base + jitter
	if delay < 0 {
		delay = 0
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Classifier decides whether an error is worth another attempt
type Classifier func(error) bool

// Executor runs operations under a retry policy and a circuit breaker
type Executor struct {
	policy   Policy
	breaker  *CircuitBreaker
	classify Classifier
	logger   *zap.Logger
}

// NewExecutor wires the retry engine. breaker may be nil for callers
// that manage isolation themselves.
func NewExecutor(policy Policy, breaker *CircuitBreaker, classify Classifier, logger *zap.Logger) *Executor {
	if classify == nil {
		classify = ClassifyLenient
	}
	return &Executor{policy: policy, breaker: breaker, classify: classify, logger: logger}
}

// Do executes op with retries. If the breaker is open at entry the call
// fails fast with CIRCUIT_OPEN. Backoff sleeps honor ctx cancellation.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if e.breaker != nil && !e.breaker.CanExecute() {
			return errors.NewCircuitOpenError(name)
		}

		err := op(ctx)
		if err == nil {
			if e.breaker != nil {
				e.breaker.OnSuccess()
			}
			return nil
		}
		lastErr = err
		if e.breaker != nil {
			e.breaker.OnFailure()
		}

		if !e.classify(err) {
			return err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		if e.logger != nil {
			e.logger.Debug("retrying operation",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return errors.NewRetryExhaustedError(
		fmt.Sprintf("%s failed after %d attempts", name, e.policy.MaxAttempts)).WithCause(lastErr)
}
