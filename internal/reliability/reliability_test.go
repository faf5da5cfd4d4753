package reliability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

func TestPolicyDelayBounds(t *testing.T) {
	p := Policy{
		MaxAttempts:    5,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       1 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, p.MaxDelay)
		}
	}

	// Without jitter the schedule is exactly exponential, capped
	exact := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second, Multiplier: 2.0}
	assert.Equal(t, 100*time.Millisecond, exact.Delay(1))
	assert.Equal(t, 200*time.Millisecond, exact.Delay(2))
	assert.Equal(t, 400*time.Millisecond, exact.Delay(3))
	assert.Equal(t, 1*time.Second, exact.Delay(10))
}

func TestClassifyStrict(t *testing.T) {
	retryable := []error{
		fmt.Errorf("read tcp: ECONNRESET"),
		fmt.Errorf("dial tcp: ECONNREFUSED"),
		fmt.Errorf("lookup host: ENOTFOUND"),
		fmt.Errorf("write: EPIPE"),
		fmt.Errorf("socket: EHOSTUNREACH"),
		fmt.Errorf("op: ETIMEDOUT"),
		fmt.Errorf("read tcp 10.0.0.1: connection reset by peer"),
		&HTTPStatusError{Status: 503, Msg: "service unavailable"},
		&HTTPStatusError{Status: 429, Msg: "too many requests"},
		context.DeadlineExceeded,
		errors.NewStorageUnavailableError("pool exhausted"),
	}
	for _, err := range retryable {
		assert.True(t, ClassifyStrict(err), "%v should be retryable", err)
	}

	terminal := []error{
		nil,
		fmt.Errorf("some unknown failure"),
		&HTTPStatusError{Status: 400, Msg: "bad request"},
		&HTTPStatusError{Status: 404, Msg: "not found"},
		errors.NewValidationError("INVALID_STATUS", "bad status"),
		errors.NewIntegrityError("hash mismatch"),
		errors.NewDuplicateError("seen before"),
	}
	for _, err := range terminal {
		assert.False(t, ClassifyStrict(err), "%v should be terminal", err)
	}

	// The lenient classifier retries unknown errors by default
	assert.True(t, ClassifyLenient(fmt.Errorf("some unknown failure")))
	assert.False(t, ClassifyLenient(errors.NewValidationError("X", "x")))
}

func TestExecutorRetriesUntilSuccess(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("flaky: ECONNRESET")
		}
		return nil
	}

	exec := NewExecutor(Policy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}, nil, ClassifyStrict, zap.NewNop())

	require.NoError(t, exec.Do(context.Background(), "store", op))
	assert.Equal(t, 3, calls)
}

func TestExecutorStopsOnTerminalError(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) error {
		calls++
		return errors.NewValidationError("BAD", "no point retrying")
	}

	exec := NewExecutor(DefaultPolicy(), nil, ClassifyStrict, zap.NewNop())
	err := exec.Do(context.Background(), "store", op)

	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Equal(t, 1, calls)
}

func TestExecutorExhaustsRetries(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) error {
		calls++
		return fmt.Errorf("still down: ECONNREFUSED")
	}

	exec := NewExecutor(Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}, nil, ClassifyStrict, zap.NewNop())

	err := exec.Do(context.Background(), "store", op)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRetryExhausted))
	assert.Equal(t, 3, calls)
}

func TestExecutorFailsFastWhenCircuitOpen(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "storage",
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	}, zap.NewNop())
	cb.OnFailure()
	require.Equal(t, CircuitOpen, cb.State())

	calls := 0
	exec := NewExecutor(DefaultPolicy(), cb, ClassifyStrict, zap.NewNop())
	err := exec.Do(context.Background(), "storage", func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
	assert.Equal(t, 0, calls)
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
	}, zap.NewNop())

	// Closed below threshold
	cb.OnFailure()
	cb.OnFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.CanExecute())

	// Threshold opens the circuit
	cb.OnFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.CanExecute())

	// Stays open for at least the reset timeout
	assert.False(t, cb.CanExecute())

	// After the timeout one probe is admitted
	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.CanExecute(), "only one probe in half-open")

	// Probe success closes
	cb.OnSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.CanExecute())
}

func TestAllowDoesNotClaimProbeSlot(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
	}, zap.NewNop())

	cb.OnFailure()
	require.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	// Past the reset timeout the gate may peek any number of times
	// without spending the probe
	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitOpen, cb.State(), "peeking must not transition")

	// The executor then claims the probe; a second claim is refused but
	// the gate still reports the in-flight probe honestly
	require.True(t, cb.CanExecute())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.False(t, cb.CanExecute())

	cb.OnSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
	}, zap.NewNop())

	cb.OnFailure()
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.CanExecute())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.OnFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreakerMetrics(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "m", FailureThreshold: 2, ResetTimeout: time.Hour}, zap.NewNop())

	cb.OnSuccess()
	cb.OnFailure()
	cb.OnFailure()

	m := cb.Metrics()
	assert.Equal(t, int64(3), m.TotalCalls)
	assert.Equal(t, int64(1), m.SuccessCalls)
	assert.Equal(t, int64(2), m.FailureCalls)
	assert.InDelta(t, 2.0/3.0, m.FailureRate, 1e-9)
	assert.Equal(t, CircuitOpen, m.State)
	assert.Equal(t, int64(1), m.StateTransitions)
	assert.False(t, m.LastFailureAt.IsZero())
}
