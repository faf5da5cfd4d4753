package reliability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the breaker's three-state machine
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerConfig tunes the failure isolation state machine
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration

	// MonitoringPeriod enables the optional background health probe
	// when both it and HealthProbe are set
	MonitoringPeriod time.Duration
	HealthProbe      func(ctx context.Context) error
}

// BreakerMetrics is a snapshot of breaker counters
type BreakerMetrics struct {
	State            CircuitState
	TotalCalls       int64
	SuccessCalls     int64
	FailureCalls     int64
	FailureRate      float64
	StateTransitions int64
	LastFailureAt    time.Time
}

// CircuitBreaker isolates a failing dependency: closed counts failures,
// open fails fast until the reset timeout, half-open admits one probe.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool

	totalCalls   int64
	successCalls int64
	failureCalls int64
	transitions  int64
	lastFailure  time.Time

	stopProbe chan struct{}
}

// NewCircuitBreaker builds a closed breaker
func NewCircuitBreaker(cfg BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		state:  CircuitClosed,
	}
	if cfg.MonitoringPeriod > 0 && cfg.HealthProbe != nil {
		cb.stopProbe = make(chan struct{})
		go cb.monitor()
	}
	return cb
}

// CanExecute reports whether a call may proceed. In the open state the
// first call after the reset timeout transitions to half-open and is
// admitted as the probe.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			cb.probeInFlight = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
	return false
}

// Allow reports whether a call would currently be admitted, without
// claiming the half-open probe slot. Gate loops use this to pace
// themselves; the slot itself is claimed by CanExecute on the path
// that pairs it with OnSuccess or OnFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return time.Since(cb.openedAt) >= cb.cfg.ResetTimeout
	case CircuitHalfOpen:
		return !cb.probeInFlight
	}
	return false
}

// OnSuccess records a successful call
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.successCalls++

	if cb.state == CircuitHalfOpen {
		cb.failures = 0
		cb.probeInFlight = false
		cb.transition(CircuitClosed)
	} else if cb.state == CircuitClosed {
		cb.failures = 0
	}
}

// OnFailure records a failed call and opens the circuit at threshold
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.failureCalls++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.probeInFlight = false
		cb.open()
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics snapshots the breaker counters
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	rate := 0.0
	if cb.totalCalls > 0 {
		rate = float64(cb.failureCalls) / float64(cb.totalCalls)
	}
	return BreakerMetrics{
		State:            cb.state,
		TotalCalls:       cb.totalCalls,
		SuccessCalls:     cb.successCalls,
		FailureCalls:     cb.failureCalls,
		FailureRate:      rate,
		StateTransitions: cb.transitions,
		LastFailureAt:    cb.lastFailure,
	}
}

// Close stops the background probe, if running
func (cb *CircuitBreaker) Close() {
	if cb.stopProbe != nil {
		close(cb.stopProbe)
	}
}

// open must be called with the lock held
func (cb *CircuitBreaker) open() {
	cb.openedAt = time.Now()
	cb.transition(CircuitOpen)
}

// transition must be called with the lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.transitions++
	if cb.logger != nil {
		cb.logger.Info("circuit breaker state change",
			zap.String("breaker", cb.cfg.Name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("failures", cb.failures),
		)
	}
}

// monitor runs the optional background health probe: a healthy probe
// moves open to half-open early, an unhealthy one counts as a failure
// while closed.
func (cb *CircuitBreaker) monitor() {
	ticker := time.NewTicker(cb.cfg.MonitoringPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-cb.stopProbe:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cb.cfg.MonitoringPeriod)
			err := cb.cfg.HealthProbe(ctx)
			cancel()

			cb.mu.Lock()
			if err == nil && cb.state == CircuitOpen {
				cb.probeInFlight = false
				cb.transition(CircuitHalfOpen)
			} else if err != nil && cb.state == CircuitClosed {
				cb.failures++
				cb.failureCalls++
				cb.totalCalls++
				cb.lastFailure = time.Now()
				if cb.failures >= cb.cfg.FailureThreshold {
					cb.open()
				}
			}
			cb.mu.Unlock()
		}
	}
}
