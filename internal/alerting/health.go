package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

// Probe checks one dependency
type Probe struct {
	Name     string
	Severity audit.AlertSeverity
	Check    func(ctx context.Context) error
}

const healthCategory = "health"

// HealthChecker probes dependencies on a ticker. A failing probe raises
// an alert; recovery auto-resolves it.
type HealthChecker struct {
	manager *Manager
	logger  *zap.Logger
	probes  []Probe
	period  time.Duration
	timeout time.Duration

	mu     sync.RWMutex
	status map[string]error

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewHealthChecker builds the checker; Start launches it
func NewHealthChecker(manager *Manager, logger *zap.Logger, period time.Duration, probes ...Probe) *HealthChecker {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &HealthChecker{
		manager: manager,
		logger:  logger,
		probes:  probes,
		period:  period,
		timeout: period / 2,
		status:  make(map[string]error),
		stop:    make(chan struct{}),
	}
}

// Start runs the probe loop until Stop
func (hc *HealthChecker) Start() {
	hc.done.Add(1)
	go func() {
		defer hc.done.Done()
		ticker := time.NewTicker(hc.period)
		defer ticker.Stop()

		for {
			select {
			case <-hc.stop:
				return
			case <-ticker.C:
				hc.RunOnce(context.Background())
			}
		}
	}()
}

// Stop halts the probe loop
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stop) })
	hc.done.Wait()
}

// RunOnce executes every probe once, raising and resolving alerts on
// state changes. Exposed for the health endpoint and tests.
func (hc *HealthChecker) RunOnce(ctx context.Context) {
	for _, probe := range hc.probes {
		probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		err := probe.Check(probeCtx)
		cancel()

		hc.mu.Lock()
		previous := hc.status[probe.Name]
		hc.status[probe.Name] = err
		hc.mu.Unlock()

		title := probe.Name + " unavailable"
		switch {
		case err != nil && previous == nil:
			severity := probe.Severity
			if severity == "" {
				severity = audit.SeverityHigh
			}
			if _, raiseErr := hc.manager.Raise(ctx, severity, healthCategory, title,
				fmt.Sprintf("health probe failed: %v", err)); raiseErr != nil {
				hc.logger.Error("failed to raise health alert",
					zap.String("probe", probe.Name), zap.Error(raiseErr))
			}
		case err == nil && previous != nil:
			if resolveErr := hc.manager.AutoResolve(ctx, healthCategory, title); resolveErr != nil {
				hc.logger.Error("failed to resolve health alert",
					zap.String("probe", probe.Name), zap.Error(resolveErr))
			}
		}
	}
}

// Healthy reports whether every probe passed its last run
func (hc *HealthChecker) Healthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	for _, err := range hc.status {
		if err != nil {
			return false
		}
	}
	return true
}

// Status snapshots per-probe results, nil meaning healthy
func (hc *HealthChecker) Status() map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make(map[string]error, len(hc.status))
	for name, err := range hc.status {
		out[name] = err
	}
	return out
}
