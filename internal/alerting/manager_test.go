package alerting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// memAlertRepo is an in-memory AlertRepository
type memAlertRepo struct {
	mu     sync.Mutex
	alerts map[string]*audit.Alert
}

func newMemAlertRepo() *memAlertRepo {
	return &memAlertRepo{alerts: make(map[string]*audit.Alert)}
}

func (r *memAlertRepo) Create(_ context.Context, alert *audit.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *alert
	r.alerts[alert.ID] = &clone
	return nil
}

func (r *memAlertRepo) Update(_ context.Context, alert *audit.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[alert.ID]; !ok {
		return errors.NewNotFoundError("alert")
	}
	clone := *alert
	r.alerts[alert.ID] = &clone
	return nil
}

func (r *memAlertRepo) Get(_ context.Context, id string) (*audit.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, errors.NewNotFoundError("alert")
	}
	clone := *alert
	return &clone, nil
}

func (r *memAlertRepo) ListActive(_ context.Context, category string) ([]*audit.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*audit.Alert
	for _, alert := range r.alerts {
		if alert.Status != audit.AlertActive {
			continue
		}
		if category != "" && alert.Category != category {
			continue
		}
		clone := *alert
		out = append(out, &clone)
	}
	return out, nil
}

func TestRaiseDeduplicates(t *testing.T) {
	repo := newMemAlertRepo()
	m := NewManager(repo, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	first, err := m.Raise(ctx, audit.SeverityHigh, "health", "database unavailable", "probe failed")
	require.NoError(t, err)

	second, err := m.Raise(ctx, audit.SeverityHigh, "health", "database unavailable", "probe failed again")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "identical open alert must be reused")

	active, err := m.Active(ctx, "health")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestLifecycleTransitions(t *testing.T) {
	repo := newMemAlertRepo()

	var audited []string
	emit := func(_ context.Context, action string, _ *audit.Alert) {
		audited = append(audited, action)
	}
	m := NewManager(repo, zaptest.NewLogger(t), emit)
	ctx := context.Background()

	alert, err := m.Raise(ctx, audit.SeverityMedium, "dlq", "job parked", "terminal failure")
	require.NoError(t, err)

	require.NoError(t, m.Acknowledge(ctx, alert.ID))
	got, err := repo.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.AlertAcknowledged, got.Status)

	// Acknowledging twice violates the forward-only lifecycle
	err = m.Acknowledge(ctx, alert.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	require.NoError(t, m.Resolve(ctx, alert.ID))
	got, err = repo.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.AlertResolved, got.Status)

	assert.Equal(t, []string{
		"system.alert.raised",
		"system.alert.acknowledged",
		"system.alert.resolved",
	}, audited)
}

func TestResolvedAlertCanBeRaisedAgain(t *testing.T) {
	repo := newMemAlertRepo()
	m := NewManager(repo, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	first, err := m.Raise(ctx, audit.SeverityHigh, "health", "broker unavailable", "probe failed")
	require.NoError(t, err)
	require.NoError(t, m.Resolve(ctx, first.ID))

	second, err := m.Raise(ctx, audit.SeverityHigh, "health", "broker unavailable", "probe failed")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestHealthCheckerRaisesAndAutoResolves(t *testing.T) {
	repo := newMemAlertRepo()
	m := NewManager(repo, zaptest.NewLogger(t), nil)

	var mu sync.Mutex
	failing := true
	probe := Probe{
		Name:     "database",
		Severity: audit.SeverityCritical,
		Check: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if failing {
				return fmt.Errorf("connection refused")
			}
			return nil
		},
	}

	hc := NewHealthChecker(m, zaptest.NewLogger(t), time.Minute, probe)
	ctx := context.Background()

	hc.RunOnce(ctx)
	assert.False(t, hc.Healthy())
	active, err := m.Active(ctx, "health")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, audit.SeverityCritical, active[0].Severity)

	// Still failing: no duplicate alert
	hc.RunOnce(ctx)
	active, err = m.Active(ctx, "health")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	mu.Lock()
	failing = false
	mu.Unlock()

	hc.RunOnce(ctx)
	assert.True(t, hc.Healthy())
	active, err = m.Active(ctx, "health")
	require.NoError(t, err)
	assert.Empty(t, active, "recovery must auto-resolve the alert")
}
