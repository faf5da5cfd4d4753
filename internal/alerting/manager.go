// Package alerting raises, deduplicates, and resolves operational
// alerts, and runs the dependency health checks that feed them.
package alerting

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// AuditEmitter lets the manager record alert transitions in the audit
// trail without depending on the producer package.
type AuditEmitter func(ctx context.Context, action string, alert *audit.Alert)

// Manager owns the alert lifecycle: ACTIVE -> ACKNOWLEDGED -> RESOLVED
type Manager struct {
	repo   audit.AlertRepository
	logger *zap.Logger
	emit   AuditEmitter

	// open tracks active alerts by category+title for deduplication
	mu   sync.Mutex
	open map[string]string
}

// NewManager builds the alert manager. emit may be nil.
func NewManager(repo audit.AlertRepository, logger *zap.Logger, emit AuditEmitter) *Manager {
	return &Manager{
		repo:   repo,
		logger: logger,
		emit:   emit,
		open:   make(map[string]string),
	}
}

func dedupeKey(category, title string) string {
	return category + "\x00" + title
}

// Raise creates an ACTIVE alert unless an identical one is already
// open, in which case the open alert is returned.
func (m *Manager) Raise(ctx context.Context, severity audit.AlertSeverity, category, title, description string) (*audit.Alert, error) {
	key := dedupeKey(category, title)

	m.mu.Lock()
	existingID, exists := m.open[key]
	m.mu.Unlock()

	if exists {
		existing, err := m.repo.Get(ctx, existingID)
		if err == nil && existing.Status != audit.AlertResolved {
			return existing, nil
		}
		// Stale entry, fall through and raise fresh
	}

	alert := audit.NewAlert(severity, category, title, description)
	if err := m.repo.Create(ctx, alert); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.open[key] = alert.ID
	m.mu.Unlock()

	m.logger.Warn("alert raised",
		zap.String("alertId", alert.ID),
		zap.String("severity", string(severity)),
		zap.String("category", category),
		zap.String("title", title),
	)
	if m.emit != nil {
		m.emit(ctx, "system.alert.raised", alert)
	}
	return alert, nil
}

// Acknowledge transitions an alert out of ACTIVE
func (m *Manager) Acknowledge(ctx context.Context, id string) error {
	alert, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := alert.Acknowledge(); err != nil {
		return err
	}
	if err := m.repo.Update(ctx, alert); err != nil {
		return err
	}
	if m.emit != nil {
		m.emit(ctx, "system.alert.acknowledged", alert)
	}
	return nil
}

// Resolve closes an alert
func (m *Manager) Resolve(ctx context.Context, id string) error {
	alert, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := alert.Resolve(); err != nil {
		return err
	}
	if err := m.repo.Update(ctx, alert); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.open, dedupeKey(alert.Category, alert.Title))
	m.mu.Unlock()

	m.logger.Info("alert resolved",
		zap.String("alertId", alert.ID),
		zap.String("category", alert.Category),
	)
	if m.emit != nil {
		m.emit(ctx, "system.alert.resolved", alert)
	}
	return nil
}

// AutoResolve closes the open alert for a recovered condition, if any
func (m *Manager) AutoResolve(ctx context.Context, category, title string) error {
	m.mu.Lock()
	id, exists := m.open[dedupeKey(category, title)]
	m.mu.Unlock()

	if !exists {
		return nil
	}
	err := m.Resolve(ctx, id)
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil
	}
	return err
}

// Active lists open alerts, optionally filtered by category
func (m *Manager) Active(ctx context.Context, category string) ([]*audit.Alert, error) {
	return m.repo.ListActive(ctx, category)
}
