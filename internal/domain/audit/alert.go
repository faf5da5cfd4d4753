package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// AlertSeverity ranks operational alerts
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus moves forward only: ACTIVE -> ACKNOWLEDGED -> RESOLVED
type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// Alert is an operational finding raised by health checks, the DLQ,
// or the integrity verifier.
type Alert struct {
	ID             string                 `json:"id"`
	Severity       AlertSeverity          `json:"severity"`
	Category       string                 `json:"category"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Status         AlertStatus            `json:"status"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	OrganizationID string                 `json:"organizationId,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NewAlert creates an ACTIVE alert
func NewAlert(severity AlertSeverity, category, title, description string) *Alert {
	now := time.Now().UTC()
	return &Alert{
		ID:          uuid.NewString(),
		Severity:    severity,
		Category:    category,
		Title:       title,
		Description: description,
		Status:      AlertActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Acknowledge transitions ACTIVE -> ACKNOWLEDGED
func (a *Alert) Acknowledge() error {
	if a.Status != AlertActive {
		return errors.NewValidationError("INVALID_ALERT_TRANSITION",
			"only active alerts can be acknowledged")
	}
	a.Status = AlertAcknowledged
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Resolve transitions ACTIVE or ACKNOWLEDGED -> RESOLVED
func (a *Alert) Resolve() error {
	if a.Status == AlertResolved {
		return errors.NewValidationError("INVALID_ALERT_TRANSITION",
			"alert is already resolved")
	}
	a.Status = AlertResolved
	a.UpdatedAt = time.Now().UTC()
	return nil
}
