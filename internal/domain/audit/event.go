package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// Status is the outcome of the audited action
type Status string

const (
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// DataClassification is the sensitivity level of the event payload
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

const (
	// HashAlgorithm is fixed for every sealed event
	HashAlgorithm = "SHA-256"

	// DefaultEventVersion is attached when the producer does not set one
	DefaultEventVersion = "1.0"

	// DefaultRetentionPolicy applies when no policy is named by the caller
	DefaultRetentionPolicy = "standard"

	// TimestampLayout is the wire timestamp format. Events keep the timestamp
	// as the original string so the integrity hash survives round-trips
	// through stores that would otherwise re-render a time value.
	TimestampLayout = "2006-01-02T15:04:05.000Z"
)

// SessionContext carries the session metadata required for PHI events
type SessionContext struct {
	SessionID   string `json:"sessionId"`
	IPAddress   string `json:"ipAddress"`
	UserAgent   string `json:"userAgent"`
	Geolocation string `json:"geolocation,omitempty"`
}

// Event is the canonical audit record. Once sealed and persisted the
// critical field set is immutable; only pseudonymization may replace
// PrincipalID, and only through the GDPR engine.
type Event struct {
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Status    Status `json:"status"`

	PrincipalID    string `json:"principalId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`

	TargetResourceType string `json:"targetResourceType,omitempty"`
	TargetResourceID   string `json:"targetResourceId,omitempty"`
	OutcomeDescription string `json:"outcomeDescription,omitempty"`

	DataClassification DataClassification `json:"dataClassification"`
	RetentionPolicy    string             `json:"retentionPolicy"`

	CorrelationID string `json:"correlationId,omitempty"`
	EventVersion  string `json:"eventVersion"`

	SessionContext *SessionContext `json:"sessionContext,omitempty"`

	Hash               string `json:"hash,omitempty"`
	HashAlgorithm      string `json:"hashAlgorithm,omitempty"`
	Signature          string `json:"signature,omitempty"`
	SignatureAlgorithm string `json:"signatureAlgorithm,omitempty"`
	SignatureKeyID     string `json:"signatureKeyId,omitempty"`

	// Observability enrichment, excluded from the integrity hash
	ProcessingLatency int64 `json:"processingLatency,omitempty"`
	QueueDepth        int64 `json:"queueDepth,omitempty"`

	// Blocks GDPR export operations when set by a restriction request
	Restricted bool `json:"restricted,omitempty"`

	// Domain-specific context (FHIR, GDPR, practitioner fields)
	Extensions map[string]Value `json:"extensions,omitempty"`
}

// New creates an event with producer defaults applied. The ID is a
// client-generated opaque UUID string, stable across every store.
func New(action string, status Status) *Event {
	return &Event{
		ID:                 uuid.NewString(),
		Timestamp:          time.Now().UTC().Format(TimestampLayout),
		Action:             action,
		Status:             status,
		DataClassification: ClassificationInternal,
		RetentionPolicy:    DefaultRetentionPolicy,
		EventVersion:       DefaultEventVersion,
		HashAlgorithm:      HashAlgorithm,
	}
}

// ApplyDefaults fills the producer defaults on a caller-built event
// without overwriting anything the caller set explicitly.
func (e *Event) ApplyDefaults() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(TimestampLayout)
	}
	if e.DataClassification == "" {
		e.DataClassification = ClassificationInternal
	}
	if e.RetentionPolicy == "" {
		e.RetentionPolicy = DefaultRetentionPolicy
	}
	if e.EventVersion == "" {
		e.EventVersion = DefaultEventVersion
	}
	if e.HashAlgorithm == "" {
		e.HashAlgorithm = HashAlgorithm
	}
}

// Validate checks the structural invariants that hold for every event,
// independent of any compliance overlay.
func (e *Event) Validate() error {
	if e.Timestamp == "" {
		return errors.NewValidationError("MISSING_TIMESTAMP", "timestamp is required")
	}
	if _, err := ParseTimestamp(e.Timestamp); err != nil {
		return errors.NewValidationError("INVALID_TIMESTAMP",
			"timestamp must be ISO 8601 UTC").WithCause(err)
	}
	if e.Action == "" {
		return errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if !e.Status.IsValid() {
		return errors.NewValidationError("INVALID_STATUS",
			fmt.Sprintf("status %q must be attempt, success or failure", e.Status))
	}
	if !e.DataClassification.IsValid() {
		return errors.NewValidationError("INVALID_CLASSIFICATION",
			fmt.Sprintf("unknown data classification %q", e.DataClassification))
	}
	return nil
}

// Clone returns a deep copy. Sanitization and enrichment operate on
// copies so a validation failure never mutates the caller's event.
func (e *Event) Clone() *Event {
	clone := *e
	if e.SessionContext != nil {
		sc := *e.SessionContext
		clone.SessionContext = &sc
	}
	if e.Extensions != nil {
		clone.Extensions = make(map[string]Value, len(e.Extensions))
		for k, v := range e.Extensions {
			clone.Extensions[k] = v.Clone()
		}
	}
	return &clone
}

// Time parses the event timestamp
func (e *Event) Time() (time.Time, error) {
	return ParseTimestamp(e.Timestamp)
}

// IsValid reports whether the status is a known enum value
func (s Status) IsValid() bool {
	switch s {
	case StatusAttempt, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// IsValid reports whether the classification is a known enum value
func (c DataClassification) IsValid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationPHI:
		return true
	}
	return false
}

// ParseTimestamp accepts ISO 8601 UTC timestamps at second or
// millisecond precision, with either Z or numeric offset.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{
		TimestampLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO 8601", value)
}

// complianceCriticalPrefixes are action namespaces whose records must be
// retained for regulatory purposes and therefore can never be hard-deleted,
// only pseudonymized.
var complianceCriticalPrefixes = []string{"security.", "compliance.", "gdpr."}

var complianceCriticalActions = []string{
	"auth.login.",
	"auth.logout",
	"data.access.unauthorized",
	"data.breach.detected",
	"system.backup.",
}

// IsComplianceCritical reports whether an action's audit records survive
// GDPR erasure via pseudonymization instead of deletion.
func IsComplianceCritical(action string) bool {
	for _, prefix := range complianceCriticalPrefixes {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	for _, entry := range complianceCriticalActions {
		if strings.HasSuffix(entry, ".") {
			if strings.HasPrefix(action, entry) {
				return true
			}
		} else if action == entry {
			return true
		}
	}
	return false
}
