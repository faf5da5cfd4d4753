package audit

import (
	"context"
	"time"
)

// EventFilter narrows query and stream operations
type EventFilter struct {
	From                time.Time
	To                  time.Time
	PrincipalIDs        []string
	OrganizationIDs     []string
	Actions             []string
	Statuses            []Status
	DataClassifications []DataClassification
	ResourceTypes       []string
	CorrelationID       string
	VerifiedOnly        bool
	IncludeRestricted   bool
}

// Pagination bounds a query page
type Pagination struct {
	Limit  int
	Offset int
}

// Sort orders a query page
type Sort struct {
	Field      string
	Descending bool
}

// Page is one window of query results
type Page struct {
	Events  []*Event
	Total   int64
	HasMore bool
}

// Cursor restarts a stream after the given event ID
type Cursor struct {
	AfterID string
}

// EventRepository is the append-only event store
type EventRepository interface {
	// Insert appends one event. A duplicate
	// (correlationId, action, timestamp, principalId) tuple returns
	// ErrorTypeDuplicate and stores nothing.
	Insert(ctx context.Context, event *Event) (string, error)

	QueryByOrg(ctx context.Context, orgID string, filter EventFilter, page Pagination, sort Sort) (*Page, error)

	// Stream yields events in primary-key order, restartable by cursor
	Stream(ctx context.Context, filter EventFilter, cursor Cursor, batchSize int, fn func(*Event) error) error

	// UpdatePseudonym is the only permitted mutation of a critical field:
	// bulk-replaces principalId within one transaction, scoped to an org
	// when orgID is non-empty. Returns the number of rows rewritten.
	UpdatePseudonym(ctx context.Context, originalPrincipalID, pseudonymID, orgID string) (int64, error)

	// DeleteByPrincipal hard-deletes the given event IDs (GDPR erasure of
	// non-critical records)
	DeleteEvents(ctx context.Context, ids []string) (int64, error)

	// SetRestricted tags a subject's events so exports skip them
	SetRestricted(ctx context.Context, principalID string, restricted bool) (int64, error)
}

// IntegrityLogRepository records tamper findings
type IntegrityLogRepository interface {
	RecordFailure(ctx context.Context, eventID, storedHash, computedHash, reason string) error
	ListFailures(ctx context.Context, since time.Time) ([]IntegrityFailure, error)
}

// IntegrityFailure is one recorded tamper finding
type IntegrityFailure struct {
	EventID      string    `json:"eventId"`
	StoredHash   string    `json:"storedHash"`
	ComputedHash string    `json:"computedHash"`
	Reason       string    `json:"reason"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// DLQRepository persists terminally failed jobs
type DLQRepository interface {
	Park(ctx context.Context, record *DeadLetterRecord) error
	Get(ctx context.Context, jobID string) (*DeadLetterRecord, error)
	List(ctx context.Context, orgID string, limit int) ([]*DeadLetterRecord, error)
	Delete(ctx context.Context, jobID string) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// PseudonymRepository persists subject-id mappings
type PseudonymRepository interface {
	// Create stores a mapping; the original id is already KMS-encrypted
	Create(ctx context.Context, mapping *PseudonymMapping) error
	// FindByOriginalDigest looks up a deterministic mapping by the salted
	// digest of the original id (the plaintext id is never an index key)
	FindByOriginalDigest(ctx context.Context, digest string) (*PseudonymMapping, error)
	FindByPseudonym(ctx context.Context, pseudonymID string) (*PseudonymMapping, error)
}

// AlertRepository persists operational alerts
type AlertRepository interface {
	Create(ctx context.Context, alert *Alert) error
	Update(ctx context.Context, alert *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	ListActive(ctx context.Context, category string) ([]*Alert, error)
}

// ScheduledReport is a recurring report definition
type ScheduledReport struct {
	ID             string    `json:"id"`
	ReportType     string    `json:"reportType"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Schedule       string    `json:"schedule"`
	Delivery       string    `json:"delivery"`
	NextRunAt      time.Time `json:"nextRunAt"`
	Enabled        bool      `json:"enabled"`
}

// ReportExecution is a stored report artifact
type ReportExecution struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"scheduleId,omitempty"`
	ReportType  string    `json:"reportType"`
	GeneratedAt time.Time `json:"generatedAt"`
	Artifact    []byte    `json:"-"`
	Status      string    `json:"status"`
}

// ReportRepository persists schedules and execution artifacts
type ReportRepository interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledReport, error)
	Reschedule(ctx context.Context, id string, nextRunAt time.Time) error
	SaveExecution(ctx context.Context, exec *ReportExecution) error
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*ReportExecution, error)
}

// Preset is a reusable partial event template applied by the producer
type Preset struct {
	Name               string
	Action             string
	DataClassification DataClassification
	RetentionPolicy    string
	TargetResourceType string
	Extensions         map[string]Value
}

// PresetRepository stores producer presets
type PresetRepository interface {
	Get(ctx context.Context, name string) (*Preset, error)
	List(ctx context.Context) ([]*Preset, error)
	Save(ctx context.Context, preset *Preset) error
}
