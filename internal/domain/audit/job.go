package audit

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs within the broker queue
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// QueueJob wraps an event for transport through the broker.
// The wire format is {event, meta:{attempts, firstSeenAt, priority}}.
type QueueJob struct {
	JobID string  `json:"jobId"`
	Event *Event  `json:"event"`
	Meta  JobMeta `json:"meta"`
}

// JobMeta is the mutable attempt bookkeeping carried alongside the event
type JobMeta struct {
	Attempts       int       `json:"attempts"`
	FirstSeenAt    time.Time `json:"firstSeenAt"`
	NextEligibleAt time.Time `json:"nextEligibleAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	Priority       Priority  `json:"priority"`

	// Durable jobs stay on the completed ring after acknowledgement
	Durable bool `json:"durable,omitempty"`
}

// NewQueueJob wraps an event for its first enqueue
func NewQueueJob(event *Event, priority Priority) *QueueJob {
	return &QueueJob{
		JobID: uuid.NewString(),
		Event: event,
		Meta: JobMeta{
			Attempts:    0,
			FirstSeenAt: time.Now().UTC(),
			Priority:    priority,
		},
	}
}

// RetryAttempt records one failed processing attempt for DLQ forensics
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	At        time.Time `json:"at"`
	Error     string    `json:"error"`
	ErrorCode string    `json:"errorCode"`
}

// DeadLetterRecord is a terminally failed job parked in durable storage
type DeadLetterRecord struct {
	Job           *QueueJob      `json:"job"`
	FailedAt      time.Time      `json:"failedAt"`
	TerminalError string         `json:"terminalError"`
	TerminalCode  string         `json:"terminalCode"`
	RetryHistory  []RetryAttempt `json:"retryHistory"`
}

// OrganizationID returns the tenant of the parked event, if any
func (r *DeadLetterRecord) OrganizationID() string {
	if r.Job != nil && r.Job.Event != nil {
		return r.Job.Event.OrganizationID
	}
	return ""
}
