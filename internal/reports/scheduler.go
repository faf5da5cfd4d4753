package reports

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

// Execution status values stored with the artifact
const (
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusDeliveryFailed = "delivery_failed"
)

// Delivery hands a finished report artifact to its destination. Email,
// webhook and object-store channels live behind this contract.
type Delivery interface {
	Deliver(ctx context.Context, schedule *audit.ScheduledReport, execution *audit.ReportExecution) error
}

// Auditor records each execution in the audit trail
type Auditor interface {
	Record(ctx context.Context, ev *audit.Event) error
}

// Scheduler claims due report schedules, runs them, stores the
// artifacts, and hands them to the delivery channel. Multiple scheduler
// instances can run concurrently; the claim is serialized in storage.
type Scheduler struct {
	repo       audit.ReportRepository
	generator  *Generator
	delivery   Delivery
	auditor    Auditor
	logger     *zap.Logger
	claimLimit int

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewScheduler wires the scheduler. delivery and auditor may be nil.
func NewScheduler(repo audit.ReportRepository, generator *Generator, delivery Delivery, auditor Auditor, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		repo:       repo,
		generator:  generator,
		delivery:   delivery,
		auditor:    auditor,
		logger:     logger,
		claimLimit: 10,
		stop:       make(chan struct{}),
	}
}

// Start polls for due schedules every interval until Stop
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.RunOnce(context.Background(), time.Now().UTC()); err != nil {
					s.logger.Error("report scheduler pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the polling loop
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.done.Wait()
}

// RunOnce claims and executes every due schedule, returning the number
// executed. One failing schedule does not block the rest.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ClaimDue(ctx, now, s.claimLimit)
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, schedule := range due {
		if err := s.execute(ctx, schedule, now); err != nil {
			s.logger.Error("report execution failed",
				zap.String("schedule", schedule.ID),
				zap.String("type", schedule.ReportType),
				zap.Error(err))
		} else {
			executed++
		}

		period := schedulePeriod(schedule.Schedule)
		if err := s.repo.Reschedule(ctx, schedule.ID, now.Add(period)); err != nil {
			s.logger.Error("failed to reschedule report",
				zap.String("schedule", schedule.ID),
				zap.Error(err))
		}
	}
	return executed, nil
}

func (s *Scheduler) execute(ctx context.Context, schedule *audit.ScheduledReport, now time.Time) error {
	period := schedulePeriod(schedule.Schedule)
	execution := &audit.ReportExecution{
		ID:          uuid.NewString(),
		ScheduleID:  schedule.ID,
		ReportType:  schedule.ReportType,
		GeneratedAt: now,
	}

	report, err := s.generator.Generate(ctx, ReportType(schedule.ReportType), Range{
		From:  now.Add(-period),
		To:    now,
		OrgID: schedule.OrganizationID,
	})
	if err != nil {
		execution.Status = StatusFailed
		if saveErr := s.repo.SaveExecution(ctx, execution); saveErr != nil {
			s.logger.Error("failed to record failed execution", zap.Error(saveErr))
		}
		s.audit(ctx, schedule, execution)
		return err
	}

	execution.Artifact, err = json.Marshal(report)
	if err != nil {
		execution.Status = StatusFailed
		if saveErr := s.repo.SaveExecution(ctx, execution); saveErr != nil {
			s.logger.Error("failed to record failed execution", zap.Error(saveErr))
		}
		return err
	}
	execution.Status = StatusCompleted

	if s.delivery != nil {
		if err := s.delivery.Deliver(ctx, schedule, execution); err != nil {
			execution.Status = StatusDeliveryFailed
			s.logger.Error("report delivery failed",
				zap.String("schedule", schedule.ID),
				zap.String("channel", schedule.Delivery),
				zap.Error(err))
		}
	}

	if err := s.repo.SaveExecution(ctx, execution); err != nil {
		return err
	}
	s.audit(ctx, schedule, execution)
	return nil
}

func (s *Scheduler) audit(ctx context.Context, schedule *audit.ScheduledReport, execution *audit.ReportExecution) {
	if s.auditor == nil {
		return
	}
	status := audit.StatusSuccess
	if execution.Status != StatusCompleted {
		status = audit.StatusFailure
	}
	ev := audit.New("system.report.executed", status)
	ev.OrganizationID = schedule.OrganizationID
	ev.TargetResourceType = "ScheduledReport"
	ev.TargetResourceID = schedule.ID
	ev.OutcomeDescription = execution.Status
	ev.Extensions = map[string]audit.Value{
		"reportType":  audit.String(execution.ReportType),
		"executionId": audit.String(execution.ID),
	}
	if err := s.auditor.Record(ctx, ev); err != nil {
		s.logger.Error("failed to audit report execution", zap.Error(err))
	}
}

// schedulePeriod maps a schedule descriptor to its period. Named
// cadences cover the common cases; anything else parses as a Go
// duration, falling back to daily.
func schedulePeriod(schedule string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(schedule)) {
	case "hourly":
		return time.Hour
	case "daily", "":
		return 24 * time.Hour
	case "weekly":
		return 7 * 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	}
	if d, err := time.ParseDuration(schedule); err == nil && d > 0 {
		return d
	}
	return 24 * time.Hour
}
