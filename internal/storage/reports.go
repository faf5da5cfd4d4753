package storage

import (
	"context"
	"time"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// ReportRepository persists report schedules and execution artifacts
type ReportRepository struct {
	db TxBeginner
}

// NewReportRepository builds the report store
func NewReportRepository(db TxBeginner) *ReportRepository {
	return &ReportRepository{db: db}
}

// ClaimDue locks and returns schedules whose next run has passed.
// FOR UPDATE SKIP LOCKED keeps concurrent schedulers from double-running.
func (r *ReportRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*audit.ScheduledReport, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin report claim", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, report_type, organization_id, schedule, delivery, next_run_at, enabled
		FROM scheduled_reports
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		now, limit)
	if err != nil {
		return nil, storageErr("claim due reports", err)
	}

	var reports []*audit.ScheduledReport
	for rows.Next() {
		var (
			rep audit.ScheduledReport
			org *string
		)
		if err := rows.Scan(&rep.ID, &rep.ReportType, &org, &rep.Schedule,
			&rep.Delivery, &rep.NextRunAt, &rep.Enabled); err != nil {
			rows.Close()
			return nil, storageErr("scan scheduled report", err)
		}
		rep.OrganizationID = deref(org)
		reports = append(reports, &rep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("claim due reports", err)
	}

	// Push claimed schedules slightly forward so a crashed scheduler
	// does not wedge them; Reschedule sets the real next run.
	for _, rep := range reports {
		if _, err := tx.Exec(ctx,
			"UPDATE scheduled_reports SET next_run_at = $2 WHERE id = $1",
			rep.ID, now.Add(5*time.Minute)); err != nil {
			return nil, storageErr("advance claimed report", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("commit report claim", err)
	}
	return reports, nil
}

// Reschedule sets the next run time after an execution
func (r *ReportRepository) Reschedule(ctx context.Context, id string, nextRunAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE scheduled_reports SET next_run_at = $2 WHERE id = $1",
		id, nextRunAt)
	if err != nil {
		return storageErr("reschedule report", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("scheduled report")
	}
	return nil
}

// SaveSchedule upserts a schedule definition
func (r *ReportRepository) SaveSchedule(ctx context.Context, rep *audit.ScheduledReport) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO scheduled_reports (id, report_type, organization_id, schedule, delivery, next_run_at, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET report_type = EXCLUDED.report_type,
		    organization_id = EXCLUDED.organization_id,
		    schedule = EXCLUDED.schedule,
		    delivery = EXCLUDED.delivery,
		    next_run_at = EXCLUDED.next_run_at,
		    enabled = EXCLUDED.enabled`,
		rep.ID, rep.ReportType, nullable(rep.OrganizationID), rep.Schedule,
		rep.Delivery, rep.NextRunAt, rep.Enabled)
	if err != nil {
		return storageErr("save report schedule", err)
	}
	return nil
}

// SaveExecution stores a report artifact
func (r *ReportRepository) SaveExecution(ctx context.Context, exec *audit.ReportExecution) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO report_executions (id, schedule_id, report_type, generated_at, artifact, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, nullable(exec.ScheduleID), exec.ReportType,
		exec.GeneratedAt, exec.Artifact, exec.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewDuplicateError("report execution already stored")
		}
		return storageErr("save report execution", err)
	}
	return nil
}

// ListExecutions returns the newest executions for a schedule
func (r *ReportRepository) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*audit.ReportExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, schedule_id, report_type, generated_at, artifact, status
		FROM report_executions
		WHERE schedule_id = $1
		ORDER BY generated_at DESC
		LIMIT $2`,
		scheduleID, limit)
	if err != nil {
		return nil, storageErr("list report executions", err)
	}
	defer rows.Close()

	var execs []*audit.ReportExecution
	for rows.Next() {
		var (
			exec       audit.ReportExecution
			scheduleID *string
		)
		if err := rows.Scan(&exec.ID, &scheduleID, &exec.ReportType,
			&exec.GeneratedAt, &exec.Artifact, &exec.Status); err != nil {
			return nil, storageErr("scan report execution", err)
		}
		exec.ScheduleID = deref(scheduleID)
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}
