package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// DLQRepository parks terminally failed jobs in durable storage
type DLQRepository struct {
	db DB
}

// NewDLQRepository builds the dead letter store
func NewDLQRepository(db DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// Park stores one dead letter record. Re-parking the same job updates
// the stored record instead of failing.
func (r *DLQRepository) Park(ctx context.Context, record *audit.DeadLetterRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.NewInternalError("marshal dead letter record").WithCause(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO dlq_records (job_id, organization_id, terminal_code, record, failed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE
		SET terminal_code = EXCLUDED.terminal_code,
		    record = EXCLUDED.record,
		    failed_at = EXCLUDED.failed_at`,
		record.Job.JobID, nullable(record.OrganizationID()),
		record.TerminalCode, payload, record.FailedAt)
	if err != nil {
		return storageErr("park dead letter", err)
	}
	return nil
}

// Get retrieves one record by job ID
func (r *DLQRepository) Get(ctx context.Context, jobID string) (*audit.DeadLetterRecord, error) {
	var payload []byte
	err := r.db.QueryRow(ctx,
		"SELECT record FROM dlq_records WHERE job_id = $1", jobID).Scan(&payload)
	if isNoRows(err) {
		return nil, errors.NewNotFoundError("dead letter record")
	}
	if err != nil {
		return nil, storageErr("get dead letter", err)
	}

	var record audit.DeadLetterRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, errors.NewInternalError("unmarshal dead letter record").WithCause(err)
	}
	return &record, nil
}

// List returns the newest records, optionally scoped to a tenant
func (r *DLQRepository) List(ctx context.Context, orgID string, limit int) ([]*audit.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT record FROM dlq_records"
	args := []any{}
	if orgID != "" {
		query += " WHERE organization_id = $1"
		args = append(args, orgID)
	}
	query += " ORDER BY failed_at DESC LIMIT " + strconv.Itoa(limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}
	defer rows.Close()

	var records []*audit.DeadLetterRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("scan dead letter", err)
		}
		var record audit.DeadLetterRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, errors.NewInternalError("unmarshal dead letter record").WithCause(err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// Delete removes one record, used after a successful requeue
func (r *DLQRepository) Delete(ctx context.Context, jobID string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM dlq_records WHERE job_id = $1", jobID)
	if err != nil {
		return storageErr("delete dead letter", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("dead letter record")
	}
	return nil
}

// Purge removes records older than the cutoff
func (r *DLQRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM dlq_records WHERE failed_at < $1", olderThan)
	if err != nil {
		return 0, storageErr("purge dead letters", err)
	}
	return tag.RowsAffected(), nil
}
