package storage

import (
	"context"
	"time"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

// IntegrityLogRepository records tamper findings
type IntegrityLogRepository struct {
	db DB
}

// NewIntegrityLogRepository builds the integrity log store
func NewIntegrityLogRepository(db DB) *IntegrityLogRepository {
	return &IntegrityLogRepository{db: db}
}

// RecordFailure appends one finding
func (r *IntegrityLogRepository) RecordFailure(ctx context.Context, eventID, storedHash, computedHash, reason string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_integrity_log (event_id, stored_hash, computed_hash, reason, detected_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		eventID, storedHash, computedHash, reason)
	if err != nil {
		return storageErr("record integrity failure", err)
	}
	return nil
}

// ListFailures returns findings detected since the given time
func (r *IntegrityLogRepository) ListFailures(ctx context.Context, since time.Time) ([]audit.IntegrityFailure, error) {
	rows, err := r.db.Query(ctx, `
		SELECT event_id, stored_hash, computed_hash, reason, detected_at
		FROM audit_integrity_log
		WHERE detected_at >= $1
		ORDER BY detected_at DESC`,
		since)
	if err != nil {
		return nil, storageErr("list integrity failures", err)
	}
	defer rows.Close()

	var failures []audit.IntegrityFailure
	for rows.Next() {
		var f audit.IntegrityFailure
		if err := rows.Scan(&f.EventID, &f.StoredHash, &f.ComputedHash, &f.Reason, &f.DetectedAt); err != nil {
			return nil, storageErr("scan integrity failure", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
