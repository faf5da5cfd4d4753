// Package archive moves aged audit events to a cold Postgres store
// before the retention job deletes them from the hot trail.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/compliant-audit-pipeline/internal/gdpr"
)

var _ gdpr.Archiver = (*ColdStore)(nil)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS audit_events_archive (
	id                  TEXT PRIMARY KEY,
	organization_id     TEXT NOT NULL DEFAULT '',
	principal_id        TEXT NOT NULL DEFAULT '',
	action              TEXT NOT NULL,
	event_timestamp     TEXT NOT NULL,
	retention_policy    TEXT NOT NULL,
	data_classification TEXT NOT NULL,
	archived_at         TIMESTAMPTZ NOT NULL,
	payload             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archive_org ON audit_events_archive (organization_id);
CREATE INDEX IF NOT EXISTS idx_archive_archived_at ON audit_events_archive (archived_at);
`

// ColdStore writes events to a separate archive database. It satisfies
// the retention job's archiver contract: a write failure aborts the
// pass before anything is deleted from the hot store.
type ColdStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewColdStore connects to the archive database and ensures its schema
func NewColdStore(ctx context.Context, url string, logger *zap.Logger) (*ColdStore, error) {
	if url == "" {
		return nil, errors.NewConfigError("archive URL is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.NewConfigError("opening archive database").WithCause(err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.NewStorageUnavailableError("archive database unreachable").WithCause(err)
	}
	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		db.Close()
		return nil, errors.NewStorageUnavailableError("creating archive schema").WithCause(err)
	}

	logger.Info("archive cold store ready")
	return &ColdStore{db: db, logger: logger}, nil
}

// Archive bulk-copies a batch into the cold store inside one
// transaction. Events already archived (a retried pass) are tolerated
// by staging through a temp table and skipping conflicts.
func (s *ColdStore) Archive(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageUnavailableError("beginning archive transaction").WithCause(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`CREATE TEMP TABLE archive_staging (LIKE audit_events_archive INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return errors.NewStorageUnavailableError("creating archive staging table").WithCause(err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("archive_staging",
		"id", "organization_id", "principal_id", "action", "event_timestamp",
		"retention_policy", "data_classification", "archived_at", "payload"))
	if err != nil {
		return errors.NewStorageUnavailableError("preparing archive copy").WithCause(err)
	}

	now := time.Now().UTC()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			stmt.Close()
			return errors.NewInternalError("encoding event for archive").WithCause(err)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.OrganizationID, ev.PrincipalID, ev.Action, ev.Timestamp,
			ev.RetentionPolicy, string(ev.DataClassification), now, string(payload)); err != nil {
			stmt.Close()
			return errors.NewStorageUnavailableError("copying events to archive").WithCause(err)
		}
	}
	// Flush the COPY stream
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return errors.NewStorageUnavailableError("flushing archive copy").WithCause(err)
	}
	if err := stmt.Close(); err != nil {
		return errors.NewStorageUnavailableError("closing archive copy").WithCause(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events_archive SELECT * FROM archive_staging ON CONFLICT (id) DO NOTHING`); err != nil {
		return errors.NewStorageUnavailableError("merging archive staging").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageUnavailableError("committing archive batch").WithCause(err)
	}

	s.logger.Info("archived events to cold store", zap.Int("count", len(events)))
	return nil
}

// Count reports rows in the cold store, optionally scoped to one
// organization
func (s *ColdStore) Count(ctx context.Context, orgID string) (int64, error) {
	var count int64
	var err error
	if orgID == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM audit_events_archive`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM audit_events_archive WHERE organization_id = $1`, orgID).Scan(&count)
	}
	if err != nil {
		return 0, errors.NewStorageUnavailableError("counting archived events").WithCause(err)
	}
	return count, nil
}

// Retrieve loads an archived event by id
func (s *ColdStore) Retrieve(ctx context.Context, eventID string) (*audit.Event, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM audit_events_archive WHERE id = $1`, eventID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("archived event")
	}
	if err != nil {
		return nil, errors.NewStorageUnavailableError("loading archived event").WithCause(err)
	}

	var ev audit.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errors.NewInternalError("decoding archived event").WithCause(err)
	}
	return &ev, nil
}

// Close releases the archive connection pool
func (s *ColdStore) Close() error {
	return s.db.Close()
}
