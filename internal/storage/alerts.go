package storage

import (
	"context"
	"encoding/json"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// AlertRepository persists operational alerts
type AlertRepository struct {
	db DB
}

// NewAlertRepository builds the alert store
func NewAlertRepository(db DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create stores a new alert
func (r *AlertRepository) Create(ctx context.Context, alert *audit.Alert) error {
	metadata, err := marshalMetadata(alert.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO alerts (id, severity, category, title, description, status,
		                    organization_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		alert.ID, string(alert.Severity), alert.Category, alert.Title,
		alert.Description, string(alert.Status), nullable(alert.OrganizationID),
		metadata, alert.CreatedAt, alert.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewDuplicateError("alert already exists")
		}
		return storageErr("create alert", err)
	}
	return nil
}

// Update persists a status transition
func (r *AlertRepository) Update(ctx context.Context, alert *audit.Alert) error {
	metadata, err := marshalMetadata(alert.Metadata)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE alerts
		SET status = $2, metadata = $3, updated_at = $4
		WHERE id = $1`,
		alert.ID, string(alert.Status), metadata, alert.UpdatedAt)
	if err != nil {
		return storageErr("update alert", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("alert")
	}
	return nil
}

// Get retrieves one alert by id
func (r *AlertRepository) Get(ctx context.Context, id string) (*audit.Alert, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, severity, category, title, description, status,
		       organization_id, metadata, created_at, updated_at
		FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

// ListActive returns unresolved alerts, optionally scoped to a category
func (r *AlertRepository) ListActive(ctx context.Context, category string) ([]*audit.Alert, error) {
	query := `
		SELECT id, severity, category, title, description, status,
		       organization_id, metadata, created_at, updated_at
		FROM alerts WHERE status = 'ACTIVE'`
	args := []any{}
	if category != "" {
		query += " AND category = $1"
		args = append(args, category)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list active alerts", err)
	}
	defer rows.Close()

	var alerts []*audit.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (*audit.Alert, error) {
	var (
		alert    audit.Alert
		org      *string
		metadata []byte
	)
	err := row.Scan(&alert.ID, &alert.Severity, &alert.Category, &alert.Title,
		&alert.Description, &alert.Status, &org, &metadata,
		&alert.CreatedAt, &alert.UpdatedAt)
	if isNoRows(err) {
		return nil, errors.NewNotFoundError("alert")
	}
	if err != nil {
		return nil, storageErr("scan alert", err)
	}
	alert.OrganizationID = deref(org)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &alert.Metadata); err != nil {
			return nil, errors.NewInternalError("unmarshal alert metadata").WithCause(err)
		}
	}
	return &alert, nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.NewInternalError("marshal alert metadata").WithCause(err)
	}
	return payload, nil
}
