package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/crypto"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

const eventColumns = `id, timestamp_utc, timestamp_raw, action, status,
	principal_id, organization_id, target_resource_type, target_resource_id,
	outcome_description, data_classification, retention_policy, correlation_id,
	event_version, session_context, hash, hash_algorithm, signature,
	signature_algorithm, signature_key_id, processing_latency, queue_depth,
	restricted, extensions`

// EventRepository is the pgx-backed append-only event store. The sealer
// is needed because pseudonymization rewrites principal_id, a field
// covered by the stored hash.
type EventRepository struct {
	db     TxBeginner
	sealer *crypto.Sealer
	logger *zap.Logger
}

// NewEventRepository builds the store on a pool or transaction beginner
func NewEventRepository(db TxBeginner, sealer *crypto.Sealer, logger *zap.Logger) *EventRepository {
	return &EventRepository{db: db, sealer: sealer, logger: logger}
}

// Insert appends one event. A duplicate identifying tuple is absorbed by
// the unique index and surfaces as ErrorTypeDuplicate.
func (r *EventRepository) Insert(ctx context.Context, event *audit.Event) (string, error) {
	ts, err := event.Time()
	if err != nil {
		return "", errors.NewValidationError("INVALID_TIMESTAMP",
			"event timestamp is not parseable").WithCause(err)
	}

	sessionJSON, err := marshalNullable(event.SessionContext)
	if err != nil {
		return "", errors.NewInternalError("marshal session context").WithCause(err)
	}
	extensionsJSON, err := marshalNullable(event.Extensions)
	if err != nil {
		return "", errors.NewInternalError("marshal extensions").WithCause(err)
	}

	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	_, err = r.db.Exec(ctx, query,
		event.ID, ts, event.Timestamp, event.Action, string(event.Status),
		nullable(event.PrincipalID), nullable(event.OrganizationID),
		nullable(event.TargetResourceType), nullable(event.TargetResourceID),
		nullable(event.OutcomeDescription), string(event.DataClassification),
		event.RetentionPolicy, nullable(event.CorrelationID), event.EventVersion,
		sessionJSON, nullable(event.Hash), nullable(event.HashAlgorithm),
		nullable(event.Signature), nullable(event.SignatureAlgorithm),
		nullable(event.SignatureKeyID), event.ProcessingLatency,
		event.QueueDepth, event.Restricted, extensionsJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", errors.NewDuplicateError(
				fmt.Sprintf("event %s already stored", event.ID))
		}
		return "", storageErr("insert event", err)
	}
	return event.ID, nil
}

// QueryByOrg returns one page of a tenant's events
func (r *EventRepository) QueryByOrg(ctx context.Context, orgID string, filter audit.EventFilter, page audit.Pagination, sort audit.Sort) (*audit.Page, error) {
	where, args := buildFilter(filter)
	args = append(args, orgID)
	where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	clause := "WHERE " + strings.Join(where, " AND ")

	var total int64
	countQuery := "SELECT COUNT(*) FROM audit_events " + clause
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, storageErr("count events", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(
		"SELECT %s FROM audit_events %s ORDER BY %s LIMIT %d OFFSET %d",
		eventColumns, clause, orderBy(sort), limit, page.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	defer rows.Close()

	events := make([]*audit.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query events", err)
	}

	return &audit.Page{
		Events:  events,
		Total:   total,
		HasMore: int64(page.Offset+len(events)) < total,
	}, nil
}

// Stream yields matching events in primary-key order, restartable from
// a cursor. Used by the integrity verifier and GDPR exports.
func (r *EventRepository) Stream(ctx context.Context, filter audit.EventFilter, cursor audit.Cursor, batchSize int, fn func(*audit.Event) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	afterID := cursor.AfterID

	for {
		where, args := buildFilter(filter)
		if afterID != "" {
			args = append(args, afterID)
			where = append(where, fmt.Sprintf("id > $%d", len(args)))
		}
		clause := ""
		if len(where) > 0 {
			clause = "WHERE " + strings.Join(where, " AND ")
		}
		query := fmt.Sprintf(
			"SELECT %s FROM audit_events %s ORDER BY id LIMIT %d",
			eventColumns, clause, batchSize)

		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return storageErr("stream events", err)
		}

		batch := make([]*audit.Event, 0, batchSize)
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storageErr("stream events", err)
		}

		for _, ev := range batch {
			if err := fn(ev); err != nil {
				return err
			}
			afterID = ev.ID
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

// UpdatePseudonym replaces a subject's principal_id within one
// transaction. The only permitted critical-field mutation, and because
// the principal is part of the hash projection every sealed row is
// re-sealed under the pseudonym so integrity verification keeps
// passing.
func (r *EventRepository) UpdatePseudonym(ctx context.Context, originalPrincipalID, pseudonymID, orgID string) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, storageErr("begin pseudonym update", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf("SELECT %s FROM audit_events WHERE principal_id = $1", eventColumns)
	args := []any{originalPrincipalID}
	if orgID != "" {
		query += " AND organization_id = $2"
		args = append(args, orgID)
	}
	query += " FOR UPDATE"

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return 0, storageErr("select for pseudonym update", err)
	}
	var events []*audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("select for pseudonym update", err)
	}

	for _, ev := range events {
		ev.PrincipalID = pseudonymID
		if err := r.reseal(ctx, ev); err != nil {
			return 0, err
		}
		_, err := tx.Exec(ctx, `
			UPDATE audit_events
			SET principal_id = $1, hash = $2, hash_algorithm = $3,
			    signature = $4, signature_algorithm = $5, signature_key_id = $6
			WHERE id = $7`,
			pseudonymID, nullable(ev.Hash), nullable(ev.HashAlgorithm),
			nullable(ev.Signature), nullable(ev.SignatureAlgorithm),
			nullable(ev.SignatureKeyID), ev.ID,
		)
		if err != nil {
			return 0, storageErr("update pseudonym", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("commit pseudonym update", err)
	}

	if r.logger != nil {
		r.logger.Info("principal pseudonymized",
			zap.String("pseudonym", pseudonymID),
			zap.Int64("events", int64(len(events))))
	}
	return int64(len(events)), nil
}

// reseal recomputes the seal after a principal rewrite. Unsealed rows
// stay unsealed; signed rows must re-sign or the rewrite fails, since a
// stale signature would flag the row as tampered.
func (r *EventRepository) reseal(ctx context.Context, ev *audit.Event) error {
	if ev.Hash == "" {
		return nil
	}
	if r.sealer == nil {
		return errors.NewConfigError("pseudonym rewrite of sealed events requires a sealer")
	}
	signed := ev.Signature != ""
	return r.sealer.Seal(ctx, ev, signed, signed)
}

// DeleteEvents hard-deletes the given event IDs
func (r *EventRepository) DeleteEvents(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, "DELETE FROM audit_events WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, storageErr("delete events", err)
	}
	return tag.RowsAffected(), nil
}

// SetRestricted tags a subject's events for processing restriction
func (r *EventRepository) SetRestricted(ctx context.Context, principalID string, restricted bool) (int64, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE audit_events SET restricted = $1 WHERE principal_id = $2",
		restricted, principalID)
	if err != nil {
		return 0, storageErr("set restricted", err)
	}
	return tag.RowsAffected(), nil
}

// CountOlderThan supports the retention job
func (r *EventRepository) CountOlderThan(ctx context.Context, policy string, cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_events WHERE retention_policy = $1 AND timestamp_utc < $2",
		policy, cutoff).Scan(&n)
	if err != nil {
		return 0, storageErr("count expired events", err)
	}
	return n, nil
}

// ListExpired returns events past their retention cutoff, oldest first
func (r *EventRepository) ListExpired(ctx context.Context, policy string, cutoff time.Time, limit int) ([]*audit.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(
		"SELECT %s FROM audit_events WHERE retention_policy = $1 AND timestamp_utc < $2 ORDER BY timestamp_utc LIMIT %d",
		eventColumns, limit)

	rows, err := r.db.Query(ctx, query, policy, cutoff)
	if err != nil {
		return nil, storageErr("list expired events", err)
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*audit.Event, error) {
	var (
		ev             audit.Event
		ts             time.Time
		principal      *string
		org            *string
		resourceType   *string
		resourceID     *string
		outcome        *string
		correlation    *string
		sessionJSON    []byte
		hash           *string
		hashAlg        *string
		signature      *string
		signatureAlg   *string
		signatureKeyID *string
		extensionsJSON []byte
	)

	err := row.Scan(
		&ev.ID, &ts, &ev.Timestamp, &ev.Action, &ev.Status,
		&principal, &org, &resourceType, &resourceID,
		&outcome, &ev.DataClassification, &ev.RetentionPolicy, &correlation,
		&ev.EventVersion, &sessionJSON, &hash, &hashAlg, &signature,
		&signatureAlg, &signatureKeyID, &ev.ProcessingLatency, &ev.QueueDepth,
		&ev.Restricted, &extensionsJSON,
	)
	if err != nil {
		return nil, storageErr("scan event", err)
	}

	ev.PrincipalID = deref(principal)
	ev.OrganizationID = deref(org)
	ev.TargetResourceType = deref(resourceType)
	ev.TargetResourceID = deref(resourceID)
	ev.OutcomeDescription = deref(outcome)
	ev.CorrelationID = deref(correlation)
	ev.Hash = deref(hash)
	ev.HashAlgorithm = deref(hashAlg)
	ev.Signature = deref(signature)
	ev.SignatureAlgorithm = deref(signatureAlg)
	ev.SignatureKeyID = deref(signatureKeyID)

	if len(sessionJSON) > 0 {
		var sc audit.SessionContext
		if err := json.Unmarshal(sessionJSON, &sc); err != nil {
			return nil, errors.NewInternalError("unmarshal session context").WithCause(err)
		}
		ev.SessionContext = &sc
	}
	if len(extensionsJSON) > 0 {
		if err := json.Unmarshal(extensionsJSON, &ev.Extensions); err != nil {
			return nil, errors.NewInternalError("unmarshal extensions").WithCause(err)
		}
	}
	return &ev, nil
}

func buildFilter(filter audit.EventFilter) ([]string, []any) {
	var where []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if !filter.From.IsZero() {
		add("timestamp_utc >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("timestamp_utc <= $%d", filter.To)
	}
	if len(filter.PrincipalIDs) > 0 {
		add("principal_id = ANY($%d)", filter.PrincipalIDs)
	}
	if len(filter.OrganizationIDs) > 0 {
		add("organization_id = ANY($%d)", filter.OrganizationIDs)
	}
	if len(filter.Actions) > 0 {
		add("action = ANY($%d)", filter.Actions)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(filter.DataClassifications) > 0 {
		classes := make([]string, len(filter.DataClassifications))
		for i, c := range filter.DataClassifications {
			classes[i] = string(c)
		}
		add("data_classification = ANY($%d)", classes)
	}
	if len(filter.ResourceTypes) > 0 {
		add("target_resource_type = ANY($%d)", filter.ResourceTypes)
	}
	if filter.CorrelationID != "" {
		add("correlation_id = $%d", filter.CorrelationID)
	}
	if filter.VerifiedOnly {
		where = append(where, "hash IS NOT NULL")
	}
	if !filter.IncludeRestricted {
		where = append(where, "NOT restricted")
	}
	return where, args
}

var sortableColumns = map[string]string{
	"":          "timestamp_utc",
	"timestamp": "timestamp_utc",
	"action":    "action",
	"status":    "status",
	"principal": "principal_id",
	"id":        "id",
}

func orderBy(sort audit.Sort) string {
	column, ok := sortableColumns[sort.Field]
	if !ok {
		column = "timestamp_utc"
	}
	if sort.Descending {
		return column + " DESC"
	}
	return column + " ASC"
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *audit.SessionContext:
		if val == nil {
			return nil, nil
		}
	case map[string]audit.Value:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
