// Package storage implements the Postgres repositories behind the
// pipeline's durable state: events, integrity findings, the dead
// letter queue, pseudonym mappings, alerts, reports, and presets.
package storage

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// DB is the query surface shared by pools and transactions
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner adds transaction support, satisfied by *pgxpool.Pool
type TxBeginner interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ TxBeginner = (*pgxpool.Pool)(nil)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

func storageErr(op string, err error) error {
	return errors.NewStorageUnavailableError(op + " failed").WithCause(err)
}
