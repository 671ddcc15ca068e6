package database

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// TxStarter is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type TxStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTx runs fn inside a transaction, committing if fn returns nil.
func WithTx(ctx context.Context, db TxStarter, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return Wrap("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Wrap("commit transaction", err)
	}
	return nil
}

// LockEvent takes a transaction-scoped advisory lock for one event, so
// position renumbering for that event never runs on a stale snapshot.
func LockEvent(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, eventID.String()); err != nil {
		return Wrap("lock event", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Wrap annotates err with op. Connection-level failures are marked so
// callers can tell an outage from a bad query; see IsUnavailable.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectivity(err) {
		return &unavailableError{op: op, err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// unavailableError reports Unavailable() so layers above can classify it
// without importing this package.
type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string     { return e.op + ": database unavailable: " + e.err.Error() }
func (e *unavailableError) Unwrap() error     { return e.err }
func (e *unavailableError) Unavailable() bool { return true }

// IsUnavailable reports whether err came from a connection-level failure.
func IsUnavailable(err error) bool {
	var u *unavailableError
	return errors.As(err, &u)
}

func isConnectivity(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
