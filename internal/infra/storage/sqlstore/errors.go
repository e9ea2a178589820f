package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// Classify wraps a storage error with its domain kind. Connection loss,
// serialization failures and lock contention are transient; constraint and
// schema violations mean the handler wrote something the tables reject.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != nil {
		return err
	}
	if transient(err) {
		return domain.Wrap(domain.ErrTransport, op, err)
	}
	if fatal(err) {
		return domain.Wrap(domain.ErrExecution, op, err)
	}
	// Unknown errors are retried; max_attempts bounds them.
	return domain.Wrap(domain.ErrTransport, op, err)
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if class, ok := sqlState(err); ok {
		switch class {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func fatal(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if class, ok := sqlState(err); ok {
		return class != ""
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrError, sqlite3.ErrTooBig:
			return true
		}
	}
	return false
}

// sqlState returns the two-character SQLSTATE class of a postgres error.
func sqlState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		return pgErr.Code[:2], true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code.Class()), true
	}
	return "", false
}
