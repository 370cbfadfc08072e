package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Error kinds returned by the Durable Store (spec.md §4.1).
var (
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrSerializationFailure = errors.New("serialization failure")
)

// Store is the Durable Store. It is the only component that touches
// persistent storage, and serializes every write through a single writer
// lock so that `exec` is atomic per call (spec.md §4.1).
type Store struct {
	db  *DB
	log zerolog.Logger

	writeMu sync.Mutex
}

// New wraps an open DB as a Durable Store and applies the schema.
func New(db *DB, log zerolog.Logger) (*Store, error) {
	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection wrapper, for callers (cloud backup)
// that need the raw file path rather than the query/exec API.
func (s *Store) DB() *DB {
	return s.db
}

// Exec runs a single-row write statement under the store's writer lock,
// giving per-call atomicity regardless of how many accounts/rows the
// statement touches.
func (s *Store) Exec(ctx context.Context, statement string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.conn.ExecContext(ctx, statement, args...)
	if err != nil {
		return nil, classifyWriteError(err)
	}
	return res, nil
}

// WithTx runs fn inside a single database transaction under the writer
// lock, so multi-statement postings (e.g. transaction row + balance update)
// are atomic with respect to other writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// Query runs a read-only query. Reads do not take the writer lock — SQLite's
// WAL mode allows concurrent readers alongside the single writer.
func (s *Store) Query(ctx context.Context, statement string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.conn.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rows, nil
}

// QueryRow runs a read-only single-row query.
func (s *Store) QueryRow(ctx context.Context, statement string, args ...any) *sql.Row {
	return s.db.conn.QueryRowContext(ctx, statement, args...)
}

func classifyWriteError(err error) error {
	msg := err.Error()
	switch {
	case contains(msg, "UNIQUE constraint") || contains(msg, "FOREIGN KEY constraint") || contains(msg, "CHECK constraint"):
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	case contains(msg, "database is locked") || contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrSerializationFailure, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
