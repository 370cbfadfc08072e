// Package store implements the Durable Store: the only component that
// touches persistent storage. Writes are serialized through one writer lock
// (see Store.Exec); reads share the connection pool without it. The PRAGMA
// profile is tuned for an append-mostly financial audit trail.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Profile selects the PRAGMA set applied to the connection.
type Profile string

const (
	// ProfileLedger — maximum safety, append-only audit trail.
	ProfileLedger Profile = "ledger"
	// ProfileStandard — balanced configuration for everyday use.
	ProfileStandard Profile = "standard"
)

// Config configures the durable store's connection.
type Config struct {
	Path    string
	Profile Profile
	Name    string
}

// DB wraps the SQLite connection with the PRAGMAs and pool limits the
// ledger's durability requirements demand.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
	name    string
}

// Open creates (or opens) the durable store's SQLite database.
func Open(cfg Config) (*DB, error) {
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", buildConnectionString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	configureConnectionPool(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

func buildConnectionString(path string, profile Profile) string {
	connStr := path + "?_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileLedger:
		connStr += "&_pragma=synchronous(FULL)"
		connStr += "&_pragma=auto_vacuum(NONE)"
	default:
		connStr += "&_pragma=synchronous(NORMAL)"
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"

	return connStr
}

func configureConnectionPool(conn *sql.DB) {
	// The durable store is single-writer by design (see Store.Exec); callers
	// only need one connection for writes and a handful for concurrent reads.
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the raw *sql.DB for callers that need transaction control.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}
