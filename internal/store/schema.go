package store

import "fmt"

// schemaSQL is the single source of truth for the durable store's tables.
// Amounts are stored as TEXT to keep decimal arithmetic lossless (spec.md
// §4.3 "Numeric semantics" — floats are forbidden at rest).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL,
	balance          TEXT NOT NULL,
	currency         TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	last_txn_at      TEXT
);

CREATE TABLE IF NOT EXISTS transactions (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id),
	direction        TEXT NOT NULL,
	amount           TEXT NOT NULL,
	category         TEXT NOT NULL,
	subcategory      TEXT,
	description      TEXT NOT NULL,
	external_id      TEXT,
	task_id          TEXT,
	project_id       TEXT,
	worker_id        TEXT,
	reference        TEXT,
	txn_time         TEXT NOT NULL,
	processed_time   TEXT,
	status           TEXT NOT NULL,
	metadata         TEXT,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(txn_time);
CREATE INDEX IF NOT EXISTS idx_transactions_category ON transactions(category);

CREATE TABLE IF NOT EXISTS reports (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	period_start     TEXT NOT NULL,
	period_end       TEXT NOT NULL,
	generated_at     TEXT NOT NULL,
	payload          BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_type ON reports(type);
CREATE INDEX IF NOT EXISTS idx_reports_date ON reports(generated_at);
`

// Migrate applies the schema. It is idempotent: CREATE ... IF NOT EXISTS
// makes repeat calls (e.g. on every process start) safe.
func (s *Store) Migrate() error {
	tx, err := s.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := tx.Exec(schemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tx.Commit()
}
