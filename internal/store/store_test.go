package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(Config{Path: filepath.Join(dir, "test.db"), Profile: ProfileLedger, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := New(db, zerolog.Nop())
	require.NoError(t, err)
	return st
}

func TestNew_AppliesSchemaMigration(t *testing.T) {
	st := newTestStore(t)
	row := st.QueryRow(context.Background(), `SELECT name FROM sqlite_master WHERE type='table' AND name='accounts'`)
	var name string
	require.NoError(t, row.Scan(&name))
	assert.Equal(t, "accounts", name)
}

func TestExec_InsertAndQueryRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Exec(ctx, `INSERT INTO accounts (id, name, type, balance, currency, status, created_at, last_txn_at) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		"a1", "Test", "reserve", "100.00", "USD", "active", "2026-01-06T00:00:00Z")
	require.NoError(t, err)

	rows, err := st.Query(ctx, `SELECT id, balance FROM accounts WHERE id = ?`, "a1")
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var id, balance string
	require.NoError(t, rows.Scan(&id, &balance))
	assert.Equal(t, "a1", id)
	assert.Equal(t, "100.00", balance)
}

func TestExec_UniqueConstraintViolationClassified(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insert := `INSERT INTO accounts (id, name, type, balance, currency, status, created_at, last_txn_at) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`
	_, err := st.Exec(ctx, insert, "dup", "Test", "reserve", "0", "USD", "active", "2026-01-06T00:00:00Z")
	require.NoError(t, err)

	_, err = st.Exec(ctx, insert, "dup", "Test", "reserve", "0", "USD", "active", "2026-01-06T00:00:00Z")
	require.ErrorIs(t, err, ErrConstraintViolation)
}

func TestExec_ForeignKeyViolationClassified(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Exec(ctx, `INSERT INTO transactions (
		id, account_id, direction, amount, category, subcategory, description,
		external_id, task_id, project_id, worker_id, reference, txn_time,
		processed_time, status, metadata, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"t1", "does-not-exist", "credit", "10.00", "revenue", "", "desc", "", "", "", "", "",
		"2026-01-06T00:00:00Z", nil, "validated", "{}", "2026-01-06T00:00:00Z")
	require.ErrorIs(t, err, ErrConstraintViolation)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sentinelErr := sql.ErrNoRows
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO accounts (id, name, type, balance, currency, status, created_at, last_txn_at) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
			"rollback-me", "Test", "reserve", "0", "USD", "active", "2026-01-06T00:00:00Z")
		if execErr != nil {
			return execErr
		}
		return sentinelErr
	})
	require.ErrorIs(t, err, sentinelErr)

	row := st.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, "rollback-me")
	var count int
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO accounts (id, name, type, balance, currency, status, created_at, last_txn_at) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
			"committed", "Test", "reserve", "0", "USD", "active", "2026-01-06T00:00:00Z")
		return execErr
	})
	require.NoError(t, err)

	row := st.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, "committed")
	var count int
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}
