// Package accounts implements the Account Registry (spec.md §4.2): the
// in-memory authoritative cache of accounts, loaded fully at bootstrap and
// mutated write-through to the Durable Store.
package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/agency/internal/errs"
	"github.com/aristath/agency/internal/store"
)

// Type is an account's category (spec.md §3).
type Type string

const (
	TypePrimaryRevenue    Type = "primary-revenue"
	TypeOperationalExpense Type = "operational-expense"
	TypeReserve           Type = "reserve"
	TypeInvestment        Type = "investment"
)

// Status is an account's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Account is a ledger account (spec.md §3).
type Account struct {
	ID          string
	Name        string
	Type        Type
	Balance     decimal.Decimal
	Currency    string
	Status      Status
	CreatedAt   time.Time
	LastTxnAt   *time.Time
}

// allowsNegative reports whether this account type may carry a negative
// balance. Only operational-expense does (spec.md §4.3 step 2; §9 Open
// Question — investment stays strict until clarified).
func (t Type) allowsNegative() bool {
	return t == TypeOperationalExpense
}

// AllowsNegative is the exported form used by the Transaction Processor's
// balance-feasibility check.
func (a *Account) AllowsNegative() bool {
	return a.Type.allowsNegative()
}

// Summary is the result of accountSummary() (spec.md §6): the byType
// breakdown plus every cached account.
type Summary struct {
	ByType map[Type]TypeSummary
	Accounts []Account
}

// TypeSummary aggregates count and total balance for one account type.
type TypeSummary struct {
	Count        int
	TotalBalance decimal.Decimal
}

// Registry is the Account Registry: a map {account-id -> Account} loaded
// fully at bootstrap, with write-through mutation (spec.md §4.2).
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Account
	st       *store.Store
}

// New constructs an empty registry bound to st. Call LoadAll to bootstrap
// from persisted state.
func New(st *store.Store) *Registry {
	return &Registry{
		byID: make(map[string]*Account),
		st:   st,
	}
}

// LoadAll populates the in-memory cache from the Durable Store. Mirrors the
// original system's explicit bootstrap cache load
// (`AccountManager._load_accounts_cache()`); called once from System.New.
func (r *Registry) LoadAll(ctx context.Context) error {
	rows, err := r.st.Query(ctx, `SELECT id, name, type, balance, currency, status, created_at, last_txn_at FROM accounts`)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make(map[string]*Account)
	for rows.Next() {
		var (
			a          Account
			balanceStr string
			createdStr string
			lastTxnStr sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &balanceStr, &a.Currency, &a.Status, &createdStr, &lastTxnStr); err != nil {
			return fmt.Errorf("scan account row: %w", err)
		}
		bal, err := decimal.NewFromString(balanceStr)
		if err != nil {
			return fmt.Errorf("parse balance for account %s: %w", a.ID, err)
		}
		a.Balance = bal
		createdAt, err := time.Parse(time.RFC3339, createdStr)
		if err != nil {
			return fmt.Errorf("parse created_at for account %s: %w", a.ID, err)
		}
		a.CreatedAt = createdAt
		if lastTxnStr.Valid {
			t, err := time.Parse(time.RFC3339, lastTxnStr.String)
			if err == nil {
				a.LastTxnAt = &t
			}
		}
		loaded[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.byID = loaded
	r.mu.Unlock()
	return nil
}

// Create inserts a brand-new account, persisting first then caching
// (write-through; spec.md §4.2).
func (r *Registry) Create(ctx context.Context, a Account) error {
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var lastTxn any
	if a.LastTxnAt != nil {
		lastTxn = a.LastTxnAt.Format(time.RFC3339)
	}

	_, err := r.st.Exec(ctx,
		`INSERT INTO accounts (id, name, type, balance, currency, status, created_at, last_txn_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Type), a.Balance.String(), a.Currency, string(a.Status), a.CreatedAt.Format(time.RFC3339), lastTxn,
	)
	if err != nil {
		return err
	}

	r.mu.Lock()
	cp := a
	r.byID[a.ID] = &cp
	r.mu.Unlock()
	return nil
}

// Get returns the cached account, or ErrAccountNotFound.
func (r *Registry) Get(id string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, errs.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

// ListByType returns a snapshot of every account of the given type, whatever
// its status; closed accounts are included.
func (r *Registry) ListByType(t Type) []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Account
	for _, a := range r.byID {
		if a.Type == t {
			out = append(out, *a)
		}
	}
	return out
}

// UpdateBalance persists and caches a new balance for id. MUST be called
// only from within the Transaction Processor's per-account critical
// section (spec.md §4.2) — the registry itself does not serialize this
// call beyond the internal mutex guarding the map write.
//
// On store failure the in-memory copy is left untouched and the error is
// returned, per spec.md §4.2's "on Store failure the in-memory copy is NOT
// updated" rule.
func (r *Registry) UpdateBalance(ctx context.Context, id string, newBalance decimal.Decimal, asOf time.Time) error {
	_, err := r.st.Exec(ctx,
		`UPDATE accounts SET balance = ?, last_txn_at = ? WHERE id = ?`,
		newBalance.String(), asOf.Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return errs.ErrAccountNotFound
	}
	a.Balance = newBalance
	t := asOf
	a.LastTxnAt = &t
	return nil
}

// Summary reports count and total balance per account type (spec.md §6
// `accountSummary()`).
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Summary{ByType: make(map[Type]TypeSummary), Accounts: make([]Account, 0, len(r.byID))}
	for _, a := range r.byID {
		out.Accounts = append(out.Accounts, *a)
		ts := out.ByType[a.Type]
		ts.Count++
		ts.TotalBalance = ts.TotalBalance.Add(a.Balance)
		out.ByType[a.Type] = ts
	}
	return out
}
