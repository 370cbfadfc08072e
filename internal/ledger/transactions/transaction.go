// Package transactions implements the Transaction Processor (spec.md §4.3):
// the atomic validate→screen→post→persist pipeline enforcing the ledger's
// balance invariants.
package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/agency/internal/config"
	"github.com/aristath/agency/internal/errs"
	"github.com/aristath/agency/internal/ledger/accounts"
	"github.com/aristath/agency/internal/ledger/fraud"
	"github.com/aristath/agency/internal/store"
)

// Direction is the leg of a double-entry posting.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Category classifies the business purpose of a transaction (spec.md §3).
type Category string

const (
	CategoryRevenue            Category = "revenue"
	CategoryOperationalExpense Category = "operational-expense"
	CategoryAgentCost          Category = "agent-cost"
	CategoryInfrastructure     Category = "infrastructure"
	CategoryMarketing          Category = "marketing"
	CategoryDevelopment        Category = "development"
	CategoryTransfer           Category = "transfer"
	CategoryInvestment         Category = "investment"
	CategoryDistribution       Category = "distribution"
)

// ValidationStatus is a transaction's lifecycle state (spec.md §3).
type ValidationStatus string

const (
	StatusPending         ValidationStatus = "pending"
	StatusValidated       ValidationStatus = "validated"
	StatusRejected        ValidationStatus = "rejected"
	StatusRequiresReview  ValidationStatus = "requires-review"
)

// Transaction is a single ledger posting (spec.md §3).
type Transaction struct {
	ID             string
	AccountID      string
	Direction      Direction
	Amount         decimal.Decimal
	Category       Category
	Subcategory    string
	Description    string
	ExternalID     string
	TaskID         string
	ProjectID      string
	WorkerID       string
	Reference      string
	TxnTime        time.Time
	ProcessedTime  *time.Time
	Status         ValidationStatus
	Metadata       map[string]any
}

// PostResult is the outcome of submitting a transaction (spec.md §6
// `submitTransaction`).
type PostResult struct {
	Posted        bool
	NewBalance    decimal.Decimal
	ProcessedTime time.Time
	Rejected      bool
	HeldForReview bool
	Reasons       []string
	RiskFactors   []string
	Transaction   Transaction
}

// TransferResult is the outcome of a two-leg transfer (spec.md §6).
type TransferResult struct {
	DebitID  string
	CreditID string
}

// Processor is the Transaction Processor (spec.md §4.3).
type Processor struct {
	st       *store.Store
	accounts *accounts.Registry
	cfg      *config.Config
	log      zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per-account critical section

	activityMu sync.Mutex
	activity   map[string][]postedEntry // account id -> recent validated postings, for fraud scoring
}

type postedEntry struct {
	amount decimal.Decimal
	at     time.Time
}

// New constructs a Processor bound to the given store and account registry.
func New(st *store.Store, reg *accounts.Registry, cfg *config.Config, log zerolog.Logger) *Processor {
	return &Processor{
		st:       st,
		accounts: reg,
		cfg:      cfg,
		log:      log.With().Str("component", "transactions").Logger(),
		locks:    make(map[string]*sync.Mutex),
		activity: make(map[string][]postedEntry),
	}
}

func (p *Processor) lockFor(accountID string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[accountID] = l
	}
	return l
}

// Submit runs the full pipeline for a single transaction (spec.md §4.3
// steps 1-6).
func (p *Processor) Submit(ctx context.Context, txn Transaction) (PostResult, error) {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.TxnTime.IsZero() {
		txn.TxnTime = time.Now().UTC()
	}
	txn.Status = StatusPending

	// 1. Static validation.
	if reasons := p.staticValidate(txn); len(reasons) > 0 {
		txn.Status = StatusRejected
		return PostResult{Rejected: true, Reasons: reasons, Transaction: txn}, nil
	}

	acct, err := p.accounts.Get(txn.AccountID)
	if err != nil {
		return PostResult{}, err
	}
	if acct.Status != accounts.StatusActive {
		txn.Status = StatusRejected
		return PostResult{Rejected: true, Reasons: []string{"account not active"}, Transaction: txn}, nil
	}

	lock := p.lockFor(txn.AccountID)
	lock.Lock()
	defer lock.Unlock()

	// Re-fetch inside the critical section: another posting may have
	// changed the balance between the pre-check above and now.
	acct, err = p.accounts.Get(txn.AccountID)
	if err != nil {
		return PostResult{}, err
	}

	// 2. Balance feasibility.
	if txn.Direction == DirectionDebit && !acct.AllowsNegative() {
		if acct.Balance.LessThan(txn.Amount) {
			txn.Status = StatusRejected
			return PostResult{Rejected: true, Reasons: []string{errs.ErrInsufficientBalance.Error()}, Transaction: txn}, nil
		}
	}

	// 3. Fraud screen.
	screen := fraud.Score(p.cfg.Fraud, fraud.Candidate{
		Amount:    txn.Amount,
		Direction: fraud.Direction(txn.Direction),
		At:        txn.TxnTime,
	}, p.recentActivity(txn.AccountID, txn.TxnTime), p.cfg.MaxSingleTxn, p.cfg.MaxDailyTxn)

	// 4. Decision.
	if screen.RiskLevel == fraud.RiskHigh {
		txn.Status = StatusRequiresReview
		if err := p.persistAudit(ctx, txn); err != nil {
			p.log.Warn().Err(err).Str("txn_id", txn.ID).Msg("failed to persist requires-review transaction for audit")
		}
		return PostResult{HeldForReview: true, RiskFactors: screen.Factors, Transaction: txn}, nil
	}

	// 5. Post.
	newBalance := acct.Balance
	switch txn.Direction {
	case DirectionCredit:
		newBalance = newBalance.Add(txn.Amount)
	case DirectionDebit:
		newBalance = newBalance.Sub(txn.Amount)
	}

	now := time.Now().UTC()
	txn.Status = StatusValidated
	txn.ProcessedTime = &now

	if err := p.persist(ctx, txn); err != nil {
		return PostResult{}, err
	}
	if err := p.accounts.UpdateBalance(ctx, txn.AccountID, newBalance, now); err != nil {
		return PostResult{}, err
	}

	p.recordActivity(txn.AccountID, txn.Amount, txn.TxnTime)

	// 6. Acknowledge.
	return PostResult{Posted: true, NewBalance: newBalance, ProcessedTime: now, Transaction: txn}, nil
}

func (p *Processor) staticValidate(txn Transaction) []string {
	var reasons []string
	if txn.AccountID == "" {
		reasons = append(reasons, "missing account id")
	}
	if txn.Amount.IsZero() || txn.Amount.IsNegative() {
		reasons = append(reasons, "amount must be positive")
	}
	if txn.Amount.LessThan(p.cfg.MinTxnAmount) || txn.Amount.GreaterThan(p.cfg.MaxTxnAmount) {
		reasons = append(reasons, "amount out of configured bounds")
	}
	if txn.Description == "" {
		reasons = append(reasons, "missing description")
	}
	if txn.Category == "" {
		reasons = append(reasons, "missing category")
	}
	return reasons
}

func (p *Processor) recentActivity(accountID string, at time.Time) fraud.RecentActivity {
	p.activityMu.Lock()
	defer p.activityMu.Unlock()

	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	window := at.Add(-p.cfg.Fraud.RapidSuccessionWindow)

	var dailyTotal decimal.Decimal
	var recentCount int
	for _, e := range p.activity[accountID] {
		if !e.at.Before(dayStart) {
			dailyTotal = dailyTotal.Add(e.amount)
		}
		if !e.at.Before(window) {
			recentCount++
		}
	}
	return fraud.RecentActivity{DailyValidatedTotal: dailyTotal, RecentTxnCount: recentCount}
}

func (p *Processor) recordActivity(accountID string, amount decimal.Decimal, at time.Time) {
	p.activityMu.Lock()
	defer p.activityMu.Unlock()

	cutoff := at.Add(-24 * time.Hour)
	kept := p.activity[accountID][:0]
	for _, e := range p.activity[accountID] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	p.activity[accountID] = append(kept, postedEntry{amount: amount, at: at})
}

func (p *Processor) persist(ctx context.Context, txn Transaction) error {
	return p.insertRow(ctx, txn)
}

func (p *Processor) persistAudit(ctx context.Context, txn Transaction) error {
	return p.insertRow(ctx, txn)
}

func (p *Processor) insertRow(ctx context.Context, txn Transaction) error {
	var processed any
	if txn.ProcessedTime != nil {
		processed = txn.ProcessedTime.Format(time.RFC3339)
	}
	_, err := p.st.Exec(ctx, `
		INSERT INTO transactions (
			id, account_id, direction, amount, category, subcategory, description,
			external_id, task_id, project_id, worker_id, reference, txn_time,
			processed_time, status, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.AccountID, string(txn.Direction), txn.Amount.String(), string(txn.Category), txn.Subcategory,
		txn.Description, txn.ExternalID, txn.TaskID, txn.ProjectID, txn.WorkerID, txn.Reference,
		txn.TxnTime.Format(time.RFC3339), processed, string(txn.Status), encodeMetadata(txn.Metadata),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	// Metadata is free-form and small; a deterministic, dependency-free
	// encoding keeps this leaf function simple. Aggregation/Reporting reads
	// structured columns, not this blob, so a full JSON round-trip isn't
	// load-bearing here.
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Transfer posts a debit on fromID and a credit on toID sharing a reference
// number (spec.md §4.3 "Transfers"). If the credit leg fails after the
// debit posted, and TransferCompensation is enabled, a reversing credit is
// posted to fromID (spec.md §9 Open Question).
func (p *Processor) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, description string) (TransferResult, error) {
	ref := uuid.NewString()

	debit := Transaction{
		AccountID:   fromID,
		Direction:   DirectionDebit,
		Amount:      amount,
		Category:    CategoryTransfer,
		Description: description,
		Reference:   ref,
	}
	debitResult, err := p.Submit(ctx, debit)
	if err != nil {
		return TransferResult{}, err
	}
	if !debitResult.Posted {
		return TransferResult{}, fmt.Errorf("%w: debit leg not posted: %v", errs.ErrInvalidTransaction, debitResult.Reasons)
	}

	credit := Transaction{
		AccountID:   toID,
		Direction:   DirectionCredit,
		Amount:      amount,
		Category:    CategoryTransfer,
		Description: description,
		Reference:   ref,
	}
	creditResult, err := p.Submit(ctx, credit)
	if err != nil || !creditResult.Posted {
		if p.cfg.TransferCompensation {
			reversal := Transaction{
				AccountID:   fromID,
				Direction:   DirectionCredit,
				Amount:      amount,
				Category:    CategoryTransfer,
				Description: "compensating reversal for failed transfer " + ref,
				Reference:   ref,
			}
			if _, rerr := p.Submit(ctx, reversal); rerr != nil {
				p.log.Error().Err(rerr).Str("reference", ref).Msg("failed to post compensating reversal after failed transfer credit leg")
			}
		}
		if err != nil {
			return TransferResult{}, err
		}
		return TransferResult{}, fmt.Errorf("%w: credit leg not posted: %v", errs.ErrInvalidTransaction, creditResult.Reasons)
	}

	return TransferResult{DebitID: debitResult.Transaction.ID, CreditID: creditResult.Transaction.ID}, nil
}
