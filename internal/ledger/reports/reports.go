// Package reports implements Aggregation/Reporting (spec.md §4.9):
// period-scoped query aggregations over posted transactions.
package reports

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/agency/internal/store"
)

// Report is the structured aggregate emitted for a period (spec.md §4.9).
// Storage is write-once: once persisted, a Report is never updated.
type Report struct {
	ID             string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	GeneratedAt    time.Time
	Revenue        decimal.Decimal
	Expense        decimal.Decimal
	Profit         decimal.Decimal
	Margin         float64 // profit / revenue; 0 when revenue is 0
	CashInflow     decimal.Decimal
	CashOutflow    decimal.Decimal
	CashFlowByDay  map[string]decimal.Decimal // RFC3339 date -> net flow
	ExpenseByCategory map[string]decimal.Decimal
	ExpenseByWorker   map[string]decimal.Decimal
	ExpenseByProject  map[string]decimal.Decimal
	RevenueBySubcategory map[string]decimal.Decimal
	RevenueByCorrelation map[string]decimal.Decimal
	// AmountMean and AmountStdDev are a gonum-computed mean/stddev of all
	// validated amounts in the period, a lightweight signal for the admin
	// dashboard.
	AmountMean   float64
	AmountStdDev float64
}

type txnRow struct {
	accountID   string
	direction   string
	amount      decimal.Decimal
	category    string
	subcategory string
	workerID    string
	projectID   string
	externalID  string
	txnTime     time.Time
}

// Aggregator computes period reports from validated transactions
// (spec.md §4.9).
type Aggregator struct {
	st  *store.Store
	log zerolog.Logger
}

// New constructs an Aggregator bound to st.
func New(st *store.Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{st: st, log: log.With().Str("component", "reports").Logger()}
}

// Generate fetches every validated transaction in [start, end], computes the
// aggregates spec.md §4.9 enumerates, and persists the resulting Report.
func (a *Aggregator) Generate(ctx context.Context, start, end time.Time) (Report, error) {
	rows, err := a.fetchValidated(ctx, start, end)
	if err != nil {
		return Report{}, err
	}

	rpt := Report{
		ID:          uuid.NewString(),
		PeriodStart: start,
		PeriodEnd:   end,
		GeneratedAt: time.Now().UTC(),
		CashFlowByDay:        make(map[string]decimal.Decimal),
		ExpenseByCategory:    make(map[string]decimal.Decimal),
		ExpenseByWorker:      make(map[string]decimal.Decimal),
		ExpenseByProject:     make(map[string]decimal.Decimal),
		RevenueBySubcategory: make(map[string]decimal.Decimal),
		RevenueByCorrelation: make(map[string]decimal.Decimal),
	}

	var amounts []float64
	for _, r := range rows {
		amounts = append(amounts, amountFloat(r.amount))

		day := r.txnTime.Format("2006-01-02")
		net := rpt.CashFlowByDay[day]

		switch r.direction {
		case "credit":
			rpt.CashInflow = rpt.CashInflow.Add(r.amount)
			net = net.Add(r.amount)
		case "debit":
			rpt.CashOutflow = rpt.CashOutflow.Add(r.amount)
			net = net.Sub(r.amount)
		}
		rpt.CashFlowByDay[day] = net

		if isRevenueCategory(r.category) {
			rpt.Revenue = rpt.Revenue.Add(r.amount)
			if r.subcategory != "" {
				rpt.RevenueBySubcategory[r.subcategory] = rpt.RevenueBySubcategory[r.subcategory].Add(r.amount)
			}
			if corr := correlationKey(r); corr != "" {
				rpt.RevenueByCorrelation[corr] = rpt.RevenueByCorrelation[corr].Add(r.amount)
			}
		} else {
			rpt.Expense = rpt.Expense.Add(r.amount)
			rpt.ExpenseByCategory[r.category] = rpt.ExpenseByCategory[r.category].Add(r.amount)
			if r.workerID != "" {
				rpt.ExpenseByWorker[r.workerID] = rpt.ExpenseByWorker[r.workerID].Add(r.amount)
			}
			if r.projectID != "" {
				rpt.ExpenseByProject[r.projectID] = rpt.ExpenseByProject[r.projectID].Add(r.amount)
			}
		}
	}

	rpt.Profit = rpt.Revenue.Sub(rpt.Expense)
	if rpt.Revenue.IsPositive() {
		profitF, _ := rpt.Profit.Float64()
		revF, _ := rpt.Revenue.Float64()
		rpt.Margin = profitF / revF
	}

	if len(amounts) > 0 {
		sort.Float64s(amounts)
		rpt.AmountMean = stat.Mean(amounts, nil)
		if len(amounts) > 1 {
			rpt.AmountStdDev = stat.StdDev(amounts, nil)
		}
	}

	if err := a.persist(ctx, rpt); err != nil {
		return Report{}, err
	}
	return rpt, nil
}

func isRevenueCategory(category string) bool {
	return category == "revenue"
}

func correlationKey(r txnRow) string {
	switch {
	case r.projectID != "":
		return "project:" + r.projectID
	case r.externalID != "":
		return "external:" + r.externalID
	default:
		return ""
	}
}

func amountFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (a *Aggregator) fetchValidated(ctx context.Context, start, end time.Time) ([]txnRow, error) {
	rows, err := a.st.Query(ctx, `
		SELECT account_id, direction, amount, category, subcategory, worker_id, project_id, external_id, txn_time
		FROM transactions
		WHERE status = 'validated' AND txn_time >= ? AND txn_time <= ?`,
		start.Format(time.RFC3339), end.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []txnRow
	for rows.Next() {
		var (
			r          txnRow
			amountStr  string
			subcat     sql.NullString
			workerID   sql.NullString
			projectID  sql.NullString
			externalID sql.NullString
			txnTimeStr string
		)
		if err := rows.Scan(&r.accountID, &r.direction, &amountStr, &r.category, &subcat, &workerID, &projectID, &externalID, &txnTimeStr); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		amt, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		r.amount = amt
		r.subcategory = subcat.String
		r.workerID = workerID.String
		r.projectID = projectID.String
		r.externalID = externalID.String
		t, err := time.Parse(time.RFC3339, txnTimeStr)
		if err != nil {
			return nil, fmt.Errorf("parse txn_time: %w", err)
		}
		r.txnTime = t
		out = append(out, r)
	}
	return out, rows.Err()
}

// persisted is the msgpack-encoded form of Report written to the reports
// table's payload blob (spec.md DOMAIN STACK — compact binary encoding).
type persisted struct {
	Revenue       string            `msgpack:"revenue"`
	Expense       string            `msgpack:"expense"`
	Profit        string            `msgpack:"profit"`
	Margin        float64           `msgpack:"margin"`
	CashInflow    string            `msgpack:"cash_inflow"`
	CashOutflow   string            `msgpack:"cash_outflow"`
	CashFlowByDay map[string]string `msgpack:"cash_flow_by_day"`
	ExpenseByCategory map[string]string `msgpack:"expense_by_category"`
	ExpenseByWorker   map[string]string `msgpack:"expense_by_worker"`
	ExpenseByProject  map[string]string `msgpack:"expense_by_project"`
	RevenueBySubcategory map[string]string `msgpack:"revenue_by_subcategory"`
	RevenueByCorrelation map[string]string `msgpack:"revenue_by_correlation"`
	AmountMean   float64 `msgpack:"amount_mean"`
	AmountStdDev float64 `msgpack:"amount_stddev"`
}

func (a *Aggregator) persist(ctx context.Context, rpt Report) error {
	p := persisted{
		Revenue:     rpt.Revenue.String(),
		Expense:     rpt.Expense.String(),
		Profit:      rpt.Profit.String(),
		Margin:      rpt.Margin,
		CashInflow:  rpt.CashInflow.String(),
		CashOutflow: rpt.CashOutflow.String(),
		CashFlowByDay:        stringify(rpt.CashFlowByDay),
		ExpenseByCategory:    stringify(rpt.ExpenseByCategory),
		ExpenseByWorker:      stringify(rpt.ExpenseByWorker),
		ExpenseByProject:     stringify(rpt.ExpenseByProject),
		RevenueBySubcategory: stringify(rpt.RevenueBySubcategory),
		RevenueByCorrelation: stringify(rpt.RevenueByCorrelation),
		AmountMean:   rpt.AmountMean,
		AmountStdDev: rpt.AmountStdDev,
	}

	payload, err := msgpack.Marshal(p)
	if err != nil {
		return err
	}

	_, err = a.st.Exec(ctx, `
		INSERT INTO reports (id, type, period_start, period_end, generated_at, payload)
		VALUES (?, 'period-report', ?, ?, ?, ?)`,
		rpt.ID, rpt.PeriodStart.Format(time.RFC3339), rpt.PeriodEnd.Format(time.RFC3339), rpt.GeneratedAt.Format(time.RFC3339), payload,
	)
	return err
}

func stringify(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}
