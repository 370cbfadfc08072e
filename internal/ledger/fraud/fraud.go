// Package fraud implements the Fraud/Validation Screen (spec.md §4.8): a
// pure function of a transaction plus a recent-activity view supplied by
// the Transaction Processor. It never reads or mutates state itself.
package fraud

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/agency/internal/config"
)

// RiskLevel is the screen's verdict.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Result is the screen's output (spec.md §4.8).
type Result struct {
	RiskLevel RiskLevel
	RiskScore int
	Factors   []string
}

// RecentActivity is the view the Transaction Processor hands the screen:
// enough about the account's recent history to score the transaction
// without the screen touching the store directly.
type RecentActivity struct {
	DailyValidatedTotal decimal.Decimal // sum of validated debits/credits today, pre-this-txn
	RecentTxnCount      int             // count of validated txns within the rapid-succession window
}

// Direction mirrors transactions.Direction without importing that package,
// keeping fraud a leaf dependency of nothing but config and decimal.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Candidate is the minimal view of a transaction the screen needs.
type Candidate struct {
	Amount    decimal.Decimal
	Direction Direction
	At        time.Time // intent time, used for the unusual-time rule
}

// Score runs every configured rule against txn and activity and returns the
// aggregate verdict (spec.md §4.3 step 3).
func Score(cfg config.FraudConfig, txn Candidate, activity RecentActivity, singleTxnCap decimal.Decimal, dailyCap decimal.Decimal) Result {
	var score int
	var factors []string

	if txn.Amount.GreaterThan(singleTxnCap) {
		score += cfg.LargeAmountScore
		factors = append(factors, "large-amount")
	}

	if activity.DailyValidatedTotal.Add(txn.Amount).GreaterThan(dailyCap) {
		score += cfg.DailyTotalScore
		factors = append(factors, "daily-total-breach")
	}

	if activity.RecentTxnCount > cfg.RapidSuccessionCount {
		score += cfg.RapidSuccessionScore
		factors = append(factors, "rapid-succession")
	}

	hundred := decimal.NewFromInt(100)
	if txn.Amount.Mod(hundred).IsZero() && txn.Amount.GreaterThanOrEqual(cfg.RoundAmountThreshold) {
		score += cfg.RoundAmountScore
		factors = append(factors, "round-amount")
	}

	hour := txn.At.Hour()
	weekend := txn.At.Weekday() == time.Saturday || txn.At.Weekday() == time.Sunday
	if weekend || hour < cfg.UnusualTimeStartHour || hour > cfg.UnusualTimeEndHour {
		score += cfg.UnusualTimeScore
		factors = append(factors, "unusual-time")
	}

	level := RiskLow
	if score >= cfg.HighRiskThreshold {
		level = RiskHigh
	} else if score >= cfg.MediumRiskThreshold {
		level = RiskMedium
	}

	return Result{RiskLevel: level, RiskScore: score, Factors: factors}
}
