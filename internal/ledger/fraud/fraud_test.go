package fraud

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/agency/internal/config"
)

func testConfig() config.FraudConfig {
	return config.FraudConfig{
		LargeAmountScore:      30,
		DailyTotalScore:       25,
		RapidSuccessionScore:  20,
		RapidSuccessionCount:  5,
		RapidSuccessionWindow: 5 * time.Minute,
		RoundAmountScore:      5,
		RoundAmountThreshold:  decimal.RequireFromString("1000"),
		UnusualTimeScore:      10,
		UnusualTimeStartHour:  6,
		UnusualTimeEndHour:    22,
		HighRiskThreshold:     50,
		MediumRiskThreshold:   25,
	}
}

func TestScore_LargeAmountAndUnusualTimeIsHighRisk(t *testing.T) {
	cfg := testConfig()
	at := time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC) // 03:00, Saturday
	txn := Candidate{Amount: decimal.RequireFromString("11000"), Direction: DirectionDebit, At: at}

	result := Score(cfg, txn, RecentActivity{}, decimal.RequireFromString("10000"), decimal.RequireFromString("25000"))

	assert.Equal(t, RiskHigh, result.RiskLevel)
	assert.Contains(t, result.Factors, "large-amount")
	assert.Contains(t, result.Factors, "unusual-time")
	assert.GreaterOrEqual(t, result.RiskScore, 50)
}

func TestScore_SmallWeekdayDaytimeAmountIsLowRisk(t *testing.T) {
	cfg := testConfig()
	at := time.Date(2026, 1, 6, 14, 0, 0, 0, time.UTC) // Tuesday 14:00
	txn := Candidate{Amount: decimal.RequireFromString("50"), Direction: DirectionDebit, At: at}

	result := Score(cfg, txn, RecentActivity{}, decimal.RequireFromString("10000"), decimal.RequireFromString("25000"))

	assert.Equal(t, RiskLow, result.RiskLevel)
	assert.Empty(t, result.Factors)
}

func TestScore_RoundAmountAboveThreshold(t *testing.T) {
	cfg := testConfig()
	at := time.Date(2026, 1, 6, 14, 0, 0, 0, time.UTC)
	txn := Candidate{Amount: decimal.RequireFromString("2000"), Direction: DirectionCredit, At: at}

	result := Score(cfg, txn, RecentActivity{}, decimal.RequireFromString("10000"), decimal.RequireFromString("25000"))

	assert.Contains(t, result.Factors, "round-amount")
}

func TestScore_RapidSuccessionBreach(t *testing.T) {
	cfg := testConfig()
	at := time.Date(2026, 1, 6, 14, 0, 0, 0, time.UTC)
	txn := Candidate{Amount: decimal.RequireFromString("50"), Direction: DirectionDebit, At: at}

	result := Score(cfg, txn, RecentActivity{RecentTxnCount: 6}, decimal.RequireFromString("10000"), decimal.RequireFromString("25000"))

	assert.Contains(t, result.Factors, "rapid-succession")
}
