package priority

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agency/internal/task"
)

func baseTask(now time.Time) *task.Task {
	return &task.Task{
		ID:               "t1",
		CreatedAt:        now,
		EstimatedHours:   4,
		RevenuePotential: 0,
		Requirements:     task.Requirements{},
	}
}

func TestScore_UrgencyDominatesNearDeadline(t *testing.T) {
	now := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	engine := New(zerolog.Nop())

	nearDeadline := now.Add(1 * time.Hour)
	urgent := baseTask(now)
	urgent.Deadline = &nearDeadline

	farRevenue := baseTask(now)
	farRevenue.RevenuePotential = 50000
	farRevenue.Requirements.RevenueType = task.RevenueDirect

	ctx := task.SystemContext{LoadFraction: 0.2}
	urgentScore := engine.Score(urgent, ctx, now)
	revenueScore := engine.Score(farRevenue, ctx, now)

	assert.Greater(t, urgentScore.Composite, revenueScore.Composite)
}

func TestScore_AgingIncreasesCompositeOverWait(t *testing.T) {
	now := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	engine := New(zerolog.Nop())
	ctx := task.SystemContext{LoadFraction: 0.2}

	fresh := baseTask(now)
	fresh.CreatedAt = now

	waited := baseTask(now)
	waited.CreatedAt = now.Add(-24 * time.Hour)

	freshScore := engine.Score(fresh, ctx, now)
	waitedScore := engine.Score(waited, ctx, now)

	assert.Greater(t, waitedScore.Composite, freshScore.Composite)
}

func TestScore_CompositeClampedToRange(t *testing.T) {
	now := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	engine := New(zerolog.Nop())

	deadline := now.Add(1 * time.Hour)
	extreme := baseTask(now)
	extreme.Deadline = &deadline
	extreme.RevenuePotential = 1000000
	extreme.Requirements.ClientTier = task.ClientTierEnterprise
	extreme.Requirements.StrategicImportance = task.StrategicCritical
	extreme.Requirements.StakeholderLevel = task.StakeholderCEO
	extreme.Requirements.RevenueType = task.RevenueDirect
	extreme.TypeTag = "revenue-generation"

	score := engine.Score(extreme, task.SystemContext{LoadFraction: 0.9}, now)
	require.LessOrEqual(t, score.Composite, 100.0)
	require.GreaterOrEqual(t, score.Composite, 0.0)
}

func TestScore_NoDeadlineUsesBaselineUrgency(t *testing.T) {
	now := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	engine := New(zerolog.Nop())
	plain := baseTask(now)

	score := engine.Score(plain, task.SystemContext{LoadFraction: 0.5}, now)
	assert.InDelta(t, 30, score.Urgency, 0.01)
}

func TestSystemLoad_DegradesGracefullyNeverPanics(t *testing.T) {
	engine := New(zerolog.Nop())
	load := engine.SystemLoad()
	assert.GreaterOrEqual(t, load, 0.0)
	assert.LessOrEqual(t, load, 1.0)
}
