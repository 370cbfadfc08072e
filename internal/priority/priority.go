// Package priority implements the Priority Engine (spec.md §4.4): the
// five-way weighted composite score that drives the Priority Queue's
// ordering.
package priority

import (
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/rs/zerolog"

	"github.com/aristath/agency/internal/task"
)

var clientTierMultiplier = map[task.ClientTier]float64{
	task.ClientTierEnterprise: 1.5,
	task.ClientTierPremium:    1.2,
	task.ClientTierStandard:   1.0,
	task.ClientTierBasic:      0.8,
}

var strategicMultiplier = map[task.StrategicImportance]float64{
	task.StrategicCritical: 2.0,
	task.StrategicHigh:     1.5,
	task.StrategicMedium:   1.0,
	task.StrategicLow:      0.5,
}

var stakeholderMultiplier = map[task.StakeholderLevel]float64{
	task.StakeholderCEO:       2.0,
	task.StakeholderExecutive: 1.5,
	task.StakeholderManager:   1.0,
	task.StakeholderTeam:      0.8,
}

var revenueTypeMultiplier = map[task.RevenueType]float64{
	task.RevenueDirect:    2.0,
	task.RevenuePipeline:  1.5,
	task.RevenueRetention: 1.3,
	task.RevenueSavings:   1.0,
}

var highImpactTypes = map[string]struct{}{
	"client-deliverable":     {},
	"revenue-generation":     {},
	"compliance-requirement": {},
}

const (
	weightUrgency    = 0.25
	weightBusiness   = 0.30
	weightEfficiency = 0.20
	weightRevenue    = 0.15
	weightDependency = 0.10
)

// Engine computes composite priority scores (spec.md §4.4).
type Engine struct {
	log zerolog.Logger
}

// New constructs a Priority Engine.
func New(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "priority").Logger()}
}

// SystemLoad samples host CPU load via gopsutil and returns a fraction in
// [0,1] for use as SystemContext.LoadFraction. It degrades gracefully to 0
// (treated as idle) if the platform doesn't expose load averages.
func (e *Engine) SystemLoad() float64 {
	avg, err := load.Avg()
	if err != nil {
		e.log.Debug().Err(err).Msg("load average unavailable, treating system as idle")
		return 0
	}
	// Normalize against a notional 4 logical cores; clamp to [0,1]. This is
	// a coarse signal feeding resourceEfficiency, not a capacity planner.
	frac := avg.Load1 / 4.0
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	return frac
}

// Score computes t's composite priority score under context c as of now.
func (e *Engine) Score(t *task.Task, c task.SystemContext, now time.Time) task.PriorityScore {
	urgency := e.urgency(t, now)
	business := e.businessImpact(t)
	efficiency := e.resourceEfficiency(t, c)
	revenue := e.revenueImpact(t)
	dependency := e.dependency(t, c)

	composite := weightUrgency*urgency + weightBusiness*business + weightEfficiency*efficiency +
		weightRevenue*revenue + weightDependency*dependency
	composite = clamp(composite, 0, 100)

	return task.PriorityScore{
		Composite:          composite,
		Urgency:            urgency,
		BusinessImpact:     business,
		ResourceEfficiency: efficiency,
		RevenueImpact:      revenue,
		Dependency:         dependency,
		ComputedAt:         now,
		Triggers:           e.triggers(t),
	}
}

func (e *Engine) urgency(t *task.Task, now time.Time) float64 {
	hrs := t.HoursToDeadline(now)

	var base float64
	switch {
	case t.Deadline == nil:
		base = 30
	case hrs <= 2:
		base = 95
	case hrs <= 24:
		base = 80
	case hrs <= 168:
		base = 50
	default:
		base = 20
	}

	aging := math.Min(1.5, 1+t.DaysWaiting(now)*0.1)
	score := base * aging

	if t.Deadline != nil && hrs < 1.5*t.EstimatedHours {
		score *= 1.3
	}

	return clamp(score, 0, 100)
}

func (e *Engine) businessImpact(t *task.Task) float64 {
	tierMult := clientTierMultiplier[t.Requirements.ClientTier]
	if tierMult == 0 {
		tierMult = 1.0
	}
	strategicMult := strategicMultiplier[t.Requirements.StrategicImportance]
	if strategicMult == 0 {
		strategicMult = 1.0
	}
	stakeholderMult := stakeholderMultiplier[t.Requirements.StakeholderLevel]
	if stakeholderMult == 0 {
		stakeholderMult = 1.0
	}

	score := 50 * tierMult * strategicMult * stakeholderMult

	if _, ok := highImpactTypes[t.TypeTag]; ok {
		score *= 1.3
	}
	return clamp(score, 0, 100)
}

func (e *Engine) resourceEfficiency(t *task.Task, c task.SystemContext) float64 {
	var loadFactor float64
	switch {
	case c.LoadFraction < 0.3:
		loadFactor = 1.2
	case c.LoadFraction >= 0.7:
		if t.EstimatedHours > 0 && t.EstimatedHours < 1 {
			loadFactor = 1.5
		} else {
			loadFactor = 0.8
		}
	default:
		loadFactor = 1.0
	}

	coverage := skillCoverage(t.Requirements.CapabilityTags, c.AvailableExpertise)
	return clamp(50*loadFactor*(1+0.3*coverage), 0, 100)
}

func skillCoverage(requiredTags []string, available map[string]float64) float64 {
	if len(requiredTags) == 0 {
		return 0
	}
	var sum float64
	for _, tag := range requiredTags {
		sum += available[tag]
	}
	return sum / float64(len(requiredTags))
}

func (e *Engine) revenueImpact(t *task.Task) float64 {
	if t.RevenuePotential <= 0 {
		return 20
	}
	score := 30 + 20*math.Log10(math.Max(1, t.RevenuePotential/100))
	score = clamp(score, 30, 90)

	mult := revenueTypeMultiplier[t.Requirements.RevenueType]
	if mult == 0 {
		mult = 1.0
	}
	return clamp(score*mult, 0, 100)
}

func (e *Engine) dependency(t *task.Task, c task.SystemContext) float64 {
	blocked := len(t.Requirements.BlockedTaskIDs)
	deps := len(t.Requirements.DependencyIDs)

	ratio := 1.0
	if deps > 0 {
		var completed int
		for _, id := range t.Requirements.DependencyIDs {
			if c.DependencyCompleted[id] {
				completed++
			}
		}
		ratio = float64(completed) / float64(deps)
	}

	score := 50 * (1 + 0.2*float64(blocked)) * (1 - 0.1*float64(deps)) * ratio
	return clamp(score, 10, 100)
}

func (e *Engine) triggers(t *task.Task) []task.RecomputeTrigger {
	triggers := []task.RecomputeTrigger{task.TriggerSystemLoadChange, task.TriggerWorkerAvailability}

	if t.Deadline != nil && t.Deadline.Sub(time.Now()) < 48*time.Hour {
		triggers = append(triggers, task.TriggerHourlyDeadlineCheck)
	} else {
		triggers = append(triggers, task.TriggerDailyDeadlineCheck)
	}

	if len(t.Requirements.DependencyIDs) > 0 {
		triggers = append(triggers, task.TriggerDependencyStateChange)
	}
	if t.RevenuePotential > 1000 {
		triggers = append(triggers, task.TriggerHighValueMonitoring)
	}
	return triggers
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
