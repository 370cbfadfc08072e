// Package match implements the Capability Matcher (spec.md §4.6): scores
// compatibility of a (worker, task) pair along skill, experience,
// performance and availability dimensions.
package match

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agency/internal/task"
)

// affinityClusters group capability tags that are considered "related" to
// one another — a tag is related to another if they co-appear in any
// cluster (spec.md §4.6 "Tag-affinity is a static symmetric relation").
var affinityClusters = [][]string{
	{"content", "writing", "marketing", "copywriting", "social"},
	{"programming", "testing", "technical", "engineering", "devops"},
	{"sales", "negotiation", "client-relations", "business-development"},
	{"research", "analysis", "data", "reporting"},
	{"customer-service", "support", "client-relations", "communication"},
}

func relatedTags(tag string) map[string]struct{} {
	related := make(map[string]struct{})
	for _, cluster := range affinityClusters {
		inCluster := false
		for _, t := range cluster {
			if t == tag {
				inCluster = true
				break
			}
		}
		if !inCluster {
			continue
		}
		for _, t := range cluster {
			if t != tag {
				related[t] = struct{}{}
			}
		}
	}
	return related
}

const (
	weightSkill       = 0.40
	weightExperience  = 0.25
	weightPerformance = 0.20
	weightAvailability = 0.15
)

// Score computes the Compatibility record for (worker, t) as of now
// (spec.md §4.6).
func Score(worker *task.WorkerProfile, t *task.Task, now time.Time) task.Compatibility {
	skill, gaps, exactCount := skillMatch(worker, t.Requirements.CapabilityTags)
	experience, relevantCount := experienceRelevance(worker, t, now)
	performance := performancePrediction(worker, t.Requirements.CapabilityTags)
	availability := availabilityScore(worker, t, now)

	composite := weightSkill*skill + weightExperience*experience + weightPerformance*performance + weightAvailability*availability
	composite = clampF(composite, 0, 1.0)

	confidence := composite + 0.10*float64(exactCount) + minF(0.20, 0.05*float64(relevantCount)) - 0.15*float64(len(gaps))
	confidence = clampF(confidence, 0.2, 1.0)

	return task.Compatibility{
		SkillMatch:             skill,
		ExperienceRelevance:    experience,
		PerformancePrediction:  performance,
		Availability:           availability,
		Composite:              composite,
		Confidence:             confidence,
		Reasoning:              reasoning(skill, experience, performance, availability, gaps),
		ImprovementSuggestions: improvementSuggestions(gaps, performance, availability),
	}
}

func skillMatch(worker *task.WorkerProfile, required []string) (score float64, gaps []string, exactCount int) {
	if len(required) == 0 {
		return 0.7, nil, 0
	}

	var exact, relatedHits int
	for _, tag := range required {
		if worker.HasCapability(tag) {
			exact++
			continue
		}
		related := relatedTags(tag)
		matched := false
		for _, wt := range worker.CapabilityTags {
			if _, ok := related[wt]; ok {
				matched = true
				break
			}
		}
		if matched {
			relatedHits++
		} else {
			gaps = append(gaps, tag)
		}
	}

	n := float64(len(required))
	exactCoverage := float64(exact) / n
	relatedCoverage := float64(relatedHits) / n
	gapRatio := float64(len(gaps)) / n

	score = exactCoverage*1.0 + relatedCoverage*0.7 + (1-gapRatio)*0.4
	return score, gaps, exact
}

func experienceRelevance(worker *task.WorkerProfile, t *task.Task, now time.Time) (float64, int) {
	if len(worker.History) == 0 {
		return 0.5, 0
	}

	domain := strings.ToLower(t.TypeTag)

	var domainSum, domainCount float64
	var typeSum, typeCount float64
	var complexitySum, complexityCount float64
	var recentSum, recentCount float64

	for _, h := range worker.History {
		if strings.EqualFold(h.Domain, domain) {
			domainSum += h.SuccessScore
			domainCount++
		}
		if strings.EqualFold(h.TaskType, t.TypeTag) {
			typeSum += h.SuccessScore
			typeCount++
		}
		if h.Complexity == t.Complexity {
			complexitySum += h.SuccessScore
			complexityCount++
		}
		if now.Sub(h.RecordedAt) <= 30*24*time.Hour {
			recentSum += h.SuccessScore
			recentCount++
		}
	}

	domainMean := meanOr(domainSum, domainCount, 0.5)
	typeMean := meanOr(typeSum, typeCount, 0.5)
	complexityMean := meanOr(complexitySum, complexityCount, 0.5)
	recentMean := meanOr(recentSum, recentCount, 0.5)

	score := 0.4*domainMean + 0.3*typeMean + 0.2*complexityMean + 0.1*recentMean
	relevant := int(domainCount + typeCount)
	return score, relevant
}

func meanOr(sum, count, fallback float64) float64 {
	if count == 0 {
		return fallback
	}
	return sum / count
}

func performancePrediction(worker *task.WorkerProfile, requiredTags []string) float64 {
	baseline := worker.Performance.SuccessRate
	if baseline == 0 {
		baseline = 0.5
	}

	meanProficiency := 0.5
	if len(requiredTags) > 0 {
		var sum float64
		for _, tag := range requiredTags {
			sum += worker.Proficiency[tag]
		}
		meanProficiency = sum / float64(len(requiredTags))
	}
	proficiencyFactor := 0.5 + 0.5*meanProficiency

	utilization := 0.0
	if worker.MaxCapacity > 0 {
		utilization = float64(worker.Workload) / float64(worker.MaxCapacity)
	}
	workloadFactor := 1 - 0.3*utilization

	familiarity := 0.0
	for _, tag := range requiredTags {
		if worker.HasCapability(tag) {
			familiarity = 1.0
			break
		}
	}
	learningFactor := familiarity + (1-familiarity)*worker.LearningEfficiency

	score := baseline * proficiencyFactor * workloadFactor * learningFactor
	return clampF(score, 0.1, 1.0)
}

func availabilityScore(worker *task.WorkerProfile, t *task.Task, now time.Time) float64 {
	capacityFrac := 0.0
	if worker.MaxCapacity > 0 {
		capacityFrac = float64(worker.CapacityRemaining()) / float64(worker.MaxCapacity)
	}

	timeAvailability := 1.0 // workers don't declare calendars in this system; always time-available

	urgencyFactor := 1.0
	if t.Deadline != nil {
		hrs := t.Deadline.Sub(now).Hours()
		if hrs < 4 && worker.CapacityRemaining() <= 1 {
			urgencyFactor = 0.8
		}
	}

	return capacityFrac * timeAvailability * urgencyFactor
}

func reasoning(skill, experience, performance, availability float64, gaps []string) string {
	s := fmt.Sprintf("skill=%.2f experience=%.2f performance=%.2f availability=%.2f", skill, experience, performance, availability)
	if len(gaps) > 0 {
		s += " gaps=" + strings.Join(gaps, ",")
	}
	return s
}

func improvementSuggestions(gaps []string, performance, availability float64) []string {
	var out []string
	for _, g := range gaps {
		out = append(out, "train capability: "+g)
	}
	if performance < 0.4 {
		out = append(out, "low predicted performance for this task type")
	}
	if availability < 0.3 {
		out = append(out, "worker near capacity, consider rebalancing workload")
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
