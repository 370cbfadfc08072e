package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_HoursToDeadline(t *testing.T) {
	now := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(5 * time.Hour)
	withDeadline := &Task{Deadline: &deadline}
	assert.InDelta(t, 5, withDeadline.HoursToDeadline(now), 0.001)

	noDeadline := &Task{}
	assert.Greater(t, noDeadline.HoursToDeadline(now), 1e8)
}

func TestTask_DaysWaiting(t *testing.T) {
	now := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	tk := &Task{CreatedAt: now.Add(-48 * time.Hour)}
	assert.InDelta(t, 2, tk.DaysWaiting(now), 0.001)
}

func TestTask_CloneIsIndependentOfOriginal(t *testing.T) {
	original := &Task{
		ID: "t1",
		Requirements: Requirements{
			CapabilityTags: []string{"programming"},
			DependencyIDs:  []string{"dep1"},
		},
		FailedWith: map[string]struct{}{"w1": {}},
	}

	clone := original.Clone()
	clone.Requirements.CapabilityTags[0] = "mutated"
	clone.FailedWith["w2"] = struct{}{}

	assert.Equal(t, "programming", original.Requirements.CapabilityTags[0])
	assert.NotContains(t, original.FailedWith, "w2")
}

func TestWorkerProfile_AppendHistoryBoundedAt100(t *testing.T) {
	w := &WorkerProfile{}
	for i := 0; i < 150; i++ {
		w.AppendHistory(ExperienceEntry{TaskType: "x"})
	}
	assert.Len(t, w.History, 100)
}

func TestWorkerProfile_HasCapabilityAndCapacityRemaining(t *testing.T) {
	w := &WorkerProfile{CapabilityTags: []string{"programming"}, MaxCapacity: 3, Workload: 2}
	assert.True(t, w.HasCapability("programming"))
	assert.False(t, w.HasCapability("sales"))
	assert.Equal(t, 1, w.CapacityRemaining())

	w.Workload = 5
	assert.Equal(t, 0, w.CapacityRemaining())
}
