package workers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agency/internal/store"
	"github.com/aristath/agency/internal/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(store.Config{Path: filepath.Join(dir, "workers.db"), Profile: store.ProfileLedger, Name: "ledger"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.New(db, zerolog.Nop())
	require.NoError(t, err)
	return st
}

func TestRegistry_HeartbeatAndStaleness(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	now := time.Now().UTC()
	reg.Register(&task.WorkerProfile{ID: "w1", MaxCapacity: 5, LastHeartbeat: now.Add(-30 * time.Minute)})

	assert.False(t, reg.IsStale("w1", now))

	reg.Register(&task.WorkerProfile{ID: "w2", MaxCapacity: 5, LastHeartbeat: now.Add(-2 * time.Hour)})
	assert.True(t, reg.IsStale("w2", now))

	reg.Heartbeat("w2")
	assert.False(t, reg.IsStale("w2", time.Now().UTC()))
}

func TestRegistry_AvailableWorkersFiltersFullAndStale(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	now := time.Now().UTC()

	reg.Register(&task.WorkerProfile{ID: "available", MaxCapacity: 5, Workload: 1, LastHeartbeat: now})
	reg.Register(&task.WorkerProfile{ID: "full", MaxCapacity: 2, Workload: 2, LastHeartbeat: now})
	reg.Register(&task.WorkerProfile{ID: "stale", MaxCapacity: 5, Workload: 0, LastHeartbeat: now.Add(-2 * time.Hour)})

	avail := reg.AvailableWorkers(now)
	require.Len(t, avail, 1)
	assert.Equal(t, "available", avail[0].ID)
}

func TestRegistry_AvailableWorkersSortedByRemainingCapacityDescending(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	now := time.Now().UTC()

	reg.Register(&task.WorkerProfile{ID: "low-remaining", MaxCapacity: 5, Workload: 4, LastHeartbeat: now})
	reg.Register(&task.WorkerProfile{ID: "high-remaining", MaxCapacity: 5, Workload: 0, LastHeartbeat: now})

	avail := reg.AvailableWorkers(now)
	require.Len(t, avail, 2)
	assert.Equal(t, "high-remaining", avail[0].ID)
	assert.Equal(t, "low-remaining", avail[1].ID)
}

func TestRegistry_IncrementWorkloadAndCompleteTask(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	reg.Register(&task.WorkerProfile{ID: "w1", MaxCapacity: 5})

	reg.IncrementWorkload("w1", "task-1")
	w := reg.Get("w1")
	require.Equal(t, 1, w.Workload)
	require.Equal(t, []string{"task-1"}, w.CurrentTasks)

	reg.CompleteTask("w1", "task-1", true, 2*time.Hour, 0.9, task.ExperienceEntry{TaskType: "x", RecordedAt: time.Now().UTC()})
	w = reg.Get("w1")
	assert.Equal(t, 0, w.Workload)
	assert.Empty(t, w.CurrentTasks)
	assert.Equal(t, 1, w.SuccessCount)
	assert.InDelta(t, 1.0, w.Performance.SuccessRate, 0.001)
	assert.Len(t, w.History, 1)
}

func TestRegistry_HistoryIsBoundedAt100Entries(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	reg.Register(&task.WorkerProfile{ID: "w1", MaxCapacity: 5})

	for i := 0; i < 150; i++ {
		reg.CompleteTask("w1", "t", true, time.Hour, 0.5, task.ExperienceEntry{RecordedAt: time.Now().UTC()})
	}

	w := reg.Get("w1")
	assert.Len(t, w.History, 100)
}

func TestRegistry_StaleWorkers(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	now := time.Now().UTC()
	reg.Register(&task.WorkerProfile{ID: "fresh", MaxCapacity: 5, LastHeartbeat: now})
	reg.Register(&task.WorkerProfile{ID: "stale", MaxCapacity: 5, LastHeartbeat: now.Add(-3 * time.Hour)})

	stale := reg.StaleWorkers(now)
	assert.Equal(t, []string{"stale"}, stale)
}

func TestRegistry_AvailableWorkersExcludesHighErrorRate(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	now := time.Now().UTC()
	reg.Register(&task.WorkerProfile{ID: "w1", MaxCapacity: 5, LastHeartbeat: now})

	for i := 0; i < 3; i++ {
		reg.CompleteTask("w1", "t", true, time.Hour, 0.8, task.ExperienceEntry{RecordedAt: now})
	}
	avail := reg.AvailableWorkers(now)
	require.Len(t, avail, 1, "below error-rate-min-samples, worker stays available regardless of error rate")

	for i := 0; i < 4; i++ {
		reg.CompleteTask("w1", "t", false, time.Hour, 0.1, task.ExperienceEntry{RecordedAt: now})
	}
	w := reg.Get("w1")
	require.GreaterOrEqual(t, w.SuccessCount+w.ErrorCount, 5)
	require.Greater(t, w.Performance.ErrorRate, 0.5)

	avail = reg.AvailableWorkers(now)
	assert.Empty(t, avail, "error rate above threshold with enough samples must exclude the worker")
}

func TestRegistry_MarkSuspectExcludesWorker(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	now := time.Now().UTC()
	reg.Register(&task.WorkerProfile{ID: "w1", MaxCapacity: 5, LastHeartbeat: now})

	require.Len(t, reg.AvailableWorkers(now), 1)

	reg.MarkSuspect("w1")
	assert.Empty(t, reg.AvailableWorkers(now))
}

func TestRegistry_PersistSnapshotWritesReportRow(t *testing.T) {
	reg := New(1*time.Hour, 0.5, 5, newTestStore(t), zerolog.Nop())
	reg.Register(&task.WorkerProfile{ID: "w1", MaxCapacity: 5})
	reg.CompleteTask("w1", "t1", true, time.Hour, 0.8, task.ExperienceEntry{TaskType: "x", RecordedAt: time.Now().UTC()})

	err := reg.PersistSnapshot(context.Background(), "w1")
	require.NoError(t, err)
}
