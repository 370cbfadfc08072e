package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agency/internal/errs"
	"github.com/aristath/agency/internal/priority"
	"github.com/aristath/agency/internal/task"
)

func newTestQueue(highWater int) *Queue {
	return New(priority.New(zerolog.Nop()), highWater, zerolog.Nop())
}

func taskWithScore(id string, composite float64, tags ...string) *task.Task {
	return &task.Task{
		ID:           id,
		Requirements: task.Requirements{CapabilityTags: tags},
		Score:        task.PriorityScore{Composite: composite},
	}
}

func worker(tags ...string) *task.WorkerProfile {
	return &task.WorkerProfile{ID: "w1", CapabilityTags: tags, MaxCapacity: 5}
}

func TestQueue_EnqueueThrottlesAtHighWater(t *testing.T) {
	q := newTestQueue(1)
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(taskWithScore("t1", 50), now))
	err := q.Enqueue(taskWithScore("t2", 60), now)
	require.ErrorIs(t, err, errs.ErrThrottled)
}

func TestQueue_DequeueOptimalSkipsIncompatibleWorker(t *testing.T) {
	q := newTestQueue(10)
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(taskWithScore("technical-task", 80, "programming", "testing"), now))

	marketingWorker := worker("marketing", "content")
	got, err := q.DequeueOptimal(context.Background(), marketingWorker)
	require.NoError(t, err)
	assert.Nil(t, got)

	technicalWorker := worker("programming", "testing", "devops")
	got, err = q.DequeueOptimal(context.Background(), technicalWorker)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "technical-task", got.ID)
}

func TestQueue_DequeueOptimalIsNonDestructiveOnMiss(t *testing.T) {
	q := newTestQueue(10)
	now := time.Now().UTC()
	require.NoError(t, q.Enqueue(taskWithScore("t1", 50, "programming"), now))

	_, err := q.DequeueOptimal(context.Background(), worker("marketing"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Status())
}

func TestQueue_DequeueOptimalPicksHighestPriorityCompatible(t *testing.T) {
	q := newTestQueue(10)
	now := time.Now().UTC()
	require.NoError(t, q.Enqueue(taskWithScore("low", 20, "programming"), now))
	require.NoError(t, q.Enqueue(taskWithScore("high", 90, "programming"), now))

	w := worker("programming")
	got, err := q.DequeueOptimal(context.Background(), w)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "high", got.ID)
	// non-destructive: queue still has both
	assert.Equal(t, 2, q.Status())
}

func TestQueue_PendingSummaryTracksOldest(t *testing.T) {
	q := newTestQueue(10)
	t0 := time.Now().UTC().Add(-1 * time.Hour)
	t1 := time.Now().UTC()

	require.NoError(t, q.Enqueue(taskWithScore("older", 50), t0))
	require.NoError(t, q.Enqueue(taskWithScore("newer", 90), t1))

	summary := q.PendingSummary()
	assert.Equal(t, 2, summary.Depth)
	assert.True(t, summary.OldestWaitOn.Equal(t0))
}

func TestQueue_RemoveDeletesTask(t *testing.T) {
	q := newTestQueue(10)
	now := time.Now().UTC()
	require.NoError(t, q.Enqueue(taskWithScore("t1", 50), now))

	assert.True(t, q.Remove("t1"))
	assert.Equal(t, 0, q.Status())
	assert.False(t, q.Remove("t1"))
}
