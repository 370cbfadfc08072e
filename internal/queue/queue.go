// Package queue implements the Priority Queue (spec.md §4.5): a max-heap
// keyed by composite priority score, with a non-destructive capability scan
// for dequeueOptimal and a periodic rebalance driven by the Priority Engine.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/agency/internal/errs"
	"github.com/aristath/agency/internal/priority"
	"github.com/aristath/agency/internal/task"
)

// minCapabilityOverlap is the fraction of required capability tags a worker
// must cover for dequeueOptimal to return a task to it (spec.md §4.5).
const minCapabilityOverlap = 0.70

// Summary is a point-in-time view of queue depth and age (spec.md §4.5
// `pendingSummary()`).
type Summary struct {
	Depth        int
	OldestWaitOn time.Time
}

// Queue is the Priority Queue.
type Queue struct {
	mu       sync.Mutex
	items    *itemHeap
	engine   *priority.Engine
	highWater int
	log      zerolog.Logger
}

// New constructs an empty Queue backed by engine for rebalance scoring.
func New(engine *priority.Engine, highWater int, log zerolog.Logger) *Queue {
	h := &itemHeap{}
	heap.Init(h)
	return &Queue{
		items:     h,
		engine:    engine,
		highWater: highWater,
		log:       log.With().Str("component", "queue").Logger(),
	}
}

type item struct {
	t          *task.Task
	insertedAt time.Time
	index      int
}

// itemHeap is a max-heap on composite score, FIFO tie-break on insertedAt.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].t.Score.Composite != h[j].t.Score.Composite {
		return h[i].t.Score.Composite > h[j].t.Score.Composite
	}
	return h[i].insertedAt.Before(h[j].insertedAt)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Enqueue adds t to the queue. Returns ErrThrottled if the queue is already
// at or above the configured high-water mark (spec.md §5 "Backpressure").
func (q *Queue) Enqueue(t *task.Task, insertedAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.highWater {
		return errs.ErrThrottled
	}

	t.EnqueuedAt = insertedAt
	heap.Push(q.items, &item{t: t, insertedAt: insertedAt})
	return nil
}

// DequeueOptimal returns the highest-priority task for which worker covers
// at least minCapabilityOverlap of its required capability tags, without
// removing any other task from the queue (spec.md §4.5 "non-destructive
// scan"). Returns nil, nil if no compatible task is queued.
func (q *Queue) DequeueOptimal(ctx context.Context, worker *task.WorkerProfile) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// container/heap only guarantees the root is the max; to scan in
	// priority order without destroying the heap we pop into a holding
	// slice and push everything back except the winner.
	var held []*item
	var winner *item

	for q.items.Len() > 0 {
		it := heap.Pop(q.items).(*item)
		if winner == nil && coversCapabilities(worker, it.t.Requirements.CapabilityTags) {
			winner = it
			continue
		}
		held = append(held, it)
	}
	for _, it := range held {
		heap.Push(q.items, it)
	}

	if winner == nil {
		return nil, nil
	}
	return winner.t, nil
}

func coversCapabilities(worker *task.WorkerProfile, required []string) bool {
	if len(required) == 0 {
		return true
	}
	var have int
	for _, tag := range required {
		if worker.HasCapability(tag) {
			have++
		}
	}
	return float64(have)/float64(len(required)) >= minCapabilityOverlap
}

// Status reports the current depth.
func (q *Queue) Status() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// PendingSummary reports depth and the oldest queued task's insertion time.
func (q *Queue) PendingSummary() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Summary{Depth: q.items.Len()}
	for _, it := range *q.items {
		if s.OldestWaitOn.IsZero() || it.insertedAt.Before(s.OldestWaitOn) {
			s.OldestWaitOn = it.insertedAt
		}
	}
	return s
}

// Rebalance recomputes every queued task's composite score via the Priority
// Engine and re-heapifies (spec.md §4.5).
func (q *Queue) Rebalance(ctx context.Context, sysCtx task.SystemContext) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	for _, it := range *q.items {
		it.t.Score = q.engine.Score(it.t, sysCtx, now)
	}
	heap.Init(q.items)
	q.log.Debug().Int("depth", q.items.Len()).Msg("queue rebalanced")
}

// Remove deletes the task with id from the queue, if present, and reports
// whether it was found.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range *q.items {
		if it.t.ID == id {
			heap.Remove(q.items, i)
			return true
		}
	}
	return false
}
