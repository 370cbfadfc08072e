// Package dispatch implements the Dispatcher (spec.md §4.7): the
// orchestration loop that pairs idle workers with queued tasks via the
// Capability Matcher, commits assignments, observes completions, and
// applies failure semantics.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agency/internal/events"
	"github.com/aristath/agency/internal/ledger/accounts"
	"github.com/aristath/agency/internal/ledger/transactions"
	"github.com/aristath/agency/internal/match"
	"github.com/aristath/agency/internal/queue"
	"github.com/aristath/agency/internal/task"
	"github.com/aristath/agency/internal/workers"
)

// Result is what a worker plug-in reports back after process() (spec.md §6
// "Worker plug-in contract").
type Result struct {
	TaskID             string
	WorkerID           string
	Status             task.Status // completed or failed
	Deliverables       map[string]any
	QualityMetrics     map[string]any
	PerformanceIndicators map[string]float64
	ErrorMessage       string
	CompletionTime     time.Duration
	RevenueAmount      decimal.Decimal // posted as a credit to primary-revenue on success, if > 0
	CostAmount         decimal.Decimal // posted as a debit to operational-expense, if > 0
}

// outcome is the internal completion-channel envelope: it carries the
// Result plus the Assignment and the Task it resolves, so the loop doesn't
// need a second lookup to apply failure semantics or re-enqueue the task.
type outcome struct {
	assignment task.Assignment
	t          *task.Task
	result     Result
}

// inFlight pairs an Assignment with the *task.Task it was carved from. The
// queue hands off ownership of the Task pointer on dequeue, so this is the
// only place the Dispatcher can recover it later to re-enqueue on failure
// or timeout (spec.md §4.7 "otherwise it is re-enqueued for another worker
// to try").
type inFlight struct {
	assignment task.Assignment
	t          *task.Task
}

const maxFailuresBeforeTerminal = 3

// Dispatcher is the Task Distribution Core's orchestration loop (spec.md
// §4.7).
type Dispatcher struct {
	queue    *queue.Queue
	matcher  func(*task.WorkerProfile, *task.Task, time.Time) task.Compatibility
	wregistry *workers.Registry
	proc     *transactions.Processor
	accounts *accounts.Registry
	bus      *events.Bus
	log      zerolog.Logger

	compatibilityFloor float64
	assignmentTimeout  time.Duration

	assignmentsMu sync.Mutex
	assignments   map[string]inFlight // taskID -> (Assignment, Task), for in-flight work

	results chan outcome
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Dispatcher. compatibilityFloor and assignmentTimeout are
// config.Config.CompatibilityFloor / AssignmentTimeout.
func New(
	q *queue.Queue,
	wreg *workers.Registry,
	proc *transactions.Processor,
	acct *accounts.Registry,
	bus *events.Bus,
	compatibilityFloor float64,
	assignmentTimeout time.Duration,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:              q,
		matcher:            match.Score,
		wregistry:          wreg,
		proc:               proc,
		accounts:           acct,
		bus:                bus,
		log:                log.With().Str("component", "dispatch").Logger(),
		compatibilityFloor: compatibilityFloor,
		assignmentTimeout:  assignmentTimeout,
		assignments:        make(map[string]inFlight),
		results:            make(chan outcome, 64),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// ReportResult delivers a worker's process() outcome to the Dispatcher.
// Non-blocking from the worker's perspective up to the channel's buffer;
// this is the "worker-result channel" of spec.md §4.7.
func (d *Dispatcher) ReportResult(r Result) {
	d.assignmentsMu.Lock()
	inf, ok := d.assignments[r.TaskID]
	d.assignmentsMu.Unlock()
	if !ok {
		d.log.Warn().Str("task_id", r.TaskID).Msg("result reported for unknown assignment, dropping")
		return
	}
	d.results <- outcome{assignment: inf.assignment, t: inf.t, result: r}
}

// Run drives the dispatch loop at the given tick interval until ctx is
// cancelled or Stop is called. It returns at once in either case: results
// still buffered on the result channel and assignments still in flight are
// not waited for.
func (d *Dispatcher) Run(ctx context.Context, tick time.Duration) {
	defer close(d.done)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case o := <-d.results:
			d.handleOutcome(ctx, o)
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

// Stop signals Run to exit after its current iteration.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

// cycle is one pass of the state machine described in spec.md §4.7:
// observe available workers, and for each (in descending capacity order)
// try to dequeue and assign a compatible task.
func (d *Dispatcher) cycle(ctx context.Context) {
	now := time.Now().UTC()
	d.sweepStaleWorkers(ctx, now)

	available := d.wregistry.AvailableWorkers(now)
	if len(available) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range available {
		w := w
		g.Go(func() error {
			d.tryAssign(gctx, w, now)
			return nil
		})
	}
	_ = g.Wait() // tryAssign never returns an error; errgroup just fans the round out
}

func (d *Dispatcher) tryAssign(ctx context.Context, w *task.WorkerProfile, now time.Time) {
	t, err := d.queue.DequeueOptimal(ctx, w)
	if err != nil {
		d.log.Error().Err(err).Msg("dequeueOptimal failed")
		return
	}
	if t == nil {
		return
	}

	compat := d.matcher(w, t, now)
	if compat.Composite < d.compatibilityFloor {
		// Floor violation: the task goes back to the queue and this worker
		// is skipped this round (spec.md §4.7).
		t.Status = task.StatusPending
		if err := d.queue.Enqueue(t, t.EnqueuedAt); err != nil {
			d.log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to re-enqueue task below compatibility floor")
		}
		return
	}

	d.commitAssignment(ctx, w, t, compat, now)
}

func (d *Dispatcher) commitAssignment(ctx context.Context, w *task.WorkerProfile, t *task.Task, compat task.Compatibility, now time.Time) {
	t.Status = task.StatusAssigned
	d.wregistry.IncrementWorkload(w.ID, t.ID)

	estimatedCompletion := now.Add(time.Duration(t.EstimatedHours * float64(time.Hour)))
	assignment := task.Assignment{
		TaskID:              t.ID,
		WorkerID:            w.ID,
		AssignedAt:          now,
		EstimatedCompletion: estimatedCompletion,
		Compatibility:       compat.Composite,
		Reasoning:           compat.Reasoning,
	}

	d.assignmentsMu.Lock()
	d.assignments[t.ID] = inFlight{assignment: assignment, t: t}
	d.assignmentsMu.Unlock()

	d.bus.Publish(events.Event{
		Kind: events.KindTaskAccepted,
		At:   now,
		Data: events.TaskAccepted{TaskID: t.ID, WorkerID: w.ID, EstimatedCompletion: estimatedCompletion},
	})

	go d.watchTimeout(ctx, assignment, t)
}

// watchTimeout revokes an assignment that the worker never acknowledges
// within the configured window (spec.md §5 "assignment timeout").
func (d *Dispatcher) watchTimeout(ctx context.Context, a task.Assignment, t *task.Task) {
	timer := time.NewTimer(d.assignmentTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		d.assignmentsMu.Lock()
		current, ok := d.assignments[a.TaskID]
		stillOutstanding := ok && current.assignment.AssignedAt.Equal(a.AssignedAt)
		if stillOutstanding {
			delete(d.assignments, a.TaskID)
		}
		d.assignmentsMu.Unlock()

		if !stillOutstanding {
			return // already completed/failed and reported before the timer fired
		}

		d.log.Warn().Str("task_id", a.TaskID).Str("worker_id", a.WorkerID).
			Str("assigned", humanize.Time(a.AssignedAt)).
			Msg("assignment timed out, revoking")
		d.wregistry.MarkSuspect(a.WorkerID)
		d.requeueWithBoost(ctx, t, a.WorkerID)
	}
}

// handleOutcome applies a worker's reported result: updates the worker's
// rolling metrics, transitions the task, posts ledger transactions for
// revenue/cost events, and applies failure semantics (spec.md §4.7).
func (d *Dispatcher) handleOutcome(ctx context.Context, o outcome) {
	d.assignmentsMu.Lock()
	delete(d.assignments, o.assignment.TaskID)
	d.assignmentsMu.Unlock()

	success := o.result.Status == task.StatusCompleted
	quality := qualityScoreOf(o.result.QualityMetrics)

	d.wregistry.CompleteTask(o.assignment.WorkerID, o.assignment.TaskID, success, o.result.CompletionTime, quality, task.ExperienceEntry{
		SuccessScore:   quality,
		CompletionTime: o.result.CompletionTime,
		RecordedAt:     time.Now().UTC(),
	})

	if success {
		d.postLedgerEvents(ctx, o)
		d.bus.Publish(events.Event{
			Kind: events.KindTaskCompleted,
			At:   time.Now().UTC(),
			Data: events.TaskCompleted{
				TaskID:         o.assignment.TaskID,
				WorkerID:       o.assignment.WorkerID,
				Deliverables:   o.result.Deliverables,
				QualityMetrics: o.result.QualityMetrics,
			},
		})
		return
	}

	d.recordFailureAndMaybeTerminate(ctx, o.t, o.assignment.WorkerID, o.result.ErrorMessage)
}

func (d *Dispatcher) postLedgerEvents(ctx context.Context, o outcome) {
	if !o.result.RevenueAmount.IsZero() && o.result.RevenueAmount.IsPositive() {
		revenueAccounts := d.accounts.ListByType(accounts.TypePrimaryRevenue)
		if len(revenueAccounts) > 0 {
			_, err := d.proc.Submit(ctx, transactions.Transaction{
				AccountID:   revenueAccounts[0].ID,
				Direction:   transactions.DirectionCredit,
				Amount:      o.result.RevenueAmount,
				Category:    transactions.CategoryRevenue,
				Description: "revenue from completed task " + o.assignment.TaskID,
				TaskID:      o.assignment.TaskID,
				WorkerID:    o.assignment.WorkerID,
			})
			if err != nil {
				d.log.Error().Err(err).Str("task_id", o.assignment.TaskID).Msg("failed to post revenue transaction")
			}
		}
	}

	if !o.result.CostAmount.IsZero() && o.result.CostAmount.IsPositive() {
		expenseAccounts := d.accounts.ListByType(accounts.TypeOperationalExpense)
		if len(expenseAccounts) > 0 {
			_, err := d.proc.Submit(ctx, transactions.Transaction{
				AccountID:   expenseAccounts[0].ID,
				Direction:   transactions.DirectionDebit,
				Amount:      o.result.CostAmount,
				Category:    transactions.CategoryAgentCost,
				Description: "agent cost for completed task " + o.assignment.TaskID,
				TaskID:      o.assignment.TaskID,
				WorkerID:    o.assignment.WorkerID,
			})
			if err != nil {
				d.log.Error().Err(err).Str("task_id", o.assignment.TaskID).Msg("failed to post cost transaction")
			}
		}
	}
}

func qualityScoreOf(metrics map[string]any) float64 {
	if metrics == nil {
		return 0.5
	}
	if v, ok := metrics["quality"].(float64); ok {
		return v
	}
	return 0.5
}

// recordFailureAndMaybeTerminate applies spec.md §4.7's three-strikes rule:
// a task that fails across three distinct workers is transitioned to a
// terminal failed state and surfaced on the stakeholder channel; otherwise
// it is re-enqueued for another worker to try via RequeueFailed, which owns
// the actual FailureCount/FailedWith mutation and terminal-state decision.
func (d *Dispatcher) recordFailureAndMaybeTerminate(ctx context.Context, t *task.Task, workerID, reason string) {
	if t == nil {
		d.log.Warn().Str("worker_id", workerID).Msg("failure reported with no recoverable task, dropping")
		return
	}
	d.log.Info().Str("task_id", t.ID).Str("worker_id", workerID).Str("reason", reason).Msg("task failed with worker")
	if err := d.RequeueFailed(ctx, t, workerID); err != nil {
		d.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to re-enqueue failed task")
	}
}

// requeueWithBoost is the timeout path's counterpart to
// recordFailureAndMaybeTerminate: the watcher already logged the timeout and
// marked the worker suspect, so this only needs to apply RequeueFailed's
// failure-count/terminal-state semantics.
func (d *Dispatcher) requeueWithBoost(ctx context.Context, t *task.Task, workerID string) {
	if t == nil {
		d.log.Warn().Str("worker_id", workerID).Msg("timeout reported with no recoverable task, dropping")
		return
	}
	if err := d.RequeueFailed(ctx, t, workerID); err != nil {
		d.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to re-enqueue timed-out task")
	}
}

// sweepStaleWorkers finds workers whose heartbeat has lapsed and re-enqueues
// their in-flight tasks with a boosted urgency, per spec.md §4.7 "a worker
// heartbeat gap beyond staleness marks the worker unavailable and its
// current tasks are re-enqueued with boosted urgency".
func (d *Dispatcher) sweepStaleWorkers(ctx context.Context, now time.Time) {
	for _, id := range d.wregistry.StaleWorkers(now) {
		tasks := d.wregistry.CurrentTasksOf(id)
		if len(tasks) == 0 {
			continue
		}
		d.wregistry.MarkSuspect(id)
		for _, tid := range tasks {
			d.assignmentsMu.Lock()
			inf, ok := d.assignments[tid]
			if ok {
				delete(d.assignments, tid)
			}
			d.assignmentsMu.Unlock()
			if !ok {
				continue // already resolved or re-enqueued by an earlier sweep
			}
			d.bus.Publish(events.Event{
				Kind: events.KindLoadWarning,
				At:   now,
				Data: events.LoadWarning{Note: fmt.Sprintf("worker %s stale, re-enqueuing task %s", id, tid)},
			})
			d.requeueWithBoost(ctx, inf.t, id)
		}
	}
}

// RequeueFailed is called by recordFailureAndMaybeTerminate and
// requeueWithBoost with the actual *task.Task so the Dispatcher can update
// FailureCount/FailedWith and decide pending vs terminal failed.
func (d *Dispatcher) RequeueFailed(ctx context.Context, t *task.Task, workerID string) error {
	if t.FailedWith == nil {
		t.FailedWith = make(map[string]struct{})
	}
	t.FailedWith[workerID] = struct{}{}
	t.FailureCount = len(t.FailedWith)

	if t.FailureCount >= maxFailuresBeforeTerminal {
		t.Status = task.StatusFailed
		d.bus.Publish(events.Event{
			Kind: events.KindTaskFailed,
			At:   time.Now().UTC(),
			Data: events.TaskFailed{TaskID: t.ID, Reason: "failed across 3 distinct workers"},
		})
		return nil
	}

	t.Status = task.StatusPending
	// Boost: compress the effective wait-time-based aging factor by
	// back-dating EnqueuedAt/CreatedAt isn't appropriate (CreatedAt must
	// stay the true submission time for reporting); the Priority Engine's
	// aging factor already grows with DaysWaiting, so immediate rebalance
	// after re-enqueue is what "boosted urgency applied immediately" means
	// in practice — the queue's next Rebalance call picks it up.
	if err := d.queue.Enqueue(t, t.EnqueuedAt); err != nil {
		return err
	}
	return nil
}
