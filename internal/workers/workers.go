// Package workers implements the Worker Registry (spec.md §3, §4.7):
// lifecycle, heartbeat, workload and capability profile of each worker
// agent.
package workers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/agency/internal/store"
	"github.com/aristath/agency/internal/task"
)

// Registry holds every registered worker's profile, serialized by one lock
// around each mutation; reads snapshot a copy (spec.md §5).
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*task.WorkerProfile

	staleness         time.Duration
	errorRateThreshold float64
	errorRateMinSamples int
	st                *store.Store
	log               zerolog.Logger
}

// New constructs an empty Registry. staleness is the heartbeat window past
// which a worker is considered unavailable (spec.md §3). errorRateThreshold
// and errorRateMinSamples configure the rolling-error-rate rotation rule
// (spec.md §7): once a worker has completed at least errorRateMinSamples
// tasks, an ErrorRate above errorRateThreshold takes it out of rotation.
func New(staleness time.Duration, errorRateThreshold float64, errorRateMinSamples int, st *store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		workers:             make(map[string]*task.WorkerProfile),
		staleness:           staleness,
		errorRateThreshold:  errorRateThreshold,
		errorRateMinSamples: errorRateMinSamples,
		st:                  st,
		log:                 log.With().Str("component", "workers").Logger(),
	}
}

// tooErrorProne reports whether w's rolling error rate exceeds the
// configured threshold with enough completed tasks to be statistically
// meaningful (spec.md §7).
func (r *Registry) tooErrorProne(w *task.WorkerProfile) bool {
	if r.errorRateThreshold <= 0 {
		return false
	}
	total := w.SuccessCount + w.ErrorCount
	if total < r.errorRateMinSamples {
		return false
	}
	return w.Performance.ErrorRate > r.errorRateThreshold
}

// Register adds or replaces a worker's profile.
func (r *Registry) Register(w *task.WorkerProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = time.Now().UTC()
	}
	if w.Proficiency == nil {
		w.Proficiency = make(map[string]float64)
	}
	r.workers[w.ID] = w
}

// Heartbeat records a liveness tick from worker id.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.LastHeartbeat = time.Now().UTC()
	}
}

// Get returns a shallow copy of the worker profile, or nil if unknown.
func (r *Registry) Get(id string) *task.WorkerProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// IsStale reports whether worker id's last heartbeat fell outside the
// staleness window as of now.
func (r *Registry) IsStale(id string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return true
	}
	return now.Sub(w.LastHeartbeat) > r.staleness
}

// AvailableWorkers returns, in descending order of remaining capacity, the
// workers whose workload < capacity and whose heartbeat is within the
// staleness window as of now (spec.md §4.7 "observe the set of workers").
func (r *Registry) AvailableWorkers(now time.Time) []*task.WorkerProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*task.WorkerProfile
	for _, w := range r.workers {
		if w.Workload >= w.MaxCapacity {
			continue
		}
		if now.Sub(w.LastHeartbeat) > r.staleness {
			continue
		}
		if w.Suspect {
			continue
		}
		if r.tooErrorProne(w) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CapacityRemaining() > out[j-1].CapacityRemaining(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// StaleWorkers returns the ids of every worker whose heartbeat has lapsed
// beyond the staleness window as of now — used by the Dispatcher's
// failure-semantics sweep to re-enqueue their current tasks.
func (r *Registry) StaleWorkers(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > r.staleness {
			out = append(out, id)
		}
	}
	return out
}

// IncrementWorkload commits a task to worker id: increments workload and
// appends to currentTasks (spec.md §4.7 "commit the assignment atomically").
func (r *Registry) IncrementWorkload(id, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.Workload++
	w.CurrentTasks = append(w.CurrentTasks, taskID)
}

// CompleteTask decrements workload, removes taskID from currentTasks, and
// updates rolling metrics and the bounded experience log (spec.md §4.7
// "Completion is observed...").
func (r *Registry) CompleteTask(id, taskID string, success bool, completion time.Duration, qualityScore float64, entry task.ExperienceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}

	w.Workload--
	if w.Workload < 0 {
		w.Workload = 0
	}
	for i, tid := range w.CurrentTasks {
		if tid == taskID {
			w.CurrentTasks = append(w.CurrentTasks[:i], w.CurrentTasks[i+1:]...)
			break
		}
	}

	if success {
		w.SuccessCount++
	} else {
		w.ErrorCount++
	}
	w.CompletionSum += completion
	total := w.SuccessCount + w.ErrorCount
	if total > 0 {
		w.Performance.SuccessRate = float64(w.SuccessCount) / float64(total)
		w.Performance.ErrorRate = float64(w.ErrorCount) / float64(total)
		w.Performance.AvgCompletionHours = w.CompletionSum.Hours() / float64(total)
	}
	if total == 1 {
		w.Performance.QualityMean = qualityScore
	} else {
		w.Performance.QualityMean = w.Performance.QualityMean + (qualityScore-w.Performance.QualityMean)/float64(total)
	}

	w.AppendHistory(entry)
}

// MarkSuspect excludes worker id from AvailableWorkers until it is
// re-registered, in addition to logging the event (spec.md §4.7 "worker
// marked suspect").
func (r *Registry) MarkSuspect(id string) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		w.Suspect = true
	}
	r.mu.Unlock()
	r.log.Warn().Str("worker_id", id).Msg("worker marked suspect")
}

// CurrentTasksOf returns a snapshot of worker id's in-flight task ids.
func (r *Registry) CurrentTasksOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	return append([]string(nil), w.CurrentTasks...)
}

// snapshot is the msgpack-encoded form of a worker's bounded experience log,
// persisted to the store so it survives restarts (spec.md DOMAIN STACK —
// "Worker Registry's bounded experience-log snapshot").
type snapshot struct {
	WorkerID string                 `msgpack:"worker_id"`
	History  []task.ExperienceEntry `msgpack:"history"`
}

// PersistSnapshot encodes worker id's experience log with msgpack and writes
// it to the reports table as a lightweight audit record of learning state.
func (r *Registry) PersistSnapshot(ctx context.Context, id string) error {
	r.mu.RLock()
	w, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	payload, err := msgpack.Marshal(snapshot{WorkerID: id, History: w.History})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = r.st.Exec(ctx, `
		INSERT INTO reports (id, type, period_start, period_end, generated_at, payload)
		VALUES (?, 'worker-experience-snapshot', ?, ?, ?, ?)`,
		id+"-"+now.Format("20060102T150405"), now.Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339), payload)
	return err
}
