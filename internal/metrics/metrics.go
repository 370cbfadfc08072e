// Package metrics provides lightweight in-process counters and gauges for
// the admin HTTP surface — queue depth, dispatch cycles, assignments, fraud
// holds, posted and rejected transactions — sampled alongside host CPU and
// memory use via gopsutil. No latencies are recorded.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time read of every tracked counter/gauge.
type Snapshot struct {
	QueueDepth       int
	DispatchCycles   int64
	AssignmentsMade  int64
	FraudHolds       int64
	TransactionsPosted int64
	TransactionsRejected int64
	CPUPercent       float64
	MemUsedPercent   float64
}

// Registry holds the process's counters. All fields are safe for
// concurrent use.
type Registry struct {
	dispatchCycles      int64
	assignmentsMade     int64
	fraudHolds          int64
	transactionsPosted  int64
	transactionsRejected int64

	mu         sync.RWMutex
	queueDepth int
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) IncDispatchCycle()       { atomic.AddInt64(&r.dispatchCycles, 1) }
func (r *Registry) IncAssignment()          { atomic.AddInt64(&r.assignmentsMade, 1) }
func (r *Registry) IncFraudHold()           { atomic.AddInt64(&r.fraudHolds, 1) }
func (r *Registry) IncTransactionPosted()   { atomic.AddInt64(&r.transactionsPosted, 1) }
func (r *Registry) IncTransactionRejected() { atomic.AddInt64(&r.transactionsRejected, 1) }

// SetQueueDepth records the queue's current depth for the next Snapshot.
func (r *Registry) SetQueueDepth(depth int) {
	r.mu.Lock()
	r.queueDepth = depth
	r.mu.Unlock()
}

// Snapshot reads every counter plus a fresh host CPU/memory sample. CPU use
// is measured over a 50ms interval, so a call blocks for at least that long;
// on sampling failure the percentages are left at 0 rather than failing the
// whole snapshot.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	depth := r.queueDepth
	r.mu.RUnlock()

	s := Snapshot{
		QueueDepth:           depth,
		DispatchCycles:       atomic.LoadInt64(&r.dispatchCycles),
		AssignmentsMade:      atomic.LoadInt64(&r.assignmentsMade),
		FraudHolds:           atomic.LoadInt64(&r.fraudHolds),
		TransactionsPosted:   atomic.LoadInt64(&r.transactionsPosted),
		TransactionsRejected: atomic.LoadInt64(&r.transactionsRejected),
	}

	if pcts, err := cpu.Percent(50*time.Millisecond, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemUsedPercent = vm.UsedPercent
	}

	return s
}
