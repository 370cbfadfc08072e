// Package events defines the stakeholder event types emitted by the
// dispatcher and transaction processor, and a small broadcast bus used to
// fan them out to in-process subscribers (the admin API's websocket relay
// among them).
package events

import "time"

// Kind identifies the shape of an Event's Data payload.
type Kind string

const (
	KindTaskAccepted  Kind = "task-accepted"
	KindTaskCompleted Kind = "task-completed"
	KindTaskFailed    Kind = "task-failed"
	KindLoadWarning   Kind = "load-warning"
	KindReportReady   Kind = "report-ready"
)

// Event is the envelope delivered on the stakeholder channel (spec.md §6).
type Event struct {
	Kind Kind       `json:"kind"`
	At   time.Time  `json:"at"`
	Data any        `json:"data"`
}

// TaskAccepted is emitted when a task is dequeued and assigned to a worker.
type TaskAccepted struct {
	TaskID              string    `json:"taskId"`
	WorkerID            string    `json:"workerId"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
}

// TaskCompleted is emitted when a worker reports successful completion.
type TaskCompleted struct {
	TaskID         string         `json:"taskId"`
	WorkerID       string         `json:"workerId"`
	Deliverables   map[string]any `json:"deliverables"`
	QualityMetrics map[string]any `json:"qualityMetrics"`
}

// TaskFailed is emitted when a task reaches the terminal failed state.
type TaskFailed struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// LoadWarning is emitted when the queue is throttling submissions or a
// worker is marked suspect after a heartbeat gap.
type LoadWarning struct {
	QueueDepth int    `json:"queueDepth"`
	Note       string `json:"note,omitempty"`
}

// ReportReady is emitted when Aggregation/Reporting finishes a period report.
type ReportReady struct {
	ReportID string `json:"reportId"`
	Summary  string `json:"summary"`
}

// Bus fans events out to any number of subscribers without blocking the
// publisher: a slow or absent subscriber drops events rather than stall the
// Dispatcher (spec.md §5 "Dispatcher is non-blocking except on...").
type Bus struct {
	subs chan chan Event
	pub  chan Event
	reg  chan chan Event
	unreg chan chan Event
}

// NewBus starts a Bus. Call Close to stop its internal goroutine.
func NewBus() *Bus {
	b := &Bus{
		pub:   make(chan Event, 256),
		reg:   make(chan chan Event),
		unreg: make(chan chan Event),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	subscribers := make(map[chan Event]struct{})
	for {
		select {
		case ch, ok := <-b.reg:
			if !ok {
				for sub := range subscribers {
					close(sub)
				}
				return
			}
			subscribers[ch] = struct{}{}
		case ch := <-b.unreg:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}
		case ev, ok := <-b.pub:
			if !ok {
				continue
			}
			for sub := range subscribers {
				select {
				case sub <- ev:
				default:
					// slow subscriber, drop rather than block the publisher
				}
			}
		}
	}
}

// Publish enqueues ev for delivery to all current subscribers. Non-blocking.
func (b *Bus) Publish(ev Event) {
	select {
	case b.pub <- ev:
	default:
		// bus itself is saturated; drop the event rather than block the caller
	}
}

// Subscribe returns a channel that receives every Event published after this
// call. Call Unsubscribe when done to release it.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 32)
	b.reg <- ch
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.unreg <- ch
}

// Close stops the bus's internal goroutine and closes all subscriber channels.
func (b *Bus) Close() {
	close(b.reg)
}
