package sync

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// Event is a notification from the engine to its consumers (CLI status
// line, watch-mode logger). Exactly one of the pointer fields is set.
type Event struct {
	Pending     *PendingChanged
	Progress    *SyncProgress
	Uploaded    *Uploaded
	Drained     *QueueDrained
	DaysUpdated *DaysUpdated
	State       *StateChanged
	AuthNeeded  *AuthRequired
	Restored    *NetworkRestored
	SyncErr     *SyncError
}

// PendingChanged reports the queue depth after a mutation, with a
// per-category breakdown (day/products/profile/other).
type PendingChanged struct {
	Count     int
	Breakdown map[string]int
}

// SyncProgress reports upload progress at each flush boundary: once
// when a batch is dequeued (Done == 0) and again when it is
// acknowledged (Done == Total). Drives a status line or progress bar.
type SyncProgress struct {
	Total int
	Done  int
}

// Uploaded reports a successful flush batch.
type Uploaded struct {
	Count     int
	Breakdown map[string]int
}

// QueueDrained fires when the queue transitions to empty with no
// in-flight flush.
type QueueDrained struct{}

// DaysUpdated carries the dates whose records changed during a
// reconcile, batched into a single event.
type DaysUpdated struct {
	Dates []string
}

// StateChanged reports a session state transition.
type StateChanged struct {
	From State
	To   State
}

// AuthRequired fires when the session was explicitly rejected and the
// user must sign in again.
type AuthRequired struct{}

// NetworkRestored fires when the offline probe detects connectivity
// coming back, carrying the queue depth about to be flushed.
type NetworkRestored struct {
	PendingCount int
}

// SyncError carries a non-fatal engine error for surfacing. RetryIn is
// the backoff before the next automatic attempt, zero when none is
// scheduled. Persistent marks errors that will not retry on their own:
// the queue is held until an online event or an explicit retry.
type SyncError struct {
	Op         string
	Err        error
	RetryIn    time.Duration
	Persistent bool
}

// Bus fans events out to subscribers on buffered channels. Publishing
// never blocks: a subscriber that stops draining loses events with a
// warn log rather than stalling the engine.
type Bus struct {
	mu     stdsync.Mutex
	subs   []chan Event
	logger *slog.Logger
}

// busBuffer is the per-subscriber channel depth.
const busBuffer = 64

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe returns a new subscription channel. The channel is closed
// by Close.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, busBuffer)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped: subscriber not draining")
		}
	}
}

// Close closes all subscription channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		close(ch)
	}

	b.subs = nil
}
