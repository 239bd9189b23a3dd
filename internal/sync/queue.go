package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	stdsync "sync"
	"time"

	"github.com/heyslab/heysync/internal/localstore"
	"github.com/heyslab/heysync/internal/remote"
)

// Queue pacing constants.
const (
	flushDebounce     = 500 * time.Millisecond
	pendingEventDelay = 250 * time.Millisecond
	backoffBase       = 1 * time.Second
	backoffCap        = 16 * time.Second
	backoffJitterFrac = 0.2
	retryCeiling      = 5
	drainPoll         = 50 * time.Millisecond
)

// uploadQueue is one persistent upload queue. The engine runs two: the
// tenant queue for tenant-scoped records and the legacy queue for
// global keys. Every mutation persists the queue snapshot to the local
// store, so a crash or restart re-hydrates losslessly.
type uploadQueue struct {
	name       string
	persistKey string
	store      localstore.Store
	api        RemoteAPI
	session    *sessionState
	bus        *Bus
	logger     *slog.Logger
	nowFunc    func() time.Time

	// onAuthFailure is invoked for session-ending API rejections; the
	// engine routes it into the session manager.
	onAuthFailure func(error)

	mu           stdsync.Mutex
	pending      map[string]PendingWrite // by logical key, last write wins
	order        []string
	inFlight     bool
	failedRuns   int // consecutive failed flushes
	flushTimer   *time.Timer
	flushGen     int
	rerun        bool
	pendingTimer *time.Timer
}

func newUploadQueue(name, persistKey string, store localstore.Store, api RemoteAPI,
	session *sessionState, bus *Bus, logger *slog.Logger) *uploadQueue {
	return &uploadQueue{
		name:       name,
		persistKey: persistKey,
		store:      store,
		api:        api,
		session:    session,
		bus:        bus,
		logger:     logger.With(slog.String("queue", name)),
		nowFunc:    time.Now,
		pending:    make(map[string]PendingWrite),
	}
}

// load re-hydrates the queue from its persisted snapshot.
func (q *uploadQueue) load(ctx context.Context) error {
	raw, err := q.store.Get(ctx, q.persistKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("sync: loading %s queue: %w", q.name, err)
	}

	var writes []PendingWrite
	if err := json.Unmarshal(raw, &writes); err != nil {
		// A corrupt snapshot must not wedge startup; the mirror still
		// holds the data and the next reconcile pushes it back.
		q.logger.Error("discarding corrupt queue snapshot", slog.String("error", err.Error()))
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, w := range writes {
		if _, ok := q.pending[w.Logical]; !ok {
			q.order = append(q.order, w.Logical)
		}

		q.pending[w.Logical] = w
	}

	q.logger.Info("queue re-hydrated", slog.Int("pending", len(q.pending)))

	return nil
}

// Enqueue adds or replaces a pending write (dedup by logical key, last
// write wins), persists the snapshot, and schedules a debounced flush.
func (q *uploadQueue) Enqueue(ctx context.Context, w PendingWrite) {
	q.mu.Lock()

	if _, ok := q.pending[w.Logical]; !ok {
		q.order = append(q.order, w.Logical)
	}

	q.pending[w.Logical] = w
	q.persistLocked(ctx)
	q.schedulePendingEventLocked()
	q.mu.Unlock()

	q.scheduleFlush(flushDebounce)
}

// persistLocked writes the queue snapshot to the local store. Caller
// holds q.mu. Persistence failures are logged, not fatal: the in-memory
// queue still drives uploads for this process lifetime.
func (q *uploadQueue) persistLocked(ctx context.Context) {
	writes := q.snapshotLocked()

	raw, err := json.Marshal(writes)
	if err != nil {
		q.logger.Error("encoding queue snapshot", slog.String("error", err.Error()))
		return
	}

	if err := q.store.Put(ctx, q.persistKey, raw); err != nil {
		q.logger.Error("persisting queue snapshot",
			slog.Int("pending", len(writes)),
			slog.String("error", err.Error()),
		)
	}
}

func (q *uploadQueue) snapshotLocked() []PendingWrite {
	writes := make([]PendingWrite, 0, len(q.order))
	for _, k := range q.order {
		writes = append(writes, q.pending[k])
	}

	return writes
}

// Snapshot returns a copy of the pending writes in enqueue order.
func (q *uploadQueue) Snapshot() []PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.snapshotLocked()
}

// Len returns the number of pending writes.
func (q *uploadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// breakdownLocked counts pending writes per category.
func (q *uploadQueue) breakdownLocked() map[string]int {
	counts := make(map[string]int)
	for _, w := range q.pending {
		counts[w.Category]++
	}

	return counts
}

// schedulePendingEventLocked coalesces rapid queue mutations into one
// pending-count event. Caller holds q.mu.
func (q *uploadQueue) schedulePendingEventLocked() {
	if q.pendingTimer != nil {
		q.pendingTimer.Stop()
	}

	q.pendingTimer = time.AfterFunc(pendingEventDelay, func() {
		q.mu.Lock()
		ev := PendingChanged{Count: len(q.pending), Breakdown: q.breakdownLocked()}
		q.mu.Unlock()

		q.bus.Publish(Event{Pending: &ev})
	})
}

// scheduleFlush arms (or re-arms) the flush timer. Each call supersedes
// the previous schedule.
func (q *uploadQueue) scheduleFlush(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushGen++
	gen := q.flushGen

	if q.flushTimer != nil {
		q.flushTimer.Stop()
	}

	q.flushTimer = time.AfterFunc(d, func() {
		q.mu.Lock()
		stale := gen != q.flushGen
		q.mu.Unlock()

		if stale {
			return
		}

		q.Flush(context.Background(), false)
	})
}

// Flush drains the queue in one batch. force bypasses the paused check
// for the pre-download push. At most one flush is in flight; a
// concurrent call flags a follow-up run instead of racing.
func (q *uploadQueue) Flush(ctx context.Context, force bool) {
	q.mu.Lock()

	if q.inFlight {
		q.rerun = true
		q.mu.Unlock()

		return
	}

	if q.session.Paused() && !force {
		q.mu.Unlock()
		q.logger.Debug("flush skipped: paused")

		return
	}

	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}

	if !force && q.failedRuns >= retryCeiling {
		q.mu.Unlock()
		q.logger.Warn("flush suppressed: retry ceiling reached, waiting for online event")

		return
	}

	// Swap-and-clear before any network call: new writes landing during
	// the flight accumulate in a fresh queue.
	batch := q.snapshotLocked()
	q.pending = make(map[string]PendingWrite)
	q.order = nil
	q.persistLocked(ctx)
	q.inFlight = true
	q.mu.Unlock()

	q.logger.Debug("flushing batch", slog.Int("writes", len(batch)))
	q.bus.Publish(Event{Progress: &SyncProgress{Total: len(batch)}})

	err := q.uploadBatch(ctx, batch)

	q.mu.Lock()
	q.inFlight = false
	rerun := q.rerun
	q.rerun = false

	switch {
	case err == nil:
		q.failedRuns = 0
		q.schedulePendingEventLocked()
		q.mu.Unlock()

		q.bus.Publish(Event{Progress: &SyncProgress{Total: len(batch), Done: len(batch)}})
		q.bus.Publish(Event{Uploaded: &Uploaded{Count: len(batch), Breakdown: categorize(batch)}})
		q.signalIfDrained()

	case remote.IsAuthFatal(err):
		q.requeueLocked(ctx, batch)
		q.mu.Unlock()

		q.logger.Warn("flush rejected: session invalid", slog.String("error", err.Error()))

		if q.onAuthFailure != nil {
			q.onAuthFailure(err)
		}

		return // no reschedule: sign-in resumes the queue

	case remote.IsAuthNonFatal(err):
		// Policy denials never succeed on retry; dropping the batch is
		// the original engine's behavior. The mirror still has the data.
		q.failedRuns = 0
		q.mu.Unlock()

		q.logger.Warn("flush dropped by policy", slog.Int("writes", len(batch)), slog.String("error", err.Error()))
		q.bus.Publish(Event{SyncErr: &SyncError{Op: "flush", Err: err, Persistent: true}})
		q.signalIfDrained()

	default:
		q.requeueLocked(ctx, batch)
		q.failedRuns++
		failed := q.failedRuns
		q.mu.Unlock()

		if failed >= retryCeiling {
			q.logger.Warn("flush failed at retry ceiling, holding queue",
				slog.Int("attempts", failed),
				slog.String("error", err.Error()),
			)
			q.bus.Publish(Event{SyncErr: &SyncError{Op: "flush", Err: err, Persistent: true}})

			return
		}

		backoff := q.retryBackoff(failed)
		q.logger.Warn("flush failed, backing off",
			slog.Int("attempt", failed),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		q.bus.Publish(Event{SyncErr: &SyncError{Op: "flush", Err: err, RetryIn: backoff}})
		q.scheduleFlush(backoff)

		return
	}

	if rerun {
		q.scheduleFlush(0)
	}
}

// uploadBatch pushes one swapped-out batch: upserts and deletes in two
// calls. The client's retry combinator handles transient hiccups; an
// error here is post-retry and definitive for this attempt.
func (q *uploadQueue) uploadBatch(ctx context.Context, batch []PendingWrite) error {
	var (
		rows    []remote.Row
		deletes []string
	)

	for _, w := range batch {
		if w.Delete {
			deletes = append(deletes, w.Logical)
			continue
		}

		rows = append(rows, remote.Row{Key: w.Logical, Value: w.Value, UpdatedAt: w.UpdatedAt})
	}

	if err := q.api.Upsert(ctx, rows); err != nil {
		return err
	}

	return q.api.Delete(ctx, deletes)
}

// requeueLocked merges a failed batch back without clobbering fresher
// writes that arrived during the flight. Caller holds q.mu.
func (q *uploadQueue) requeueLocked(ctx context.Context, batch []PendingWrite) {
	for _, w := range batch {
		existing, ok := q.pending[w.Logical]
		if ok && existing.UpdatedAt >= w.UpdatedAt {
			continue
		}

		if !ok {
			q.order = append(q.order, w.Logical)
		}

		w.Retries++
		q.pending[w.Logical] = w
	}

	q.persistLocked(ctx)
	q.schedulePendingEventLocked()
}

// retryBackoff computes exponential backoff with ±20% jitter.
func (q *uploadQueue) retryBackoff(attempt int) time.Duration {
	backoff := float64(backoffBase) * math.Pow(2, float64(attempt-1))
	if backoff > float64(backoffCap) {
		backoff = float64(backoffCap)
	}

	jitter := backoff * backoffJitterFrac * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	return time.Duration(backoff + jitter)
}

// signalIfDrained publishes QueueDrained when the queue is empty with
// no in-flight flush.
func (q *uploadQueue) signalIfDrained() {
	q.mu.Lock()
	drained := len(q.pending) == 0 && !q.inFlight
	q.mu.Unlock()

	if drained {
		q.bus.Publish(Event{Drained: &QueueDrained{}})
	}
}

// WaitForDrained blocks until the queue is empty with no in-flight
// flush, or until timeout/ctx expiry. Returns whether it drained.
func (q *uploadQueue) WaitForDrained(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		drained := len(q.pending) == 0 && !q.inFlight
		q.mu.Unlock()

		if drained {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// Clear drops every pending write and the persisted snapshot. Used on
// sign-out and tenant switch, where queued writes belong to a session
// that no longer exists.
func (q *uploadQueue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.pending)
	q.pending = make(map[string]PendingWrite)
	q.order = nil
	q.failedRuns = 0
	q.persistLocked(ctx)

	if dropped > 0 {
		q.logger.Info("queue cleared", slog.Int("dropped", dropped))
	}
}

// ResetRetries clears the failure run (online event, explicit retry)
// and kicks an immediate flush if anything is pending.
func (q *uploadQueue) ResetRetries() {
	q.mu.Lock()
	q.failedRuns = 0
	hasPending := len(q.pending) > 0
	q.mu.Unlock()

	if hasPending {
		q.scheduleFlush(0)
	}
}

// categorize counts a batch per category for the uploaded event.
func categorize(batch []PendingWrite) map[string]int {
	counts := make(map[string]int)
	for _, w := range batch {
		counts[w.Category]++
	}

	return counts
}
