package sync

import (
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyslab/heysync/internal/remote"
)

func TestQueue_EnqueueDedupsByLogicalKey(t *testing.T) {
	api := &fakeAPI{}
	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	q.Enqueue(ctx, pendingWrite("profile", 100))
	q.Enqueue(ctx, pendingWrite("norms", 100))
	q.Enqueue(ctx, pendingWrite("profile", 200)) // replaces, keeps position

	assert.Equal(t, 2, q.Len(), "same logical key collapses to one entry")

	q.Flush(ctx, false)

	batch := api.lastUpsert()
	require.Len(t, batch, 2)
	assert.Equal(t, "profile", batch[0].Key)
	assert.Equal(t, int64(200), batch[0].UpdatedAt, "last write wins")
	assert.Equal(t, "norms", batch[1].Key)
}

func TestQueue_FlushSuccessDrains(t *testing.T) {
	api := &fakeAPI{}
	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	q.Enqueue(ctx, pendingWrite("profile", 100))
	q.Flush(ctx, false)

	assert.Equal(t, 0, q.Len())
	assert.True(t, q.WaitForDrained(ctx, time.Second))
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	api := &fakeAPI{}
	q, store := newTestQueue(t, api)
	ctx := t.Context()

	q.Enqueue(ctx, pendingWrite("profile", 100))
	q.Enqueue(ctx, pendingWrite("dayv2_2025-01-10", 150))

	// Simulated process restart: a fresh queue over the same store.
	bus := NewBus(testLogger())
	session := newSessionState(bus, testLogger())
	revived := newUploadQueue("tenant", tenantQueueKey, store, api, session, bus, testLogger())
	require.NoError(t, revived.load(ctx))

	assert.Equal(t, 2, revived.Len(), "queue re-hydrates from the store")

	revived.Flush(ctx, false)
	assert.Equal(t, 0, revived.Len())
	require.Len(t, api.lastUpsert(), 2)
}

func TestQueue_TransientFailureRequeuesWithRetryCount(t *testing.T) {
	api := &fakeAPI{}
	api.setUpsertErr(errors.New("connection refused"))

	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	q.Enqueue(ctx, pendingWrite("profile", 100))
	q.Flush(ctx, false)

	assert.Equal(t, 1, q.Len(), "failed batch requeued")

	q.mu.Lock()
	w := q.pending["profile"]
	failed := q.failedRuns
	q.mu.Unlock()

	assert.Equal(t, 1, w.Retries)
	assert.Equal(t, 1, failed)
}

func TestQueue_RequeueDoesNotClobberFresherWrite(t *testing.T) {
	api := &fakeAPI{}
	api.uploadDelay = 50 * time.Millisecond
	api.setUpsertErr(errors.New("connection refused"))

	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	q.Enqueue(ctx, pendingWrite("profile", 100))

	done := make(chan struct{})

	go func() {
		defer close(done)
		q.Flush(ctx, false)
	}()

	// Land a fresher write while the failing flush is in flight.
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(ctx, pendingWrite("profile", 999))
	<-done

	q.mu.Lock()
	w := q.pending["profile"]
	q.mu.Unlock()

	assert.Equal(t, int64(999), w.UpdatedAt, "requeue must not resurrect the stale value")
}

func TestQueue_RetryCeilingHoldsQueue(t *testing.T) {
	api := &fakeAPI{}
	api.setUpsertErr(errors.New("connection refused"))

	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	q.Enqueue(ctx, pendingWrite("profile", 100))

	for range retryCeiling {
		q.Flush(ctx, false)
	}

	q.mu.Lock()
	failed := q.failedRuns
	q.mu.Unlock()
	require.Equal(t, retryCeiling, failed)

	// Past the ceiling a regular flush is suppressed entirely.
	q.Flush(ctx, false)
	assert.Equal(t, 1, q.Len())

	// An online event resumes uploads.
	api.setUpsertErr(nil)
	q.ResetRetries()
	q.Flush(ctx, false)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_AtMostOneInFlightFlush(t *testing.T) {
	api := &fakeAPI{uploadDelay: 30 * time.Millisecond}
	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	var wg stdsync.WaitGroup

	for i := range 5 {
		q.Enqueue(ctx, pendingWrite("profile", int64(100+i)))

		wg.Add(1)

		go func() {
			defer wg.Done()
			q.Flush(ctx, false)
		}()
	}

	wg.Wait()
	require.True(t, q.WaitForDrained(ctx, 2*time.Second))

	api.mu.Lock()
	maxConcurrent := api.maxConcurrent
	api.mu.Unlock()

	assert.Equal(t, 1, maxConcurrent, "flushes must serialize")
}

func TestQueue_PausedSkipsUnlessForced(t *testing.T) {
	api := &fakeAPI{}
	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	q.session.Pause()
	q.Enqueue(ctx, pendingWrite("profile", 100))

	q.Flush(ctx, false)
	assert.Equal(t, 1, q.Len(), "paused queue does not upload")

	q.Flush(ctx, true)
	assert.Equal(t, 0, q.Len(), "forced flush bypasses pause")
}

func TestQueue_AuthFatalTriggersCallbackWithoutReschedule(t *testing.T) {
	api := &fakeAPI{}
	api.setUpsertErr(&remote.APIError{StatusCode: 401, Err: remote.ErrUnauthorized})

	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	var authErr error

	q.onAuthFailure = func(err error) { authErr = err }

	q.Enqueue(ctx, pendingWrite("profile", 100))
	q.Flush(ctx, false)

	assert.Error(t, authErr)
	assert.Equal(t, 1, q.Len(), "batch requeued for after re-login")

	q.mu.Lock()
	failed := q.failedRuns
	q.mu.Unlock()
	assert.Zero(t, failed, "auth failures are not transport retries")
}

func TestQueue_PolicyDenialDropsBatch(t *testing.T) {
	api := &fakeAPI{}
	api.setUpsertErr(&remote.APIError{StatusCode: 403, Err: remote.ErrPolicyDenied})

	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	events := q.bus.Subscribe()

	q.Enqueue(ctx, pendingWrite("profile", 100))
	q.Flush(ctx, false)

	assert.Equal(t, 0, q.Len(), "policy-denied writes never retry")

	var sawError bool

	for {
		select {
		case ev := <-events:
			if ev.SyncErr != nil {
				sawError = true
			}

			continue
		default:
		}

		break
	}

	assert.True(t, sawError, "drop must be surfaced as a sync error")
}

func TestQueue_FlushReportsProgressAtBatchBoundaries(t *testing.T) {
	api := &fakeAPI{}
	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	events := q.bus.Subscribe()

	q.Enqueue(ctx, pendingWrite("profile", 100))
	q.Enqueue(ctx, pendingWrite("norms", 100))
	q.Flush(ctx, false)

	var progress []SyncProgress

	for {
		select {
		case ev := <-events:
			if ev.Progress != nil {
				progress = append(progress, *ev.Progress)
			}

			continue
		default:
		}

		break
	}

	require.Len(t, progress, 2)
	assert.Equal(t, SyncProgress{Total: 2, Done: 0}, progress[0], "batch dequeued")
	assert.Equal(t, SyncProgress{Total: 2, Done: 2}, progress[1], "batch acknowledged")
}

func TestQueue_FailureCarriesRetryBackoffThenPersists(t *testing.T) {
	api := &fakeAPI{}
	api.setUpsertErr(errors.New("connection refused"))

	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	events := q.bus.Subscribe()

	q.Enqueue(ctx, pendingWrite("profile", 100))

	for range retryCeiling {
		q.Flush(ctx, false)
	}

	var errs []SyncError

	for {
		select {
		case ev := <-events:
			if ev.SyncErr != nil {
				errs = append(errs, *ev.SyncErr)
			}

			continue
		default:
		}

		break
	}

	require.Len(t, errs, retryCeiling)

	for _, e := range errs[:retryCeiling-1] {
		assert.False(t, e.Persistent)
		assert.Greater(t, e.RetryIn, time.Duration(0), "retriable failures announce the next attempt")
		assert.LessOrEqual(t, e.RetryIn, backoffCap+backoffCap/4)
	}

	last := errs[retryCeiling-1]
	assert.True(t, last.Persistent, "ceiling reached: queue holds for an online event")
	assert.Zero(t, last.RetryIn)
}

func TestQueue_DeleteWritesRouteToDelete(t *testing.T) {
	api := &fakeAPI{}
	q, _ := newTestQueue(t, api)
	ctx := t.Context()

	q.Enqueue(ctx, PendingWrite{Logical: "dayv2_2025-01-10", Delete: true, UpdatedAt: 100, Category: "day"})
	q.Flush(ctx, false)

	api.mu.Lock()
	defer api.mu.Unlock()

	require.Len(t, api.deletes, 1)
	assert.Equal(t, []string{"dayv2_2025-01-10"}, api.deletes[0])
	assert.Empty(t, api.upserts)
}
