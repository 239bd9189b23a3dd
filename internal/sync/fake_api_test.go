package sync

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	stdsync "sync"
	"testing"
	"time"

	"github.com/heyslab/heysync/internal/localstore"
	"github.com/heyslab/heysync/internal/remote"
)

const testTenant = "3f2b8c1a-9d4e-4f6a-8b2c-1d3e5f7a9b0c"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI is an in-memory RemoteAPI that records calls and tracks the
// maximum number of concurrent uploads.
type fakeAPI struct {
	mu stdsync.Mutex

	rows    []remote.Row
	stamps  []remote.KeyStamp
	upserts [][]remote.Row
	deletes [][]string

	upsertErr error
	healthErr error

	uploadDelay   time.Duration
	inFlight      int
	maxConcurrent int
}

func (f *fakeAPI) SelectAll(context.Context) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]remote.Row(nil), f.rows...), nil
}

func (f *fakeAPI) SelectKeys(_ context.Context, keys []string) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []remote.Row

	for _, row := range f.rows {
		for _, k := range keys {
			if row.Key == k {
				out = append(out, row)
			}
		}
	}

	return out, nil
}

func (f *fakeAPI) Sample(context.Context, int) ([]remote.KeyStamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]remote.KeyStamp(nil), f.stamps...), nil
}

func (f *fakeAPI) Upsert(_ context.Context, rows []remote.Row) error {
	f.mu.Lock()
	f.inFlight++

	if f.inFlight > f.maxConcurrent {
		f.maxConcurrent = f.inFlight
	}

	delay := f.uploadDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--

	if f.upsertErr != nil {
		return f.upsertErr
	}

	if len(rows) > 0 {
		f.upserts = append(f.upserts, rows)
	}

	return nil
}

func (f *fakeAPI) Delete(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertErr != nil {
		return f.upsertErr
	}

	if len(keys) > 0 {
		f.deletes = append(f.deletes, keys)
	}

	return nil
}

func (f *fakeAPI) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.healthErr
}

func (f *fakeAPI) upsertCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.upserts)
}

func (f *fakeAPI) lastUpsert() []remote.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.upserts) == 0 {
		return nil
	}

	return f.upserts[len(f.upserts)-1]
}

func (f *fakeAPI) setUpsertErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

// newTestQueue wires an uploadQueue against a MemStore and fake API.
func newTestQueue(t *testing.T, api *fakeAPI) (*uploadQueue, *localstore.MemStore) {
	t.Helper()

	store := localstore.NewMemStore(0)
	bus := NewBus(testLogger())
	session := newSessionState(bus, testLogger())

	q := newUploadQueue("tenant", tenantQueueKey, store, api, session, bus, testLogger())

	return q, store
}

func pendingWrite(logical string, updatedAt int64) PendingWrite {
	return PendingWrite{
		LocalKey:  "heys_" + testTenant + "_" + logical,
		Logical:   logical,
		Value:     []byte(`{"updatedAt":` + strconv.FormatInt(updatedAt, 10) + `}`),
		UpdatedAt: updatedAt,
		Category:  "other",
	}
}
