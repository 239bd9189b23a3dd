package remote

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFailover(persist PersistEndpointFunc) *failover {
	f := newFailover("https://direct.example", "https://proxy.example", false, persist, testLogger())

	// Fixed clock well past any debounce window.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.nowFunc = func() time.Time { return now }

	return f
}

func TestFailover_FlipsAfterThreeFailures(t *testing.T) {
	f := newTestFailover(nil)

	f.onFailure()
	f.onFailure()
	assert.Equal(t, "https://direct.example", f.baseURL(), "two failures are not enough")

	f.onFailure()
	assert.Equal(t, "https://proxy.example", f.baseURL())
}

func TestFailover_SuccessResetsFailureRun(t *testing.T) {
	f := newTestFailover(nil)

	f.onFailure()
	f.onFailure()
	f.onSuccess()
	f.onFailure()
	f.onFailure()

	assert.Equal(t, "https://direct.example", f.baseURL())
}

func TestFailover_DebounceBlocksRapidFlipping(t *testing.T) {
	f := newTestFailover(nil)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f.nowFunc = func() time.Time { return now }

	for range 3 {
		f.onFailure()
	}
	assert.Equal(t, "https://proxy.example", f.baseURL())

	// Another failure run 10s later must not flip back yet.
	now = base.Add(10 * time.Second)
	for range 3 {
		f.onFailure()
	}
	assert.Equal(t, "https://proxy.example", f.baseURL())

	// After the debounce window it may.
	now = base.Add(61 * time.Second)
	for range 3 {
		f.onFailure()
	}
	assert.Equal(t, "https://direct.example", f.baseURL())
}

func TestFailover_PersistsAfterFiveSuccesses(t *testing.T) {
	var persisted []bool

	f := newTestFailover(func(useProxy bool) { persisted = append(persisted, useProxy) })

	for range 3 {
		f.onFailure()
	}

	for range 4 {
		f.onSuccess()
	}
	assert.Empty(t, persisted, "four successes are not enough")

	f.onSuccess()
	assert.Equal(t, []bool{true}, persisted)

	// Further successes do not re-persist.
	f.onSuccess()
	assert.Len(t, persisted, 1)
}

func TestFailover_NoProxyConfiguredNeverFlips(t *testing.T) {
	f := newFailover("https://direct.example", "", false, nil, testLogger())

	for range 10 {
		f.onFailure()
	}

	assert.Equal(t, "https://direct.example", f.baseURL())
}
