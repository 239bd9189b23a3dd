package remote

import (
	"log/slog"
	"sync"
	"time"
)

// Failover thresholds.
const (
	failoverFailureThreshold = 3
	failoverSuccessThreshold = 5
	failoverSwitchDebounce   = 60 * time.Second
)

// PersistEndpointFunc saves the proven-good endpoint choice so the next
// process start goes straight to it. Errors are the callback's problem.
type PersistEndpointFunc func(useProxy bool)

// failover selects between the direct and proxy base URLs. A run of
// consecutive failures flips the route (debounced so flapping networks
// cannot thrash it); a run of consecutive successes persists the
// current choice.
type failover struct {
	mu sync.Mutex

	direct   string
	proxy    string
	useProxy bool

	failures   int
	successes  int
	lastSwitch time.Time
	persisted  bool

	persist PersistEndpointFunc
	logger  *slog.Logger
	nowFunc func() time.Time
}

func newFailover(direct, proxy string, startOnProxy bool, persist PersistEndpointFunc, logger *slog.Logger) *failover {
	return &failover{
		direct:   direct,
		proxy:    proxy,
		useProxy: startOnProxy && proxy != "",
		persist:  persist,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// baseURL returns the currently selected endpoint.
func (f *failover) baseURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.useProxy {
		return f.proxy
	}

	return f.direct
}

// onSuccess records a successful request against the current endpoint.
func (f *failover) onSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures = 0
	f.successes++

	if f.successes >= failoverSuccessThreshold && !f.persisted {
		f.persisted = true

		if f.persist != nil {
			f.persist(f.useProxy)
		}

		f.logger.Info("endpoint choice persisted",
			slog.Bool("proxy", f.useProxy),
			slog.Int("successes", f.successes),
		)
	}
}

// onFailure records a failed request; flips the route when the failure
// run crosses the threshold and the debounce window has passed.
func (f *failover) onFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.successes = 0
	f.failures++

	if f.failures < failoverFailureThreshold || f.proxy == "" {
		return
	}

	now := f.nowFunc()
	if !f.lastSwitch.IsZero() && now.Sub(f.lastSwitch) < failoverSwitchDebounce {
		return
	}

	f.useProxy = !f.useProxy
	f.failures = 0
	f.persisted = false
	f.lastSwitch = now

	f.logger.Warn("switched remote endpoint",
		slog.Bool("proxy", f.useProxy),
	)
}
