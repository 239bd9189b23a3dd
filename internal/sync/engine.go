package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heyslab/heysync/internal/keykind"
	"github.com/heyslab/heysync/internal/localstore"
	"github.com/heyslab/heysync/internal/remote"
)

// Engine pacing constants.
const (
	dedupWindow          = 1 * time.Second
	periodicSyncEvery    = 5 * time.Minute
	offlineProbeEvery    = 30 * time.Second
	realtimeSyncDebounce = 2 * time.Second
)

// Queue persistence keys (reserved, never synchronized).
const (
	tenantQueueKey = "heys_pending_queue"
	legacyQueueKey = "heys_pending_queue_legacy"
)

// RealtimeSource maintains a change-notification subscription.
// Satisfied by *remote.Listener.
type RealtimeSource interface {
	Run(ctx context.Context, tenantID string, notify func(remote.ChangeEvent)) error
}

// EngineConfig holds the options for NewEngine. Uses a struct because
// positional parameters stop scaling past a few dependencies.
type EngineConfig struct {
	Store    localstore.Store
	API      RemoteAPI
	Realtime RealtimeSource // optional; nil disables the change channel
	TenantID string         // empty until sign-in
	Periodic time.Duration  // watch-mode reconcile interval; 0 means the default
	Logger   *slog.Logger
}

// Engine is the synchronization engine facade: local mirror writes,
// upload queues, reconciliation, and session lifecycle.
type Engine struct {
	store       localstore.Store
	api         RemoteAPI
	realtime    RealtimeSource
	session     *sessionState
	tenantQueue *uploadQueue
	legacyQueue *uploadQueue
	reconciler  *reconciler
	bus         *Bus
	logger      *slog.Logger
	nowFunc     func() time.Time
	periodic    time.Duration

	mu        stdsync.Mutex
	tenantID  string
	signingIn bool
	recent    map[string]time.Time // write-dedup window, key|updatedAt → seen
}

// NewEngine creates an Engine and re-hydrates its queues from the
// local store.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := NewBus(logger)
	session := newSessionState(bus, logger)

	e := &Engine{
		store:    cfg.Store,
		api:      cfg.API,
		realtime: cfg.Realtime,
		session:  session,
		bus:      bus,
		logger:   logger,
		nowFunc:  time.Now,
		periodic: cfg.Periodic,
		tenantID: cfg.TenantID,
		recent:   make(map[string]time.Time),
	}

	if e.periodic <= 0 {
		e.periodic = periodicSyncEvery
	}

	e.tenantQueue = newUploadQueue("tenant", tenantQueueKey, cfg.Store, cfg.API, session, bus, logger)
	e.legacyQueue = newUploadQueue("legacy", legacyQueueKey, cfg.Store, cfg.API, session, bus, logger)
	e.tenantQueue.onAuthFailure = e.handleAuthFailure
	e.legacyQueue.onAuthFailure = e.handleAuthFailure
	e.reconciler = newReconciler(cfg.Store, cfg.API, e.tenantQueue, e.legacyQueue, session, bus, logger)

	if err := e.tenantQueue.load(ctx); err != nil {
		return nil, err
	}

	if err := e.legacyQueue.load(ctx); err != nil {
		return nil, err
	}

	return e, nil
}

// Events returns a subscription to engine events.
func (e *Engine) Events() <-chan Event {
	return e.bus.Subscribe()
}

// State returns the current session state.
func (e *Engine) State() State {
	return e.session.Current()
}

// Pending returns the total queued upload count across both queues.
func (e *Engine) Pending() int {
	return e.tenantQueue.Len() + e.legacyQueue.Len()
}

// PendingWrites returns the queued uploads for inspection, tenant queue
// first, in enqueue order.
func (e *Engine) PendingWrites() []PendingWrite {
	return append(e.tenantQueue.Snapshot(), e.legacyQueue.Snapshot()...)
}

// Put writes a value through the engine: the mirror synchronously,
// then (for eligible keys) the upload queue with a debounced flush. It
// never blocks on the network.
func (e *Engine) Put(ctx context.Context, rawKey string, value []byte) error {
	e.mu.Lock()
	tenantID := e.tenantID
	signingIn := e.signingIn
	e.mu.Unlock()

	localKey := keykind.Normalize(rawKey, tenantID)
	key := keykind.Parse(localKey)

	if err := e.store.Put(ctx, localKey, value); err != nil {
		return fmt.Errorf("sync: mirroring %s: %w", rawKey, err)
	}

	if !key.SyncEligible() || signingIn {
		return nil
	}

	if key.TenantScoped() && tenantID == "" {
		// No session yet: the mirror holds the data, the bootstrap
		// reconcile pushes it after sign-in.
		return nil
	}

	updatedAt := embeddedUpdatedAt(value)
	if e.recentlyWritten(localKey, updatedAt) {
		e.logger.Debug("duplicate write suppressed", slog.String("key", localKey))
		return nil
	}

	w := PendingWrite{
		LocalKey:  localKey,
		Logical:   key.Logical(),
		Value:     value,
		UpdatedAt: updatedAt,
		Category:  key.Category(),
	}

	if w.UpdatedAt == 0 {
		w.UpdatedAt = e.nowFunc().UnixMilli()
	}

	if key.TenantScoped() {
		e.tenantQueue.Enqueue(ctx, w)
	} else {
		e.legacyQueue.Enqueue(ctx, w)
	}

	return nil
}

// recentlyWritten implements the 1s dedup window on (key, updatedAt).
// Identical pairs inside the window are echoes of the same app-level
// write fanned out through multiple storage listeners.
func (e *Engine) recentlyWritten(localKey string, updatedAt int64) bool {
	if updatedAt == 0 {
		return false
	}

	dedupKey := fmt.Sprintf("%s|%d", localKey, updatedAt)
	now := e.nowFunc()

	e.mu.Lock()
	defer e.mu.Unlock()

	if seen, ok := e.recent[dedupKey]; ok && now.Sub(seen) < dedupWindow {
		return true
	}

	e.recent[dedupKey] = now

	// Opportunistic cleanup keeps the map from growing unbounded.
	if len(e.recent) > 1024 {
		for k, seen := range e.recent {
			if now.Sub(seen) >= dedupWindow {
				delete(e.recent, k)
			}
		}
	}

	return false
}

// Get reads a key from the mirror. Legacy unscoped keys written by old
// clients migrate to the tenant namespace on first read.
func (e *Engine) Get(ctx context.Context, rawKey string) ([]byte, error) {
	e.mu.Lock()
	tenantID := e.tenantID
	e.mu.Unlock()

	localKey := keykind.Normalize(rawKey, tenantID)

	value, err := e.store.Get(ctx, localKey)
	if err == nil {
		return value, nil
	}

	if !errors.Is(err, localstore.ErrNotFound) || localKey == rawKey {
		return nil, err
	}

	// Fallback: the record may still live under its legacy key.
	legacy, legacyErr := e.store.Get(ctx, rawKey)
	if legacyErr != nil {
		return nil, err
	}

	if putErr := e.store.Put(ctx, localKey, legacy); putErr == nil {
		if delErr := e.store.Delete(ctx, rawKey); delErr != nil {
			e.logger.Warn("legacy key left behind after migration", slog.String("key", rawKey))
		}

		e.logger.Info("migrated legacy key",
			slog.String("from", rawKey),
			slog.String("to", localKey),
		)
	}

	return legacy, nil
}

// Delete removes a key from the mirror and propagates the deletion.
func (e *Engine) Delete(ctx context.Context, rawKey string) error {
	e.mu.Lock()
	tenantID := e.tenantID
	e.mu.Unlock()

	localKey := keykind.Normalize(rawKey, tenantID)
	key := keykind.Parse(localKey)

	if err := e.store.Delete(ctx, localKey); err != nil {
		return fmt.Errorf("sync: deleting %s: %w", rawKey, err)
	}

	if !key.SyncEligible() {
		return nil
	}

	w := PendingWrite{
		LocalKey:  localKey,
		Logical:   key.Logical(),
		Delete:    true,
		UpdatedAt: e.nowFunc().UnixMilli(),
		Category:  key.Category(),
	}

	if key.TenantScoped() {
		if tenantID == "" {
			return nil
		}

		e.tenantQueue.Enqueue(ctx, w)
	} else {
		e.legacyQueue.Enqueue(ctx, w)
	}

	return nil
}

// Flush runs an immediate non-forced flush of both queues, bypassing
// the debounce timer.
func (e *Engine) Flush(ctx context.Context) {
	e.tenantQueue.Flush(ctx, false)
	e.legacyQueue.Flush(ctx, false)
}

// FullSync runs one reconcile pass for the current tenant.
func (e *Engine) FullSync(ctx context.Context, opts FullSyncOpts) error {
	e.mu.Lock()
	tenantID := e.tenantID
	e.mu.Unlock()

	if tenantID == "" {
		return errors.New("sync: no active session")
	}

	return e.reconciler.FullSync(ctx, tenantID, opts)
}

// StartSession activates a signed-in session. Switching tenants clears
// the previous tenant's namespace first; the bootstrap reconcile then
// treats the server as authoritative.
func (e *Engine) StartSession(ctx context.Context, tenantID string) error {
	e.mu.Lock()
	previous := e.tenantID
	e.tenantID = tenantID
	e.signingIn = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.signingIn = false
		e.mu.Unlock()
	}()

	e.session.transition(StateSigningIn)

	if previous != "" && previous != tenantID {
		// Writes queued for the previous tenant must not land in the
		// new tenant's store.
		e.tenantQueue.Clear(ctx)

		if err := e.clearNamespace(ctx, "heys_"+previous+"_"); err != nil {
			return err
		}
	}

	if err := e.reconciler.FullSync(ctx, tenantID, FullSyncOpts{Force: true, PreferRemote: true}); err != nil {
		e.session.transition(StateOffline)
		return fmt.Errorf("sync: bootstrap reconcile: %w", err)
	}

	e.session.transition(StateOnline)

	return nil
}

// EndSession signs out: every engine key leaves the mirror and the
// queues reset. The remote copy is untouched.
func (e *Engine) EndSession(ctx context.Context) error {
	e.mu.Lock()
	e.tenantID = ""
	e.mu.Unlock()

	e.tenantQueue.Clear(ctx)
	e.legacyQueue.Clear(ctx)

	if err := e.clearNamespace(ctx, "heys_"); err != nil {
		return err
	}

	e.session.transition(StateOffline)
	e.logger.Info("session ended, namespace cleared")

	return nil
}

// clearNamespace deletes every mirror key under prefix.
func (e *Engine) clearNamespace(ctx context.Context, prefix string) error {
	entries, err := e.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("sync: listing namespace %s: %w", prefix, err)
	}

	for _, entry := range entries {
		if err := e.store.Delete(ctx, entry.Key); err != nil {
			return fmt.Errorf("sync: clearing %s: %w", entry.Key, err)
		}
	}

	e.logger.Debug("namespace cleared",
		slog.String("prefix", prefix),
		slog.Int("keys", len(entries)),
	)

	return nil
}

// Pause suspends sync activity, returning the resume token.
func (e *Engine) Pause() string {
	return e.session.Pause()
}

// Resume lifts a pause when token is the most recently issued one.
func (e *Engine) Resume(token string) bool {
	resumed := e.session.Resume(token)
	if resumed {
		e.tenantQueue.ResetRetries()
		e.legacyQueue.ResetRetries()
	}

	return resumed
}

// WaitForDrained blocks until both queues are empty or timeout.
func (e *Engine) WaitForDrained(ctx context.Context, timeout time.Duration) bool {
	deadline := e.nowFunc().Add(timeout)

	if !e.tenantQueue.WaitForDrained(ctx, timeout) {
		return false
	}

	remaining := deadline.Sub(e.nowFunc())
	if remaining <= 0 {
		remaining = time.Millisecond
	}

	return e.legacyQueue.WaitForDrained(ctx, remaining)
}

// handleAuthFailure routes a session-ending API rejection: the engine
// drops to offline and consumers get the re-login prompt.
func (e *Engine) handleAuthFailure(err error) {
	e.logger.Warn("authentication required", slog.String("error", err.Error()))
	e.session.transition(StateOffline)
	e.bus.Publish(Event{AuthNeeded: &AuthRequired{}})
}

// Run drives watch mode: periodic reconciles, offline probing, and the
// realtime change channel. Blocks until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	tenantID := e.tenantID
	e.mu.Unlock()

	if tenantID == "" {
		return errors.New("sync: no active session")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.periodicSyncLoop(ctx) })
	g.Go(func() error { return e.offlineProbeLoop(ctx) })

	if e.realtime != nil {
		g.Go(func() error { return e.realtimeLoop(ctx, tenantID) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (e *Engine) periodicSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.periodic)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.FullSync(ctx, FullSyncOpts{}); err != nil {
				e.logger.Warn("periodic sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// offlineProbeLoop watches for connectivity coming back: while offline,
// a cheap health check runs on an interval; success resumes the queues
// and kicks a reconcile.
func (e *Engine) offlineProbeLoop(ctx context.Context) error {
	ticker := time.NewTicker(offlineProbeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if e.session.Current() != StateOffline {
			continue
		}

		if err := e.api.Health(ctx); err != nil {
			continue
		}

		e.restoreConnectivity(ctx)
	}
}

// restoreConnectivity brings the engine back online after a successful
// probe: announce the restore with the queue depth awaiting upload,
// resume the queues, and force a reconcile.
func (e *Engine) restoreConnectivity(ctx context.Context) {
	e.logger.Info("connectivity restored")
	e.session.transition(StateOnline)
	e.bus.Publish(Event{Restored: &NetworkRestored{PendingCount: e.Pending()}})
	e.tenantQueue.ResetRetries()
	e.legacyQueue.ResetRetries()

	if err := e.FullSync(ctx, FullSyncOpts{Force: true}); err != nil {
		e.logger.Warn("post-restore sync failed", slog.String("error", err.Error()))
	}
}

// realtimeLoop funnels change notifications into debounced reconciles.
func (e *Engine) realtimeLoop(ctx context.Context, tenantID string) error {
	var (
		mu    stdsync.Mutex
		timer *time.Timer
	)

	notify := func(remote.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()

		if timer != nil {
			timer.Stop()
		}

		timer = time.AfterFunc(realtimeSyncDebounce, func() {
			if err := e.FullSync(ctx, FullSyncOpts{}); err != nil {
				e.logger.Warn("realtime-triggered sync failed", slog.String("error", err.Error()))
			}
		})
	}

	return e.realtime.Run(ctx, tenantID, notify)
}

// Close flushes nothing and releases the event bus. The local store is
// owned by the caller.
func (e *Engine) Close() {
	e.bus.Close()
}
