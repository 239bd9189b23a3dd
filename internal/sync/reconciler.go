package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/heyslab/heysync/internal/keykind"
	"github.com/heyslab/heysync/internal/localstore"
	"github.com/heyslab/heysync/internal/merge"
	"github.com/heyslab/heysync/internal/remote"
)

// Reconcile pacing constants.
const (
	fullSyncThrottle = 15 * time.Second
	drainWait        = 5 * time.Second
	changeSampleSize = 5
	fullSyncFailsafe = 60 * time.Second
)

// FullSyncOpts controls one reconcile pass.
type FullSyncOpts struct {
	// Force bypasses the throttle and the change-detection probe.
	Force bool

	// PreferRemote treats the server as authoritative for meal-item
	// deletions (bootstrap after sign-in).
	PreferRemote bool
}

// reconciler drives the download path: flush-before-fetch, cheap change
// detection, row normalization, and per-kind conflict application.
type reconciler struct {
	store       localstore.Store
	api         RemoteAPI
	tenantQueue *uploadQueue
	legacyQueue *uploadQueue
	session     *sessionState
	bus         *Bus
	logger      *slog.Logger
	nowFunc     func() time.Time

	group singleflight.Group

	mu         stdsync.Mutex
	lastFull   map[string]time.Time
	lastStamps map[string][]remote.KeyStamp
}

func newReconciler(store localstore.Store, api RemoteAPI, tenantQueue, legacyQueue *uploadQueue,
	session *sessionState, bus *Bus, logger *slog.Logger) *reconciler {
	return &reconciler{
		store:       store,
		api:         api,
		tenantQueue: tenantQueue,
		legacyQueue: legacyQueue,
		session:     session,
		bus:         bus,
		logger:      logger,
		nowFunc:     time.Now,
		lastFull:    make(map[string]time.Time),
		lastStamps:  make(map[string][]remote.KeyStamp),
	}
}

// FullSync runs one reconcile pass for the tenant. Concurrent calls for
// the same tenant coalesce into a single pass via singleflight.
func (r *reconciler) FullSync(ctx context.Context, tenantID string, opts FullSyncOpts) error {
	_, err, _ := r.group.Do(tenantID, func() (any, error) {
		return nil, r.run(ctx, tenantID, opts)
	})

	return err
}

func (r *reconciler) run(ctx context.Context, tenantID string, opts FullSyncOpts) error {
	if r.session.Paused() {
		r.logger.Debug("full sync skipped: paused")
		return nil
	}

	if !opts.Force && !r.throttleExpired(tenantID) {
		r.logger.Debug("full sync skipped: throttled", slog.String("tenant_id", tenantID))
		return nil
	}

	r.session.transition(StateSyncing)

	// Failsafe: a wedged pass must not leave the session stuck in
	// "syncing" forever.
	failsafe := time.AfterFunc(fullSyncFailsafe, func() {
		r.logger.Error("full sync failsafe fired", slog.String("tenant_id", tenantID))
		r.session.transition(StateOnline)
		r.bus.Publish(Event{SyncErr: &SyncError{Op: "fullsync", Err: errors.New("sync: reconcile pass timed out")}})
	})
	defer failsafe.Stop()

	// Upload before download so local edits win their freshness checks.
	r.tenantQueue.Flush(ctx, true)
	r.legacyQueue.Flush(ctx, true)

	if !r.tenantQueue.WaitForDrained(ctx, drainWait) {
		r.logger.Warn("proceeding with undrained queue", slog.Int("pending", r.tenantQueue.Len()))
	}

	if !opts.Force {
		changed, err := r.remoteChanged(ctx, tenantID)
		if err != nil {
			r.logger.Warn("change probe failed, assuming changed", slog.String("error", err.Error()))
		} else if !changed {
			r.markDone(tenantID, nil)
			r.session.transition(StateOnline)
			r.logger.Debug("full sync skipped: no remote changes")

			return nil
		}
	}

	rows, err := r.api.SelectAll(ctx)
	if err != nil {
		r.session.transition(StateOffline)
		return fmt.Errorf("sync: fetching remote rows: %w", err)
	}

	deduped := r.dedupeRows(rows, tenantID)

	var updatedDates []string

	for localKey, row := range deduped {
		dates, err := r.applyRow(ctx, tenantID, localKey, row, opts)
		if err != nil {
			r.logger.Warn("applying row failed",
				slog.String("key", localKey),
				slog.String("error", err.Error()),
			)

			continue
		}

		updatedDates = append(updatedDates, dates...)
	}

	stamps, err := r.api.Sample(ctx, changeSampleSize)
	if err != nil {
		stamps = nil
	}

	r.markDone(tenantID, stamps)
	r.session.transition(StateOnline)

	if len(updatedDates) > 0 {
		r.bus.Publish(Event{DaysUpdated: &DaysUpdated{Dates: updatedDates}})
	}

	r.logger.Info("full sync complete",
		slog.String("tenant_id", tenantID),
		slog.Int("rows", len(rows)),
		slog.Int("days_updated", len(updatedDates)),
	)

	return nil
}

func (r *reconciler) throttleExpired(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.nowFunc().Sub(r.lastFull[tenantID]) >= fullSyncThrottle
}

func (r *reconciler) markDone(tenantID string, stamps []remote.KeyStamp) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastFull[tenantID] = r.nowFunc()
	if stamps != nil {
		r.lastStamps[tenantID] = stamps
	}
}

// remoteChanged probes the top change stamps and compares them with the
// previous pass. Any difference (or no previous sample) means changed.
func (r *reconciler) remoteChanged(ctx context.Context, tenantID string) (bool, error) {
	stamps, err := r.api.Sample(ctx, changeSampleSize)
	if err != nil {
		return true, err
	}

	r.mu.Lock()
	previous, ok := r.lastStamps[tenantID]
	r.mu.Unlock()

	if !ok || len(previous) != len(stamps) {
		return true, nil
	}

	for i := range stamps {
		if stamps[i] != previous[i] {
			return true, nil
		}
	}

	return false, nil
}

// dedupeRows normalizes remote keys onto the tenant namespace and
// collapses groups that map to the same local key. Historic data holds
// unscoped, scoped, and double-scoped variants of the same record.
func (r *reconciler) dedupeRows(rows []remote.Row, tenantID string) map[string]remote.Row {
	out := make(map[string]remote.Row, len(rows))

	for _, row := range rows {
		localKey := keykind.Normalize(row.Key, tenantID)

		existing, ok := out[localKey]
		if !ok {
			out[localKey] = row
			continue
		}

		r.logger.Debug("duplicate remote rows for one local key",
			slog.String("local_key", localKey),
			slog.String("kept", existing.Key),
			slog.String("dropped", row.Key),
		)

		if betterRow(row, existing, keykind.Parse(localKey).Kind) {
			out[localKey] = row
		}
	}

	return out
}

// betterRow picks the winner of a duplicate-row group. Product rows
// prefer the copy with more valid entries; everything else goes by
// server timestamp.
func betterRow(a, b remote.Row, kind keykind.Kind) bool {
	if kind == keykind.KindProducts {
		ca, cb := productRowCount(a.Value), productRowCount(b.Value)
		if ca != cb {
			return ca > cb
		}
	}

	return a.ServerUpdatedAt > b.ServerUpdatedAt
}

func productRowCount(raw json.RawMessage) int {
	var products []merge.Product
	if err := json.Unmarshal(raw, &products); err != nil {
		return 0
	}

	return merge.UniqueCount(products, nil)
}

// applyRow reconciles one normalized remote row against the mirror.
// Returns the dates of any day records that changed locally.
func (r *reconciler) applyRow(ctx context.Context, tenantID, localKey string, row remote.Row, opts FullSyncOpts) ([]string, error) {
	key := keykind.Parse(localKey)

	switch key.Kind {
	case keykind.KindAuthSecret, keykind.KindQueue, keykind.KindBackup, keykind.KindUnknown:
		// Never let remote data near secrets or engine internals.
		return nil, nil
	case keykind.KindDay:
		return r.applyDay(ctx, tenantID, key, row, opts)
	case keykind.KindProducts:
		return nil, r.applyProducts(ctx, tenantID, key, row)
	case keykind.KindProfile:
		return nil, r.applyProfile(ctx, tenantID, key, row)
	default:
		return nil, r.applyGeneric(ctx, tenantID, key, row)
	}
}

func (r *reconciler) applyDay(ctx context.Context, tenantID string, key keykind.Key, row remote.Row, opts FullSyncOpts) ([]string, error) {
	date, _ := key.Date()
	localKey := key.Local(tenantID)

	localRaw, err := r.store.Get(ctx, localKey)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return nil, err
	}

	var local *merge.DayRecord
	if localRaw != nil {
		local = &merge.DayRecord{}
		if err := json.Unmarshal(localRaw, local); err != nil {
			r.logger.Warn("unparseable local day, taking remote", slog.String("key", localKey))
			local = nil
		}
	}

	remoteDay := &merge.DayRecord{}
	if err := json.Unmarshal(row.Value, remoteDay); err != nil {
		return nil, fmt.Errorf("sync: decoding remote day %s: %w", row.Key, err)
	}

	// Integrity guard: an empty remote day never overwrites a
	// meaningful local one. Push the local copy back instead.
	if !remoteDay.Meaningful() && local.Meaningful() {
		r.logger.Info("empty remote day ignored, pushing local back",
			slog.String("date", date),
		)
		r.enqueueLocal(ctx, key, tenantID, localRaw)

		return nil, nil
	}

	if local == nil {
		if err := r.store.Put(ctx, localKey, row.Value); err != nil {
			return nil, err
		}

		return []string{date}, nil
	}

	merged := merge.MergeDay(local, remoteDay, merge.Options{
		PreferRemote: opts.PreferRemote,
		Now:          r.nowFunc().UnixMilli(),
	})
	if merged == nil {
		return nil, nil
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("sync: encoding merged day %s: %w", date, err)
	}

	if err := r.store.Put(ctx, localKey, mergedRaw); err != nil {
		return nil, err
	}

	// The merged value is new content both sides should converge on.
	r.enqueueLocal(ctx, key, tenantID, mergedRaw)

	return []string{date}, nil
}

// productIgnoreSuffix is the logical key of the tenant's deletion list.
const productIgnoreSuffix = "products_ignore"

func (r *reconciler) applyProducts(ctx context.Context, tenantID string, key keykind.Key, row remote.Row) error {
	localKey := key.Local(tenantID)

	var local []merge.Product

	localRaw, err := r.store.Get(ctx, localKey)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}

	if localRaw != nil {
		if err := json.Unmarshal(localRaw, &local); err != nil {
			r.logger.Warn("unparseable local catalog, taking remote", slog.String("key", localKey))
			local = nil
		}
	}

	var remoteProducts []merge.Product
	if err := json.Unmarshal(row.Value, &remoteProducts); err != nil {
		return fmt.Errorf("sync: decoding remote catalog %s: %w", row.Key, err)
	}

	ignored := r.loadIgnoreSet(ctx, tenantID)

	// Integrity guard: an empty remote catalog never wipes a local one.
	if len(remoteProducts) == 0 && merge.UniqueCount(local, ignored) > 0 {
		r.logger.Info("empty remote catalog ignored, pushing local back")
		r.enqueueLocal(ctx, key, tenantID, localRaw)

		return nil
	}

	merged := merge.MergeProducts(local, remoteProducts, ignored)

	// Shrink guard: a merge that loses entries relative to the local
	// catalog indicates a stale remote copy racing a local edit.
	if localCount := merge.UniqueCount(local, ignored); len(merged) < localCount {
		r.logger.Warn("catalog merge would shrink, keeping local",
			slog.Int("local", localCount),
			slog.Int("merged", len(merged)),
		)
		r.enqueueLocal(ctx, key, tenantID, localRaw)

		return nil
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("sync: encoding merged catalog: %w", err)
	}

	if bytes.Equal(normalizeJSON(localRaw), normalizeJSON(mergedRaw)) {
		return nil
	}

	if err := r.store.Put(ctx, localKey, mergedRaw); err != nil {
		return err
	}

	r.enqueueLocal(ctx, key, tenantID, mergedRaw)

	return nil
}

// loadIgnoreSet reads the tenant's product deletion list; a missing or
// unparseable list is just empty.
func (r *reconciler) loadIgnoreSet(ctx context.Context, tenantID string) merge.IgnoreSet {
	raw, err := r.store.Get(ctx, "heys_"+tenantID+"_"+productIgnoreSuffix)
	if err != nil {
		return nil
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil
	}

	return merge.NewIgnoreSet(names)
}

func (r *reconciler) applyProfile(ctx context.Context, tenantID string, key keykind.Key, row remote.Row) error {
	localKey := key.Local(tenantID)

	localRaw, err := r.store.Get(ctx, localKey)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}

	// Integrity guard: a profile with no identifying fields never
	// overwrites one that has them.
	if localRaw != nil && !profileIdentified(row.Value) && profileIdentified(localRaw) {
		r.logger.Info("anonymous remote profile ignored, pushing local back")
		r.enqueueLocal(ctx, key, tenantID, localRaw)

		return nil
	}

	return r.applyByFreshness(ctx, key, tenantID, localKey, localRaw, row)
}

// profileIdentified reports whether a profile value carries at least
// one identifying field.
func profileIdentified(raw json.RawMessage) bool {
	var probe struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
	}

	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}

	return probe.FirstName != "" || probe.LastName != "" || probe.Email != ""
}

func (r *reconciler) applyGeneric(ctx context.Context, tenantID string, key keykind.Key, row remote.Row) error {
	localKey := key.Local(tenantID)

	localRaw, err := r.store.Get(ctx, localKey)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}

	return r.applyByFreshness(ctx, key, tenantID, localKey, localRaw, row)
}

// applyByFreshness keeps local iff its embedded updatedAt is strictly
// newer than the remote's; otherwise the remote copy lands in the
// mirror. A kept-local outcome pushes the local copy back so the
// server converges.
func (r *reconciler) applyByFreshness(ctx context.Context, key keykind.Key, tenantID, localKey string, localRaw []byte, row remote.Row) error {
	if localRaw != nil {
		localTS := embeddedUpdatedAt(localRaw)

		remoteTS := embeddedUpdatedAt(row.Value)
		if remoteTS == 0 {
			remoteTS = row.UpdatedAt
		}

		if remoteTS == 0 {
			remoteTS = row.ServerUpdatedAt
		}

		if localTS > remoteTS {
			r.enqueueLocal(ctx, key, tenantID, localRaw)
			return nil
		}

		if bytes.Equal(normalizeJSON(localRaw), normalizeJSON(row.Value)) {
			return nil
		}
	}

	return r.store.Put(ctx, localKey, row.Value)
}

// enqueueLocal routes a push-back of local data to the right queue.
func (r *reconciler) enqueueLocal(ctx context.Context, key keykind.Key, tenantID string, value []byte) {
	if value == nil || !key.SyncEligible() {
		return
	}

	w := PendingWrite{
		LocalKey:  key.Local(tenantID),
		Logical:   key.Logical(),
		Value:     value,
		UpdatedAt: embeddedUpdatedAt(value),
		Category:  key.Category(),
	}

	if w.UpdatedAt == 0 {
		w.UpdatedAt = r.nowFunc().UnixMilli()
	}

	if key.TenantScoped() {
		r.tenantQueue.Enqueue(ctx, w)
	} else {
		r.legacyQueue.Enqueue(ctx, w)
	}
}

// normalizeJSON re-encodes a JSON document with sorted keys so that
// semantically equal values compare equal. Invalid input comes back
// unchanged.
func normalizeJSON(raw []byte) []byte {
	if raw == nil {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}

	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}

	return out
}
