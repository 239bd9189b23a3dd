package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyslab/heysync/internal/localstore"
	"github.com/heyslab/heysync/internal/merge"
	"github.com/heyslab/heysync/internal/remote"
)

func newTestReconciler(t *testing.T, api *fakeAPI) (*reconciler, *localstore.MemStore) {
	t.Helper()

	store := localstore.NewMemStore(0)
	bus := NewBus(testLogger())
	session := newSessionState(bus, testLogger())
	tenantQ := newUploadQueue("tenant", tenantQueueKey, store, api, session, bus, testLogger())
	legacyQ := newUploadQueue("legacy", legacyQueueKey, store, api, session, bus, testLogger())

	r := newReconciler(store, api, tenantQ, legacyQ, session, bus, testLogger())

	return r, store
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return raw
}

func scopedKey(suffix string) string {
	return "heys_" + testTenant + "_" + suffix
}

func TestFullSync_StoresNewRemoteRows(t *testing.T) {
	day := merge.DayRecord{Date: "2025-01-10", Steps: 4000, UpdatedAt: 100}

	api := &fakeAPI{rows: []remote.Row{
		{Key: "dayv2_2025-01-10", Value: mustJSON(t, day), ServerUpdatedAt: 100},
	}}

	r, store := newTestReconciler(t, api)
	require.NoError(t, r.FullSync(t.Context(), testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(t.Context(), scopedKey("dayv2_2025-01-10"))
	require.NoError(t, err)

	var got merge.DayRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 4000, got.Steps)
}

func TestFullSync_DedupesScopedVariantsOfOneKey(t *testing.T) {
	sparse := []merge.Product{{Name: "Банан", Kcal100: 89}}
	rich := []merge.Product{
		{Name: "Банан", Kcal100: 89},
		{Name: "Овсянка", Kcal100: 370},
	}

	api := &fakeAPI{rows: []remote.Row{
		{Key: "products", Value: mustJSON(t, sparse), ServerUpdatedAt: 900},
		{Key: "heys_" + testTenant + "_products", Value: mustJSON(t, rich), ServerUpdatedAt: 100},
		{Key: "heys_" + testTenant + "_heys_" + testTenant + "_products", Value: mustJSON(t, sparse), ServerUpdatedAt: 500},
	}}

	r, store := newTestReconciler(t, api)
	require.NoError(t, r.FullSync(t.Context(), testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(t.Context(), scopedKey("products"))
	require.NoError(t, err)

	var got []merge.Product
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got, 2, "the row with more valid entries wins the duplicate group")
}

func TestFullSync_EmptyRemoteDayNeverOverwritesMeaningfulLocal(t *testing.T) {
	localDay := merge.DayRecord{
		Date:      "2025-01-10",
		Meals:     []merge.Meal{{ID: "m1", Time: "09:00"}},
		UpdatedAt: 100,
	}
	emptyRemote := merge.DayRecord{Date: "2025-01-10", UpdatedAt: 999}

	api := &fakeAPI{rows: []remote.Row{
		{Key: "dayv2_2025-01-10", Value: mustJSON(t, emptyRemote), ServerUpdatedAt: 999},
	}}

	r, store := newTestReconciler(t, api)
	ctx := t.Context()

	localRaw := mustJSON(t, localDay)
	require.NoError(t, store.Put(ctx, scopedKey("dayv2_2025-01-10"), localRaw))

	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(ctx, scopedKey("dayv2_2025-01-10"))
	require.NoError(t, err)

	var got merge.DayRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got.Meals, 1, "meaningful local day survives")

	assert.Equal(t, 1, r.tenantQueue.Len(), "local copy pushed back to the server")
}

func TestFullSync_MergedDayIsReEnqueued(t *testing.T) {
	localDay := merge.DayRecord{Date: "2025-01-10", Steps: 8000, UpdatedAt: 100}
	remoteDay := merge.DayRecord{Date: "2025-01-10", Steps: 6000, WaterMl: 900, UpdatedAt: 200}

	api := &fakeAPI{rows: []remote.Row{
		{Key: "dayv2_2025-01-10", Value: mustJSON(t, remoteDay), ServerUpdatedAt: 200},
	}}

	r, store := newTestReconciler(t, api)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, scopedKey("dayv2_2025-01-10"), mustJSON(t, localDay)))
	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(ctx, scopedKey("dayv2_2025-01-10"))
	require.NoError(t, err)

	var got merge.DayRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 8000, got.Steps, "aggregates take the max")
	assert.Equal(t, 900, got.WaterMl)

	assert.Equal(t, 1, r.tenantQueue.Len(), "merged result converges via re-upload")
}

func TestFullSync_ShrinkGuardKeepsLocalCatalog(t *testing.T) {
	local := []merge.Product{
		{Name: "Банан", Kcal100: 89},
		{Name: "Овсянка", Kcal100: 370},
		{Name: "Творог", Kcal100: 120},
	}

	api := &fakeAPI{rows: []remote.Row{
		{Key: "products", Value: []byte(`[]`), ServerUpdatedAt: 900},
	}}

	r, store := newTestReconciler(t, api)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, scopedKey("products"), mustJSON(t, local)))
	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(ctx, scopedKey("products"))
	require.NoError(t, err)

	var got []merge.Product
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got, 3, "empty remote catalog must not wipe local data")
	assert.Equal(t, 1, r.tenantQueue.Len())
}

func TestFullSync_IgnoreListBlocksResurrection(t *testing.T) {
	local := []merge.Product{{Name: "Банан", Kcal100: 89}}
	remoteCatalog := []merge.Product{
		{Name: "Банан", Kcal100: 89},
		{Name: "Овсянка", Kcal100: 370}, // deleted locally
	}

	api := &fakeAPI{rows: []remote.Row{
		{Key: "products", Value: mustJSON(t, remoteCatalog), ServerUpdatedAt: 900},
	}}

	r, store := newTestReconciler(t, api)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, scopedKey("products"), mustJSON(t, local)))
	require.NoError(t, store.Put(ctx, scopedKey(productIgnoreSuffix), mustJSON(t, []string{"Овсянка"})))

	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(ctx, scopedKey("products"))
	require.NoError(t, err)

	var got []merge.Product
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Банан", got[0].Name)
}

func TestFullSync_GenericKeyKeepsStrictlyNewerLocal(t *testing.T) {
	api := &fakeAPI{rows: []remote.Row{
		{Key: "norms", Value: []byte(`{"kcal":1600,"updatedAt":100}`), ServerUpdatedAt: 100},
	}}

	r, store := newTestReconciler(t, api)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, scopedKey("norms"), []byte(`{"kcal":1800,"updatedAt":200}`)))
	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(ctx, scopedKey("norms"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kcal":1800,"updatedAt":200}`, string(raw))
	assert.Equal(t, 1, r.tenantQueue.Len(), "newer local pushed back")
}

func TestFullSync_GenericKeyTakesNewerRemote(t *testing.T) {
	api := &fakeAPI{rows: []remote.Row{
		{Key: "norms", Value: []byte(`{"kcal":1600,"updatedAt":300}`), ServerUpdatedAt: 300},
	}}

	r, store := newTestReconciler(t, api)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, scopedKey("norms"), []byte(`{"kcal":1800,"updatedAt":200}`)))
	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(ctx, scopedKey("norms"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kcal":1600,"updatedAt":300}`, string(raw))
}

func TestFullSync_AnonymousProfileNeverOverwritesIdentified(t *testing.T) {
	api := &fakeAPI{rows: []remote.Row{
		{Key: "profile", Value: []byte(`{"updatedAt":999}`), ServerUpdatedAt: 999},
	}}

	r, store := newTestReconciler(t, api)
	ctx := t.Context()

	local := []byte(`{"firstName":"Анна","updatedAt":100}`)
	require.NoError(t, store.Put(ctx, scopedKey("profile"), local))

	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(ctx, scopedKey("profile"))
	require.NoError(t, err)
	assert.JSONEq(t, string(local), string(raw))
}

func TestFullSync_NeverTouchesAuthSecret(t *testing.T) {
	api := &fakeAPI{rows: []remote.Row{
		{Key: "auth_session", Value: []byte(`{"access_token":"evil"}`), ServerUpdatedAt: 999},
	}}

	r, store := newTestReconciler(t, api)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, "heys_auth_session", []byte(`{"access_token":"mine"}`)))
	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	raw, err := store.Get(ctx, "heys_auth_session")
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"mine"}`, string(raw))
}

func TestFullSync_ThrottleSkipsRapidRepeats(t *testing.T) {
	api := &fakeAPI{}
	r, _ := newTestReconciler(t, api)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.nowFunc = func() time.Time { return now }

	ctx := context.Background()

	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))
	first := api.upsertCalls()

	// Within the throttle window an unforced pass is a no-op.
	now = now.Add(5 * time.Second)
	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{}))
	assert.Equal(t, first, api.upsertCalls())

	r.mu.Lock()
	last := r.lastFull[testTenant]
	r.mu.Unlock()
	assert.NotEqual(t, now, last, "throttled pass must not refresh the stamp")
}

func TestFullSync_PausedSkips(t *testing.T) {
	day := merge.DayRecord{Date: "2025-01-10", Steps: 4000, UpdatedAt: 100}
	api := &fakeAPI{rows: []remote.Row{
		{Key: "dayv2_2025-01-10", Value: mustJSON(t, day), ServerUpdatedAt: 100},
	}}

	r, store := newTestReconciler(t, api)
	r.session.Pause()

	require.NoError(t, r.FullSync(t.Context(), testTenant, FullSyncOpts{Force: true}))

	_, err := store.Get(t.Context(), scopedKey("dayv2_2025-01-10"))
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestFullSync_ChangeProbeSkipsUnchangedRemote(t *testing.T) {
	stamps := []remote.KeyStamp{{Key: "products", ServerUpdatedAt: 100}}
	api := &fakeAPI{stamps: stamps}

	r, _ := newTestReconciler(t, api)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{Force: true}))

	// Outside the throttle, with identical stamps, the pass short-circuits
	// before fetching.
	now = now.Add(time.Minute)

	require.NoError(t, r.FullSync(ctx, testTenant, FullSyncOpts{}))

	r.mu.Lock()
	last := r.lastFull[testTenant]
	r.mu.Unlock()
	assert.Equal(t, now, last, "skipped pass still refreshes the throttle stamp")
}
