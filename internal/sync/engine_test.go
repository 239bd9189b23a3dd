package sync

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyslab/heysync/internal/localstore"
	"github.com/heyslab/heysync/internal/remote"
)

func newTestEngine(t *testing.T, api *fakeAPI) (*Engine, *localstore.MemStore) {
	t.Helper()

	store := localstore.NewMemStore(0)

	e, err := NewEngine(t.Context(), &EngineConfig{
		Store:    store,
		API:      api,
		TenantID: testTenant,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return e, store
}

func TestEngine_PutMirrorsAndQueues(t *testing.T) {
	api := &fakeAPI{}
	e, store := newTestEngine(t, api)
	ctx := t.Context()

	require.NoError(t, e.Put(ctx, "heys_products", []byte(`[{"name":"Банан"}]`)))

	// The mirror write is synchronous and tenant-scoped.
	raw, err := store.Get(ctx, "heys_"+testTenant+"_products")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"Банан"}]`, string(raw))

	assert.Equal(t, 1, e.tenantQueue.Len())
	assert.Equal(t, 0, e.legacyQueue.Len())
}

func TestEngine_PutRoutesGlobalKeysToLegacyQueue(t *testing.T) {
	api := &fakeAPI{}
	e, _ := newTestEngine(t, api)

	require.NoError(t, e.Put(t.Context(), "heys_clients", []byte(`[]`)))

	assert.Equal(t, 0, e.tenantQueue.Len())
	assert.Equal(t, 1, e.legacyQueue.Len())
}

func TestEngine_PutNeverSyncsSecrets(t *testing.T) {
	api := &fakeAPI{}
	e, store := newTestEngine(t, api)
	ctx := t.Context()

	require.NoError(t, e.Put(ctx, "heys_auth_session", []byte(`{"access_token":"x"}`)))
	require.NoError(t, e.Put(ctx, "heys_products_backup", []byte(`[]`)))
	require.NoError(t, e.Put(ctx, "unrelated_app_key", []byte(`1`)))

	assert.Zero(t, e.Pending(), "secrets, backups and foreign keys stay local")

	_, err := store.Get(ctx, "heys_auth_session")
	assert.NoError(t, err, "the mirror itself still holds them")
}

func TestEngine_DuplicateWriteWindowSuppressesEcho(t *testing.T) {
	api := &fakeAPI{}
	e, _ := newTestEngine(t, api)
	ctx := t.Context()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.nowFunc = func() time.Time { return now }

	value := []byte(`{"kcal":1800,"updatedAt":500}`)

	require.NoError(t, e.Put(ctx, "heys_norms", value))
	e.Flush(ctx)
	assert.Zero(t, e.Pending())

	// Identical (key, updatedAt) echo inside the window: dropped.
	now = now.Add(300 * time.Millisecond)
	require.NoError(t, e.Put(ctx, "heys_norms", value))
	assert.Zero(t, e.Pending())

	// Outside the window it is a legitimate rewrite.
	now = now.Add(2 * time.Second)
	require.NoError(t, e.Put(ctx, "heys_norms", value))
	assert.Equal(t, 1, e.Pending())
}

func TestEngine_GetMigratesLegacyUnscopedKey(t *testing.T) {
	api := &fakeAPI{}
	e, store := newTestEngine(t, api)
	ctx := t.Context()

	// A record written by an old client under the unscoped key.
	require.NoError(t, store.Put(ctx, "dayv2_2024-12-31", []byte(`{"steps":1234}`)))

	raw, err := e.Get(ctx, "dayv2_2024-12-31")
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":1234}`, string(raw))

	// Migrated into the tenant namespace, legacy copy gone.
	_, err = store.Get(ctx, "heys_"+testTenant+"_dayv2_2024-12-31")
	assert.NoError(t, err)

	_, err = store.Get(ctx, "dayv2_2024-12-31")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestEngine_DeletePropagates(t *testing.T) {
	api := &fakeAPI{}
	e, store := newTestEngine(t, api)
	ctx := t.Context()

	require.NoError(t, e.Put(ctx, "heys_game", []byte(`{"score":10}`)))
	e.Flush(ctx)

	require.NoError(t, e.Delete(ctx, "heys_game"))

	_, err := store.Get(ctx, "heys_"+testTenant+"_game")
	assert.ErrorIs(t, err, localstore.ErrNotFound)

	e.Flush(ctx)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.deletes, 1)
	assert.Equal(t, []string{"game"}, api.deletes[0])
}

func TestEngine_EndSessionClearsNamespace(t *testing.T) {
	api := &fakeAPI{}
	e, store := newTestEngine(t, api)
	ctx := t.Context()

	require.NoError(t, e.Put(ctx, "heys_products", []byte(`[]`)))
	require.NoError(t, store.Put(ctx, "unrelated_app_key", []byte(`1`)))

	require.NoError(t, e.EndSession(ctx))

	entries, err := store.List(ctx, "heys_")
	require.NoError(t, err)
	assert.Empty(t, entries, "all engine keys cleared on sign-out")

	_, err = store.Get(ctx, "unrelated_app_key")
	assert.NoError(t, err, "foreign keys are not ours to delete")

	assert.Equal(t, StateOffline, e.State())
}

func TestEngine_StartSessionSwitchingTenantsClearsOldNamespace(t *testing.T) {
	api := &fakeAPI{}
	e, store := newTestEngine(t, api)
	ctx := t.Context()

	require.NoError(t, e.Put(ctx, "heys_products", []byte(`[]`)))

	const otherTenant = "7a1c2d3e-4f5a-4b6c-8d9e-0f1a2b3c4d5e"

	require.NoError(t, e.StartSession(ctx, otherTenant))

	entries, err := store.List(ctx, "heys_"+testTenant+"_")
	require.NoError(t, err)
	assert.Empty(t, entries, "previous tenant's records cleared on switch")

	assert.Equal(t, StateOnline, e.State())
}

func TestEngine_AuthFailureRaisesReLogin(t *testing.T) {
	api := &fakeAPI{}
	api.setUpsertErr(&remote.APIError{StatusCode: 401, Err: remote.ErrUnauthorized})

	e, _ := newTestEngine(t, api)
	ctx := t.Context()

	events := e.Events()

	require.NoError(t, e.Put(ctx, "heys_norms", []byte(`{"updatedAt":100}`)))
	e.Flush(ctx)

	assert.Equal(t, StateOffline, e.State())
	assert.Equal(t, 1, e.Pending(), "writes wait for re-login")

	var sawAuthRequired bool

	for {
		select {
		case ev := <-events:
			if ev.AuthNeeded != nil {
				sawAuthRequired = true
			}

			continue
		default:
		}

		break
	}

	assert.True(t, sawAuthRequired)
}

func TestEngine_ConnectivityRestoreAnnouncesPendingDepth(t *testing.T) {
	api := &fakeAPI{}
	api.setUpsertErr(errors.New("connection refused"))

	e, _ := newTestEngine(t, api)
	ctx := t.Context()

	require.NoError(t, e.Put(ctx, "heys_norms", []byte(`{"updatedAt":100}`)))
	e.Flush(ctx)
	require.Equal(t, 1, e.Pending(), "write stuck behind the outage")

	e.session.transition(StateOffline)
	events := e.Events()

	api.setUpsertErr(nil)
	e.restoreConnectivity(ctx)

	assert.Equal(t, StateOnline, e.State())

	var restored *NetworkRestored

	for {
		select {
		case ev := <-events:
			if ev.Restored != nil {
				r := *ev.Restored
				restored = &r
			}

			continue
		default:
		}

		break
	}

	require.NotNil(t, restored)
	assert.Equal(t, 1, restored.PendingCount)
}

func TestEngine_PauseBlocksResumeRestores(t *testing.T) {
	api := &fakeAPI{}
	e, _ := newTestEngine(t, api)
	ctx := t.Context()

	token := e.Pause()

	require.NoError(t, e.Put(ctx, "heys_norms", []byte(`{"updatedAt":100}`)))
	e.Flush(ctx)
	assert.Equal(t, 1, e.Pending(), "paused engine uploads nothing")

	assert.False(t, e.Resume("bogus"))
	assert.True(t, e.Resume(token))

	assert.True(t, e.WaitForDrained(ctx, 2*time.Second), "resume kicks the queue")
	assert.Zero(t, e.Pending())
}

func TestEngine_CapacityErrorSurfacesFromPut(t *testing.T) {
	api := &fakeAPI{}
	store := localstore.NewMemStore(64)

	e, err := NewEngine(t.Context(), &EngineConfig{
		Store:    store,
		API:      api,
		TenantID: testTenant,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	// Random bytes so compression cannot squeeze the value under the cap.
	big := make([]byte, 4096)
	rng := rand.New(rand.NewSource(1))
	rng.Read(big)

	err = e.Put(t.Context(), "heys_profile", big)
	assert.ErrorIs(t, err, localstore.ErrCapacity)
}
