package localstore

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "heysync.db"), 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := t.Context()
	s := openTestStore(t)

	key := "heys_" + testTenant + "_profile"
	value := []byte(`{"firstName":"Анна","weight":62}`)

	require.NoError(t, s.Put(ctx, key, value))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// Overwrite replaces, not appends.
	updated := []byte(`{"firstName":"Анна","weight":61}`)
	require.NoError(t, s.Put(ctx, key, updated))

	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	require.NoError(t, s.Delete(ctx, key))

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_GetMissingKey(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(t.Context(), "heys_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DeleteMissingKeyIsNoop(t *testing.T) {
	s := openTestStore(t)

	assert.NoError(t, s.Delete(t.Context(), "heys_nope"))
}

func TestSQLiteStore_ListByPrefix(t *testing.T) {
	ctx := t.Context()
	s := openTestStore(t)

	prefix := "heys_" + testTenant + "_"

	require.NoError(t, s.Put(ctx, prefix+"profile", []byte(`{}`)))
	require.NoError(t, s.Put(ctx, prefix+"dayv2_2025-01-10", []byte(`{"steps":1}`)))
	require.NoError(t, s.Put(ctx, "heys_clients", []byte(`[]`)))

	entries, err := s.List(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, prefix+"dayv2_2025-01-10", entries[0].Key)
	assert.Equal(t, []byte(`{"steps":1}`), entries[0].Value)
	assert.Equal(t, prefix+"profile", entries[1].Key)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteStore_UsageTracksCompression(t *testing.T) {
	ctx := t.Context()
	s := openTestStore(t)

	// Highly repetitive value compresses well.
	big := make([]byte, 0, 8192)
	for range 256 {
		big = append(big, []byte(`{"name":"Овсянка","kcal100":370},`)...)
	}

	require.NoError(t, s.Put(ctx, "heys_"+testTenant+"_products", big))

	st, err := s.Usage(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, st.Keys)
	assert.Equal(t, int64(len(big)), st.RawBytes)
	assert.Less(t, st.StoredBytes, st.RawBytes)
	assert.Greater(t, st.CompressionRatio, 0.0)
	assert.Less(t, st.CompressionRatio, 1.0)
	assert.Equal(t, int64(DefaultCapacity), st.CapacityBytes)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := t.Context()
	dbPath := filepath.Join(t.TempDir(), "heysync.db")

	s, err := Open(dbPath, 0, testLogger())
	require.NoError(t, err)

	key := "heys_" + testTenant + "_norms"
	require.NoError(t, s.Put(ctx, key, []byte(`{"kcal":1800}`)))
	require.NoError(t, s.Close())

	reopened, err := Open(dbPath, 0, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"kcal":1800}`), got)
}

func TestSQLiteStore_EvictionUnderPressure(t *testing.T) {
	ctx := t.Context()

	s, err := Open(filepath.Join(t.TempDir(), "heysync.db"), 600, testLogger())
	require.NoError(t, err)
	defer s.Close()

	filler := make([]byte, 100)
	require.NoError(t, s.Put(ctx, dayKey("2019-01-01"), filler))
	require.NoError(t, s.Put(ctx, "heys_"+testTenant+"_products", filler))

	// Needs room beyond capacity; the ancient day must go first.
	require.NoError(t, s.Put(ctx, "heys_"+testTenant+"_profile", incompressible(t, 420)))

	_, err = s.Get(ctx, dayKey("2019-01-01"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "heys_"+testTenant+"_products")
	assert.NoError(t, err)

	st, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.EvictedLifetime)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/heysync.db", 0, testLogger())
	assert.Error(t, err)
}
