package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/storefront-store/store"
)

func TestProbeIndexed(t *testing.T) {
	assert.True(t, store.ProbeIndexed([]string{"postgres", "sqlite3"}).Available)

	c := store.ProbeIndexed([]string{"postgres"})
	assert.False(t, c.Available)
	assert.NotEmpty(t, c.Reason)
}

func TestDetectIndexed(t *testing.T) {
	assert.True(t, store.DetectIndexed().Available)
}

func TestSelect(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		engine  store.Engine
		indexed store.Capability
		want    store.Engine
	}{
		{"indexed available", store.EngineIndexed, store.Available(), store.EngineIndexed},
		{"indexed downgraded", store.EngineIndexed, store.Unavailable("no driver"), store.EngineFlatKey},
		{"default engine", "", store.Available(), store.EngineIndexed},
		{"flat-key requested", store.EngineFlatKey, store.Available(), store.EngineFlatKey},
		{"alias", "localstorage", store.Unavailable("no driver"), store.EngineFlatKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := store.Select(tc.indexed, store.Options{
				Engine:  tc.engine,
				DataDir: filepath.Join(dir, tc.name),
			})
			require.NoError(t, err)
			defer a.Close()
			assert.Equal(t, tc.want, a.Engine())
			assert.Equal(t, tc.want, store.Resolve(mustParse(t, tc.engine), tc.indexed))
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := store.Select(store.Available(), store.Options{Engine: "redis", DataDir: dir})
		require.ErrorIs(t, err, store.ErrUnknownEngine)
	})
}

func mustParse(t *testing.T, e store.Engine) store.Engine {
	t.Helper()
	parsed, err := store.ParseEngine(string(e))
	require.NoError(t, err)
	return parsed
}

func TestSelectDowngradeIsUsable(t *testing.T) {
	for i := 0; i < 3; i++ {
		a, err := store.Select(store.Unavailable("indexed facility missing"), store.Options{Engine: store.EngineIndexed})
		require.NoError(t, err)
		assert.Equal(t, store.EngineFlatKey, a.Engine())

		recs, err := a.GetAll(t.Context(), store.PurchaseOrders)
		require.NoError(t, err)
		assert.Equal(t, []store.Record{}, recs)
		require.NoError(t, a.Close())
	}
}

func TestSelectFileLayout(t *testing.T) {
	dir := t.TempDir()

	a, err := store.Select(store.Available(), store.Options{Engine: store.EngineIndexed, DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	_, err = os.Stat(filepath.Join(dir, "storefront.db"))
	require.NoError(t, err)

	a, err = store.Select(store.Available(), store.Options{Engine: store.EngineFlatKey, DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, a.Upsert(t.Context(), store.Products, store.Record{"id": "p1"}))
	require.NoError(t, a.Close())
	_, err = os.Stat(filepath.Join(dir, "flatkey.json"))
	require.NoError(t, err)
}
