package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/storefront-store/app"
	"github.com/stevemurr/storefront-store/config"
	"github.com/stevemurr/storefront-store/connection"
	"github.com/stevemurr/storefront-store/handler"
	"github.com/stevemurr/storefront-store/store"
)

func setup(t *testing.T, prober connection.Prober) (*httptest.Server, *app.App) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Engine = store.EngineFlatKey
	cfg.AutosaveDelay = time.Hour

	a, err := app.Open(context.Background(), app.Options{Config: cfg, Prober: prober})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	h := handler.New(a, handler.Options{
		AllowedOrigins: []string{"*"},
		Now:            func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) },
	})
	ts := httptest.NewServer(handler.CORS(h, []string{"*"}))
	t.Cleanup(ts.Close)
	return ts, a
}

var healthy = connection.ProberFunc(func(context.Context) error { return nil })

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodeJSON(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

func decodeJSONArray(t *testing.T, r io.Reader) []any {
	t.Helper()
	var v []any
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRootAndHealth(t *testing.T) {
	ts, _ := setup(t, healthy)

	resp := do(t, http.MethodGet, ts.URL+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON(t, resp.Body)["status"])

	resp = do(t, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp.Body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "flatkey", body["store"].(map[string]any)["engine"])

	resp = do(t, http.MethodGet, ts.URL+"/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListCollections(t *testing.T) {
	ts, _ := setup(t, healthy)
	resp := do(t, http.MethodGet, ts.URL+"/collections", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	names := decodeJSONArray(t, resp.Body)
	assert.Len(t, names, len(store.Collections()))
	assert.Contains(t, names, "purchase_orders")
	assert.NotContains(t, names, "cart")
}

func TestCollectionReadWrite(t *testing.T) {
	ts, _ := setup(t, healthy)

	resp := do(t, http.MethodGet, ts.URL+"/collections/purchase_orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeJSONArray(t, resp.Body))

	products := []map[string]any{
		{"id": "a", "name": "Pixel", "stock": 1},
		{"id": "a", "name": "Pixel", "stock": 2},
		{"name": "Galaxy"},
	}
	resp = do(t, http.MethodPut, ts.URL+"/collections/products", mustJSON(t, products))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decodeJSONArray(t, resp.Body)
	require.Len(t, stored, 2)
	assert.Equal(t, 2.0, stored[0].(map[string]any)["stock"], "later entry wins")
	assert.NotEmpty(t, stored[1].(map[string]any)["id"])

	resp = do(t, http.MethodGet, ts.URL+"/collections/products", nil)
	assert.Equal(t, stored, decodeJSONArray(t, resp.Body))

	// A bare object is one record; settings land on the singleton row.
	resp = do(t, http.MethodPut, ts.URL+"/collections/settings", mustJSON(t, map[string]any{"storeName": "A"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodPut, ts.URL+"/collections/settings", mustJSON(t, map[string]any{"storeName": "B"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/collections/settings", nil)
	settings := decodeJSONArray(t, resp.Body)
	require.Len(t, settings, 1)
	assert.Equal(t, "B", settings[0].(map[string]any)["storeName"])
	assert.Equal(t, store.SettingsID, settings[0].(map[string]any)["id"])

	resp = do(t, http.MethodGet, ts.URL+"/autosave", nil)
	status := decodeJSON(t, resp.Body)
	assert.Equal(t, true, status["dirty"])
}

func TestCollectionErrors(t *testing.T) {
	ts, _ := setup(t, healthy)

	resp := do(t, http.MethodGet, ts.URL+"/collections/widgets", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/collections/products", []byte(`{"name":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/collections/products", mustJSON(t, []map[string]any{{"price": "free"}}))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeJSON(t, resp.Body)
	assert.Contains(t, body["detail"], "schema validation failed")
	assert.NotEmpty(t, body["violations"])
}

func TestBackupRoundTrip(t *testing.T) {
	ts, _ := setup(t, healthy)
	do(t, http.MethodPut, ts.URL+"/collections/customers", mustJSON(t, []map[string]any{{"id": "c1", "name": "Ada"}}))

	resp := do(t, http.MethodGet, ts.URL+"/backup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="storefront-backup-2024-03-09.json"`, resp.Header.Get("Content-Disposition"))
	backup, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	other, _ := setup(t, healthy)
	resp = do(t, http.MethodPost, other.URL+"/backup", backup)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp.Body)
	assert.Equal(t, "restored", body["status"])
	assert.Equal(t, 1.0, body["counts"].(map[string]any)["customers"])

	resp = do(t, http.MethodGet, other.URL+"/collections/customers", nil)
	customers := decodeJSONArray(t, resp.Body)
	require.Len(t, customers, 1)
	assert.Equal(t, "Ada", customers[0].(map[string]any)["name"])
}

func TestBackupCBOR(t *testing.T) {
	ts, _ := setup(t, healthy)
	do(t, http.MethodPut, ts.URL+"/collections/roles", mustJSON(t, []map[string]any{{"id": "r1", "name": "admin"}}))

	resp := do(t, http.MethodGet, ts.URL+"/backup?format=cbor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/cbor", resp.Header.Get("Content-Type"))
	backup, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	other, _ := setup(t, healthy)
	resp = do(t, http.MethodPost, other.URL+"/backup?format=cbor", backup)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, other.URL+"/collections/roles", nil)
	assert.Len(t, decodeJSONArray(t, resp.Body), 1)
}

func TestBackupInvalid(t *testing.T) {
	ts, _ := setup(t, healthy)
	for _, doc := range []string{`{"products": 5}`, `[]`, `garbage`} {
		resp := do(t, http.MethodPost, ts.URL+"/backup", []byte(doc))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, doc)
		assert.Equal(t, "invalid backup file", decodeJSON(t, resp.Body)["detail"])
	}
}

func TestConnectionEndpoints(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	prober := connection.ProberFunc(func(context.Context) error {
		if fail.Load() {
			return errors.New("connection refused")
		}
		return nil
	})
	ts, _ := setup(t, prober)

	resp := do(t, http.MethodGet, ts.URL+"/connection", nil)
	s := decodeJSON(t, resp.Body)
	assert.Equal(t, "offline", s["mode"])
	assert.Equal(t, "connection_failed", s["reason"])

	fail.Store(false)
	resp = do(t, http.MethodPost, ts.URL+"/connection/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "online", decodeJSON(t, resp.Body)["mode"])

	resp = do(t, http.MethodPost, ts.URL+"/connection/offline", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "forced_offline", decodeJSON(t, resp.Body)["reason"])
}

func TestConnectionWebsocket(t *testing.T) {
	ts, _ := setup(t, healthy)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/connection/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var s connection.State
	require.NoError(t, conn.ReadJSON(&s))
	assert.Equal(t, connection.Online, s.Mode)

	do(t, http.MethodPost, ts.URL+"/connection/offline", nil)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&s))
	assert.Equal(t, connection.ForcedOffline, s.Reason)
}

func TestEngineSwitch(t *testing.T) {
	ts, a := setup(t, healthy)

	resp := do(t, http.MethodPost, ts.URL+"/engine/switch", mustJSON(t, map[string]string{"to": "localstorage"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeJSON(t, resp.Body)["restart"])

	resp = do(t, http.MethodPost, ts.URL+"/engine/switch", mustJSON(t, map[string]string{"to": "indexed"}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, decodeJSON(t, resp.Body)["restart"])
	assert.Equal(t, store.EngineFlatKey, a.Engine())

	resp = do(t, http.MethodPost, ts.URL+"/engine/switch", mustJSON(t, map[string]string{"to": "redis"}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEngineMigrate(t *testing.T) {
	ts, _ := setup(t, healthy)
	do(t, http.MethodPut, ts.URL+"/collections/warehouses", mustJSON(t, []map[string]any{{"id": "w1", "name": "Main"}}))

	resp := do(t, http.MethodPost, ts.URL+"/engine/migrate", mustJSON(t, map[string]string{"to": "flatkey"}))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/engine/migrate", mustJSON(t, map[string]string{"to": "indexed"}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeJSON(t, resp.Body)
	assert.Equal(t, true, body["restart"])
	assert.Equal(t, 1.0, body["counts"].(map[string]any)["warehouses"])
}

func TestCORS(t *testing.T) {
	h := handler.CORS(http.NotFoundHandler(), []string{"https://shop.example"})

	req := httptest.NewRequest(http.MethodOptions, "/collections", nil)
	req.Header.Set("Origin", "https://shop.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/collections", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
