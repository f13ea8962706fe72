package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/storefront-store/config"
	"github.com/stevemurr/storefront-store/store"
)

func noEnv(string) string { return "" }

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, prefs, err := config.Load(config.LoadOptions{
		Getenv:   noEnv,
		Override: func(c *config.Config) { c.DataDir = dir },
	})
	require.NoError(t, err)

	want := config.Defaults()
	want.DataDir = dir
	assert.Equal(t, want, cfg)
	assert.Equal(t, filepath.Join(dir, "prefs.yaml"), prefs.Path())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "storefront.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
engine: flatkey
data_dir: `+dir+`
probe_timeout: 2s
remote:
  endpoint: postgres://db.example.com/shop
  user: file-user
`), 0o644))

	env := map[string]string{
		"STOREFRONT_POLL_INTERVAL":   "9s",
		"STOREFRONT_REMOTE_USER":     "env-user",
		"STOREFRONT_FLATKEY_QUOTA":   "1024",
		"STOREFRONT_ALLOWED_ORIGINS": "https://a.example,https://b.example",
	}

	prefs := config.NewPrefsStore(config.PrefsPath(dir))
	require.NoError(t, prefs.SetActiveEngine(store.EngineIndexed))

	cfg, _, err := config.Load(config.LoadOptions{
		File:   file,
		Getenv: func(k string) string { return env[k] },
		Override: func(c *config.Config) {
			c.HTTPAddr = "127.0.0.1:9000"
		},
	})
	require.NoError(t, err)

	assert.Equal(t, store.EngineIndexed, cfg.Engine, "prefs override the file")
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 9*time.Second, cfg.PollInterval)
	assert.Equal(t, "env-user", cfg.Remote.User)
	assert.Equal(t, 1024, cfg.FlatKeyQuota)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	_, _, err := config.Load(config.LoadOptions{
		Getenv: func(k string) string {
			if k == "STOREFRONT_ENGINE" {
				return "redis"
			}
			return ""
		},
		Override: func(c *config.Config) { c.DataDir = dir },
	})
	require.ErrorIs(t, err, store.ErrUnknownEngine)

	_, _, err = config.Load(config.LoadOptions{
		Getenv: func(k string) string {
			if k == "STOREFRONT_PROBE_TIMEOUT" {
				return "soon"
			}
			return ""
		},
		Override: func(c *config.Config) { c.DataDir = dir },
	})
	require.Error(t, err)

	_, _, err = config.Load(config.LoadOptions{File: filepath.Join(dir, "missing.yaml"), Getenv: noEnv})
	require.Error(t, err)
}

func TestPrefsStore(t *testing.T) {
	dir := t.TempDir()
	prefs := config.NewPrefsStore(config.PrefsPath(dir))

	p, err := prefs.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Prefs{}, p)

	require.NoError(t, prefs.SetForcedOffline(true))
	require.NoError(t, prefs.SetSession(`{"user":"admin"}`))
	require.NoError(t, prefs.SetRemote(config.Remote{Endpoint: "postgres://h/db", User: "u", Password: "p"}))

	forced, err := prefs.ForcedOffline()
	require.NoError(t, err)
	assert.True(t, forced)

	reopened := config.NewPrefsStore(config.PrefsPath(dir))
	p, err = reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Prefs{
		RemoteEndpoint: "postgres://h/db",
		RemoteUser:     "u",
		RemotePassword: "p",
		ForcedOffline:  true,
		Session:        `{"user":"admin"}`,
	}, p)

	require.NoError(t, reopened.Reset())
	p, err = reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Prefs{Session: `{"user":"admin"}`}, p)
}

func TestRemoteDSN(t *testing.T) {
	tests := []struct {
		remote config.Remote
		want   string
	}{
		{config.Remote{Endpoint: "postgres://db/shop"}, "postgres://db/shop"},
		{config.Remote{Endpoint: "postgres://db/shop", User: "u", Password: "p w"}, "postgres://u:p%20w@db/shop"},
		{config.Remote{Endpoint: "host=db dbname=shop", User: "u", Password: "it's"}, `host=db dbname=shop user='u' password='it\'s'`},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.remote.DSN())
	}
	assert.False(t, config.Remote{}.Configured())
}
