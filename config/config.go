// Package config loads the immutable configuration of one application
// context and persists the user's runtime preferences.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stevemurr/storefront-store/store"
)

// Remote describes the remote relational backend.
type Remote struct {
	Endpoint string `yaml:"endpoint"` // postgres:// URL or key=value DSN
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Configured reports whether a remote backend is set at all.
func (r Remote) Configured() bool {
	return r.Endpoint != ""
}

// DSN merges the credential pair into the endpoint.
func (r Remote) DSN() string {
	if r.User == "" && r.Password == "" {
		return r.Endpoint
	}
	if u, err := url.Parse(r.Endpoint); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		u.User = url.UserPassword(r.User, r.Password)
		return u.String()
	}
	dsn := r.Endpoint
	if r.User != "" {
		dsn += " user=" + quoteDSN(r.User)
	}
	if r.Password != "" {
		dsn += " password=" + quoteDSN(r.Password)
	}
	return strings.TrimSpace(dsn)
}

func quoteDSN(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Config is loaded once per application context and never mutated.
// Changing any of it means building a new context.
type Config struct {
	Engine         store.Engine  `yaml:"engine"`
	DataDir        string        `yaml:"data_dir"`
	FlatKeyQuota   int           `yaml:"flat_key_quota"`
	Remote         Remote        `yaml:"remote"`
	StaticData     bool          `yaml:"static_data"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	AutosaveDelay  time.Duration `yaml:"autosave_delay"`
	HTTPAddr       string        `yaml:"http_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		Engine:         store.EngineIndexed,
		DataDir:        "./data",
		ProbeTimeout:   5 * time.Second,
		PollInterval:   5 * time.Second,
		AutosaveDelay:  2 * time.Second,
		HTTPAddr:       "0.0.0.0:8080",
		AllowedOrigins: []string{"*"},
	}
}

// StoreOptions returns the engine options this configuration selects.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Engine:       c.Engine,
		DataDir:      c.DataDir,
		FlatKeyQuota: c.FlatKeyQuota,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if _, err := store.ParseEngine(string(c.Engine)); err != nil {
		errs = append(errs, err)
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.AutosaveDelay < 0 {
		errs = append(errs, fmt.Errorf("autosave_delay must not be negative, got %s", c.AutosaveDelay))
	}
	return errors.Join(errs...)
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// File is an optional YAML config file. A missing file is an error
	// only when it was named explicitly.
	File string

	// Getenv reads the environment; nil means os.Getenv.
	Getenv func(string) string

	// Override applies command-line flags. It runs last, after persisted
	// preferences.
	Override func(*Config)
}

// Load builds the configuration of a new application context:
// defaults, then the config file, then STOREFRONT_* environment
// variables, then persisted preferences, then flags.
func Load(opts LoadOptions) (Config, *PrefsStore, error) {
	cfg := Defaults()
	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, nil, fmt.Errorf("parse config %s: %w", opts.File, err)
		}
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, nil, err
	}

	// Preferences live in the data directory, which flags may move.
	located := cfg
	if opts.Override != nil {
		opts.Override(&located)
	}
	prefs := NewPrefsStore(PrefsPath(located.DataDir))
	p, err := prefs.Load()
	if err != nil {
		return Config{}, nil, err
	}
	p.apply(&cfg)

	if opts.Override != nil {
		opts.Override(&cfg)
	}
	engine, err := store.ParseEngine(string(cfg.Engine))
	if err != nil {
		return Config{}, nil, err
	}
	cfg.Engine = engine
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, prefs, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	env := func(key string) (string, bool) {
		v := getenv("STOREFRONT_" + key)
		return v, v != ""
	}
	if v, ok := env("ENGINE"); ok {
		cfg.Engine = store.Engine(v)
	}
	if v, ok := env("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := env("REMOTE_ENDPOINT"); ok {
		cfg.Remote.Endpoint = v
	}
	if v, ok := env("REMOTE_USER"); ok {
		cfg.Remote.User = v
	}
	if v, ok := env("REMOTE_PASSWORD"); ok {
		cfg.Remote.Password = v
	}
	if v, ok := env("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := env("ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}
	if v, ok := env("FLATKEY_QUOTA"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STOREFRONT_FLATKEY_QUOTA: %w", err)
		}
		cfg.FlatKeyQuota = n
	}
	if v, ok := env("STATIC_DATA"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STOREFRONT_STATIC_DATA: %w", err)
		}
		cfg.StaticData = b
	}
	durations := map[string]*time.Duration{
		"PROBE_TIMEOUT":  &cfg.ProbeTimeout,
		"POLL_INTERVAL":  &cfg.PollInterval,
		"AUTOSAVE_DELAY": &cfg.AutosaveDelay,
	}
	for key, dst := range durations {
		if v, ok := env(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("STOREFRONT_%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}
