package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// Capability is the result of probing whether an engine's underlying
// facility works in the current environment.
type Capability struct {
	Available bool
	Reason    string // why it is unavailable; empty when Available
}

// Available is the capability of a working facility.
func Available() Capability { return Capability{Available: true} }

// Unavailable is the capability of a facility that cannot be used.
func Unavailable(reason string) Capability {
	return Capability{Reason: reason}
}

// ProbeIndexed decides the indexed engine's capability from the set of
// registered database/sql drivers.
func ProbeIndexed(drivers []string) Capability {
	if !slices.Contains(drivers, "sqlite3") {
		return Unavailable("sqlite3 driver not registered")
	}
	return Available()
}

// DetectIndexed probes the running process: the driver must be registered
// and able to open a private in-memory database (it is not when the binary
// was built without cgo).
func DetectIndexed() Capability {
	if c := ProbeIndexed(sql.Drivers()); !c.Available {
		return c
	}
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return Unavailable(err.Error())
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return Unavailable(err.Error())
	}
	return Available()
}

// ParseEngine resolves an engine name. Browser-era names are accepted as
// aliases. The empty name selects the indexed engine.
func ParseEngine(name string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "indexed", "indexeddb", "sqlite":
		return EngineIndexed, nil
	case "flatkey", "localstorage", "json":
		return EngineFlatKey, nil
	default:
		return "", fmt.Errorf("%w: %q (supported: indexed, flatkey)", ErrUnknownEngine, name)
	}
}

// Options configures engine construction.
type Options struct {
	Engine  Engine
	DataDir string // empty keeps everything in memory

	// FlatKeyQuota is the flat-key area ceiling in bytes. Zero means
	// DefaultFlatKeyQuota, negative means unbounded.
	FlatKeyQuota int

	SQLite SQLiteOptions
	Logger zerolog.Logger
}

func (o Options) flatKeyQuota() int {
	switch {
	case o.FlatKeyQuota == 0:
		return DefaultFlatKeyQuota
	case o.FlatKeyQuota < 0:
		return 0
	}
	return o.FlatKeyQuota
}

// Resolve returns the engine Select would build for opts under indexed.
func Resolve(engine Engine, indexed Capability) Engine {
	if engine == EngineIndexed && !indexed.Available {
		return EngineFlatKey
	}
	return engine
}

// Select builds the adapter for opts.Engine. When the indexed engine is
// requested but indexed is unavailable, the flat-key engine is built
// instead; the downgrade is logged, never returned as an error.
func Select(indexed Capability, opts Options) (Adapter, error) {
	engine, err := ParseEngine(string(opts.Engine))
	if err != nil {
		return nil, err
	}
	resolved := Resolve(engine, indexed)
	if resolved != engine {
		opts.Logger.Info().
			Str("requested", string(engine)).
			Str("engine", string(resolved)).
			Str("reason", indexed.Reason).
			Msg("indexed engine unavailable, using flat-key engine")
	}

	switch resolved {
	case EngineIndexed:
		dbPath := ":memory:"
		if opts.DataDir != "" {
			dbPath = filepath.Join(opts.DataDir, "storefront.db")
		}
		opts.Logger.Debug().Str("path", dbPath).Msg("opening indexed engine")
		return NewSQLiteStore(dbPath, opts.SQLite)
	default:
		if opts.DataDir == "" {
			return NewFlatKeyStore(NewMemoryArea(opts.flatKeyQuota())), nil
		}
		path := filepath.Join(opts.DataDir, "flatkey.json")
		opts.Logger.Debug().Str("path", path).Msg("opening flat-key engine")
		area, err := NewFileArea(path, opts.flatKeyQuota())
		if err != nil {
			return nil, err
		}
		return NewFlatKeyStore(area), nil
	}
}

// Open probes the environment and selects the engine for opts.
func Open(opts Options) (Adapter, error) {
	return Select(DetectIndexed(), opts)
}
