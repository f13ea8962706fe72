// Package migrate moves the whole dataset from one engine to another
// through a snapshot, and advances the active-engine preference only when
// the move succeeded.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevemurr/storefront-store/store"
)

var (
	// ErrSameEngine rejects a migration that would not move anything.
	ErrSameEngine = errors.New("source and destination engine are the same")

	// ErrMigrationFailed wraps every failure after validation; the
	// underlying cause stays reachable with errors.Is.
	ErrMigrationFailed = errors.New("migration failed")
)

// Prefs persists the engine future application contexts start with.
type Prefs interface {
	SetActiveEngine(e store.Engine) error
}

type Options struct {
	// Active is the engine of the running context.
	Active store.Engine

	// Indexed is the indexed engine's capability; both ends of a
	// migration are resolved through it.
	Indexed store.Capability

	// Store is the base construction options. Engine is set per open.
	Store store.Options

	// Open builds the adapter for an engine. When nil, store.Select is
	// used with Indexed and Store.
	Open func(e store.Engine) (store.Adapter, error)

	Prefs  Prefs
	Logger zerolog.Logger
}

// Result describes a successful migration.
type Result struct {
	From   store.Engine             `json:"from"`
	To     store.Engine             `json:"to"`
	Counts map[store.Collection]int `json:"counts"`

	// RestartRequired is always true: the running context still holds
	// the old engine, and the new one takes effect in a new context.
	RestartRequired bool `json:"restart"`
}

type Coordinator struct {
	opts Options
}

func New(opts Options) *Coordinator {
	if opts.Open == nil {
		opts.Open = func(e store.Engine) (store.Adapter, error) {
			so := opts.Store
			so.Engine = e
			return store.Select(opts.Indexed, so)
		}
	}
	return &Coordinator{opts: opts}
}

// Check resolves both ends of a migration and rejects it, without
// touching either engine, when there is nothing to do: to is already
// active, or both ends resolve to the same engine.
func (c *Coordinator) Check(from, to store.Engine) (src, dst store.Engine, err error) {
	from, err = store.ParseEngine(string(from))
	if err != nil {
		return "", "", err
	}
	to, err = store.ParseEngine(string(to))
	if err != nil {
		return "", "", err
	}
	active := store.Resolve(c.opts.Active, c.opts.Indexed)
	src = store.Resolve(from, c.opts.Indexed)
	dst = store.Resolve(to, c.opts.Indexed)
	if from == to || dst == active || src == dst {
		return "", "", fmt.Errorf("%w: %s to %s", ErrSameEngine, src, dst)
	}
	return src, dst, nil
}

// Migrate exports from, imports into to, then records to as the active
// engine. Check runs first. On failure the preference is untouched; the
// destination is left as it was because Import is atomic per engine.
func (c *Coordinator) Migrate(ctx context.Context, from, to store.Engine) (Result, error) {
	src, dst, err := c.Check(from, to)
	if err != nil {
		return Result{}, err
	}

	log := c.opts.Logger.With().Str("from", string(src)).Str("to", string(dst)).Logger()
	start := time.Now()
	log.Info().Msg("migration started")

	res, err := c.migrate(ctx, src, dst)
	if err != nil {
		log.Error().Err(err).Msg("migration failed")
		return Result{}, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	log.Info().Dur("took", time.Since(start)).Interface("counts", res.Counts).Msg("migration finished")
	return res, nil
}

func (c *Coordinator) migrate(ctx context.Context, from, to store.Engine) (Result, error) {
	src, err := c.opts.Open(from)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", from, err)
	}
	defer src.Close()

	dst, err := c.opts.Open(to)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", to, err)
	}
	defer dst.Close()

	snap, err := src.Export(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("export %s: %w", from, err)
	}
	if err := dst.Import(ctx, snap); err != nil {
		return Result{}, fmt.Errorf("import %s: %w", to, err)
	}
	if c.opts.Prefs != nil {
		if err := c.opts.Prefs.SetActiveEngine(to); err != nil {
			return Result{}, fmt.Errorf("persist active engine: %w", err)
		}
	}
	return Result{
		From:            from,
		To:              to,
		Counts:          snap.Counts(),
		RestartRequired: true,
	}, nil
}
