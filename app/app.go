// Package app is the application context: one immutable configuration,
// one local engine, the connection monitor and the autosave outbox, behind
// the operations the UI layer consumes.
//
// An App never reconfigures itself. Operations that change the engine or
// the remote configuration persist the preference and return a
// *RestartError; the Supervisor then builds a new App.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stevemurr/storefront-store/autosave"
	"github.com/stevemurr/storefront-store/config"
	"github.com/stevemurr/storefront-store/connection"
	"github.com/stevemurr/storefront-store/migrate"
	"github.com/stevemurr/storefront-store/remote"
	"github.com/stevemurr/storefront-store/schema"
	"github.com/stevemurr/storefront-store/store"
)

// ErrRestartRequired signals that the change only takes effect in a new
// application context.
var ErrRestartRequired = errors.New("restart required")

// RestartError carries why a restart is required. It matches
// ErrRestartRequired.
type RestartError struct {
	Reason string
}

func (e *RestartError) Error() string { return "restart required: " + e.Reason }

func (e *RestartError) Is(target error) bool { return target == ErrRestartRequired }

type Options struct {
	Config config.Config
	Prefs  *config.PrefsStore
	Logger zerolog.Logger

	// Indexed overrides the detected indexed-engine capability.
	Indexed *store.Capability

	// Prober overrides the remote prober built from Config.Remote.
	Prober connection.Prober

	Now func() time.Time
}

type App struct {
	cfg     config.Config
	prefs   *config.PrefsStore
	log     zerolog.Logger
	now     func() time.Time
	indexed store.Capability

	adapter  store.Adapter
	queue    *autosave.Queue
	monitor  *connection.Monitor
	migrator *migrate.Coordinator
	closers  []io.Closer

	mu   sync.RWMutex
	data map[store.Collection][]store.Record
	// writes counts session writes per collection, so a reload from the
	// engine can tell whether memory moved on while it read.
	writes map[store.Collection]uint64

	restartOnce sync.Once
	restart     chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// New builds an application context without evaluating the connection.
func New(opts Options) (*App, error) {
	if opts.Prefs == nil {
		opts.Prefs = config.NewPrefsStore(config.PrefsPath(opts.Config.DataDir))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	indexed := store.DetectIndexed()
	if opts.Indexed != nil {
		indexed = *opts.Indexed
	}

	a := &App{
		cfg:     opts.Config,
		prefs:   opts.Prefs,
		log:     opts.Logger,
		now:     opts.Now,
		indexed: indexed,
		data:    make(map[store.Collection][]store.Record),
		writes:  make(map[store.Collection]uint64),
		restart: make(chan struct{}),
	}

	so := a.cfg.StoreOptions()
	so.Logger = a.log
	adapter, err := store.Select(indexed, so)
	if err != nil {
		return nil, fmt.Errorf("open %s engine: %w", so.Engine, err)
	}
	a.adapter = adapter
	a.log.Info().
		Str("engine", string(adapter.Engine())).
		Str("data_dir", a.cfg.DataDir).
		Msg("record store ready")

	a.queue = autosave.New(adapter, autosave.Options{
		Delay:  a.cfg.AutosaveDelay,
		Logger: a.log.With().Str("component", "autosave").Logger(),
	})

	prober := opts.Prober
	if prober == nil && a.cfg.Remote.Configured() {
		gp := remote.NewGormProber(a.cfg.Remote.DSN())
		a.closers = append(a.closers, gp)
		prober = gp
	}
	a.monitor = connection.New(connection.Options{
		Prober:       prober,
		StaticData:   a.cfg.StaticData,
		Flags:        a.prefs,
		ProbeTimeout: a.cfg.ProbeTimeout,
		PollInterval: a.cfg.PollInterval,
		Hooks: connection.Hooks{
			OnOffline: a.loadLocal,
			OnOnline:  a.restoreSession,
		},
		Logger: a.log.With().Str("component", "connection").Logger(),
		Now:    a.now,
	})

	a.migrator = migrate.New(migrate.Options{
		Active:  adapter.Engine(),
		Indexed: indexed,
		Store:   so,
		Open:    a.openEngine,
		Prefs:   a.prefs,
		Logger:  a.log.With().Str("component", "migrate").Logger(),
	})
	return a, nil
}

// Open builds an application context and evaluates the connection. In
// static data mode an empty store is seeded with the demo catalog first.
func Open(ctx context.Context, opts Options) (*App, error) {
	a, err := New(opts)
	if err != nil {
		return nil, err
	}
	if a.cfg.StaticData {
		if err := a.seedDemo(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.monitor.Evaluate(ctx)
	return a, nil
}

// Config returns the configuration this context was built from.
func (a *App) Config() config.Config { return a.cfg }

// Engine reports the engine actually in use, after any downgrade.
func (a *App) Engine() store.Engine { return a.adapter.Engine() }

// Run drives the background work of the context, autosave and schema
// recovery polling, until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(ctx) })
	g.Go(func() error {
		a.monitor.Watch(ctx)
		return nil
	})
	return g.Wait()
}

// RestartRequested is closed once an operation returned a RestartError.
func (a *App) RestartRequested() <-chan struct{} { return a.restart }

func (a *App) requireRestart(reason string) error {
	a.restartOnce.Do(func() {
		a.log.Info().Str("reason", reason).Msg("restart requested")
		close(a.restart)
	})
	return &RestartError{Reason: reason}
}

// Close flushes pending writes and releases the engine.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		if err := a.queue.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		for _, c := range a.closers {
			errs = append(errs, c.Close())
		}
		errs = append(errs, a.adapter.Close())
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func checkKnown(c store.Collection) error {
	if !c.Persisted() && !c.Ephemeral() {
		return fmt.Errorf("%w: %q", store.ErrUnknownCollection, c)
	}
	return nil
}

func cloneAll(recs []store.Record) ([]store.Record, error) {
	out := make([]store.Record, 0, len(recs))
	for _, r := range recs {
		cp, err := r.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// ReadCollection returns the session's view of a collection. Persisted
// collections are read from the engine on first use; ephemeral ones exist
// in memory only.
func (a *App) ReadCollection(ctx context.Context, c store.Collection) ([]store.Record, error) {
	if err := checkKnown(c); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	recs, ok := a.data[c]
	if !ok && c.Persisted() {
		var err error
		if recs, err = a.adapter.GetAll(ctx, c); err != nil {
			return nil, err
		}
		a.data[c] = recs
	}
	return cloneAll(recs)
}

// WriteCollection replaces a collection in memory and queues it for
// persistence. Records are validated first; records without an
// identifier get one. The stored records are returned.
func (a *App) WriteCollection(ctx context.Context, c store.Collection, records []store.Record) ([]store.Record, error) {
	if err := checkKnown(c); err != nil {
		return nil, err
	}
	// Prepared records have been through JSON, so they validate the same
	// way whether they came from a request body or from Go values.
	prepared, err := store.Prepare(c, records)
	if err != nil {
		return nil, err
	}
	if s := schema.ForCollection(string(c)); s != nil {
		for i, r := range prepared {
			if err := schema.Validate(s, r); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
		}
	}

	if c == store.Session {
		if err := a.saveSession(prepared); err != nil {
			return nil, err
		}
	}
	// Memory and the outbox change together, so they agree on the
	// latest write.
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.Persisted() {
		if err := a.queue.Enqueue(c, prepared); err != nil {
			return nil, err
		}
	}
	a.data[c] = prepared
	a.writes[c]++
	return cloneAll(prepared)
}

// ExportSnapshot returns every persisted collection as this session sees
// it, including changes not yet written to the engine.
func (a *App) ExportSnapshot(ctx context.Context) (store.Snapshot, error) {
	snap, err := a.adapter.Export(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for c, recs := range a.data {
		if c.Persisted() {
			snap[c] = recs
		}
	}
	return snap, nil
}

// WriteBackup encodes the exported snapshot with its envelope.
func (a *App) WriteBackup(ctx context.Context, w io.Writer, f store.Format) (store.Snapshot, error) {
	snap, err := a.ExportSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	meta := store.NewMeta(a.Engine(), a.now())
	if err := store.EncodeSnapshot(w, snap, meta, f); err != nil {
		return nil, err
	}
	a.log.Info().Interface("counts", snap.Counts()).Str("format", string(f)).Msg("backup exported")
	return snap, nil
}

// ImportSnapshot restores every collection in snap, in the engine and in
// memory. Collections absent from snap are untouched.
func (a *App) ImportSnapshot(ctx context.Context, snap store.Snapshot) error {
	if err := a.queue.Flush(ctx); err != nil {
		a.log.Warn().Err(err).Msg("pending changes not saved before import")
	}
	// Memory holds what the engine holds: identifiers assigned and
	// duplicates merged.
	restored := make(store.Snapshot, len(snap))
	for c, recs := range snap {
		if !c.Persisted() {
			continue
		}
		prepared, err := store.Prepare(c, recs)
		if err != nil {
			return err
		}
		restored[c] = prepared
	}
	if err := a.adapter.Import(ctx, restored); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pending := make(map[store.Collection]bool)
	for _, c := range a.queue.Pending() {
		pending[c] = true
	}
	for c, recs := range restored {
		a.data[c] = recs
		a.writes[c]++
		// An unsaved older dump must not overwrite the restored data.
		if pending[c] {
			if err := a.queue.Enqueue(c, recs); err != nil {
				return err
			}
		}
	}
	a.log.Info().Interface("counts", snap.Counts()).Msg("snapshot imported")
	return nil
}

// ReadBackup decodes and imports a backup document. Nothing is applied
// unless the whole document is valid.
func (a *App) ReadBackup(ctx context.Context, r io.Reader, f store.Format) (store.Snapshot, store.Meta, error) {
	snap, meta, err := store.DecodeSnapshot(r, f)
	if err != nil {
		return nil, store.Meta{}, err
	}
	if err := a.ImportSnapshot(ctx, snap); err != nil {
		return nil, store.Meta{}, err
	}
	return snap, meta, nil
}

func (a *App) ConnectionState() connection.State { return a.monitor.State() }

// SubscribeConnection streams connection state changes.
func (a *App) SubscribeConnection() (<-chan connection.State, func()) {
	return a.monitor.Subscribe()
}

// RetryConnection clears the forced-offline flag and re-probes.
func (a *App) RetryConnection(ctx context.Context) (connection.State, error) {
	return a.monitor.Retry(ctx)
}

// GoOffline makes offline mode sticky across restarts until a retry.
func (a *App) GoOffline(ctx context.Context) (connection.State, error) {
	return a.monitor.GoOffline(ctx)
}

// SwitchEngine makes target the engine of future contexts, without
// moving any data. Switching to the engine in use is a no-op.
func (a *App) SwitchEngine(ctx context.Context, target store.Engine) error {
	engine, err := store.ParseEngine(string(target))
	if err != nil {
		return err
	}
	if store.Resolve(engine, a.indexed) == a.Engine() {
		return nil
	}
	if err := a.prefs.SetActiveEngine(engine); err != nil {
		return err
	}
	return a.requireRestart(fmt.Sprintf("engine switched to %s", engine))
}

// Migrate copies the dataset from one engine to another and makes the
// destination the engine of future contexts. Requests with nothing to do
// are rejected before pending changes are written. On success the result comes with a RestartError.
func (a *App) Migrate(ctx context.Context, from, to store.Engine) (migrate.Result, error) {
	if _, _, err := a.migrator.Check(from, to); err != nil {
		return migrate.Result{}, err
	}
	if err := a.queue.Flush(ctx); err != nil {
		return migrate.Result{}, fmt.Errorf("%w: unsaved changes: %w", migrate.ErrMigrationFailed, err)
	}
	res, err := a.migrator.Migrate(ctx, from, to)
	if err != nil {
		return migrate.Result{}, err
	}
	return res, a.requireRestart(fmt.Sprintf("migrated to %s", res.To))
}

// SetRemote stores a remote endpoint and credential override. A live
// prober is never reconfigured.
func (a *App) SetRemote(ctx context.Context, r config.Remote) error {
	if err := a.prefs.SetRemote(r); err != nil {
		return err
	}
	return a.requireRestart("remote configuration changed")
}

// ResetConfig drops every preference except the session.
func (a *App) ResetConfig(ctx context.Context) error {
	if err := a.prefs.Reset(); err != nil {
		return err
	}
	return a.requireRestart("configuration reset")
}

// Pending reports the autosave outbox state.
func (a *App) Pending() autosave.Status { return a.queue.Status() }

// Status summarizes the context.
type Status struct {
	Engine     store.Engine     `json:"engine"`
	Requested  store.Engine     `json:"requested"`
	Indexed    store.Capability `json:"indexed"`
	Connection connection.State `json:"connection"`
	Autosave   autosave.Status  `json:"autosave"`
}

func (a *App) Status() Status {
	return Status{
		Engine:     a.Engine(),
		Requested:  a.cfg.Engine,
		Indexed:    a.indexed,
		Connection: a.ConnectionState(),
		Autosave:   a.Pending(),
	}
}

// openEngine hands the migrator the live adapter for the engine in use,
// so both sides never hold the same database twice.
func (a *App) openEngine(e store.Engine) (store.Adapter, error) {
	if e == a.Engine() {
		return borrowed{a.adapter}, nil
	}
	so := a.cfg.StoreOptions()
	so.Engine = e
	so.Logger = a.log
	return store.Select(a.indexed, so)
}

type borrowed struct{ store.Adapter }

func (borrowed) Close() error { return nil }

// loadLocal fills memory from the engine when the app goes offline.
// Collections with unsaved changes keep their in-memory version.
func (a *App) loadLocal(ctx context.Context, s connection.State) error {
	a.mu.RLock()
	seen := maps.Clone(a.writes)
	a.mu.RUnlock()

	snap, err := a.adapter.Export(ctx)
	if err != nil {
		return fmt.Errorf("load local dataset: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pending := make(map[store.Collection]bool)
	for _, c := range a.queue.Pending() {
		pending[c] = true
	}
	loaded := 0
	for c, recs := range snap {
		// Written during the export, or still waiting for the outbox.
		if pending[c] || a.writes[c] != seen[c] {
			continue
		}
		a.data[c] = recs
		loaded++
	}
	a.log.Info().
		Str("reason", string(s.Reason)).
		Int("collections", loaded).
		Interface("counts", snap.Counts()).
		Msg("loaded local dataset")
	return nil
}

// restoreSession brings back the stored user session when the app goes
// online.
func (a *App) restoreSession(ctx context.Context, _ connection.State) error {
	raw, err := a.prefs.Session()
	if err != nil || raw == "" {
		return err
	}
	var rec store.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	recs, err := store.Prepare(store.Session, []store.Record{rec})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.data[store.Session] = recs
	a.mu.Unlock()
	a.log.Info().Msg("session restored")
	return nil
}

// saveSession persists the current session outside the record store.
// An empty write signs out.
func (a *App) saveSession(recs []store.Record) error {
	if len(recs) == 0 {
		return a.prefs.SetSession("")
	}
	b, err := json.Marshal(recs[len(recs)-1])
	if err != nil {
		return err
	}
	return a.prefs.SetSession(string(b))
}
