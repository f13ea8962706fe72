// Package connection decides whether the application trusts the remote
// backend (Online) or runs from the local engine (Offline), and why.
//
// The state is derived: it is recomputed by Evaluate at startup, by
// Retry on user request, and by Watch while the remote schema is missing.
// The only persisted input is the sticky forced-offline flag.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stevemurr/storefront-store/remote"
)

type Mode string

const (
	Online  Mode = "online"
	Offline Mode = "offline"
)

// Reason explains an Offline state.
type Reason string

const (
	SchemaMissing    Reason = "schema_missing"
	AuthFailure      Reason = "auth_failure"
	ConnectionFailed Reason = "connection_failed"
	ForcedOffline    Reason = "forced_offline"
)

// State is the resolved connection mode.
type State struct {
	Mode      Mode      `json:"mode"`
	Reason    Reason    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Online reports whether the remote backend is trusted.
func (s State) Online() bool { return s.Mode == Online }

func (s State) same(o State) bool {
	return s.Mode == o.Mode && s.Reason == o.Reason
}

// Prober performs the lightweight remote read that classifies health.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Flags persists the sticky forced-offline preference.
type Flags interface {
	ForcedOffline() (bool, error)
	SetForcedOffline(on bool) error
}

// Hooks run when the resolved state changes, and after the first
// evaluation. Errors are logged; they never change the state.
type Hooks struct {
	// OnOffline loads the locally persisted dataset into memory.
	OnOffline func(ctx context.Context, s State) error
	// OnOnline restores the remote session, if there is one.
	OnOnline func(ctx context.Context, s State) error
}

type Options struct {
	// Prober checks the remote backend. Nil means no backend is
	// configured, which resolves to Offline(ConnectionFailed).
	Prober Prober

	// StaticData pins the state to Online: demo data has no remote
	// dependency.
	StaticData bool

	Flags        Flags
	ProbeTimeout time.Duration
	PollInterval time.Duration
	Hooks        Hooks
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Monitor is the connection/mode state machine. Safe for concurrent use;
// concurrent evaluations share one probe.
type Monitor struct {
	opts  Options
	group singleflight.Group

	mu        sync.Mutex
	state     State
	evaluated bool
	subs      map[int]chan State
	nextSub   int

	// gen advances on every user decision (GoOffline, Retry). An
	// evaluation that started under an older generation is discarded.
	gen uint64
}

// New returns a Monitor that has not evaluated yet. Until Evaluate runs,
// State reports Offline(ConnectionFailed).
func New(opts Options) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Flags == nil {
		opts.Flags = &memoryFlags{}
	}
	return &Monitor{
		opts:  opts,
		state: State{Mode: Offline, Reason: ConnectionFailed, Detail: "not evaluated"},
		subs:  make(map[int]chan State),
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Evaluate resolves the state from scratch, honoring the forced-offline
// flag. Called at startup.
func (m *Monitor) Evaluate(ctx context.Context) State {
	return m.run(ctx, "evaluate", false)
}

// Retry clears the forced-offline flag and re-evaluates with an honest
// probe. The returned state tells the caller whether the retry worked.
func (m *Monitor) Retry(ctx context.Context) (State, error) {
	m.advance()
	if err := m.opts.Flags.SetForcedOffline(false); err != nil {
		return m.State(), err
	}
	return m.run(ctx, "retry", true), nil
}

// GoOffline sets the forced-offline flag and switches to
// Offline(ForcedOffline) without probing.
func (m *Monitor) GoOffline(ctx context.Context) (State, error) {
	if err := m.opts.Flags.SetForcedOffline(true); err != nil {
		return m.State(), err
	}
	gen := m.advance()
	s := State{Mode: Offline, Reason: ForcedOffline, CheckedAt: m.opts.Now()}
	return m.transition(ctx, s, gen), nil
}

func (m *Monitor) advance() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	return m.gen
}

func (m *Monitor) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

func (m *Monitor) run(ctx context.Context, key string, retry bool) State {
	v, _, _ := m.group.Do(key, func() (any, error) {
		gen := m.generation()
		s := m.resolve(ctx, retry)
		return m.transition(ctx, s, gen), nil
	})
	return v.(State)
}

func (m *Monitor) resolve(ctx context.Context, retry bool) State {
	now := m.opts.Now()
	if m.opts.StaticData {
		return State{Mode: Online, CheckedAt: now}
	}
	if !retry {
		forced, err := m.opts.Flags.ForcedOffline()
		if err != nil {
			m.opts.Logger.Warn().Err(err).Msg("read forced-offline flag")
		}
		if forced {
			return State{Mode: Offline, Reason: ForcedOffline, CheckedAt: now}
		}
	}

	err := m.probe(ctx)
	switch {
	case err == nil:
		// The user may have gone offline while the probe ran.
		if forced, _ := m.opts.Flags.ForcedOffline(); forced {
			return State{Mode: Offline, Reason: ForcedOffline, CheckedAt: now}
		}
		return State{Mode: Online, CheckedAt: now}
	case errors.Is(err, remote.ErrSchemaMissing):
		return State{Mode: Offline, Reason: SchemaMissing, Detail: err.Error(), CheckedAt: now}
	case errors.Is(err, remote.ErrAuthFailure):
		return State{Mode: Offline, Reason: AuthFailure, Detail: err.Error(), CheckedAt: now}
	default:
		return State{Mode: Offline, Reason: ConnectionFailed, Detail: err.Error(), CheckedAt: now}
	}
}

var errNoRemote = errors.New("no remote backend configured")

// probe runs the prober under ProbeTimeout. A prober that ignores its
// context is abandoned when the timeout fires.
func (m *Monitor) probe(ctx context.Context) error {
	if m.opts.Prober == nil {
		return errNoRemote
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.opts.Prober.Probe(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition commits s unless gen is stale, and returns the state in
// effect afterwards.
func (m *Monitor) transition(ctx context.Context, s State, gen uint64) State {
	m.mu.Lock()
	if gen != m.gen {
		cur := m.state
		m.mu.Unlock()
		m.opts.Logger.Debug().
			Str("mode", string(s.Mode)).
			Str("reason", string(s.Reason)).
			Msg("discarded superseded evaluation")
		return cur
	}
	prev, first := m.state, !m.evaluated
	m.state = s
	m.evaluated = true
	for _, ch := range m.subs {
		offer(ch, s)
	}
	m.mu.Unlock()

	changed := first || !prev.same(s)
	ev := m.opts.Logger.Debug()
	if changed {
		ev = m.opts.Logger.Info()
	}
	ev.Str("mode", string(s.Mode)).
		Str("reason", string(s.Reason)).
		Str("detail", s.Detail).
		Msg("connection state")
	if !changed {
		return s
	}

	hook := m.opts.Hooks.OnOnline
	if !s.Online() {
		hook = m.opts.Hooks.OnOffline
	}
	if hook != nil {
		if err := hook(ctx, s); err != nil {
			m.opts.Logger.Error().Err(err).Str("mode", string(s.Mode)).Msg("connection hook failed")
		}
	}
	return s
}

// offer delivers s, replacing an undelivered older state.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Subscribe returns a channel receiving every new state. Slow readers
// only see the latest one. Call cancel to unsubscribe.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Watch re-probes every PollInterval while the state is
// Offline(SchemaMissing), so a schema fixed out-of-band is picked up
// without a manual retry. It returns when ctx is done.
func (m *Monitor) Watch(ctx context.Context) {
	updates, cancel := m.Subscribe()
	defer cancel()

	var ticker *time.Ticker
	var tick <-chan time.Time
	follow := func(s State) {
		polling := s.Reason == SchemaMissing
		switch {
		case polling && ticker == nil:
			m.opts.Logger.Info().Dur("interval", m.opts.PollInterval).Msg("remote schema missing, polling")
			ticker = time.NewTicker(m.opts.PollInterval)
			tick = ticker.C
		case !polling && ticker != nil:
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	follow(m.State())
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-updates:
			follow(s)
		case <-tick:
			m.Evaluate(ctx)
		}
	}
}

// memoryFlags keeps the forced-offline flag for the process lifetime
// only.
type memoryFlags struct {
	mu     sync.Mutex
	forced bool
}

func (f *memoryFlags) ForcedOffline() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced, nil
}

func (f *memoryFlags) SetForcedOffline(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = on
	return nil
}
