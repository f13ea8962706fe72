// Package autosave is the write-acknowledgment outbox between in-memory
// application state and the local engine. Each collection has at most one
// pending dump; a newer dump replaces an older one before it is written.
// Writes are retried with backoff, and anything not yet acknowledged keeps
// the queue dirty.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stevemurr/storefront-store/store"
)

// Writer persists a whole collection dump. store.Adapter satisfies it.
type Writer interface {
	Replace(ctx context.Context, c store.Collection, records []store.Record) error
}

type Options struct {
	// Delay batches rapid successive changes into one write.
	Delay time.Duration

	// RetryAfter is how long Run waits before retrying collections whose
	// writes gave up.
	RetryAfter time.Duration

	// Backoff returns the retry policy of one write. Defaults to an
	// exponential backoff giving up after a minute.
	Backoff func() backoff.BackOff

	Logger zerolog.Logger
}

// Status is the observable state of the queue.
type Status struct {
	Dirty     bool               `json:"dirty"`
	Pending   []store.Collection `json:"pending"`
	Failures  int                `json:"failures"`
	LastError string             `json:"lastError,omitempty"`
	LastSaved time.Time          `json:"lastSaved"`
}

type entry struct {
	records []store.Record
	seq     uint64
}

type Queue struct {
	w    Writer
	opts Options
	kick chan struct{}

	flushMu sync.Mutex // one flush at a time

	mu        sync.Mutex
	pending   map[store.Collection]entry
	seq       uint64
	failures  int
	lastErr   error
	lastSaved time.Time
}

func New(w Writer, opts Options) *Queue {
	if opts.Delay <= 0 {
		opts.Delay = 2 * time.Second
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 30 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = time.Minute
			return b
		}
	}
	return &Queue{
		w:       w,
		opts:    opts,
		kick:    make(chan struct{}, 1),
		pending: make(map[store.Collection]entry),
	}
}

// Enqueue records c's full contents as the next dump to write, replacing
// any dump of c that has not been written yet.
func (q *Queue) Enqueue(c store.Collection, records []store.Record) error {
	if !c.Persisted() {
		return fmt.Errorf("%w: %q", store.ErrUnknownCollection, c)
	}
	q.mu.Lock()
	q.seq++
	q.pending[c] = entry{records: slices.Clone(records), seq: q.seq}
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
	return nil
}

// Dirty reports whether any change is not yet acknowledged by the engine.
func (q *Queue) Dirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

// Pending lists the collections with unwritten changes.
func (q *Queue) Pending() []store.Collection {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() []store.Collection {
	out := make([]store.Collection, 0, len(q.pending))
	for c := range q.pending {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Status returns a snapshot of the queue state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Status{
		Dirty:     len(q.pending) > 0,
		Pending:   q.pendingLocked(),
		Failures:  q.failures,
		LastSaved: q.lastSaved,
	}
	if q.lastErr != nil {
		s.LastError = q.lastErr.Error()
	}
	return s
}

// Flush writes every pending dump now, retrying each per the backoff
// policy. Dumps that still fail stay pending; their errors are joined.
func (q *Queue) Flush(ctx context.Context) error {
	return q.flush(ctx, q.opts.Backoff)
}

func (q *Queue) flush(ctx context.Context, policy func() backoff.BackOff) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	work := make(map[store.Collection]entry, len(q.pending))
	for c, e := range q.pending {
		work[c] = e
	}
	q.mu.Unlock()

	var errs []error
	for _, c := range sortedCollections(work) {
		e := work[c]
		err := q.write(ctx, c, e.records, policy())

		q.mu.Lock()
		if err != nil {
			q.failures++
			q.lastErr = err
		} else {
			q.lastSaved = time.Now()
			if cur, ok := q.pending[c]; ok && cur.seq == e.seq {
				delete(q.pending, c)
			}
		}
		q.mu.Unlock()

		if err != nil {
			q.opts.Logger.Warn().Err(err).Str("collection", string(c)).Msg("autosave failed")
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
		}
	}
	if len(errs) == 0 {
		q.mu.Lock()
		q.lastErr = nil
		q.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (q *Queue) write(ctx context.Context, c store.Collection, records []store.Record, b backoff.BackOff) error {
	op := func() error {
		err := q.w.Replace(ctx, c, records)
		if errors.Is(err, store.ErrUnknownCollection) || errors.Is(err, store.ErrQuotaExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		q.opts.Logger.Debug().Err(err).Str("collection", string(c)).Dur("wait", wait).Msg("autosave retry")
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func sortedCollections(m map[store.Collection]entry) []store.Collection {
	out := make([]store.Collection, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Run flushes Delay after the first change of a burst, and retries
// failed dumps every RetryAfter. When ctx is done it makes one last
// flush attempt without retries and returns.
func (q *Queue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false
	arm := func(d time.Duration) {
		if armed {
			return
		}
		timer.Reset(d)
		armed = true
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return q.drain()
		case <-q.kick:
			arm(q.opts.Delay)
		case <-timer.C:
			armed = false
			if err := q.Flush(ctx); err != nil && ctx.Err() == nil {
				arm(q.opts.RetryAfter)
			}
		}
	}
}

func (q *Queue) drain() error {
	if !q.Dirty() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.flush(ctx, func() backoff.BackOff { return &backoff.StopBackOff{} })
}
