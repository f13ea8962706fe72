package autosave_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/storefront-store/autosave"
	"github.com/stevemurr/storefront-store/store"
)

// flakyWriter fails the first n writes, then records what it is given.
type flakyWriter struct {
	mu     sync.Mutex
	fail   int
	err    error
	calls  int
	writes map[store.Collection][]store.Record
	block  chan struct{}
}

func (w *flakyWriter) Replace(ctx context.Context, c store.Collection, recs []store.Record) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail > 0 {
		w.fail--
		return w.err
	}
	if w.writes == nil {
		w.writes = make(map[store.Collection][]store.Record)
	}
	w.writes[c] = recs
	return nil
}

func (w *flakyWriter) written(c store.Collection) []store.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[c]
}

func (w *flakyWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func fastBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
}

func TestEnqueueCoalesces(t *testing.T) {
	w := &flakyWriter{}
	q := autosave.New(w, autosave.Options{Backoff: fastBackoff})

	require.NoError(t, q.Enqueue(store.Products, []store.Record{{"id": "a", "stock": 1.0}}))
	require.NoError(t, q.Enqueue(store.Products, []store.Record{{"id": "a", "stock": 2.0}}))
	require.NoError(t, q.Enqueue(store.Orders, []store.Record{}))
	assert.True(t, q.Dirty())
	assert.Equal(t, []store.Collection{store.Orders, store.Products}, q.Pending())

	require.NoError(t, q.Flush(t.Context()))
	assert.False(t, q.Dirty())
	assert.Equal(t, 2, w.callCount())
	assert.Equal(t, []store.Record{{"id": "a", "stock": 2.0}}, w.written(store.Products))
}

func TestEnqueueRejectsEphemeral(t *testing.T) {
	q := autosave.New(&flakyWriter{}, autosave.Options{})
	require.ErrorIs(t, q.Enqueue(store.Cart, nil), store.ErrUnknownCollection)
	assert.False(t, q.Dirty())
}

func TestFlushRetriesTransientErrors(t *testing.T) {
	w := &flakyWriter{fail: 3, err: errors.New("database is locked")}
	q := autosave.New(w, autosave.Options{Backoff: fastBackoff})

	require.NoError(t, q.Enqueue(store.Customers, []store.Record{{"id": "c1"}}))
	require.NoError(t, q.Flush(t.Context()))
	assert.Equal(t, 4, w.callCount())
	assert.False(t, q.Dirty())
	assert.Empty(t, q.Status().LastError)
}

func TestFlushKeepsFailedWritesPending(t *testing.T) {
	w := &flakyWriter{fail: 1, err: store.ErrQuotaExceeded}
	q := autosave.New(w, autosave.Options{Backoff: fastBackoff})

	require.NoError(t, q.Enqueue(store.Products, []store.Record{{"id": "p1"}}))
	err := q.Flush(t.Context())
	require.ErrorIs(t, err, store.ErrQuotaExceeded)
	assert.Equal(t, 1, w.callCount(), "quota errors are not retried")

	st := q.Status()
	assert.True(t, st.Dirty)
	assert.Equal(t, []store.Collection{store.Products}, st.Pending)
	assert.Equal(t, 1, st.Failures)
	assert.NotEmpty(t, st.LastError)

	require.NoError(t, q.Flush(t.Context()))
	assert.False(t, q.Dirty())
}

func TestEnqueueDuringWriteStaysDirty(t *testing.T) {
	w := &flakyWriter{block: make(chan struct{})}
	q := autosave.New(w, autosave.Options{Backoff: fastBackoff})
	require.NoError(t, q.Enqueue(store.Products, []store.Record{{"id": "old"}}))

	done := make(chan error, 1)
	go func() { done <- q.Flush(context.Background()) }()

	// The write is in flight; a newer dump arrives.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(store.Products, []store.Record{{"id": "new"}}))
	close(w.block)
	require.NoError(t, <-done)

	assert.True(t, q.Dirty(), "newer dump is still pending")
	require.NoError(t, q.Flush(t.Context()))
	assert.Equal(t, []store.Record{{"id": "new"}}, w.written(store.Products))
	assert.False(t, q.Dirty())
}

func TestRunDebouncesAndDrains(t *testing.T) {
	w := &flakyWriter{}
	q := autosave.New(w, autosave.Options{Delay: 20 * time.Millisecond, Backoff: fastBackoff})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for i := range 5 {
		require.NoError(t, q.Enqueue(store.Products, []store.Record{{"id": "p", "n": float64(i)}}))
	}
	require.Eventually(t, func() bool { return !q.Dirty() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, w.callCount(), "a burst is one write")

	// Changes made right before shutdown are still written.
	require.NoError(t, q.Enqueue(store.Orders, []store.Record{{"id": "o1"}}))
	cancel()
	require.NoError(t, <-done)
	assert.False(t, q.Dirty())
	assert.Equal(t, []store.Record{{"id": "o1"}}, w.written(store.Orders))
}

func TestRunRetriesAfterFailure(t *testing.T) {
	w := &flakyWriter{fail: 1, err: store.ErrQuotaExceeded}
	q := autosave.New(w, autosave.Options{
		Delay:      5 * time.Millisecond,
		RetryAfter: 20 * time.Millisecond,
		Backoff:    fastBackoff,
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go q.Run(ctx)

	require.NoError(t, q.Enqueue(store.Products, []store.Record{{"id": "p1"}}))
	require.Eventually(t, func() bool { return !q.Dirty() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, w.callCount())
}
