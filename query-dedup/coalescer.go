package querydedup

import (
	"fmt"
	"sync"
	"sync/atomic"

	"encore.app/pkg/models"
)

// InFlight is the shared handle for one executing fetch. All callers joined
// on the same handle observe the same outcome (value or error).
type InFlight struct {
	wg      sync.WaitGroup
	val     interface{}
	err     error
	waiters atomic.Int64
}

func newInFlight() *InFlight {
	h := &InFlight{}
	h.wg.Add(1)
	h.waiters.Store(1)
	return h
}

// Wait blocks until the fetch completes and returns its outcome.
// Safe to call from any number of goroutines.
func (h *InFlight) Wait() (interface{}, error) {
	h.wg.Wait()
	return h.val, h.err
}

// Waiters returns the number of callers joined on this handle, including
// the one executing the fetch.
func (h *InFlight) Waiters() int64 {
	return h.waiters.Load()
}

// QueryCoalescer is the deduplication coordinator: given a query descriptor
// and a function that performs the actual fetch, it either joins the
// existing in-flight operation or starts a new one, ensuring at most one
// concurrent execution per canonical key.
//
// The original single-threaded design relied on cooperative scheduling to
// make a check-then-add sequence race-free. On goroutines that argument does
// not hold, so registration goes through the manager's atomic GetOrAdd; a
// naive Get followed by Add would reintroduce the duplicate-fetch race this
// type exists to prevent.
type QueryCoalescer struct {
	manager *PendingQueryManager

	// Counters for observability; read via Stats.
	hits   atomic.Int64
	misses atomic.Int64
}

// NewQueryCoalescer creates a coalescer over the given pending manager.
func NewQueryCoalescer(manager *PendingQueryManager) *QueryCoalescer {
	return &QueryCoalescer{manager: manager}
}

// Manager returns the underlying pending query manager.
func (c *QueryCoalescer) Manager() *PendingQueryManager {
	return c.manager
}

// Do deduplicates by descriptor: it derives the canonical key and delegates
// to DoKey. The shared return reports whether this caller joined an
// operation started by another caller (mirrors x/sync/singleflight).
func (c *QueryCoalescer) Do(q models.QueryKey, fetch func() (interface{}, error)) (v interface{}, err error, shared bool) {
	return c.DoKey(GenerateKey(q), fetch)
}

// DoKey executes fetch at most once concurrently per key. Concurrent callers
// with the same key all receive the single outcome; the entry is removed
// from the manager on every exit path, success or failure, so a subsequent
// call starts a fresh fetch.
//
// Errors from fetch are propagated verbatim, never wrapped: callers'
// error-code inspection must be unaffected by whether a call was
// deduplicated. A panic inside fetch is recorded as an error for the joined
// waiters and re-raised in the executing goroutine.
func (c *QueryCoalescer) DoKey(key string, fetch func() (interface{}, error)) (v interface{}, err error, shared bool) {
	v, err, shared, _ = c.execute(key, fetch)
	return v, err, shared
}

// execute is DoKey plus the final waiter count, which the service layer
// reports in completion events. The count is read after the entry is
// removed, when no further caller can join.
func (c *QueryCoalescer) execute(key string, fetch func() (interface{}, error)) (v interface{}, err error, shared bool, waiters int64) {
	h := newInFlight()

	existing, started := c.manager.GetOrAdd(key, h)
	if !started {
		c.hits.Add(1)
		existing.waiters.Add(1)
		v, err = existing.Wait()
		return v, err, true, existing.waiters.Load()
	}
	c.misses.Add(1)

	// Release on all exit paths. Remove before Done so that a caller woken
	// by Done can immediately start a fresh fetch without finding the old
	// entry.
	defer func() {
		c.manager.Remove(key)
		waiters = h.waiters.Load()
		if r := recover(); r != nil {
			h.err = fmt.Errorf("query fetch panicked: %v", r)
			h.wg.Done()
			panic(r)
		}
		h.wg.Done()
	}()

	h.val, h.err = fetch()
	return h.val, h.err, false, 0
}

// Stats returns the cumulative hit (joined existing fetch) and miss
// (started new fetch) counts.
func (c *QueryCoalescer) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
