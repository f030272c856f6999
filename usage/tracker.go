package usage

import (
	"sort"
	"sync"

	"encore.app/pkg/models"
)

// Tracker accumulates per-collection operation counters for the life of the
// process.
//
// Design: a single mutex over a map of value structs. Counter updates are
// two loads and an add under an uncontended lock; the write rate here is
// bounded by backend round-trips, so lock-free structures buy nothing.
//
// The tracker performs no validation: an empty or unusual collection name is
// tracked literally under that name. Tracking is observability, never
// admission control, and it must not run on any failure path (callers only
// report operations that completed).
type Tracker struct {
	mu          sync.RWMutex
	collections map[string]models.UsageCounts
}

// NewTracker creates an empty usage tracker.
func NewTracker() *Tracker {
	return &Tracker{
		collections: make(map[string]models.UsageCounts),
	}
}

// TrackRead records n documents read from the collection. Cached reads
// count toward read volume but are separately attributed, since they never
// reached the backend. Non-positive n is ignored.
func (t *Tracker) TrackRead(collection string, n int64, cached bool) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := t.collections[collection]
	counts.Reads += n
	if cached {
		counts.CachedReads += n
	}
	t.collections[collection] = counts
}

// TrackWrite records n documents written to the collection.
func (t *Tracker) TrackWrite(collection string, n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := t.collections[collection]
	counts.Writes += n
	t.collections[collection] = counts
}

// TrackDelete records n documents deleted from the collection.
func (t *Tracker) TrackDelete(collection string, n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := t.collections[collection]
	counts.Deletes += n
	t.collections[collection] = counts
}

// Counts returns the current counters for one collection and whether any
// operation has been recorded for it.
func (t *Tracker) Counts(collection string) (models.UsageCounts, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts, exists := t.collections[collection]
	return counts, exists
}

// Totals returns the aggregate counters across all collections.
func (t *Tracker) Totals() models.UsageCounts {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total models.UsageCounts
	for _, counts := range t.collections {
		total = total.Add(counts)
	}
	return total
}

// Collections returns the tracked collection names in sorted order.
func (t *Tracker) Collections() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.collections))
	for name := range t.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a point-in-time copy of all counters. The returned
// snapshot is independent of further tracking.
func (t *Tracker) Snapshot() models.UsageSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return models.NewUsageSnapshot(t.collections)
}

// Reset drops all counters. Counters are monotonic between resets; Reset
// exists for test isolation and session boundaries (e.g. a new billing
// window), not for routine use.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collections = make(map[string]models.UsageCounts)
}
