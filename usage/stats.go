package usage

import (
	"sort"
	"sync"
	"sync/atomic"

	coordpubsub "encore.app/pkg/pubsub"
)

// QueryStats aggregates coalescing telemetry for one collection, built from
// query-completed events. These are distinct from the usage counters: the
// tracker bills operations as callers report them, while this view describes
// how well deduplication is working.
type QueryStats struct {
	Completed    int64   `json:"completed"`      // Fetches that ran
	Failed       int64   `json:"failed"`         // Fetches that returned an error
	Coalesced    int64   `json:"coalesced"`      // Fetches with more than one waiter
	TotalWaiters int64   `json:"total_waiters"`  // Callers served across all fetches
	ReadUnits    int64   `json:"read_units"`     // Documents returned by completed fetches
	TotalMs      int64   `json:"total_ms"`       // Cumulative fetch duration
	AvgWaiters   float64 `json:"avg_waiters"`    // Callers per fetch
	AvgLatencyMs float64 `json:"avg_latency_ms"` // Mean fetch duration
}

// QueryStatsCollector consumes query-completed events and keeps running
// per-collection aggregates in memory.
type QueryStatsCollector struct {
	mu          sync.RWMutex
	collections map[string]*queryCounters

	// Process-wide counters, readable without the map lock.
	events  atomic.Int64
	dropped atomic.Int64
}

type queryCounters struct {
	completed    int64
	failed       int64
	coalesced    int64
	totalWaiters int64
	readUnits    int64
	totalMs      int64
}

// NewQueryStatsCollector creates an empty collector.
func NewQueryStatsCollector() *QueryStatsCollector {
	return &QueryStatsCollector{
		collections: make(map[string]*queryCounters),
	}
}

// Record folds one query-completed event into the aggregates. Invalid
// events are counted and dropped; delivery is at-least-once, so a
// malformed event must not poison the subscription.
func (qc *QueryStatsCollector) Record(event *coordpubsub.QueryCompletedEvent) error {
	if err := event.Validate(); err != nil {
		qc.dropped.Add(1)
		return err
	}
	qc.events.Add(1)

	qc.mu.Lock()
	defer qc.mu.Unlock()

	counters, exists := qc.collections[event.Collection]
	if !exists {
		counters = &queryCounters{}
		qc.collections[event.Collection] = counters
	}

	counters.completed++
	counters.totalWaiters += event.Waiters
	counters.readUnits += event.ReadCount
	counters.totalMs += event.DurationMs
	if event.Failed {
		counters.failed++
	}
	if event.Coalesced {
		counters.coalesced++
	}
	return nil
}

// Stats returns the aggregates for one collection.
func (qc *QueryStatsCollector) Stats(collection string) (QueryStats, bool) {
	qc.mu.RLock()
	defer qc.mu.RUnlock()

	counters, exists := qc.collections[collection]
	if !exists {
		return QueryStats{}, false
	}
	return counters.toStats(), true
}

// AllStats returns per-collection aggregates keyed by collection name.
func (qc *QueryStatsCollector) AllStats() map[string]QueryStats {
	qc.mu.RLock()
	defer qc.mu.RUnlock()

	result := make(map[string]QueryStats, len(qc.collections))
	for name, counters := range qc.collections {
		result[name] = counters.toStats()
	}
	return result
}

// Collections returns the observed collection names in sorted order.
func (qc *QueryStatsCollector) Collections() []string {
	qc.mu.RLock()
	defer qc.mu.RUnlock()

	names := make([]string, 0, len(qc.collections))
	for name := range qc.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EventCounts returns the number of events recorded and dropped.
func (qc *QueryStatsCollector) EventCounts() (recorded, dropped int64) {
	return qc.events.Load(), qc.dropped.Load()
}

func (c *queryCounters) toStats() QueryStats {
	stats := QueryStats{
		Completed:    c.completed,
		Failed:       c.failed,
		Coalesced:    c.coalesced,
		TotalWaiters: c.totalWaiters,
		ReadUnits:    c.readUnits,
		TotalMs:      c.totalMs,
	}
	if c.completed > 0 {
		stats.AvgWaiters = float64(c.totalWaiters) / float64(c.completed)
		stats.AvgLatencyMs = float64(c.totalMs) / float64(c.completed)
	}
	return stats
}
