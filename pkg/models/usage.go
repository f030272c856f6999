package models

import (
	"fmt"
	"time"
)

// UsageCounts holds the operation counters for a single logical collection.
//
// All counters are monotonically non-decreasing for the life of a tracker.
// CachedReads is a subset of Reads: a coalesced (deduplicated) read still
// counts toward total read volume but does not bill the backend, so it is
// separately attributable for cost analysis.
type UsageCounts struct {
	Reads       int64 `json:"reads"`
	Writes      int64 `json:"writes"`
	Deletes     int64 `json:"deletes"`
	CachedReads int64 `json:"cached_reads"`
}

// BillableReads returns the reads that actually reached the backend.
func (c UsageCounts) BillableReads() int64 {
	billable := c.Reads - c.CachedReads
	if billable < 0 {
		return 0
	}
	return billable
}

// CacheSavingsRate returns the fraction of reads served without a backend
// call (0-1 range). Returns 0 when no reads have been recorded.
func (c UsageCounts) CacheSavingsRate() float64 {
	if c.Reads == 0 {
		return 0
	}
	return float64(c.CachedReads) / float64(c.Reads)
}

// IsZero reports whether no operations have been recorded.
func (c UsageCounts) IsZero() bool {
	return c.Reads == 0 && c.Writes == 0 && c.Deletes == 0 && c.CachedReads == 0
}

// Add returns the element-wise sum of two counter sets.
func (c UsageCounts) Add(other UsageCounts) UsageCounts {
	return UsageCounts{
		Reads:       c.Reads + other.Reads,
		Writes:      c.Writes + other.Writes,
		Deletes:     c.Deletes + other.Deletes,
		CachedReads: c.CachedReads + other.CachedReads,
	}
}

// UsageSnapshot is a point-in-time copy of a tracker's per-collection
// counters. Fields should be treated as immutable after creation.
type UsageSnapshot struct {
	Timestamp   time.Time              `json:"timestamp"`
	Collections map[string]UsageCounts `json:"collections"`
	Totals      UsageCounts            `json:"totals"`
}

// NewUsageSnapshot builds a snapshot from per-collection counters and
// computes the aggregate totals.
func NewUsageSnapshot(collections map[string]UsageCounts) UsageSnapshot {
	snap := UsageSnapshot{
		Timestamp:   time.Now(),
		Collections: make(map[string]UsageCounts, len(collections)),
	}
	for name, counts := range collections {
		snap.Collections[name] = counts
		snap.Totals = snap.Totals.Add(counts)
	}
	return snap
}

// MergeSnapshots combines two snapshots (e.g. from two service instances).
// Complexity: O(n) in the number of distinct collections.
func MergeSnapshots(a, b UsageSnapshot) UsageSnapshot {
	merged := make(map[string]UsageCounts, len(a.Collections)+len(b.Collections))
	for name, counts := range a.Collections {
		merged[name] = counts
	}
	for name, counts := range b.Collections {
		merged[name] = merged[name].Add(counts)
	}
	return NewUsageSnapshot(merged)
}

// ToMetricsFormat converts a snapshot to a flat metric_name -> value map
// suitable for export to a metrics backend. Per-collection counters are
// labeled by suffixing the collection name.
func ToMetricsFormat(snapshot UsageSnapshot, prefix string) map[string]float64 {
	metrics := make(map[string]float64, 5*(len(snapshot.Collections)+1))

	metrics[fmt.Sprintf("%s_reads_total", prefix)] = float64(snapshot.Totals.Reads)
	metrics[fmt.Sprintf("%s_writes_total", prefix)] = float64(snapshot.Totals.Writes)
	metrics[fmt.Sprintf("%s_deletes_total", prefix)] = float64(snapshot.Totals.Deletes)
	metrics[fmt.Sprintf("%s_cached_reads_total", prefix)] = float64(snapshot.Totals.CachedReads)
	metrics[fmt.Sprintf("%s_cache_savings_rate", prefix)] = snapshot.Totals.CacheSavingsRate()

	for name, counts := range snapshot.Collections {
		metrics[fmt.Sprintf("%s_reads_total{collection=%q}", prefix, name)] = float64(counts.Reads)
		metrics[fmt.Sprintf("%s_writes_total{collection=%q}", prefix, name)] = float64(counts.Writes)
		metrics[fmt.Sprintf("%s_deletes_total{collection=%q}", prefix, name)] = float64(counts.Deletes)
		metrics[fmt.Sprintf("%s_cached_reads_total{collection=%q}", prefix, name)] = float64(counts.CachedReads)
	}

	return metrics
}
