package usage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// BudgetWatcher evaluates usage budgets against the tracker on a fixed
// interval and maintains an active alert registry with automatic resolution
// when consumption drops back under budget.
//
// Budgets are observability only. A breached budget raises an alert; it
// never blocks or throttles operations.
type BudgetWatcher struct {
	tracker *Tracker
	rules   []BudgetRule

	mu             sync.RWMutex
	activeAlerts   map[string]*BudgetAlert
	resolvedAlerts []BudgetAlert
	lastSnapshot   models.UsageSnapshot

	stats BudgetWatcherStats

	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// BudgetWatcherStats tracks watcher counters.
type BudgetWatcherStats struct {
	TotalTriggered atomic.Int64
	TotalResolved  atomic.Int64
}

// BudgetAlert represents an active or resolved budget breach.
type BudgetAlert struct {
	ID           string     `json:"id"`
	Rule         string     `json:"rule"`
	Collection   string     `json:"collection"`
	Metric       string     `json:"metric"`
	CurrentValue int64      `json:"current_value"`
	Budget       int64      `json:"budget"`
	Severity     string     `json:"severity"`
	Message      string     `json:"message"`
	TriggeredAt  time.Time  `json:"triggered_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Resolved     bool       `json:"resolved"`
}

// BudgetRule defines a condition evaluated against per-window usage deltas.
// Evaluate returns one alert per breaching collection, or nil when the
// budget holds.
type BudgetRule interface {
	ID() string
	Evaluate(delta models.UsageSnapshot) []*BudgetAlert
}

// NewBudgetWatcher creates a watcher over the tracker with the given rules
// and evaluation interval. Use 0 for the default interval (10s).
func NewBudgetWatcher(tracker *Tracker, rules []BudgetRule, interval time.Duration) *BudgetWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BudgetWatcher{
		tracker:        tracker,
		rules:          rules,
		activeAlerts:   make(map[string]*BudgetAlert),
		resolvedAlerts: make([]BudgetAlert, 0),
		lastSnapshot:   tracker.Snapshot(),
		interval:       interval,
		stopChan:       make(chan struct{}),
	}
}

// Run starts the evaluation loop. Blocks until Stop.
func (w *BudgetWatcher) Run() {
	w.wg.Add(1)
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.Evaluate()
		}
	}
}

// Evaluate runs all rules against the usage delta since the previous
// evaluation. Exported so tests and manual endpoints can drive the watcher
// without the ticker.
func (w *BudgetWatcher) Evaluate() {
	current := w.tracker.Snapshot()

	w.mu.Lock()
	delta := snapshotDelta(w.lastSnapshot, current)
	w.lastSnapshot = current
	w.mu.Unlock()

	breached := make(map[string]bool)
	for _, rule := range w.rules {
		for _, alert := range rule.Evaluate(delta) {
			breached[alert.ID] = true
			w.triggerAlert(alert)
		}
	}

	// Resolve alerts whose condition no longer holds.
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.activeAlerts {
		if !breached[id] {
			w.resolveAlertLocked(id)
		}
	}
}

// snapshotDelta computes per-collection consumption between two snapshots.
// The tracker is monotonic between resets; a reset makes counters go
// backward, in which case the delta for that collection is the new value.
func snapshotDelta(prev, current models.UsageSnapshot) models.UsageSnapshot {
	delta := make(map[string]models.UsageCounts, len(current.Collections))
	for name, now := range current.Collections {
		before := prev.Collections[name]
		d := models.UsageCounts{
			Reads:       now.Reads - before.Reads,
			Writes:      now.Writes - before.Writes,
			Deletes:     now.Deletes - before.Deletes,
			CachedReads: now.CachedReads - before.CachedReads,
		}
		if d.Reads < 0 || d.Writes < 0 || d.Deletes < 0 {
			d = now
		}
		delta[name] = d
	}
	return models.NewUsageSnapshot(delta)
}

func (w *BudgetWatcher) triggerAlert(alert *BudgetAlert) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, exists := w.activeAlerts[alert.ID]
	if exists {
		existing.CurrentValue = alert.CurrentValue
		existing.Message = alert.Message
		existing.Severity = alert.Severity
		return
	}

	alert.TriggeredAt = time.Now()
	w.activeAlerts[alert.ID] = alert
	w.stats.TotalTriggered.Add(1)
}

// resolveAlertLocked must be called with w.mu held.
func (w *BudgetWatcher) resolveAlertLocked(alertID string) {
	alert, exists := w.activeAlerts[alertID]
	if !exists {
		return
	}

	now := time.Now()
	alert.ResolvedAt = &now
	alert.Resolved = true

	w.resolvedAlerts = append(w.resolvedAlerts, *alert)
	delete(w.activeAlerts, alertID)
	w.stats.TotalResolved.Add(1)

	// Keep only the last 100 resolved alerts.
	if len(w.resolvedAlerts) > 100 {
		w.resolvedAlerts = w.resolvedAlerts[len(w.resolvedAlerts)-100:]
	}
}

// ActiveAlerts returns all currently active alerts.
func (w *BudgetWatcher) ActiveAlerts() []BudgetAlert {
	w.mu.RLock()
	defer w.mu.RUnlock()

	alerts := make([]BudgetAlert, 0, len(w.activeAlerts))
	for _, alert := range w.activeAlerts {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// RecentResolvedAlerts returns the n most recently resolved alerts.
func (w *BudgetWatcher) RecentResolvedAlerts(n int) []BudgetAlert {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n > len(w.resolvedAlerts) {
		n = len(w.resolvedAlerts)
	}
	result := make([]BudgetAlert, n)
	for i := 0; i < n; i++ {
		result[i] = w.resolvedAlerts[len(w.resolvedAlerts)-1-i]
	}
	return result
}

// Stats returns watcher counters.
func (w *BudgetWatcher) Stats() (triggered, resolved int64, active int) {
	w.mu.RLock()
	active = len(w.activeAlerts)
	w.mu.RUnlock()
	return w.stats.TotalTriggered.Load(), w.stats.TotalResolved.Load(), active
}

// Stop halts the evaluation loop and waits for it to exit.
func (w *BudgetWatcher) Stop() {
	close(w.stopChan)
	w.wg.Wait()
}

// Concrete budget rules

// ReadBudgetRule triggers when a collection's billable (non-cached) reads
// within one evaluation window exceed the budget. The collection pattern
// supports wildcards ("orders", "user_*", "*").
type ReadBudgetRule struct {
	id      string
	pattern string
	budget  int64
}

func NewReadBudgetRule(pattern string, budget int64) *ReadBudgetRule {
	return &ReadBudgetRule{
		id:      fmt.Sprintf("read_budget:%s", pattern),
		pattern: pattern,
		budget:  budget,
	}
}

func (r *ReadBudgetRule) ID() string { return r.id }

func (r *ReadBudgetRule) Evaluate(delta models.UsageSnapshot) []*BudgetAlert {
	var alerts []*BudgetAlert
	for name, counts := range delta.Collections {
		matched, err := utils.MatchPattern(r.pattern, name)
		if err != nil || !matched {
			continue
		}
		billable := counts.BillableReads()
		if billable <= r.budget {
			continue
		}

		severity := "warning"
		if billable > r.budget*2 {
			severity = "critical"
		}
		alerts = append(alerts, &BudgetAlert{
			ID:           fmt.Sprintf("%s:%s", r.id, name),
			Rule:         r.id,
			Collection:   name,
			Metric:       "billable_reads",
			CurrentValue: billable,
			Budget:       r.budget,
			Severity:     severity,
			Message:      fmt.Sprintf("collection %s used %d billable reads this window, budget %d", name, billable, r.budget),
		})
	}
	return alerts
}

// WriteBudgetRule triggers when a collection's writes plus deletes within
// one evaluation window exceed the budget.
type WriteBudgetRule struct {
	id      string
	pattern string
	budget  int64
}

func NewWriteBudgetRule(pattern string, budget int64) *WriteBudgetRule {
	return &WriteBudgetRule{
		id:      fmt.Sprintf("write_budget:%s", pattern),
		pattern: pattern,
		budget:  budget,
	}
}

func (r *WriteBudgetRule) ID() string { return r.id }

func (r *WriteBudgetRule) Evaluate(delta models.UsageSnapshot) []*BudgetAlert {
	var alerts []*BudgetAlert
	for name, counts := range delta.Collections {
		matched, err := utils.MatchPattern(r.pattern, name)
		if err != nil || !matched {
			continue
		}
		mutations := counts.Writes + counts.Deletes
		if mutations <= r.budget {
			continue
		}

		severity := "warning"
		if mutations > r.budget*2 {
			severity = "critical"
		}
		alerts = append(alerts, &BudgetAlert{
			ID:           fmt.Sprintf("%s:%s", r.id, name),
			Rule:         r.id,
			Collection:   name,
			Metric:       "mutations",
			CurrentValue: mutations,
			Budget:       r.budget,
			Severity:     severity,
			Message:      fmt.Sprintf("collection %s performed %d mutations this window, budget %d", name, mutations, r.budget),
		})
	}
	return alerts
}

// LowSavingsRule triggers when deduplication stops paying for itself: read
// volume is substantial but almost nothing is served from coalescing.
type LowSavingsRule struct {
	id        string
	minReads  int64
	threshold float64
}

func NewLowSavingsRule(minReads int64, threshold float64) *LowSavingsRule {
	return &LowSavingsRule{
		id:        "low_savings",
		minReads:  minReads,
		threshold: threshold,
	}
}

func (r *LowSavingsRule) ID() string { return r.id }

func (r *LowSavingsRule) Evaluate(delta models.UsageSnapshot) []*BudgetAlert {
	totals := delta.Totals
	if totals.Reads < r.minReads {
		return nil
	}
	rate := totals.CacheSavingsRate()
	if rate >= r.threshold {
		return nil
	}

	return []*BudgetAlert{{
		ID:           r.id,
		Rule:         r.id,
		Collection:   "*",
		Metric:       "cache_savings_rate",
		CurrentValue: totals.CachedReads,
		Budget:       r.minReads,
		Severity:     "warning",
		Message:      fmt.Sprintf("cache savings rate %.2f%% below %.2f%% across %d reads", rate*100, r.threshold*100, totals.Reads),
	}}
}
