// Package usage provides consumption accounting for the query coordination
// layer: per-collection operation counters, budget alerts, coalescing
// telemetry, and a persistent usage archive.
//
// Design Philosophy:
// - Tracking is passive observability; it never gates or throttles callers
// - Counters live in memory for cheap reads, with periodic archival to
//   Postgres for history across restarts
// - Coalescing telemetry arrives via Pub/Sub from query-dedup, so the
//   tracker's billing counters and the dedup effectiveness view stay
//   independently correct
//
// Consistency Model:
// - In-memory counters are exact for this instance's lifetime
// - The archive is eventually consistent: flushes run on a cron cadence and
//   record window deltas, not absolute counters
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/pkg/middleware"
	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

//encore:service
type Service struct {
	tracker   *Tracker
	collector *QueryStatsCollector
	watcher   *BudgetWatcher
	archiver  ArchiverInterface
	config    Config

	// Flush bookkeeping: the archive stores window deltas, so each flush
	// remembers the counters it has already persisted.
	flushMu   sync.Mutex
	lastFlush models.UsageSnapshot
}

// ArchiverInterface defines the persistence operations the service needs.
type ArchiverInterface interface {
	Flush(ctx context.Context, snapshot models.UsageSnapshot, requestID string) (int, error)
	GetRecent(ctx context.Context, limit, offset int, collection string) ([]ArchiveRow, error)
	TotalsSince(ctx context.Context, since time.Time) (map[string]models.UsageCounts, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config holds usage service configuration.
type Config struct {
	BudgetInterval   time.Duration // Budget evaluation cadence
	ReadBudget       int64         // Billable reads per collection per window
	WriteBudget      int64         // Mutations per collection per window
	ArchiveRetention time.Duration // How long archived rows are kept
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BudgetInterval:   10 * time.Second,
		ReadBudget:       5000,
		WriteBudget:      1000,
		ArchiveRetention: 30 * 24 * time.Hour,
	}
}

// Database for the usage archive
var db = sqldb.Named("usage_db")

// Global service instance
var svc *Service

func initService() (*Service, error) {
	config := DefaultConfig()

	archiver, err := NewArchiver(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize usage archiver: %w", err)
	}

	tracker := NewTracker()
	rules := []BudgetRule{
		NewReadBudgetRule("*", config.ReadBudget),
		NewWriteBudgetRule("*", config.WriteBudget),
		NewLowSavingsRule(1000, 0.10),
	}

	s := &Service{
		tracker:   tracker,
		collector: NewQueryStatsCollector(),
		watcher:   NewBudgetWatcher(tracker, rules, config.BudgetInterval),
		archiver:  archiver,
		config:    config,
	}
	s.lastFlush = tracker.Snapshot()

	go s.watcher.Run()

	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize usage service: %v", err))
	}
}

// Tracker returns the usage tracker for in-process callers (the docstore
// repositories report operations here directly).
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Request and response types

type SummaryResponse struct {
	Timestamp        time.Time                     `json:"timestamp"`
	Totals           models.UsageCounts            `json:"totals"`
	BillableReads    int64                         `json:"billable_reads"`
	CacheSavingsRate float64                       `json:"cache_savings_rate"`
	Collections      map[string]models.UsageCounts `json:"collections"`
}

type CollectionUsageRequest struct {
	Pattern string `json:"pattern"` // Wildcard pattern ("orders", "user_*", "*")
}

type CollectionUsageResponse struct {
	Pattern     string                        `json:"pattern"`
	Collections map[string]models.UsageCounts `json:"collections"`
	QueryStats  map[string]QueryStats         `json:"query_stats"`
}

type BudgetAlertsResponse struct {
	ActiveAlerts   []BudgetAlert `json:"active_alerts"`
	RecentAlerts   []BudgetAlert `json:"recent_alerts"`
	TotalTriggered int64         `json:"total_triggered"`
	TotalResolved  int64         `json:"total_resolved"`
}

type ResetResponse struct {
	Success        bool               `json:"success"`
	PreviousTotals models.UsageCounts `json:"previous_totals"`
}

type ArchiveQueryRequest struct {
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	Collection string `json:"collection,omitempty"`
}

type ArchiveQueryResponse struct {
	Rows    []ArchiveRow `json:"rows"`
	HasMore bool         `json:"has_more"`
}

// GetSummary returns the current usage snapshot with aggregate totals.
//
//encore:api public method=GET path=/usage/summary
func GetSummary(ctx context.Context) (*SummaryResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetSummary(ctx)
}

func (s *Service) GetSummary(ctx context.Context) (*SummaryResponse, error) {
	snapshot := s.tracker.Snapshot()
	return &SummaryResponse{
		Timestamp:        snapshot.Timestamp,
		Totals:           snapshot.Totals,
		BillableReads:    snapshot.Totals.BillableReads(),
		CacheSavingsRate: snapshot.Totals.CacheSavingsRate(),
		Collections:      snapshot.Collections,
	}, nil
}

// GetCollectionUsage returns usage counters and coalescing telemetry for
// collections matching a wildcard pattern.
//
//encore:api public method=POST path=/usage/collections
func GetCollectionUsage(ctx context.Context, req *CollectionUsageRequest) (*CollectionUsageResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetCollectionUsage(ctx, req)
}

func (s *Service) GetCollectionUsage(ctx context.Context, req *CollectionUsageRequest) (*CollectionUsageResponse, error) {
	if req.Pattern == "" {
		return nil, errors.New("pattern cannot be empty")
	}

	snapshot := s.tracker.Snapshot()
	matched := make(map[string]models.UsageCounts)
	for _, name := range utils.FilterCollections(s.tracker.Collections(), req.Pattern) {
		matched[name] = snapshot.Collections[name]
	}

	stats := make(map[string]QueryStats)
	for _, name := range utils.FilterCollections(s.collector.Collections(), req.Pattern) {
		if st, ok := s.collector.Stats(name); ok {
			stats[name] = st
		}
	}

	return &CollectionUsageResponse{
		Pattern:     req.Pattern,
		Collections: matched,
		QueryStats:  stats,
	}, nil
}

// GetBudgetAlerts returns active and recently resolved budget alerts.
//
//encore:api public method=GET path=/usage/budget/alerts
func GetBudgetAlerts(ctx context.Context) (*BudgetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetBudgetAlerts(ctx)
}

func (s *Service) GetBudgetAlerts(ctx context.Context) (*BudgetAlertsResponse, error) {
	triggered, resolved, _ := s.watcher.Stats()
	return &BudgetAlertsResponse{
		ActiveAlerts:   s.watcher.ActiveAlerts(),
		RecentAlerts:   s.watcher.RecentResolvedAlerts(10),
		TotalTriggered: triggered,
		TotalResolved:  resolved,
	}, nil
}

// ResetUsage drops all in-memory counters. Archived history is unaffected.
// Intended for session boundaries (e.g. a new billing window), not routine
// use; counters are monotonic between resets.
//
//encore:api public method=POST path=/usage/reset
func ResetUsage(ctx context.Context) (*ResetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.ResetUsage(ctx)
}

func (s *Service) ResetUsage(ctx context.Context) (*ResetResponse, error) {
	previous := s.tracker.Totals()
	s.tracker.Reset()

	// The flush baseline must follow the reset, or the next flush would
	// compute a negative delta.
	s.flushMu.Lock()
	s.lastFlush = s.tracker.Snapshot()
	s.flushMu.Unlock()

	return &ResetResponse{Success: true, PreviousTotals: previous}, nil
}

// GetArchive retrieves persisted usage history with pagination.
//
//encore:api public method=POST path=/usage/archive
func GetArchive(ctx context.Context, req *ArchiveQueryRequest) (*ArchiveQueryResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetArchive(ctx, req)
}

func (s *Service) GetArchive(ctx context.Context, req *ArchiveQueryRequest) (*ArchiveQueryResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	rows, err := s.archiver.GetRecent(ctx, req.Limit+1, req.Offset, req.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch usage archive: %w", err)
	}

	hasMore := len(rows) > req.Limit
	if hasMore {
		rows = rows[:req.Limit]
	}

	return &ArchiveQueryResponse{Rows: rows, HasMore: hasMore}, nil
}

// flushToArchive persists the usage consumed since the previous flush.
func (s *Service) flushToArchive(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	current := s.tracker.Snapshot()
	delta := snapshotDelta(s.lastFlush, current)
	if delta.Totals.IsZero() {
		return 0, nil
	}

	written, err := s.archiver.Flush(ctx, delta, middleware.NewRequestID())
	if err != nil {
		return written, err
	}
	s.lastFlush = current
	return written, nil
}
