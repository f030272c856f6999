// Package querydedup implements the client-side query coordination layer in
// front of the remote document store: an in-flight request deduplication
// cache keyed by logical query shape, with a time-windowed backstop sweep.
//
// Design Choices:
// - Keys are canonical serializations of query descriptors with per-component
//   escaping, so arbitrary filter signatures can never collide across field
//   boundaries.
// - Coalescing uses an atomic get-or-insert over a mutex-guarded map; the
//   single-threaded check-then-add pattern this layer descends from is not
//   race-free on goroutines.
// - Completion removes the pending entry on every exit path; the sweep timer
//   only exists to catch leaked entries, not as a fetch timeout.
// - The layer is a best-effort optimization: its worst failure mode is a
//   redundant backend call, never data corruption, since the document store
//   remains the source of truth.
//
// Performance Characteristics:
// - Key generation: O(n) in descriptor length, two passes per component
// - GetOrAdd/Remove: O(1) under one uncontended mutex
// - Sweep: O(n) in pending entries, normally n is near zero
package querydedup

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/pkg/models"
)

// Service wires the pending manager, coalescer, and sweep timer together
// and publishes completion events for usage accounting.
//
//encore:service
type Service struct {
	manager   *PendingQueryManager
	coalescer *QueryCoalescer
	sweeper   *SweepTimer
	config    Config

	metrics serviceMetrics
}

// Config holds runtime configuration for the query coordination service.
type Config struct {
	DedupWindow   time.Duration // Pending entry expiry window
	SweepInterval time.Duration // Backstop sweep cadence
	PublishEvents bool          // Whether to publish query-completed events
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DedupWindow:   DefaultDedupWindow,
		SweepInterval: DefaultSweepInterval,
		PublishEvents: true,
	}
}

// serviceMetrics tracks coordination counters beyond the coalescer's own.
type serviceMetrics struct {
	Swept    atomic.Int64
	Failures atomic.Int64
}

// Request and response types for API endpoints.

type StatsResponse struct {
	Pending     int     `json:"pending"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Swept       int64   `json:"swept"`
	Failures    int64   `json:"failures"`
	SweepActive bool    `json:"sweep_active"`
}

type CleanupResponse struct {
	Removed int `json:"removed"`
}

type ClearRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ClearResponse struct {
	Success bool `json:"success"`
}

var (
	// Global service instance (initialized by initService)
	svc  *Service
	once sync.Once
)

// initService initializes the query coordination service with default
// configuration. Called automatically by Encore at startup.
func initService() (*Service, error) {
	once.Do(func() {
		svc = New(DefaultConfig())
		svc.sweeper.Start()
	})
	return svc, nil
}

// New constructs a fully wired, unstarted service instance. Exported so
// composition roots and tests can own their own instance instead of the
// process-wide singleton.
func New(config Config) *Service {
	manager := NewPendingQueryManager(config.DedupWindow)
	s := &Service{
		manager:   manager,
		coalescer: NewQueryCoalescer(manager),
		config:    config,
	}
	s.sweeper = NewSweepTimer(config.SweepInterval, func() {
		s.metrics.Swept.Add(int64(manager.Cleanup()))
	})
	return s
}

// Coalescer returns the deduplication coordinator for in-process callers
// (the docstore repositories).
func (s *Service) Coalescer() *QueryCoalescer {
	return s.coalescer
}

// Manager returns the pending query manager.
func (s *Service) Manager() *PendingQueryManager {
	return s.manager
}

// Sweeper returns the backstop sweep timer.
func (s *Service) Sweeper() *SweepTimer {
	return s.sweeper
}

// Deduplicate runs fetch at most once concurrently for the descriptor's
// canonical key and reports the completion for usage accounting. All
// concurrent callers with an equal descriptor receive the single outcome.
//
// Fetch errors are returned verbatim; the coordination layer never wraps
// them. The shared return reports whether this caller joined a fetch
// started by another caller.
func (s *Service) Deduplicate(ctx context.Context, q models.QueryKey, fetch func(ctx context.Context) (interface{}, error)) (v interface{}, err error, shared bool) {
	key := GenerateKey(q)
	start := time.Now()

	var waiters int64
	v, err, shared, waiters = s.coalescer.execute(key, func() (interface{}, error) {
		return fetch(ctx)
	})

	if err != nil {
		s.metrics.Failures.Add(1)
	}

	// Only the executing caller reports, so every completion publishes
	// exactly once.
	if !shared && s.config.PublishEvents {
		s.publishCompleted(ctx, q.Collection, key, v, err, waiters, time.Since(start))
	}

	return v, err, shared
}

// readUnits derives the billable read count from a fetch result: the number
// of documents for slice results, one read unit otherwise, zero for errors.
func readUnits(v interface{}, err error) int64 {
	if err != nil || v == nil {
		return 0
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice {
		return int64(rv.Len())
	}
	return 1
}

// Stats returns coordination counters.
//
//encore:api public method=GET path=/api/query-dedup/stats
func Stats(ctx context.Context) (*StatsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Stats(ctx)
}

func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	hits, misses := s.coalescer.Stats()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return &StatsResponse{
		Pending:     s.manager.Size(),
		Hits:        hits,
		Misses:      misses,
		HitRate:     hitRate,
		Swept:       s.metrics.Swept.Load(),
		Failures:    s.metrics.Failures.Load(),
		SweepActive: s.sweeper.IsRunning(),
	}, nil
}

// Cleanup runs one manual backstop sweep.
//
//encore:api public method=POST path=/api/query-dedup/cleanup
func Cleanup(ctx context.Context) (*CleanupResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.RunCleanup(ctx)
}

func (s *Service) RunCleanup(ctx context.Context) (*CleanupResponse, error) {
	removed := s.manager.Cleanup()
	s.metrics.Swept.Add(int64(removed))
	return &CleanupResponse{Removed: removed}, nil
}

// Clear drops all pending state locally and broadcasts the clear to every
// other instance.
//
//encore:api public method=POST path=/api/query-dedup/clear
func Clear(ctx context.Context, req *ClearRequest) (*ClearResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Clear(ctx, req)
}

func (s *Service) Clear(ctx context.Context, req *ClearRequest) (*ClearResponse, error) {
	s.manager.Clear()

	if err := s.PublishClear(ctx, req.Reason); err != nil {
		// Local state is already cleared; the broadcast is best-effort.
		return &ClearResponse{Success: false}, err
	}
	return &ClearResponse{Success: true}, nil
}

// Shutdown stops the background sweep.
func (s *Service) Shutdown() {
	s.sweeper.Destroy()
}
