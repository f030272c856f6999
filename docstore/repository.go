package docstore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"encore.app/pkg/middleware"
	"encore.app/pkg/models"
)

// QueryRunner deduplicates equal concurrent queries. Implemented by the
// query-dedup coalescer; tests substitute a passthrough.
type QueryRunner interface {
	Do(q models.QueryKey, fetch func() (interface{}, error)) (v interface{}, err error, shared bool)
}

// UsageRecorder receives completed-operation counts. Implemented by the
// usage tracker.
type UsageRecorder interface {
	TrackRead(collection string, n int64, cached bool)
	TrackWrite(collection string, n int64)
	TrackDelete(collection string, n int64)
}

// RepoConfig holds per-repository tuning.
type RepoConfig struct {
	RateLimit     rate.Limit // Backend requests per second
	RateBurst     int        // Burst allowance
	BatchParallel int        // Concurrent ops per BatchWrite
}

// DefaultRepoConfig returns sensible defaults.
func DefaultRepoConfig() RepoConfig {
	return RepoConfig{
		RateLimit:     100,
		RateBurst:     20,
		BatchParallel: 8,
	}
}

// CollectionRepo is a typed accessor for one collection. Reads run through
// the deduplication coordinator; the rate limiter guards every call that
// actually reaches the backend (coalesced reads skip it, they consume no
// backend capacity).
//
// Usage accounting happens only after an operation completes: a failed
// backend call is never billed.
type CollectionRepo struct {
	collection string
	store      Store
	coalescer  QueryRunner
	tracker    UsageRecorder
	limiter    *rate.Limiter
	config     RepoConfig
}

// NewCollectionRepo creates a repository over the given collection.
// Coalescer and tracker are injected; pass nil tracker to disable usage
// accounting (coalescer is required).
func NewCollectionRepo(collection string, store Store, coalescer QueryRunner, tracker UsageRecorder, config RepoConfig) *CollectionRepo {
	if config.RateLimit <= 0 {
		config = DefaultRepoConfig()
	}
	if config.BatchParallel <= 0 {
		config.BatchParallel = DefaultRepoConfig().BatchParallel
	}
	return &CollectionRepo{
		collection: collection,
		store:      store,
		coalescer:  coalescer,
		tracker:    tracker,
		limiter:    rate.NewLimiter(config.RateLimit, config.RateBurst),
		config:     config,
	}
}

// Collection returns the collection name this repository serves.
func (r *CollectionRepo) Collection() string {
	return r.collection
}

// GetByID fetches one document directly. Point reads are not deduplicated:
// they are cheap, and their callers expect read-your-writes freshness.
func (r *CollectionRepo) GetByID(ctx context.Context, id string) (*Document, error) {
	ctx = ensureRequestID(ctx)

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	doc, err := r.store.Get(ctx, r.collection, id)
	if err != nil {
		return nil, err
	}

	r.trackRead(1, false)
	return doc, nil
}

// Query runs a filtered query through the deduplication coordinator.
// Concurrent equal queries (same filters, limit, ordering) share one backend
// call; joined callers have their results attributed as cached reads.
//
// Backend errors propagate verbatim to every caller.
func (r *CollectionRepo) Query(ctx context.Context, filters string, limit *int, orderBy string) ([]Document, error) {
	ctx = ensureRequestID(ctx)

	q := models.QueryKey{
		Collection: r.collection,
		Filters:    filters,
		Limit:      limit,
		OrderBy:    orderBy,
	}

	v, err, shared := r.coalescer.Do(q, func() (interface{}, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
		return r.store.Query(ctx, r.collection, filters, limit, orderBy)
	})
	if err != nil {
		return nil, err
	}

	docs, ok := v.([]Document)
	if !ok {
		return nil, fmt.Errorf("unexpected query result type %T", v)
	}

	r.trackRead(int64(len(docs)), shared)
	return docs, nil
}

// Set writes one document.
func (r *CollectionRepo) Set(ctx context.Context, id string, data map[string]interface{}) error {
	ctx = ensureRequestID(ctx)

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if err := r.store.Set(ctx, r.collection, id, data); err != nil {
		return err
	}

	r.trackWrite(1)
	return nil
}

// Delete removes one document. Deleting an absent document is not an error.
func (r *CollectionRepo) Delete(ctx context.Context, id string) error {
	ctx = ensureRequestID(ctx)

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if err := r.store.Delete(ctx, r.collection, id); err != nil {
		return err
	}

	r.trackDelete(1)
	return nil
}

// BatchWrite applies a set of mutations with bounded parallelism. The batch
// is not transactional: on error some ops may have been applied, and only
// the applied ones are billed.
func (r *CollectionRepo) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	ctx = ensureRequestID(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.BatchParallel)

	for _, op := range ops {
		op := op
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
			if op.Delete {
				if err := r.store.Delete(gctx, r.collection, op.ID); err != nil {
					return fmt.Errorf("delete %s: %w", op.ID, err)
				}
				r.trackDelete(1)
				return nil
			}
			if err := r.store.Set(gctx, r.collection, op.ID, op.Data); err != nil {
				return fmt.Errorf("set %s: %w", op.ID, err)
			}
			r.trackWrite(1)
			return nil
		})
	}

	return g.Wait()
}

// Listen subscribes to the collection's change feed. Every delivered change
// is billed as one read (the backend sent the document). The returned
// channel closes when the feed ends or ctx is cancelled.
func (r *CollectionRepo) Listen(ctx context.Context) (<-chan Change, error) {
	ctx = ensureRequestID(ctx)

	feed, err := r.store.Listen(ctx, r.collection)
	if err != nil {
		return nil, err
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		for change := range feed {
			r.trackRead(1, false)
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *CollectionRepo) trackRead(n int64, cached bool) {
	if r.tracker != nil {
		r.tracker.TrackRead(r.collection, n, cached)
	}
}

func (r *CollectionRepo) trackWrite(n int64) {
	if r.tracker != nil {
		r.tracker.TrackWrite(r.collection, n)
	}
}

func (r *CollectionRepo) trackDelete(n int64) {
	if r.tracker != nil {
		r.tracker.TrackDelete(r.collection, n)
	}
}

// ensureRequestID attaches a correlation ID when the caller did not provide
// one.
func ensureRequestID(ctx context.Context) context.Context {
	if middleware.RequestIDFromCtx(ctx) != "" {
		return ctx
	}
	return middleware.WithRequestID(ctx, middleware.NewRequestID())
}

// Repos is a registry of repositories sharing one store, coalescer, and
// tracker. Repositories are created lazily per collection; each collection
// gets its own rate limiter.
type Repos struct {
	store     Store
	coalescer QueryRunner
	tracker   UsageRecorder
	config    RepoConfig

	mu    sync.Mutex
	repos map[string]*CollectionRepo
}

// NewRepos creates a registry.
func NewRepos(store Store, coalescer QueryRunner, tracker UsageRecorder, config RepoConfig) *Repos {
	return &Repos{
		store:     store,
		coalescer: coalescer,
		tracker:   tracker,
		config:    config,
		repos:     make(map[string]*CollectionRepo),
	}
}

// Collection returns the repository for the named collection, creating it
// on first use.
func (rs *Repos) Collection(name string) *CollectionRepo {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if repo, exists := rs.repos[name]; exists {
		return repo
	}
	repo := NewCollectionRepo(name, rs.store, rs.coalescer, rs.tracker, rs.config)
	rs.repos[name] = repo
	return repo
}
