// Package docstore is the caller side of the query coordination layer: typed
// repositories over an opaque remote document store, with reads deduplicated
// through the coalescer and every completed operation reported to the usage
// tracker.
//
// The remote store is the source of truth and is treated as a black box
// behind the Store interface. Production wiring plugs the real backend SDK
// in; tests use in-memory doubles.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist. Callers branch on
// it, so implementations must return it unwrapped or wrapped with %w.
var ErrNotFound = errors.New("docstore: document not found")

// Document is one record in a collection.
type Document struct {
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ChangeType classifies a change feed entry.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one entry on a collection's change feed.
type Change struct {
	Type       ChangeType `json:"type"`
	Collection string     `json:"collection"`
	Doc        Document   `json:"doc"`
}

// WriteOp is one element of a batched mutation.
type WriteOp struct {
	ID     string                 `json:"id"`
	Data   map[string]interface{} `json:"data,omitempty"` // nil for deletes
	Delete bool                   `json:"delete"`
}

// Store is the remote document store. All methods go over the network and
// honor context cancellation.
//
// Query receives the raw filter signature and ordering; their interpretation
// belongs entirely to the backend. The coordination layer never parses them.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, collection, filters string, limit *int, orderBy string) ([]Document, error)
	Set(ctx context.Context, collection, id string, data map[string]interface{}) error
	Delete(ctx context.Context, collection, id string) error
	Listen(ctx context.Context, collection string) (<-chan Change, error)
}
