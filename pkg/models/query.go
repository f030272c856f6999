// Package models defines shared data types for the query coordination layer:
// query descriptors consumed by the deduplication services and usage counter
// snapshots produced by the quota tracker.
//
// Design Notes:
//   - Plain structs with exported fields for zero-cost access in hot paths
//   - No Encore dependencies so pkg/ stays reusable across services
//   - QueryKey is a value type; copies are cheap and safe to share
package models

import (
	"fmt"
	"strconv"
)

// QueryKey describes the logical shape of a document-store query. Two
// descriptors with identical field values represent the same logical query
// and must map to the same canonical key string.
//
// Filters is an opaque signature produced by the caller; it already encodes
// the full predicate state and is treated as an arbitrary string (it may
// contain any characters, including key delimiters).
type QueryKey struct {
	// Collection is the logical collection/table name. Required, non-empty
	// for well-formed queries, but never validated by the coordination layer.
	Collection string `json:"collection"`

	// Filters is the caller-produced predicate signature. May be empty.
	Filters string `json:"filters"`

	// Limit is the optional page size bound. Nil means unbounded.
	Limit *int `json:"limit,omitempty"`

	// OrderBy is the optional ordering descriptor (e.g. "createdAt desc").
	// Empty means unordered.
	OrderBy string `json:"order_by,omitempty"`
}

// WithLimit returns a copy of the descriptor with the given page size bound.
func (q QueryKey) WithLimit(n int) QueryKey {
	q.Limit = &n
	return q
}

// Equal reports whether two descriptors describe the same logical query.
func (q QueryKey) Equal(other QueryKey) bool {
	if q.Collection != other.Collection || q.Filters != other.Filters || q.OrderBy != other.OrderBy {
		return false
	}
	if (q.Limit == nil) != (other.Limit == nil) {
		return false
	}
	return q.Limit == nil || *q.Limit == *other.Limit
}

// String renders a human-readable form for logs and error messages.
// This is NOT the canonical cache key; use the key generator for that.
func (q QueryKey) String() string {
	limit := "-"
	if q.Limit != nil {
		limit = strconv.Itoa(*q.Limit)
	}
	return fmt.Sprintf("%s{filters=%q limit=%s orderBy=%q}", q.Collection, q.Filters, limit, q.OrderBy)
}
