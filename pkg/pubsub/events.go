package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)
// - Consumers should check Version and handle appropriately

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// QueryCompletedEvent reports one deduplicated query completion.
// This event is published to TopicQueryCompleted.
//
// KeyHash identifies the query without leaking raw filter contents.
// Coalesced means this completion was shared by multiple callers; the
// usage service counts the extra joins as cached reads. Failed completions
// still publish so error volume stays observable.
type QueryCompletedEvent struct {
	// Version of the event schema (for backward compatibility)
	Version int `json:"version"`

	// Service that executed the query (e.g. "query-dedup")
	Service string `json:"service"`

	// Collection is the logical collection the query targeted
	Collection string `json:"collection"`

	// KeyHash is the FNV digest of the canonical query key
	KeyHash string `json:"key_hash"`

	// ReadCount is the number of documents the fetch returned (0 on error)
	ReadCount int64 `json:"read_count"`

	// Waiters is the number of callers that joined the in-flight fetch,
	// including the one that executed it (>= 1)
	Waiters int64 `json:"waiters"`

	// Coalesced reports whether at least one caller was deduplicated
	Coalesced bool `json:"coalesced"`

	// Failed reports whether the fetch returned an error
	Failed bool `json:"failed"`

	// DurationMs is the fetch duration in milliseconds
	DurationMs int64 `json:"duration_ms"`

	// CompletedAt is the time the fetch completed
	CompletedAt time.Time `json:"completed_at"`

	// RequestID for distributed tracing and correlation
	RequestID string `json:"request_id"`
}

// Validate checks if the QueryCompletedEvent is well-formed.
func (e *QueryCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("service field is required")
	}
	if e.Collection == "" {
		return errors.New("collection field is required")
	}
	if e.Waiters < 1 {
		return errors.New("waiters must be at least 1")
	}
	if e.CompletedAt.IsZero() {
		return errors.New("completed_at cannot be zero")
	}
	return nil
}

// ToJSON serializes the event to JSON.
func (e *QueryCompletedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// QueryCompletedEventFromJSON deserializes a QueryCompletedEvent from JSON.
func QueryCompletedEventFromJSON(data []byte) (*QueryCompletedEvent, error) {
	var e QueryCompletedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal QueryCompletedEvent: %w", err)
	}
	return &e, nil
}

// ClearPendingEvent orders all query-dedup instances to drop their pending
// query state. This event is published to TopicClearPending.
//
// Use cases:
//   - Session/auth change invalidating in-flight results
//   - Administrative reset during incident response
type ClearPendingEvent struct {
	// Version of the event schema
	Version int `json:"version"`

	// Service that triggered the clear
	Service string `json:"service"`

	// Reason is a short human-readable explanation (e.g. "session-rotated")
	Reason string `json:"reason"`

	// TriggeredAt is the time the clear was requested
	TriggeredAt time.Time `json:"triggered_at"`

	// RequestID for distributed tracing and correlation
	RequestID string `json:"request_id"`
}

// Validate checks if the ClearPendingEvent is well-formed.
func (e *ClearPendingEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("service field is required")
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}
	return nil
}

// ToJSON serializes the event to JSON.
func (e *ClearPendingEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
