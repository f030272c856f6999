package querydedup

import (
	"sync"
	"time"
)

// DefaultDedupWindow bounds how long a stale pending entry may linger when
// the normal removal-on-completion path failed to run. It is NOT a timeout
// on the fetch itself: an in-flight fetch runs to completion regardless.
const DefaultDedupWindow = 1000 * time.Millisecond

// pendingQuery is one registered in-flight operation.
type pendingQuery struct {
	handle    *InFlight
	timestamp time.Time
}

// PendingQueryManager maps canonical query keys to in-flight operations with
// time-windowed expiry.
//
// Trade-offs:
//   - Mutex-guarded map over sync.Map: entries are short-lived and the
//     coordinator needs an atomic get-or-insert, which sync.Map cannot give
//     without a LoadOrStore of an already-constructed handle on every call.
//   - Expiry is lazy (IsPending) plus swept (Cleanup); entries normally
//     disappear through Remove long before the window elapses.
//
// All methods are synchronous, in-memory, and never block on I/O.
type PendingQueryManager struct {
	mu      sync.Mutex
	entries map[string]*pendingQuery
	window  time.Duration
}

// NewPendingQueryManager creates a manager with the given deduplication
// window. Use 0 for the default (1000ms).
func NewPendingQueryManager(window time.Duration) *PendingQueryManager {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &PendingQueryManager{
		entries: make(map[string]*pendingQuery),
		window:  window,
	}
}

// Window returns the configured deduplication window.
func (m *PendingQueryManager) Window() time.Duration {
	return m.window
}

// IsPending reports whether an in-flight entry exists for the key and is
// still within the deduplication window. An expired entry is evicted as a
// side effect and false is returned.
func (m *PendingQueryManager) IsPending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists {
		return false
	}
	if time.Since(entry.timestamp) > m.window {
		delete(m.entries, key)
		return false
	}
	return true
}

// Get returns the stored in-flight handle without evaluating expiry, or nil
// if absent. The coordinator joins whatever it finds here: a handle past the
// window is either about to complete or about to be swept, and joining it is
// still correct (at most the caller waits for an outcome the sweeper would
// have discarded).
func (m *PendingQueryManager) Get(key string) *InFlight {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.entries[key]; exists {
		return entry.handle
	}
	return nil
}

// Add stores the handle under the key with the current timestamp,
// unconditionally overwriting any existing entry. Callers are expected to
// have checked for an existing entry first (or to use GetOrAdd).
func (m *PendingQueryManager) Add(key string, handle *InFlight) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &pendingQuery{handle: handle, timestamp: time.Now()}
}

// GetOrAdd atomically returns the existing handle for the key, or registers
// the provided one. The second return value reports whether the provided
// handle was registered.
//
// This is the load-bearing primitive for the at-most-one-in-flight-per-key
// guarantee on a parallel runtime: a separate Get-then-Add sequence would
// let two goroutines both miss and both register.
func (m *PendingQueryManager) GetOrAdd(key string, handle *InFlight) (*InFlight, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.entries[key]; exists {
		return entry.handle, false
	}
	m.entries[key] = &pendingQuery{handle: handle, timestamp: time.Now()}
	return handle, true
}

// Remove deletes the entry for the key if present; no-op otherwise.
func (m *PendingQueryManager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Cleanup sweeps all entries, removing any whose age exceeds the
// deduplication window. Returns the number of entries removed.
//
// Complexity: O(n) in the number of pending entries.
func (m *PendingQueryManager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range m.entries {
		if now.Sub(entry.timestamp) > m.window {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries unconditionally.
func (m *PendingQueryManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*pendingQuery)
}

// Size returns the current number of pending entries.
func (m *PendingQueryManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// IsEmpty reports whether no entries are pending.
func (m *PendingQueryManager) IsEmpty() bool {
	return m.Size() == 0
}
