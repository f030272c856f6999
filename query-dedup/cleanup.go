package querydedup

import (
	"sync"
	"time"

	"encore.dev/rlog"
)

// DefaultSweepInterval is how often the backstop sweep runs.
const DefaultSweepInterval = 5000 * time.Millisecond

// SweepTimer runs a recurring callback on a fixed interval. It is the
// defensive backstop behind the pending manager: entries normally leave via
// Remove on completion, and the sweep only catches leaks (e.g. a caller's
// completion handler dying before cleanup ran).
type SweepTimer struct {
	interval time.Duration
	sweep    func()

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewSweepTimer creates a timer invoking sweep every interval.
// Use 0 for the default interval (5000ms).
func NewSweepTimer(interval time.Duration, sweep func()) *SweepTimer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &SweepTimer{interval: interval, sweep: sweep}
}

// Start begins the recurring sweep. Idempotent: if a sweep loop is already
// running it is stopped first, so two Start calls never leave two loops
// ticking.
func (t *SweepTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		t.stopLocked()
	}

	t.stopChan = make(chan struct{})
	t.running = true
	t.wg.Add(1)
	go t.run(t.stopChan)
}

func (t *SweepTimer) run(stop chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.runSweep()
		}
	}
}

// runSweep invokes the callback, swallowing panics so a single failed sweep
// never kills the recurring timer.
func (t *SweepTimer) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			rlog.Debug("pending query sweep failed", "panic", r)
		}
	}()
	t.sweep()
}

// Stop cancels the recurring sweep and waits for the loop to exit.
// Safe to call when not running.
func (t *SweepTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// stopLocked must be called with t.mu held.
func (t *SweepTimer) stopLocked() {
	if !t.running {
		return
	}
	close(t.stopChan)
	t.running = false
	t.wg.Wait()
}

// IsRunning reports whether a sweep loop is active.
func (t *SweepTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Destroy permanently tears the timer down. Equivalent to Stop; a destroyed
// timer may not be restarted by convention, though nothing enforces it.
func (t *SweepTimer) Destroy() {
	t.Stop()
}
