package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window is a set of ids that each expire a fixed time after they were added.
// It backs echo suppression: an id in the window belongs to a change this
// client made itself. Expired ids are pruned lazily on lookup and by Sweep.
type Window struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	expires map[string]time.Time
}

// NewWindow creates a Window whose entries live for ttl.
func NewWindow(clock clockwork.Clock, ttl time.Duration) *Window {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{
		clock:   clock,
		ttl:     ttl,
		expires: make(map[string]time.Time),
	}
}

// TTL returns the lifetime of an entry.
func (w *Window) TTL() time.Duration {
	return w.ttl
}

// Add inserts id, or restarts its lifetime if already present.
func (w *Window) Add(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expires[id] = w.clock.Now().Add(w.ttl)
}

// Contains reports whether id was added less than TTL ago.
func (w *Window) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.expires[id]
	if !ok {
		return false
	}
	if !w.clock.Now().Before(exp) {
		delete(w.expires, id)
		return false
	}
	return true
}

// Remove drops id and reports whether it was still live.
func (w *Window) Remove(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	exp, ok := w.expires[id]
	delete(w.expires, id)
	return ok && w.clock.Now().Before(exp)
}

// Sweep removes every expired id and returns how many were removed.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	n := 0
	for id, exp := range w.expires {
		if !now.Before(exp) {
			delete(w.expires, id)
			n++
		}
	}
	return n
}

// Len returns the number of live ids.
func (w *Window) Len() int {
	w.Sweep()
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.expires)
}

// Clear empties the window.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expires = make(map[string]time.Time)
}
