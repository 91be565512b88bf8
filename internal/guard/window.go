package guard

import (
	"sync"
	"time"
)

// Window enforces a maximum number of events within a sliding time window.
type Window struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewWindow constructs a limiter allowing up to limit events per window.
func NewWindow(window time.Duration, limit int, timeSource func() time.Time) *Window {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &Window{window: window, limit: limit, now: timeSource}
}

// Allow records an event and reports whether it fits inside the window.
func (w *Window) Allow() bool {
	if w == nil || w.limit <= 0 || w.window <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expireLocked(now)
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Count returns how many events currently sit inside the window.
func (w *Window) Count() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLocked(w.now())
	return len(w.events)
}

func (w *Window) expireLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events = kept
}
