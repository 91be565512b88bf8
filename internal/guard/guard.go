// Package guard implements inbound flood protection and outbound notification caps.
package guard

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBurst is the per-session bucket capacity.
	DefaultBurst = 20
	// DefaultRefill is the number of tokens restored per second.
	DefaultRefill = 5.0
	// DefaultNotificationCap bounds notifications per user per minute.
	DefaultNotificationCap = 60

	pruneEvery = 1024
)

// Bucket is a per-session token bucket; each inbound frame costs one token.
type Bucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewBucket builds a bucket holding burst tokens and refilling refill tokens per second.
func NewBucket(burst int, refill float64, now func() time.Time) *Bucket {
	if burst <= 0 {
		burst = DefaultBurst
	}
	if refill <= 0 {
		refill = DefaultRefill
	}
	if now == nil {
		now = time.Now
	}
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(refill), burst), now: now}
}

// Allow consumes a token, reporting false when the bucket is exhausted.
func (b *Bucket) Allow() bool {
	if b == nil {
		return true
	}
	return b.limiter.AllowN(b.now(), 1)
}

// BroadcastCap limits how many notifications one user receives per window and counts drops.
type BroadcastCap struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[int64]*Window
	calls   int
	dropped atomic.Int64
}

// NewBroadcastCap allows limit deliveries per user within window.
func NewBroadcastCap(limit int, window time.Duration, now func() time.Time) *BroadcastCap {
	if limit <= 0 {
		limit = DefaultNotificationCap
	}
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &BroadcastCap{limit: limit, window: window, now: now, windows: make(map[int64]*Window)}
}

// Allow reports whether another notification may go to userID, counting a drop otherwise.
func (c *BroadcastCap) Allow(userID int64) bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	w, ok := c.windows[userID]
	if !ok {
		w = NewWindow(c.window, c.limit, c.now)
		c.windows[userID] = w
	}
	c.calls++
	if c.calls%pruneEvery == 0 {
		//1.- Drop idle windows so the map tracks only recently notified users.
		for id, candidate := range c.windows {
			if id != userID && candidate.Count() == 0 {
				delete(c.windows, id)
			}
		}
	}
	c.mu.Unlock()

	if w.Allow() {
		return true
	}
	c.dropped.Add(1)
	return false
}

// Dropped returns the number of notifications rejected by the cap.
func (c *BroadcastCap) Dropped() int64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Tracked returns how many users currently have a window.
func (c *BroadcastCap) Tracked() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}
