package filters

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window per-peer message cap.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*rateBucket
}

type rateBucket struct {
	times      []time.Time
	lastActive time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per window per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*rateBucket),
	}
}

// Allow records an arrival for the key and reports whether it is within the
// window cap.
func (rl *RateLimiter) Allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &rateBucket{}
		rl.buckets[key] = b
	}
	b.lastActive = now

	// Drop entries that slid out of the window.
	cutoff := now.Add(-rl.window)
	keep := b.times[:0]
	for _, t := range b.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	b.times = keep

	if len(b.times) >= rl.limit {
		return false
	}
	b.times = append(b.times, now)
	return true
}

// Sweep evicts buckets that have been idle for more than twice the window,
// keeping the map bounded for nodes with many transient peers.
func (rl *RateLimiter) Sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := now.Add(-2 * rl.window)
	for key, b := range rl.buckets {
		if b.lastActive.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}
