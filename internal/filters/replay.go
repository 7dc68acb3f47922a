package filters

import (
	"sync"
	"time"
)

// ReplayTracker remembers envelope nonces per (sender, receiver) pair for
// the retention window. A nonce may be observed at most once inside it.
type ReplayTracker struct {
	mu        sync.Mutex
	retention time.Duration
	seen      map[string]time.Time
	lastPrune time.Time
}

// NewReplayTracker creates a tracker with the given retention window.
func NewReplayTracker(retention time.Duration) *ReplayTracker {
	return &ReplayTracker{
		retention: retention,
		seen:      make(map[string]time.Time),
	}
}

// Observe records the nonce and reports whether it was fresh. A second
// observation inside the retention window returns false.
func (rt *ReplayTracker) Observe(sender, nonce string, now time.Time) bool {
	key := sender + "\x00" + nonce

	rt.mu.Lock()
	defer rt.mu.Unlock()

	// Amortized prune: at most once a minute, drop expired entries.
	if now.Sub(rt.lastPrune) > time.Minute {
		cutoff := now.Add(-rt.retention)
		for k, t := range rt.seen {
			if t.Before(cutoff) {
				delete(rt.seen, k)
			}
		}
		rt.lastPrune = now
	}

	if t, ok := rt.seen[key]; ok && now.Sub(t) <= rt.retention {
		return false
	}
	rt.seen[key] = now
	return true
}
