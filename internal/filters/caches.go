package filters

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupCache is the fixed-size LRU of recently processed envelope ids.
// Entries expire after the TTL even while still resident.
type DedupCache struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

// NewDedupCache creates a dedup cache holding at most cap ids.
func NewDedupCache(cap int, ttl time.Duration) (*DedupCache, error) {
	c, err := lru.New[string, time.Time](cap)
	if err != nil {
		return nil, err
	}
	return &DedupCache{cache: c, ttl: ttl}, nil
}

// Seen reports whether the envelope id was processed within the TTL.
func (d *DedupCache) Seen(id string, now time.Time) bool {
	at, ok := d.cache.Get(id)
	if !ok {
		return false
	}
	if now.Sub(at) > d.ttl {
		d.cache.Remove(id)
		return false
	}
	return true
}

// Add marks the envelope id as processed.
func (d *DedupCache) Add(id string, now time.Time) {
	d.cache.Add(id, now)
}

// VerifyCache memoizes signature verification results, keyed on
// SHA-256(signature || publicKey), for a short TTL. Saves the Ed25519 work
// when the same envelope is replayed or re-checked.
type VerifyCache struct {
	cache *lru.Cache[string, verifyEntry]
	ttl   time.Duration
}

type verifyEntry struct {
	ok bool
	at time.Time
}

// NewVerifyCache creates a verification cache with the given capacity.
func NewVerifyCache(cap int, ttl time.Duration) (*VerifyCache, error) {
	c, err := lru.New[string, verifyEntry](cap)
	if err != nil {
		return nil, err
	}
	return &VerifyCache{cache: c, ttl: ttl}, nil
}

// Key derives the cache key for a signature/key pair.
func (v *VerifyCache) Key(signature, publicKey string) string {
	sum := sha256.Sum256([]byte(signature + publicKey))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result and whether a live entry was found.
func (v *VerifyCache) Get(key string, now time.Time) (ok, hit bool) {
	e, found := v.cache.Get(key)
	if !found || now.Sub(e.at) > v.ttl {
		return false, false
	}
	return e.ok, true
}

// Put stores a verification result.
func (v *VerifyCache) Put(key string, ok bool, now time.Time) {
	v.cache.Add(key, verifyEntry{ok: ok, at: now})
}
