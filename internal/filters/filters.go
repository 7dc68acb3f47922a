// Package filters implements the inbound security filter chain. Order is
// fixed: blocklist, rate limit, expiry, nonce replay, envelope shape,
// signature, dedup. Rate limiting runs before any crypto work, and dedup
// runs after signature verification so unverified replays cannot poison the
// dedup table.
package filters

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/ai2ai-net/node/internal/envelope"
)

// Rejection describes a filter failure, carrying the HTTP status and reason
// string the ingress pipeline answers with.
type Rejection struct {
	HTTPStatus int
	Reason     string
}

func (r *Rejection) Error() string { return r.Reason }

var (
	RejectBlocked          = &Rejection{http.StatusForbidden, "blocked"}
	RejectRateLimited      = &Rejection{http.StatusTooManyRequests, "rate_limited"}
	RejectExpired          = &Rejection{http.StatusBadRequest, "message_expired"}
	RejectReplay           = &Rejection{http.StatusBadRequest, "replay_detected"}
	RejectInvalidEnvelope  = &Rejection{http.StatusBadRequest, "invalid_envelope"}
	RejectInvalidSignature = &Rejection{http.StatusForbidden, "invalid_signature"}
	// RejectDuplicate is not an error on the wire: duplicates answer 200 so
	// a retrying sender stops retrying.
	RejectDuplicate = &Rejection{http.StatusOK, "duplicate"}
)

// clockSkewTolerance is how far in the future a peer's timestamp may sit
// before it is rejected as expired. Peers' clocks are never perfectly
// aligned.
const clockSkewTolerance = 5 * time.Minute

// BlockChecker answers blocklist lookups.
type BlockChecker interface {
	IsBlocked(agentID string) bool
}

// KeySource returns the base64 Ed25519 key candidates for a peer, newest
// first, or nil when no key is known yet.
type KeySource interface {
	KeyCandidates(agentID string) []string
}

// Options bundle the chain's tunables.
type Options struct {
	MessageTTL     time.Duration
	RateLimit      int
	RateWindow     time.Duration
	NonceRetention time.Duration
	DedupCap       int
	DedupTTL       time.Duration
	VerifyCacheTTL time.Duration
	VersionOK      func(string) bool
}

// Chain applies the filter sequence to every inbound envelope.
type Chain struct {
	blocks  BlockChecker
	keys    KeySource
	limiter *RateLimiter
	replay  *ReplayTracker
	dedup   *DedupCache
	vcache  *VerifyCache
	opts    Options
}

// NewChain wires a filter chain.
func NewChain(blocks BlockChecker, keys KeySource, opts Options) (*Chain, error) {
	dedup, err := NewDedupCache(opts.DedupCap, opts.DedupTTL)
	if err != nil {
		return nil, err
	}
	vcache, err := NewVerifyCache(1024, opts.VerifyCacheTTL)
	if err != nil {
		return nil, err
	}
	return &Chain{
		blocks:  blocks,
		keys:    keys,
		limiter: NewRateLimiter(opts.RateLimit, opts.RateWindow),
		replay:  NewReplayTracker(opts.NonceRetention),
		dedup:   dedup,
		vcache:  vcache,
		opts:    opts,
	}, nil
}

// Check runs the chain. A nil return means the envelope passed every
// filter; the caller must invoke MarkProcessed once the envelope has been
// dispatched so later duplicates short-circuit.
func (c *Chain) Check(env *envelope.Envelope, now time.Time) *Rejection {
	// 1. Blocklist.
	if c.blocks.IsBlocked(env.From.Agent) {
		return RejectBlocked
	}

	// 2. Rate limit. Counted before any crypto work.
	if !c.limiter.Allow(env.From.Agent, now) {
		return RejectRateLimited
	}

	// 3. Freshness.
	if rej := c.checkFreshness(env, now); rej != nil {
		return rej
	}

	// 4. Nonce replay. A nonce may be observed once per sender within the
	// retention window; any reuse rejects, identical retransmissions
	// included.
	if env.Nonce != "" && !c.replay.Observe(env.From.Agent, env.Nonce, now) {
		return RejectReplay
	}

	// 5. Envelope shape.
	if err := env.Validate(c.opts.VersionOK); err != nil {
		return RejectInvalidEnvelope
	}

	// 6. Signature, only when the sender's key is known. First-contact
	// envelopes skip verification but may never be auto-approved; that
	// policy lives in the approval gate, not here.
	if candidates := c.keys.KeyCandidates(env.From.Agent); len(candidates) > 0 {
		if !c.verify(env, candidates, now) {
			return RejectInvalidSignature
		}
	}

	// 7. Dedup.
	if c.dedup.Seen(env.ID, now) {
		return RejectDuplicate
	}
	return nil
}

// MarkProcessed commits the envelope id to the dedup cache. Called after
// the envelope's events have been emitted, making delivery at-most-once.
func (c *Chain) MarkProcessed(id string, now time.Time) {
	c.dedup.Add(id, now)
}

// Sweep evicts idle rate-limit buckets. Run from the maintenance ticker.
func (c *Chain) Sweep(now time.Time) {
	c.limiter.Sweep(now)
}

func (c *Chain) checkFreshness(env *envelope.Envelope, now time.Time) *Rejection {
	ts, err := env.Time()
	if err != nil {
		return RejectInvalidEnvelope
	}
	if ts.Before(now.Add(-c.opts.MessageTTL)) || ts.After(now.Add(clockSkewTolerance)) {
		return RejectExpired
	}
	if cutoff, ok, err := env.Expiry(); err != nil {
		return RejectInvalidEnvelope
	} else if ok && !now.Before(cutoff) {
		return RejectExpired
	}
	return nil
}

func (c *Chain) verify(env *envelope.Envelope, candidates []string, now time.Time) bool {
	for _, encoded := range candidates {
		cacheKey := c.vcache.Key(env.Signature, encoded)
		if ok, hit := c.vcache.Get(cacheKey, now); hit {
			if ok {
				return true
			}
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		err = env.Verify([]ed25519.PublicKey{ed25519.PublicKey(raw)})
		c.vcache.Put(cacheKey, err == nil, now)
		if err == nil {
			return true
		}
	}
	return false
}
