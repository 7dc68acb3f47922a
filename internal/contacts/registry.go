// Package contacts tracks peer identity, endpoints, public keys and trust.
package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ai2ai-net/node/internal/logging"
)

// TrustLevel is the per-contact disposition controlling whether non-commerce
// actions bypass operator approval.
type TrustLevel string

const (
	TrustNone    TrustLevel = "none"
	TrustKnown   TrustLevel = "known"
	TrustTrusted TrustLevel = "trusted"
)

// ErrUnknownContact is returned by lookups for agents the node has never seen.
var ErrUnknownContact = errors.New("unknown contact")

// previousKeyRetention mirrors the key store: verifiers accept up to this
// many rotated-away peer keys.
const previousKeyRetention = 3

// Contact is a single peer record.
type Contact struct {
	AgentID        string     `json:"agentId"`
	HumanName      string     `json:"humanName,omitempty"`
	Endpoint       string     `json:"endpoint,omitempty"`
	EdPublicKey    string     `json:"edPublicKey,omitempty"` // base64
	XPublicKey     string     `json:"xPublicKey,omitempty"`  // base64
	TrustLevel     TrustLevel `json:"trustLevel"`
	Blocked        bool       `json:"blocked,omitempty"`
	Capabilities   []string   `json:"capabilities,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	LastSeen       time.Time  `json:"lastSeen,omitempty"`
	PreviousEdKeys []string   `json:"previousEdKeys,omitempty"` // base64, newest first
}

// Registry is the disk-backed contact map. Mutations persist immediately
// with atomic file replacement; lookups hit the in-memory map only.
type Registry struct {
	contactsPath  string
	blocklistPath string
	log           *slog.Logger

	mu       sync.Mutex
	contacts map[string]*Contact
	blocked  map[string]bool
}

// Open loads contacts.json and blocklist.json from dir, creating the
// directory if needed.
func Open(dir string, log *logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	r := &Registry{
		contactsPath:  filepath.Join(dir, "contacts.json"),
		blocklistPath: filepath.Join(dir, "blocklist.json"),
		log:           log.With("component", "contacts"),
		contacts:      make(map[string]*Contact),
		blocked:       make(map[string]bool),
	}

	if err := loadJSON(r.contactsPath, &r.contacts); err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	var blockedIDs []string
	if err := loadJSON(r.blocklistPath, &blockedIDs); err != nil {
		return nil, fmt.Errorf("load blocklist: %w", err)
	}
	for _, id := range blockedIDs {
		r.blocked[id] = true
	}
	return r, nil
}

// Upsert merges the given fields into the stored contact and stamps
// LastSeen. Empty incoming fields never clobber known values.
func (r *Registry) Upsert(agentID string, info Contact, now time.Time) (*Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[agentID]
	if !ok {
		c = &Contact{AgentID: agentID, TrustLevel: TrustNone}
		r.contacts[agentID] = c
	}

	if info.HumanName != "" {
		c.HumanName = info.HumanName
	}
	if info.Endpoint != "" {
		c.Endpoint = info.Endpoint
	}
	if info.EdPublicKey != "" && info.EdPublicKey != c.EdPublicKey {
		c.EdPublicKey = info.EdPublicKey
	}
	if info.XPublicKey != "" {
		c.XPublicKey = info.XPublicKey
	}
	if len(info.Capabilities) > 0 {
		c.Capabilities = info.Capabilities
	}
	if info.Timezone != "" {
		c.Timezone = info.Timezone
	}
	c.LastSeen = now

	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	out := *c
	return &out, nil
}

// Get returns a copy of the contact record.
func (r *Registry) Get(agentID string) (*Contact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[agentID]
	if !ok {
		return nil, false
	}
	out := *c
	out.Blocked = r.blocked[agentID]
	return &out, true
}

// All returns every contact, sorted by agent id for stable output.
func (r *Registry) All() []Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Contact, 0, len(r.contacts))
	for id, c := range r.contacts {
		cc := *c
		cc.Blocked = r.blocked[id]
		out = append(out, cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// SetTrust updates the trust level. Transitions require explicit operator
// action; invalid levels are rejected.
func (r *Registry) SetTrust(agentID string, level TrustLevel) error {
	switch level {
	case TrustNone, TrustKnown, TrustTrusted:
	default:
		return fmt.Errorf("invalid trust level %q", level)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContact, agentID)
	}
	c.TrustLevel = level
	return r.persistLocked()
}

// Block adds the agent to the blocklist. Gates both inbound and outbound.
func (r *Registry) Block(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[agentID] = true
	return r.persistBlocklistLocked()
}

// Unblock removes the agent from the blocklist.
func (r *Registry) Unblock(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocked, agentID)
	return r.persistBlocklistLocked()
}

// IsBlocked reports whether the agent is on the blocklist.
func (r *Registry) IsBlocked(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[agentID]
}

// RotateKey archives the contact's current Ed25519 key into PreviousEdKeys
// (retaining the most recent three) and records the new one. Used when an
// authenticated key_rotation envelope arrives.
func (r *Registry) RotateKey(agentID, newEdKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContact, agentID)
	}
	if c.EdPublicKey != "" && c.EdPublicKey != newEdKey {
		c.PreviousEdKeys = append([]string{c.EdPublicKey}, c.PreviousEdKeys...)
		if len(c.PreviousEdKeys) > previousKeyRetention {
			c.PreviousEdKeys = c.PreviousEdKeys[:previousKeyRetention]
		}
	}
	c.EdPublicKey = newEdKey
	return r.persistLocked()
}

// KeyCandidates returns the contact's current and archived Ed25519 keys as
// base64 strings, newest first. Empty when no key is known (first contact).
func (r *Registry) KeyCandidates(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[agentID]
	if !ok || c.EdPublicKey == "" {
		return nil
	}
	out := []string{c.EdPublicKey}
	return append(out, c.PreviousEdKeys...)
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func (r *Registry) persistLocked() error {
	return writeJSONAtomic(r.contactsPath, r.contacts)
}

func (r *Registry) persistBlocklistLocked() error {
	ids := make([]string, 0, len(r.blocked))
	for id := range r.blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return writeJSONAtomic(r.blocklistPath, ids)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
