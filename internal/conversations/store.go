// Package conversations owns conversation metadata, the conversation state
// machine, per-conversation append logs and the pending-approval inbox.
package conversations

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/metrics"
)

// State is the lifecycle state of a conversation.
type State string

const (
	StateProposed    State = "proposed"
	StateNegotiating State = "negotiating"
	StateConfirmed   State = "confirmed"
	StateRejected    State = "rejected"
	StateExpired     State = "expired"
)

// transitions is the allowed-move table. Terminal states have no entries.
var transitions = map[State]map[State]bool{
	StateProposed:    {StateNegotiating: true, StateConfirmed: true, StateRejected: true, StateExpired: true},
	StateNegotiating: {StateConfirmed: true, StateRejected: true, StateExpired: true},
}

// Terminal reports whether a state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateRejected || s == StateExpired
}

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrInvalidTransition   = errors.New("invalid conversation transition")
)

// Conversation is the metadata for one exchange. All envelopes sharing a
// conversation id belong to it.
type Conversation struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Intent       string    `json:"intent,omitempty"`
	Initiator    string    `json:"initiator"`
	Recipient    string    `json:"recipient"`
	Participants []string  `json:"participants,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MessageCount int       `json:"messageCount"`
}

// Store is the disk-backed conversation map. Each conversation has a
// <id>.meta.json document and an <id>.jsonl append log of its envelopes.
type Store struct {
	dir    string
	expiry time.Duration
	log    *slog.Logger

	mu    sync.Mutex
	convs map[string]*Conversation
}

// Open loads all conversation metadata from dir, creating it if needed.
// expiry is the inactivity window after which the sweep expires a
// conversation.
func Open(dir string, expiry time.Duration, log *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		expiry: expiry,
		log:    log.With("component", "conversations"),
		convs:  make(map[string]*Conversation),
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read conversations dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable conversation", "file", f.Name(), "error", err)
			continue
		}
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			s.log.Warn("skipping malformed conversation", "file", f.Name(), "error", err)
			continue
		}
		s.convs[c.ID] = &c
	}

	s.updateGaugesLocked()
	return s, nil
}

// CreateParams carry the initial metadata for a new conversation.
type CreateParams struct {
	Intent       string
	Initiator    string
	Recipient    string
	Participants []string
}

// Create writes metadata for a new conversation in state proposed. Creating
// an id that already exists returns the existing record unchanged.
func (s *Store) Create(id string, p CreateParams, now time.Time) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.convs[id]; ok {
		out := *existing
		return &out, nil
	}

	c := &Conversation{
		ID:           id,
		State:        StateProposed,
		Intent:       p.Intent,
		Initiator:    p.Initiator,
		Recipient:    p.Recipient,
		Participants: p.Participants,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(s.expiry),
	}
	if err := s.persistLocked(c); err != nil {
		return nil, err
	}
	s.convs[id] = c
	s.updateGaugesLocked()
	s.log.Info("conversation created", "id", id, "intent", p.Intent, "initiator", p.Initiator)
	out := *c
	return &out, nil
}

// Transition moves a conversation to a new state. Disallowed moves return
// ErrInvalidTransition and never mutate state; a transition to the current
// state is an idempotent no-op.
func (s *Store) Transition(id string, to State, now time.Time) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if c.State == to {
		out := *c
		return &out, nil
	}
	if !transitions[c.State][to] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}

	c.State = to
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(s.expiry)
	if err := s.persistLocked(c); err != nil {
		return nil, err
	}
	s.updateGaugesLocked()
	s.log.Info("conversation transition", "id", id, "state", to)
	out := *c
	return &out, nil
}

// Touch bumps activity on a conversation without changing its state.
func (s *Store) Touch(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	c.UpdatedAt = now
	if !c.State.Terminal() {
		c.ExpiresAt = now.Add(s.expiry)
	}
	return s.persistLocked(c)
}

// Get returns a copy of the conversation metadata.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	out := *c
	return &out, nil
}

// All returns a snapshot of every conversation.
func (s *Store) All() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	return out
}

// Append records an envelope on the conversation's append log and bumps the
// message count. The log is one JSON document per line.
func (s *Store) Append(id string, env *envelope.Envelope, now time.Time) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append conversation log: %w", err)
	}

	if c, ok := s.convs[id]; ok {
		c.MessageCount++
		c.UpdatedAt = now
		if !c.State.Terminal() {
			c.ExpiresAt = now.Add(s.expiry)
		}
		return s.persistLocked(c)
	}
	return nil
}

// History replays the conversation's append log.
func (s *Store) History(id string) ([]envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()

	var out []envelope.Envelope
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var env envelope.Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			s.log.Warn("skipping malformed log line", "conversation", id, "error", err)
			continue
		}
		out = append(out, env)
	}
	return out, sc.Err()
}

// ExpireStale marks every non-terminal conversation whose inactivity window
// has passed as expired, returning the ids that flipped.
func (s *Store) ExpireStale(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for _, c := range s.convs {
		if c.State.Terminal() {
			continue
		}
		if now.After(c.UpdatedAt.Add(s.expiry)) {
			c.State = StateExpired
			c.UpdatedAt = now
			if err := s.persistLocked(c); err != nil {
				s.log.Warn("persist expired conversation", "id", c.ID, "error", err)
				continue
			}
			expired = append(expired, c.ID)
		}
	}
	if len(expired) > 0 {
		s.updateGaugesLocked()
		s.log.Info("expired stale conversations", "count", len(expired))
	}
	return expired
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}

func (s *Store) logPath(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

func (s *Store) persistLocked(c *Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return writeFileAtomic(s.metaPath(c.ID), data)
}

func (s *Store) updateGaugesLocked() {
	counts := map[State]int{}
	for _, c := range s.convs {
		counts[c.State]++
	}
	for _, st := range []State{StateProposed, StateNegotiating, StateConfirmed, StateRejected, StateExpired} {
		metrics.Conversations.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func writeFileAtomic(path string, data []byte) error {
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
