package conversations

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/events"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/metrics"
)

// resolvedRetention is how long resolved approvals stay on disk before the
// sweep purges them.
const resolvedRetention = 7 * 24 * time.Hour

var (
	ErrUnknownApproval = errors.New("unknown approval")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Approval is a durable record of an inbound request waiting for operator
// action. Its id is the envelope id that raised it.
type Approval struct {
	ID           string            `json:"id"`
	Envelope     envelope.Envelope `json:"envelope"`
	ApprovalText string            `json:"approvalText,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Resolved     bool              `json:"resolved"`
	Approved     bool              `json:"approved,omitempty"`
	HumanReply   string            `json:"humanReply,omitempty"`
	ResolvedAt   time.Time         `json:"resolvedAt,omitempty"`
	Notified     bool              `json:"notified,omitempty"`
}

// Inbox is the disk-backed pending-approval store: one JSON document per
// approval under pending/.
type Inbox struct {
	dir string
	ttl time.Duration
	bus *events.Bus
	log *slog.Logger

	mu        sync.Mutex
	approvals map[string]*Approval
}

// OpenInbox loads all approvals from dir. ttl is the window after which the
// sweep auto-rejects an unresolved approval.
func OpenInbox(dir string, ttl time.Duration, bus *events.Bus, log *logging.Logger) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pending dir: %w", err)
	}

	in := &Inbox{
		dir:       dir,
		ttl:       ttl,
		bus:       bus,
		log:       log.With("component", "approvals"),
		approvals: make(map[string]*Approval),
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pending dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			in.log.Warn("skipping unreadable approval", "file", f.Name(), "error", err)
			continue
		}
		var a Approval
		if err := json.Unmarshal(data, &a); err != nil {
			in.log.Warn("skipping malformed approval", "file", f.Name(), "error", err)
			continue
		}
		in.approvals[a.ID] = &a
	}

	in.updateGaugeLocked()
	return in, nil
}

// Add enqueues a pending approval for an inbound request envelope. Adding
// the same envelope twice is an idempotent no-op, so a retried request never
// raises a second approval.
func (in *Inbox) Add(env envelope.Envelope, approvalText string, now time.Time) (*Approval, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if existing, ok := in.approvals[env.ID]; ok {
		out := *existing
		return &out, nil
	}

	a := &Approval{
		ID:           env.ID,
		Envelope:     env,
		ApprovalText: approvalText,
		CreatedAt:    now,
	}
	if err := in.persistLocked(a); err != nil {
		return nil, err
	}
	in.approvals[a.ID] = a
	in.updateGaugeLocked()
	in.log.Info("approval enqueued", "id", a.ID, "intent", env.Intent, "from", env.From.Agent)
	out := *a
	return &out, nil
}

// Resolve marks an approval approved or rejected. Resolution is an atomic
// file replacement; resolving twice returns ErrAlreadyResolved.
func (in *Inbox) Resolve(id string, approved bool, humanReply string, now time.Time) (*Approval, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	a, ok := in.approvals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApproval, id)
	}
	if a.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	a.Resolved = true
	a.Approved = approved
	a.HumanReply = humanReply
	a.ResolvedAt = now
	if err := in.persistLocked(a); err != nil {
		return nil, err
	}
	in.updateGaugeLocked()
	in.log.Info("approval resolved", "id", id, "approved", approved)
	out := *a
	return &out, nil
}

// MarkNotified records that the operator has been told about this approval.
func (in *Inbox) MarkNotified(id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	a, ok := in.approvals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, id)
	}
	a.Notified = true
	return in.persistLocked(a)
}

// Get returns a copy of one approval.
func (in *Inbox) Get(id string) (*Approval, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	a, ok := in.approvals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApproval, id)
	}
	out := *a
	return &out, nil
}

// Pending returns unresolved approvals in creation order, so approvals for
// the same conversation are always handed out oldest first.
func (in *Inbox) Pending() []Approval {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []Approval
	for _, a := range in.approvals {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpireStale auto-rejects unresolved approvals older than the TTL and
// purges resolved approvals past the retention window. It returns the
// auto-rejected approvals so the caller can answer their requesters.
func (in *Inbox) ExpireStale(now time.Time) []Approval {
	in.mu.Lock()
	defer in.mu.Unlock()

	var rejected []Approval
	for _, a := range in.approvals {
		switch {
		case !a.Resolved && now.After(a.CreatedAt.Add(in.ttl)):
			a.Resolved = true
			a.Approved = false
			a.HumanReply = "expired"
			a.ResolvedAt = now
			if err := in.persistLocked(a); err != nil {
				in.log.Warn("persist expired approval", "id", a.ID, "error", err)
				continue
			}
			rejected = append(rejected, *a)
			in.bus.Publish(events.Event{
				Type:         events.EventApprovalExpired,
				ApprovalID:   a.ID,
				EnvelopeID:   a.Envelope.ID,
				Conversation: a.Envelope.Conversation,
				AgentID:      a.Envelope.From.Agent,
				Timestamp:    now,
			})
		case a.Resolved && now.After(a.ResolvedAt.Add(resolvedRetention)):
			if err := os.Remove(in.path(a.ID)); err != nil && !os.IsNotExist(err) {
				in.log.Warn("purge resolved approval", "id", a.ID, "error", err)
				continue
			}
			delete(in.approvals, a.ID)
		}
	}
	in.updateGaugeLocked()
	return rejected
}

func (in *Inbox) path(id string) string {
	return filepath.Join(in.dir, id+".json")
}

func (in *Inbox) persistLocked(a *Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	return writeFileAtomic(in.path(a.ID), data)
}

func (in *Inbox) updateGaugeLocked() {
	n := 0
	for _, a := range in.approvals {
		if !a.Resolved {
			n++
		}
	}
	metrics.PendingApprovals.Set(float64(n))
}
