package conversations

import (
	"errors"
	"testing"
	"time"

	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/events"
	"github.com/ai2ai-net/node/internal/logging"
)

func requestEnvelope(id, conv string) envelope.Envelope {
	return envelope.Envelope{
		ProtoVersion: envelope.Version,
		ID:           id,
		Conversation: conv,
		Type:         envelope.TypeRequest,
		Intent:       "commerce.request",
		From:         envelope.Party{Agent: "alice.example.com"},
		To:           envelope.Party{Agent: "bob.example.com"},
	}
}

func openInbox(t *testing.T, dir string, bus *events.Bus) *Inbox {
	t.Helper()
	in, err := OpenInbox(dir, 24*time.Hour, bus, logging.New(false))
	if err != nil {
		t.Fatalf("open inbox: %v", err)
	}
	return in
}

func TestAddAndResolve(t *testing.T) {
	in := openInbox(t, t.TempDir(), events.New())
	now := time.Now()

	a, err := in.Add(requestEnvelope("env-1", "conv-1"), "Purchase Widget for 500 GBP?", now)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.Resolved {
		t.Error("new approval already resolved")
	}

	got, err := in.Resolve("env-1", true, "go ahead", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Approved || got.HumanReply != "go ahead" {
		t.Errorf("resolved = %+v", got)
	}

	if _, err := in.Resolve("env-1", false, "", now); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestAddIsIdempotentPerEnvelope(t *testing.T) {
	in := openInbox(t, t.TempDir(), events.New())
	now := time.Now()

	in.Add(requestEnvelope("env-1", "conv-1"), "first", now)
	a, err := in.Add(requestEnvelope("env-1", "conv-1"), "second", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if a.ApprovalText != "first" {
		t.Errorf("re-add replaced approval: %+v", a)
	}
	if n := len(in.Pending()); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestPendingOrderedByCreation(t *testing.T) {
	in := openInbox(t, t.TempDir(), events.New())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	in.Add(requestEnvelope("env-2", "conv-1"), "", base.Add(time.Minute))
	in.Add(requestEnvelope("env-1", "conv-1"), "", base)
	in.Add(requestEnvelope("env-3", "conv-1"), "", base.Add(2*time.Minute))

	pending := in.Pending()
	if len(pending) != 3 {
		t.Fatalf("pending = %d", len(pending))
	}
	for i, want := range []string{"env-1", "env-2", "env-3"} {
		if pending[i].ID != want {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, want)
		}
	}
}

func TestInboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	bus := events.New()
	now := time.Now()

	in := openInbox(t, dir, bus)
	in.Add(requestEnvelope("env-1", "conv-1"), "text", now)

	in2 := openInbox(t, dir, bus)
	a, err := in2.Get("env-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if a.ApprovalText != "text" || a.Resolved {
		t.Errorf("reloaded approval = %+v", a)
	}
}

func TestExpireStaleAutoRejects(t *testing.T) {
	bus := events.New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	in := openInbox(t, t.TempDir(), bus)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	in.Add(requestEnvelope("old", "conv-1"), "", base)
	in.Add(requestEnvelope("new", "conv-2"), "", base.Add(23*time.Hour))

	rejected := in.ExpireStale(base.Add(25 * time.Hour))
	if len(rejected) != 1 || rejected[0].ID != "old" {
		t.Fatalf("rejected = %+v, want [old]", rejected)
	}

	a, _ := in.Get("old")
	if !a.Resolved || a.Approved {
		t.Errorf("expired approval = %+v, want resolved+rejected", a)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.EventApprovalExpired || evt.ApprovalID != "old" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no approval-expired event")
	}
}

func TestExpireStalePurgesResolved(t *testing.T) {
	dir := t.TempDir()
	in := openInbox(t, dir, events.New())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	in.Add(requestEnvelope("env-1", "conv-1"), "", base)
	in.Resolve("env-1", true, "", base.Add(time.Hour))

	in.ExpireStale(base.Add(8 * 24 * time.Hour))
	if _, err := in.Get("env-1"); !errors.Is(err, ErrUnknownApproval) {
		t.Errorf("purged approval still present: %v", err)
	}

	// Purge removes the file too.
	in2 := openInbox(t, dir, events.New())
	if _, err := in2.Get("env-1"); !errors.Is(err, ErrUnknownApproval) {
		t.Errorf("approval file survived purge: %v", err)
	}
}
