package notify

import (
	"context"
	"testing"
)

func TestFilteredNotifierAllowsMatchingEvents(t *testing.T) {
	inner := &stubNotifier{name: "test"}
	f := newFilteredNotifier(inner, []string{"approval_pending", "delivery_failed"})

	if err := f.Send(context.Background(), testEvent(EventApprovalPending)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(inner.sent) != 1 {
		t.Fatalf("got %d events, want 1", len(inner.sent))
	}

	if err := f.Send(context.Background(), testEvent(EventDeliveryFailed)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(inner.sent) != 2 {
		t.Fatalf("got %d events, want 2", len(inner.sent))
	}
}

func TestFilteredNotifierBlocksNonMatchingEvents(t *testing.T) {
	inner := &stubNotifier{name: "test"}
	f := newFilteredNotifier(inner, []string{"approval_pending"})

	if err := f.Send(context.Background(), testEvent(EventContactAdded)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(inner.sent) != 0 {
		t.Fatalf("got %d events, want 0 (should be filtered out)", len(inner.sent))
	}
}

func TestFilteredNotifierEmptyFilterAllowsAll(t *testing.T) {
	inner := &stubNotifier{name: "test"}
	f := newFilteredNotifier(inner, []string{})

	if err := f.Send(context.Background(), testEvent(EventApprovalPending)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := f.Send(context.Background(), testEvent(EventKeyRotated)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := f.Send(context.Background(), testEvent(EventConversationExpired)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(inner.sent) != 3 {
		t.Fatalf("got %d events, want 3 (empty filter should pass all)", len(inner.sent))
	}
}

func TestFilteredNotifierPreservesName(t *testing.T) {
	inner := &stubNotifier{name: "ntfy"}
	f := newFilteredNotifier(inner, []string{"approval_pending"})

	if f.Name() != "ntfy" {
		t.Errorf("Name() = %q, want %q", f.Name(), "ntfy")
	}
}

func TestBuildFilteredNotifierWithEvents(t *testing.T) {
	settings := []byte(`{"url":"http://example.com"}`)
	ch := Channel{
		ID:       "test-1",
		Type:     ProviderWebhook,
		Name:     "Webhook",
		Enabled:  true,
		Settings: settings,
		Events:   []string{"approval_pending", "delivery_failed"},
	}

	n, err := BuildFilteredNotifier(ch)
	if err != nil {
		t.Fatalf("BuildFilteredNotifier() error = %v", err)
	}

	if _, ok := n.(*filtered); !ok {
		t.Errorf("expected *filtered, got %T", n)
	}
}

func TestBuildFilteredNotifierWithoutEvents(t *testing.T) {
	settings := []byte(`{"url":"http://example.com"}`)
	ch := Channel{
		ID:       "test-2",
		Type:     ProviderWebhook,
		Name:     "Webhook",
		Enabled:  true,
		Settings: settings,
	}

	n, err := BuildFilteredNotifier(ch)
	if err != nil {
		t.Fatalf("BuildFilteredNotifier() error = %v", err)
	}

	if _, ok := n.(*Webhook); !ok {
		t.Errorf("expected *Webhook (no filter), got %T", n)
	}
}

func TestBuildNotifierUnknownType(t *testing.T) {
	_, err := BuildNotifier(Channel{Type: "carrier-pigeon", Settings: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}
