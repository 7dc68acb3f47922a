// Package notify delivers operator notifications for node events that need
// a human: pending approvals, terminal conversations, abandoned deliveries.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what the operator is being told about.
type EventType string

const (
	EventApprovalPending       EventType = "approval_pending"
	EventApprovalExpired       EventType = "approval_expired"
	EventConversationConfirmed EventType = "conversation_confirmed"
	EventConversationRejected  EventType = "conversation_rejected"
	EventConversationExpired   EventType = "conversation_expired"
	EventDeliveryFailed        EventType = "delivery_failed"
	EventKeyRotated            EventType = "key_rotated"
	EventContactAdded          EventType = "contact_added"
)

// AllEventTypes returns every event type a channel filter can name.
func AllEventTypes() []EventType {
	return []EventType{
		EventApprovalPending,
		EventApprovalExpired,
		EventConversationConfirmed,
		EventConversationRejected,
		EventConversationExpired,
		EventDeliveryFailed,
		EventKeyRotated,
		EventContactAdded,
	}
}

// Event represents one operator notification.
type Event struct {
	Type         EventType `json:"type"`
	AgentID      string    `json:"agent_id,omitempty"`
	Conversation string    `json:"conversation,omitempty"`
	Intent       string    `json:"intent,omitempty"`
	ApprovalID   string    `json:"approval_id,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block the node.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"agent", event.AgentID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
