// Package events provides the fan-out pub/sub bus for node lifecycle events.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of node event.
type Type string

const (
	// Inbound envelope events.
	EventMessage Type = "message"
	EventRequest Type = "request"
	EventReceipt Type = "receipt"

	// Delivery lifecycle events, keyed by envelope id.
	EventSent      Type = "sent"
	EventDelivered Type = "delivered"
	EventRead      Type = "read"
	EventFailed    Type = "failed"

	// Circuit breaker transitions, keyed by endpoint.
	EventCircuitOpen   Type = "circuit-open"
	EventCircuitClosed Type = "circuit-closed"

	// Approval lifecycle.
	EventApprovalPending Type = "approval-pending"
	EventApprovalExpired Type = "approval-expired"

	// Peer key management.
	EventKeyRotated Type = "key-rotated"
)

// Event is a single event published through the bus.
type Event struct {
	Type         Type            `json:"type"`
	EnvelopeID   string          `json:"envelope_id,omitempty"`
	Conversation string          `json:"conversation,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	Intent       string          `json:"intent,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
	ApprovalID   string          `json:"approval_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events published
// after they subscribe. Slow subscribers that fall behind have events dropped
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
	}
}

// Publish sends an event to all current subscribers. If a subscriber's buffer
// is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
