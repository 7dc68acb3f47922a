package delivery

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ai2ai-net/node/internal/events"
)

// State is the delivery lifecycle of a single envelope:
// sent -> delivered -> read, or failed.
type State string

const (
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
	StateFailed    State = "failed"
)

// rank orders the happy-path states so a late receipt can never move an
// envelope backwards.
var rank = map[State]int{StateSent: 1, StateDelivered: 2, StateRead: 3}

// trackerCapacity bounds the per-envelope state map.
const trackerCapacity = 10000

// Tracker records per-envelope delivery state and emits the matching events.
type Tracker struct {
	states *lru.Cache[string, State]
	bus    *events.Bus
}

// NewTracker creates a tracker publishing to the given bus.
func NewTracker(bus *events.Bus) (*Tracker, error) {
	c, err := lru.New[string, State](trackerCapacity)
	if err != nil {
		return nil, err
	}
	return &Tracker{states: c, bus: bus}, nil
}

// Set records a state transition and publishes the matching event.
// Downgrades along the happy path are ignored; failed always sticks.
func (t *Tracker) Set(envelopeID string, state State, agentID string, now time.Time) {
	if prev, ok := t.states.Get(envelopeID); ok && state != StateFailed {
		if rank[state] <= rank[prev] || prev == StateFailed {
			return
		}
	}
	t.states.Add(envelopeID, state)

	var typ events.Type
	switch state {
	case StateSent:
		typ = events.EventSent
	case StateDelivered:
		typ = events.EventDelivered
	case StateRead:
		typ = events.EventRead
	case StateFailed:
		typ = events.EventFailed
	default:
		return
	}
	t.bus.Publish(events.Event{
		Type:       typ,
		EnvelopeID: envelopeID,
		AgentID:    agentID,
		Timestamp:  now,
	})
}

// Get returns the recorded state for an envelope id.
func (t *Tracker) Get(envelopeID string) (State, bool) {
	return t.states.Get(envelopeID)
}
