package delivery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ai2ai-net/node/internal/events"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/metrics"
)

// BreakerOptions tune the per-endpoint circuit breakers.
type BreakerOptions struct {
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // open -> half-open
	HalfOpenMax      int           // probe calls admitted while half-open
}

// BreakerSet owns one circuit breaker per endpoint URL. Breakers are created
// lazily on first send and live for the process lifetime.
type BreakerSet struct {
	opts BreakerOptions
	bus  *events.Bus
	log  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(opts BreakerOptions, bus *events.Bus, log *logging.Logger) *BreakerSet {
	return &BreakerSet{
		opts:     opts,
		bus:      bus,
		log:      log.With("component", "breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (s *BreakerSet) Get(endpoint string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[endpoint]; ok {
		return cb
	}

	threshold := uint32(s.opts.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: uint32(s.opts.HalfOpenMax),
		Timeout:     s.opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: s.onStateChange,
	})
	s.breakers[endpoint] = cb
	return cb
}

// State returns the breaker state for an endpoint, if one exists.
func (s *BreakerSet) State(endpoint string) (gobreaker.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[endpoint]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

func (s *BreakerSet) onStateChange(endpoint string, from, to gobreaker.State) {
	s.log.Warn("circuit state change", "endpoint", endpoint, "from", from.String(), "to", to.String())
	metrics.CircuitTransitions.WithLabelValues(to.String()).Inc()

	switch to {
	case gobreaker.StateOpen:
		s.bus.Publish(events.Event{
			Type:      events.EventCircuitOpen,
			Endpoint:  endpoint,
			Timestamp: time.Now(),
		})
	case gobreaker.StateClosed:
		s.bus.Publish(events.Event{
			Type:      events.EventCircuitClosed,
			Endpoint:  endpoint,
			Timestamp: time.Now(),
		})
	}
}
