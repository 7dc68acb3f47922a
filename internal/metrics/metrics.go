package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai2ai_envelopes_received_total",
		Help: "Total inbound envelopes by filter result.",
	}, []string{"result"})
	EnvelopesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai2ai_envelopes_sent_total",
		Help: "Total outbound envelope deliveries by outcome.",
	}, []string{"outcome"})
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ai2ai_delivery_duration_seconds",
		Help:    "Duration of outbound envelope deliveries.",
		Buckets: prometheus.DefBuckets,
	})
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai2ai_circuit_transitions_total",
		Help: "Circuit breaker state transitions by new state.",
	}, []string{"state"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ai2ai_queue_depth",
		Help: "Number of pending entries in the outbound queue.",
	})
	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ai2ai_dead_letters",
		Help: "Number of entries in the dead letter store.",
	})
	PendingApprovals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ai2ai_pending_approvals",
		Help: "Number of unresolved pending approvals.",
	})
	Conversations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ai2ai_conversations",
		Help: "Number of conversations by state.",
	}, []string{"state"})
)
