package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/events"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/queue"
)

func workerFixture(t *testing.T, clk clock.Clock) (*Worker, *queue.Queue, *queue.DeadLetterStore) {
	t.Helper()
	log := logging.New(false)
	q, err := queue.Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	dlq, err := queue.OpenDeadLetters(t.TempDir(), log)
	if err != nil {
		t.Fatalf("open dlq: %v", err)
	}
	bus := events.New()
	tracker, err := NewTracker(bus)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	breakers := NewBreakerSet(BreakerOptions{
		FailureThreshold: 100, // keep the breaker out of the way
		ResetTimeout:     time.Minute,
		HalfOpenMax:      1,
	}, bus, log)
	eng := NewEngine(breakers, tracker, clk, log, Options{Timeout: 5 * time.Second, Factor: 2.0})
	w := NewWorker(q, dlq, eng, clk, log, WorkerOptions{
		PollInterval: 15 * time.Second,
		MaxInflight:  2,
	})
	return w, q, dlq
}

func TestDrainDeliversPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Status: "received"})
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w, q, dlq := workerFixture(t, clk)

	if _, err := q.Enqueue(*testEnvelope("env-1"), srv.URL, queue.EnqueueOptions{}, clk.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.Drain(context.Background())

	if n := q.Len(); n != 0 {
		t.Errorf("queue len = %d after successful drain", n)
	}
	if got := dlq.List(); len(got) != 0 {
		t.Errorf("dead letters = %d, want 0", len(got))
	}
}

func TestDrainRespectsRetrySchedule(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w, q, _ := workerFixture(t, clk)

	if _, err := q.Enqueue(*testEnvelope("env-1"), srv.URL, queue.EnqueueOptions{}, clk.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First pass: fresh entry is due immediately and fails.
	w.Drain(context.Background())
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}

	// Before the 1-minute slot elapses the entry is not due again.
	clk.Advance(30 * time.Second)
	w.Drain(context.Background())
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d after 30s, want still 1", n)
	}

	// Past the slot it retries.
	clk.Advance(31 * time.Second)
	w.Drain(context.Background())
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d after 61s, want 2", n)
	}
}

func TestDrainDeadLettersExhaustedEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w, q, dlq := workerFixture(t, clk)

	env := testEnvelope("env-1")
	if _, err := q.Enqueue(*env, srv.URL, queue.EnqueueOptions{}, clk.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Walk the whole schedule: one failing attempt per slot, then the
	// exhaustion pass.
	w.Drain(context.Background())
	for _, slot := range QueueRetrySchedule {
		clk.Advance(slot)
		w.Drain(context.Background())
	}

	if n := q.Len(); n != 0 {
		t.Errorf("queue len = %d after exhaustion, want 0", n)
	}
	letters := dlq.List()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Envelope.ID != "env-1" {
		t.Errorf("dead letter envelope = %q", letters[0].Envelope.ID)
	}
	if st, ok := w.eng.Tracker().Get("env-1"); !ok || st != StateFailed {
		t.Errorf("tracker state = %v (%v), want failed", st, ok)
	}
}

func TestDrainDeadLettersPermanentRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(Response{Status: "rejected", Reason: "blocked"})
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w, q, dlq := workerFixture(t, clk)

	if _, err := q.Enqueue(*testEnvelope("env-1"), srv.URL, queue.EnqueueOptions{}, clk.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.Drain(context.Background())

	if n := q.Len(); n != 0 {
		t.Errorf("queue len = %d, want 0 after permanent reject", n)
	}
	if letters := dlq.List(); len(letters) != 1 {
		t.Errorf("dead letters = %d, want 1", len(letters))
	}
}
