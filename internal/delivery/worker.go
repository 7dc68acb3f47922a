package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/queue"
)

// WorkerOptions tune the queue drain worker.
type WorkerOptions struct {
	PollInterval time.Duration
	MaxInflight  int
}

// Worker drains the persistent queue in the background. Each drained entry
// gets a single delivery attempt; failures put it back with the next retry
// time taken from QueueRetrySchedule, and exhausted entries move to the dead
// letter store.
type Worker struct {
	queue *queue.Queue
	dlq   *queue.DeadLetterStore
	eng   *Engine
	clk   clock.Clock
	log   *slog.Logger
	opts  WorkerOptions

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker creates a queue worker. Start must be called before it does
// anything.
func NewWorker(q *queue.Queue, dlq *queue.DeadLetterStore, eng *Engine, clk clock.Clock, log *logging.Logger, opts WorkerOptions) *Worker {
	if opts.MaxInflight < 1 {
		opts.MaxInflight = 1
	}
	return &Worker{
		queue: q,
		dlq:   dlq,
		eng:   eng,
		clk:   clk,
		log:   log.With("component", "queue-worker"),
		opts:  opts,
	}
}

// Start launches the drain loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop terminates the drain loop and waits for in-flight deliveries.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Drain performs one synchronous pass over due entries. The background loop
// calls it each tick; tests call it directly.
func (w *Worker) Drain(ctx context.Context) {
	sem := make(chan struct{}, w.opts.MaxInflight)
	var wg sync.WaitGroup
	for {
		if ctx.Err() != nil {
			break
		}
		entry, ok := w.queue.DequeueDue(w.clk.Now(), w.entryDue)
		if !ok {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(e *queue.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			w.attempt(ctx, e)
		}(entry)
	}
	wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		w.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(w.opts.PollInterval):
		}
	}
}

// entryDue reports whether an entry's backoff window has passed. A fresh
// entry is due immediately; a retried entry waits out the schedule slot for
// its attempt count.
func (w *Worker) entryDue(e *queue.Entry) bool {
	if e.Attempts == 0 {
		return true
	}
	idx := e.Attempts - 1
	if idx >= len(QueueRetrySchedule) {
		// Exhausted: due so the drain pass can dead-letter it.
		return true
	}
	return !w.clk.Now().Before(e.LastAttempt.Add(QueueRetrySchedule[idx]))
}

func (w *Worker) attempt(ctx context.Context, e *queue.Entry) {
	if e.Attempts >= len(QueueRetrySchedule) {
		w.deadLetter(e, e.LastError)
		return
	}

	_, err := w.eng.Send(ctx, e.Endpoint, &e.Envelope)
	switch {
	case err == nil:
		if cErr := w.queue.Complete(e.ID); cErr != nil {
			w.log.Warn("complete after delivery", "id", e.ID, "error", cErr)
		}
		w.log.Info("queued envelope delivered", "id", e.ID, "envelope", e.Envelope.ID, "attempts", e.Attempts+1)
	case errors.Is(err, ErrPermanent):
		w.deadLetter(e, err.Error())
	default:
		if fErr := w.queue.Fail(e.ID, err, w.clk.Now()); fErr != nil {
			w.log.Warn("record failed attempt", "id", e.ID, "error", fErr)
		}
		w.log.Warn("queued delivery failed", "id", e.ID, "attempt", e.Attempts+1, "error", err)
	}
}

func (w *Worker) deadLetter(e *queue.Entry, cause string) {
	if cause == "" {
		cause = "retry schedule exhausted"
	}
	if err := w.dlq.Add(*e, cause, w.clk.Now()); err != nil {
		w.log.Error("move to dead letter store", "id", e.ID, "error", err)
		// Keep the entry so the next pass can try the move again.
		_ = w.queue.Release(e.ID)
		return
	}
	if err := w.queue.Remove(e.ID); err != nil {
		w.log.Warn("remove dead-lettered entry", "id", e.ID, "error", err)
	}
	w.eng.tracker.Set(e.Envelope.ID, StateFailed, e.Envelope.To.Agent, w.clk.Now())
	w.log.Error("delivery abandoned", "id", e.ID, "envelope", e.Envelope.ID, "attempts", e.Attempts, "error", cause)
}
