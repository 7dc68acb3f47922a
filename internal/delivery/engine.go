// Package delivery drives outbound envelope transport: retry with backoff,
// per-endpoint circuit breakers, the queue drain worker and the delivery
// tracker.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/metrics"
)

// ErrPermanent marks a delivery failure that retrying cannot fix: the peer
// answered, and the answer was a protocol or security reject.
var ErrPermanent = errors.New("permanent delivery failure")

// maxResponseBytes caps how much of a peer response is read.
const maxResponseBytes = 100 * 1024

// Response is the JSON body a peer answers an envelope POST with.
type Response struct {
	Status       string          `json:"status"`
	ID           string          `json:"id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Conversation string          `json:"conversation,omitempty"`
	Type         string          `json:"type,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Options tune the interactive retry loop.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

// Engine performs HTTP envelope deliveries through per-endpoint circuit
// breakers.
type Engine struct {
	client   *http.Client
	breakers *BreakerSet
	tracker  *Tracker
	clk      clock.Clock
	log      *slog.Logger
	opts     Options
	rnd      func() float64
}

// NewEngine creates a delivery engine.
func NewEngine(breakers *BreakerSet, tracker *Tracker, clk clock.Clock, log *logging.Logger, opts Options) *Engine {
	return &Engine{
		client:   &http.Client{Timeout: opts.Timeout},
		breakers: breakers,
		tracker:  tracker,
		clk:      clk,
		log:      log.With("component", "delivery"),
		opts:     opts,
		rnd:      rand.Float64,
	}
}

// Tracker exposes the engine's delivery tracker.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Breakers exposes the engine's breaker set.
func (e *Engine) Breakers() *BreakerSet { return e.breakers }

// Send performs a single delivery attempt through the endpoint's circuit
// breaker. While the breaker is open the call fails immediately without any
// network I/O. A 2xx answer marks the envelope delivered.
func (e *Engine) Send(ctx context.Context, endpoint string, env *envelope.Envelope) (*Response, error) {
	start := e.clk.Now()
	out, err := e.breakers.Get(endpoint).Execute(func() (any, error) {
		return e.post(ctx, endpoint, env)
	})
	metrics.DeliveryDuration.Observe(e.clk.Since(start).Seconds())
	if err != nil {
		metrics.EnvelopesSent.WithLabelValues("error").Inc()
		return nil, err
	}

	att := out.(*attemptResult)
	if att.status/100 != 2 {
		// The peer answered with a reject. Not a breaker failure -- the
		// endpoint is alive -- but retrying the same envelope cannot help.
		metrics.EnvelopesSent.WithLabelValues("rejected").Inc()
		reason := att.resp.Reason
		if reason == "" {
			reason = fmt.Sprintf("http %d", att.status)
		}
		return att.resp, fmt.Errorf("%w: %s", ErrPermanent, reason)
	}

	metrics.EnvelopesSent.WithLabelValues("delivered").Inc()
	e.tracker.Set(env.ID, StateDelivered, env.To.Agent, e.clk.Now())
	return att.resp, nil
}

// SendWithRetry is the interactive send path: up to MaxRetries+1 attempts
// with jittered exponential backoff. Permanent failures and context
// cancellation stop the loop early.
func (e *Engine) SendWithRetry(ctx context.Context, endpoint string, env *envelope.Envelope) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(attempt-1, e.opts.BaseDelay, e.opts.MaxDelay, e.opts.Factor, e.rnd)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.clk.After(delay):
			}
		}

		resp, err := e.Send(ctx, endpoint, env)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, ErrPermanent) {
			return resp, err
		}
		e.log.Warn("delivery attempt failed",
			"endpoint", endpoint,
			"envelope", env.ID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, lastErr
}

type attemptResult struct {
	status int
	resp   *Response
}

// post performs the HTTP POST. Returning an error counts as a breaker
// failure; any parsed peer answer counts as success at the breaker level.
func (e *Engine) post(ctx context.Context, endpoint string, env *envelope.Envelope) (*attemptResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AI2AI-Version", envelope.Version)

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		// Server-side failure: retryable, and it drives the breaker.
		return nil, fmt.Errorf("post %s: http %d", endpoint, httpResp.StatusCode)
	}

	var resp Response
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			resp = Response{Status: "unparseable"}
		}
	}
	return &attemptResult{status: httpResp.StatusCode, resp: &resp}, nil
}
