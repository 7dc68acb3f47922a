package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ai2ai-net/node/internal/contacts"
	"github.com/ai2ai-net/node/internal/conversations"
	"github.com/ai2ai-net/node/internal/delivery"
	"github.com/ai2ai-net/node/internal/discovery"
	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/events"
	"github.com/ai2ai-net/node/internal/metrics"
	"github.com/ai2ai-net/node/internal/notify"
)

// maxEnvelopeBytes caps inbound envelope bodies.
const maxEnvelopeBytes = 100 * 1024

// apiResponse is the JSON body every envelope POST is answered with.
type apiResponse struct {
	Status       string          `json:"status"`
	ID           string          `json:"id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Conversation string          `json:"conversation,omitempty"`
	Type         envelope.Type   `json:"type,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Handler returns the ingress route table.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ai2ai", n.handleEnvelope)
	mux.HandleFunc("GET /ai2ai/health", n.handleHealth)
	mux.HandleFunc("GET /.well-known/ai2ai.json", n.handleWellKnown)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (n *Node) startIngress() error {
	n.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", n.cfg.Port),
		Handler:      n.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			n.log.Error("ingress listener failed", "error", err)
		}
	}()

	// Give an unbindable port a moment to surface as a startup error.
	select {
	case err := <-errCh:
		return fmt.Errorf("bind ingress: %w", err)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "online",
		"protocol": envelope.Version,
		"agent":    n.cfg.Name,
		"intents":  n.handlers.Intents(),
	})
}

func (n *Node) handleWellKnown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, discovery.Descriptor{
		AI2AI:        envelope.Version,
		Endpoint:     fmt.Sprintf("http://%s:%d/ai2ai", n.cfg.Name, n.cfg.Port),
		Agent:        n.cfg.Name,
		Human:        n.cfg.HumanName,
		PublicKey:    base64.StdEncoding.EncodeToString(n.keys.SigningPublic()),
		Fingerprint:  n.keys.Fingerprint(),
		Capabilities: n.handlers.Intents(),
	})
}

// handleEnvelope runs the inbound pipeline: body cap, parse, filter chain,
// payload decryption, contact bookkeeping, type dispatch and the dedup
// commit.
func (n *Node) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)

	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		metrics.EnvelopesReceived.WithLabelValues("invalid_envelope").Inc()
		writeJSON(w, status, apiResponse{Status: "rejected", Reason: "invalid_envelope"})
		return
	}

	now := n.clk.Now()
	if rej := n.chain.Check(&env, now); rej != nil {
		metrics.EnvelopesReceived.WithLabelValues(rej.Reason).Inc()
		status := "rejected"
		if rej.HTTPStatus < 400 {
			status = "duplicate"
		}
		n.log.Info("envelope rejected", "id", env.ID, "from", env.From.Agent, "reason", rej.Reason)
		writeJSON(w, rej.HTTPStatus, apiResponse{Status: status, ID: env.ID, Reason: rej.Reason})
		return
	}

	// Decryption failure after the chain passed is a hard reject: the
	// envelope was for us but we cannot read it.
	payload := env.Payload
	if envelope.IsEncrypted(payload) {
		plain, err := envelope.DecryptPayload(payload, n.keys.AgreementPrivate())
		if err != nil {
			metrics.EnvelopesReceived.WithLabelValues("decryption_failed").Inc()
			n.log.Warn("payload decryption failed", "id", env.ID, "from", env.From.Agent)
			writeJSON(w, http.StatusBadRequest, apiResponse{Status: "rejected", ID: env.ID, Reason: "decryption_failed"})
			return
		}
		payload = plain
	}

	// First contact means no recorded signing key; the approval policy keys
	// off that, so capture it before bookkeeping.
	prior, known := n.contacts.Get(env.From.Agent)
	firstContact := !known || prior.EdPublicKey == ""

	if _, err := n.contacts.Upsert(env.From.Agent, contacts.Contact{
		HumanName: env.From.Human,
	}, now); err != nil {
		n.log.Warn("record sender", "agent", env.From.Agent, "error", err)
	}

	if _, err := n.convs.Create(env.Conversation, conversations.CreateParams{
		Intent:    env.Intent,
		Initiator: env.From.Agent,
		Recipient: n.cfg.Name,
	}, now); err != nil {
		n.log.Error("record conversation", "conversation", env.Conversation, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Reason: "internal_error"})
		return
	}
	if err := n.convs.Append(env.Conversation, &env, now); err != nil {
		n.log.Warn("append conversation log", "conversation", env.Conversation, "error", err)
	}

	resp := n.dispatch(r, &env, payload, firstContact, now)

	n.chain.MarkProcessed(env.ID, now)
	metrics.EnvelopesReceived.WithLabelValues("accepted").Inc()

	if env.Type == envelope.TypeMessage || env.Type == envelope.TypeRequest {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendReceipt(env)
		}()
	}

	writeJSON(w, http.StatusOK, resp)
}

// sendReceipt acknowledges an accepted message or request with a delivered
// receipt. Best effort: only peers with a known endpoint get one, and a
// failed receipt is not retried.
func (n *Node) sendReceipt(orig envelope.Envelope) {
	c, ok := n.contacts.Get(orig.From.Agent)
	if !ok || c.Endpoint == "" {
		return
	}
	now := n.clk.Now()
	payload, err := json.Marshal(envelope.ReceiptPayload{
		MessageID: orig.ID,
		Status:    "delivered",
		Timestamp: envelope.FormatTime(now),
	})
	if err != nil {
		return
	}
	env := &envelope.Envelope{
		ProtoVersion: envelope.Version,
		ID:           envelope.NewID(),
		Nonce:        envelope.NewNonce(),
		Timestamp:    envelope.FormatTime(now),
		From:         envelope.Party{Agent: n.cfg.Name, Human: n.cfg.HumanName},
		To:           envelope.Party{Agent: orig.From.Agent},
		Conversation: orig.Conversation,
		Type:         envelope.TypeReceipt,
		Payload:      payload,
	}
	if err := env.SignWith(n.keys.Sign); err != nil {
		n.log.Warn("sign receipt", "error", err)
		return
	}
	ctx, done := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer done()
	if _, err := n.engine.Send(ctx, c.Endpoint, env); err != nil {
		n.log.Debug("receipt not delivered", "agent", orig.From.Agent, "error", err)
	}
}

// dispatch routes an accepted envelope by type and builds the answer body.
func (n *Node) dispatch(r *http.Request, env *envelope.Envelope, payload json.RawMessage, firstContact bool, now time.Time) apiResponse {
	switch env.Type {
	case envelope.TypePing:
		return n.handlePing(env, payload, now)
	case envelope.TypeMessage, envelope.TypeInform:
		n.bus.Publish(events.Event{
			Type:         events.EventMessage,
			EnvelopeID:   env.ID,
			Conversation: env.Conversation,
			AgentID:      env.From.Agent,
			Payload:      payload,
			Timestamp:    now,
		})
		return apiResponse{Status: "ok", ID: env.ID, Conversation: env.Conversation}
	case envelope.TypeRequest:
		return n.handleRequest(r, env, payload, firstContact, now)
	case envelope.TypeResponse, envelope.TypeConfirm, envelope.TypeReject:
		return n.handleAnswer(r.Context(), env, payload, now)
	case envelope.TypeReceipt:
		return n.handleReceipt(env, payload, now)
	case envelope.TypeKeyRotation:
		return n.handleKeyRotation(env, payload, firstContact, now)
	}
	return apiResponse{Status: "rejected", ID: env.ID, Reason: "invalid_envelope"}
}

// handlePing answers with our capabilities and records the peer's keys and
// capabilities from the ping payload.
func (n *Node) handlePing(env *envelope.Envelope, payload json.RawMessage, now time.Time) apiResponse {
	var peer struct {
		Human        string   `json:"human"`
		PublicKey    string   `json:"publicKey"`
		XPublicKey   string   `json:"x25519PublicKey"`
		Capabilities []string `json:"capabilities"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &peer); err == nil {
			if _, err := n.contacts.Upsert(env.From.Agent, contacts.Contact{
				HumanName:    peer.Human,
				EdPublicKey:  peer.PublicKey,
				XPublicKey:   peer.XPublicKey,
				Capabilities: peer.Capabilities,
			}, now); err != nil {
				n.log.Warn("record peer capabilities", "agent", env.From.Agent, "error", err)
			}
		}
	}

	answer, err := json.Marshal(n.capabilities())
	if err != nil {
		return apiResponse{Status: "error", ID: env.ID, Reason: "internal_error"}
	}
	return apiResponse{
		Status:       "ok",
		ID:           env.ID,
		Conversation: env.Conversation,
		Type:         envelope.TypePing,
		Payload:      answer,
	}
}

// handleRequest applies the approval policy, then either parks the request
// for the operator or dispatches it to the registered handler.
func (n *Node) handleRequest(r *http.Request, env *envelope.Envelope, payload json.RawMessage, firstContact bool, now time.Time) apiResponse {
	h, ok := n.handlers.Get(env.Intent)
	if !ok {
		answer, _ := json.Marshal(map[string]any{
			"error":             fmt.Sprintf("unsupported intent %q", env.Intent),
			"supported_intents": n.handlers.Intents(),
		})
		return apiResponse{
			Status:       "rejected",
			ID:           env.ID,
			Reason:       "unsupported_intent",
			Conversation: env.Conversation,
			Payload:      answer,
		}
	}

	if n.requiresApproval(env, firstContact) {
		// Park the decrypted form so the operator and the handler both see
		// plaintext at resolution time.
		stored := *env
		stored.Payload = payload
		a, err := n.inbox.Add(stored, n.handlers.approvalText(env, payload), now)
		if err != nil {
			n.log.Error("park approval", "id", env.ID, "error", err)
			return apiResponse{Status: "error", ID: env.ID, Reason: "internal_error"}
		}
		n.bus.Publish(events.Event{
			Type:         events.EventApprovalPending,
			EnvelopeID:   env.ID,
			Conversation: env.Conversation,
			AgentID:      env.From.Agent,
			Intent:       env.Intent,
			ApprovalID:   a.ID,
			Timestamp:    now,
		})
		if n.notifier.Notify(r.Context(), notify.Event{
			Type:       notify.EventApprovalPending,
			AgentID:    env.From.Agent,
			Intent:     env.Intent,
			ApprovalID: a.ID,
			Summary:    a.ApprovalText,
			Timestamp:  now,
		}) {
			if err := n.inbox.MarkNotified(a.ID); err != nil {
				n.log.Warn("mark approval notified", "id", a.ID, "error", err)
			}
		}
		return apiResponse{
			Status:       "pending_approval",
			ID:           env.ID,
			Conversation: env.Conversation,
		}
	}

	result, err := h.Handle(r.Context(), env, payload)
	if err != nil {
		n.log.Error("intent handler failed", "intent", env.Intent, "id", env.ID, "error", err)
		return apiResponse{Status: "error", ID: env.ID, Reason: "handler_error", Conversation: env.Conversation}
	}

	state := conversations.StateNegotiating
	switch result.Type {
	case envelope.TypeConfirm:
		state = conversations.StateConfirmed
	case envelope.TypeReject:
		state = conversations.StateRejected
	}
	if _, err := n.convs.Transition(env.Conversation, state, now); err != nil {
		n.log.Warn("conversation transition", "conversation", env.Conversation, "error", err)
	}

	n.bus.Publish(events.Event{
		Type:         events.EventRequest,
		EnvelopeID:   env.ID,
		Conversation: env.Conversation,
		AgentID:      env.From.Agent,
		Intent:       env.Intent,
		Payload:      payload,
		Timestamp:    now,
	})
	return apiResponse{
		Status:       "ok",
		ID:           env.ID,
		Conversation: env.Conversation,
		Type:         result.Type,
		Payload:      result.Payload,
	}
}

// requiresApproval decides whether a request waits for the operator.
// Commerce intents always do; so do configured intents, first contacts,
// anyone below trusted and any envelope that asks for it.
func (n *Node) requiresApproval(env *envelope.Envelope, firstContact bool) bool {
	if env.RequiresHumanApproval {
		return true
	}
	if strings.HasPrefix(env.Intent, "commerce.") {
		return true
	}
	for _, intent := range n.cfg.AlwaysApprove {
		if env.Intent == intent {
			return true
		}
	}
	if firstContact {
		return true
	}
	c, ok := n.contacts.Get(env.From.Agent)
	return !ok || c.TrustLevel != contacts.TrustTrusted
}

// handleAnswer advances the conversation for response, confirm and reject
// envelopes from the peer.
func (n *Node) handleAnswer(ctx context.Context, env *envelope.Envelope, payload json.RawMessage, now time.Time) apiResponse {
	var state conversations.State
	var event notify.EventType
	switch env.Type {
	case envelope.TypeConfirm:
		state, event = conversations.StateConfirmed, notify.EventConversationConfirmed
	case envelope.TypeReject:
		state, event = conversations.StateRejected, notify.EventConversationRejected
	default:
		state = conversations.StateNegotiating
	}

	if _, err := n.convs.Transition(env.Conversation, state, now); err != nil {
		n.log.Warn("conversation transition", "conversation", env.Conversation, "to", state, "error", err)
	}
	if event != "" {
		n.notifier.Notify(ctx, notify.Event{
			Type:         event,
			AgentID:      env.From.Agent,
			Conversation: env.Conversation,
			Intent:       env.Intent,
			Timestamp:    now,
		})
	}
	n.bus.Publish(events.Event{
		Type:         events.EventMessage,
		EnvelopeID:   env.ID,
		Conversation: env.Conversation,
		AgentID:      env.From.Agent,
		Payload:      payload,
		Timestamp:    now,
	})
	return apiResponse{Status: "ok", ID: env.ID, Conversation: env.Conversation}
}

// receiptStates is the set of states a peer may report in a receipt.
var receiptStates = map[delivery.State]bool{
	delivery.StateSent:      true,
	delivery.StateDelivered: true,
	delivery.StateRead:      true,
	delivery.StateFailed:    true,
}

// handleReceipt records the delivery state a peer reports for one of our
// envelopes. Receipts for envelopes this node never sent are dropped, so a
// forged receipt cannot plant state for arbitrary ids.
func (n *Node) handleReceipt(env *envelope.Envelope, payload json.RawMessage, now time.Time) apiResponse {
	var rec envelope.ReceiptPayload
	if err := json.Unmarshal(payload, &rec); err != nil || rec.MessageID == "" || !receiptStates[delivery.State(rec.Status)] {
		return apiResponse{Status: "rejected", ID: env.ID, Reason: "invalid_envelope"}
	}
	if _, tracked := n.engine.Tracker().Get(rec.MessageID); tracked {
		n.engine.Tracker().Set(rec.MessageID, delivery.State(rec.Status), env.From.Agent, now)
		n.bus.Publish(events.Event{
			Type:         events.EventReceipt,
			EnvelopeID:   rec.MessageID,
			Conversation: env.Conversation,
			AgentID:      env.From.Agent,
			Timestamp:    now,
		})
	} else {
		n.log.Warn("receipt for unknown envelope dropped", "message", rec.MessageID, "from", env.From.Agent)
	}
	return apiResponse{Status: "ok", ID: env.ID, Conversation: env.Conversation}
}

// handleKeyRotation installs a peer's announced signing key. The filter
// chain has already verified the announcement against the old key, so an
// unverifiable announcement (first contact) is refused.
func (n *Node) handleKeyRotation(env *envelope.Envelope, payload json.RawMessage, firstContact bool, now time.Time) apiResponse {
	if firstContact {
		return apiResponse{Status: "rejected", ID: env.ID, Reason: "invalid_signature"}
	}
	var ann struct {
		NewPublicKey string `json:"newPublicKey"`
	}
	if err := json.Unmarshal(payload, &ann); err != nil || ann.NewPublicKey == "" {
		return apiResponse{Status: "rejected", ID: env.ID, Reason: "invalid_envelope"}
	}
	if err := n.contacts.RotateKey(env.From.Agent, ann.NewPublicKey); err != nil {
		n.log.Error("install rotated key", "agent", env.From.Agent, "error", err)
		return apiResponse{Status: "error", ID: env.ID, Reason: "internal_error"}
	}
	n.log.Info("peer key rotated", "agent", env.From.Agent)
	n.bus.Publish(events.Event{
		Type:      events.EventKeyRotated,
		AgentID:   env.From.Agent,
		Timestamp: now,
	})
	return apiResponse{Status: "ok", ID: env.ID, Conversation: env.Conversation}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
