package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ai2ai-net/node/internal/envelope"
)

// Result is what an intent handler (or an approval resolution) answers a
// request with. Type selects the follow-up envelope: response, confirm or
// reject.
type Result struct {
	Type    envelope.Type
	Payload json.RawMessage
}

// IntentHandler processes one registered intent.
type IntentHandler struct {
	// Handle runs when a request is dispatched without operator
	// involvement. Payload is the decrypted request payload.
	Handle func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) (*Result, error)

	// ApprovalText renders the one-line question shown to the operator.
	// Optional; a generic line is used when nil.
	ApprovalText func(env *envelope.Envelope, payload json.RawMessage) string

	// FormatResponse builds the follow-up envelope payload once the
	// operator resolves an approval. Optional; a generic {approved, reply}
	// payload is used when nil.
	FormatResponse func(approved bool, reply string, env *envelope.Envelope) (*Result, error)
}

// HandlerRegistry maps intent names to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]IntentHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]IntentHandler)}
}

// Register binds a handler to an intent name, replacing any previous one.
func (r *HandlerRegistry) Register(intent string, h IntentHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[intent] = h
}

// Get returns the handler for an intent.
func (r *HandlerRegistry) Get(intent string) (IntentHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[intent]
	return h, ok
}

// Intents returns the registered intent names, sorted. Advertised in the
// health endpoint and in the supported-intents error answer.
func (r *HandlerRegistry) Intents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for intent := range r.handlers {
		out = append(out, intent)
	}
	sort.Strings(out)
	return out
}

// approvalText renders the operator question for a pending request.
func (r *HandlerRegistry) approvalText(env *envelope.Envelope, payload json.RawMessage) string {
	if h, ok := r.Get(env.Intent); ok && h.ApprovalText != nil {
		return h.ApprovalText(env, payload)
	}
	return fmt.Sprintf("%s requests %s", env.From.Agent, env.Intent)
}

// formatResponse builds the follow-up result for a resolved approval.
func (r *HandlerRegistry) formatResponse(approved bool, reply string, env *envelope.Envelope) (*Result, error) {
	if h, ok := r.Get(env.Intent); ok && h.FormatResponse != nil {
		return h.FormatResponse(approved, reply, env)
	}

	typ := envelope.TypeReject
	if approved {
		typ = envelope.TypeResponse
	}
	payload, err := json.Marshal(map[string]any{
		"approved": approved,
		"reply":    reply,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Type: typ, Payload: payload}, nil
}
