package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ai2ai-net/node/internal/contacts"
	"github.com/ai2ai-net/node/internal/conversations"
	"github.com/ai2ai-net/node/internal/delivery"
	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/queue"
)

// ErrRecipientBlocked gates outbound sends to blocklisted peers.
var ErrRecipientBlocked = errors.New("recipient is blocked")

// SendOptions tune one outbound send.
type SendOptions struct {
	// Conversation continues an existing thread. Empty starts a new one.
	Conversation string
	// TTL sets the envelope's expiresAt and caps how long a queued retry
	// stays alive. Zero means no cutoff.
	TTL time.Duration
	// RequiresHumanApproval asks the peer to put the envelope before its
	// operator.
	RequiresHumanApproval bool
}

// SendResult reports what happened to an outbound envelope. Status is
// "delivered" when the peer acknowledged it and "queued" when delivery
// failed transiently and the envelope went to the retry queue.
type SendResult struct {
	Status       string
	EnvelopeID   string
	Conversation string
	Response     *delivery.Response
}

// outbound is the internal shape of one send before envelope assembly.
type outbound struct {
	Type         envelope.Type
	Intent       string
	Conversation string
	Payload      json.RawMessage
	TTL          time.Duration
	Approval     bool
}

// SendMessage sends a free-form message envelope.
func (n *Node) SendMessage(ctx context.Context, to string, payload json.RawMessage, opts SendOptions) (*SendResult, error) {
	return n.deliver(ctx, to, outbound{
		Type:         envelope.TypeMessage,
		Conversation: opts.Conversation,
		Payload:      payload,
		TTL:          opts.TTL,
		Approval:     opts.RequiresHumanApproval,
	})
}

// Request opens (or continues) a conversation with an intent request.
func (n *Node) Request(ctx context.Context, to, intent string, payload json.RawMessage, opts SendOptions) (*SendResult, error) {
	if intent == "" {
		return nil, fmt.Errorf("request needs an intent")
	}
	return n.deliver(ctx, to, outbound{
		Type:         envelope.TypeRequest,
		Intent:       intent,
		Conversation: opts.Conversation,
		Payload:      payload,
		TTL:          opts.TTL,
		Approval:     opts.RequiresHumanApproval,
	})
}

// Inform sends a one-way notification envelope.
func (n *Node) Inform(ctx context.Context, to string, payload json.RawMessage, opts SendOptions) (*SendResult, error) {
	return n.deliver(ctx, to, outbound{
		Type:         envelope.TypeInform,
		Conversation: opts.Conversation,
		Payload:      payload,
		TTL:          opts.TTL,
	})
}

// Ping exchanges capabilities with a peer. The answer payload carries the
// peer's keys and intents, which are recorded on the contact so later
// traffic verifies and encrypts in both directions.
func (n *Node) Ping(ctx context.Context, to string) (*SendResult, error) {
	payload, err := json.Marshal(n.capabilities())
	if err != nil {
		return nil, err
	}
	res, err := n.deliver(ctx, to, outbound{Type: envelope.TypePing, Payload: payload})
	if err != nil {
		return nil, err
	}
	if res.Response != nil && len(res.Response.Payload) > 0 {
		var peer struct {
			Human        string   `json:"human"`
			PublicKey    string   `json:"publicKey"`
			XPublicKey   string   `json:"x25519PublicKey"`
			Capabilities []string `json:"capabilities"`
		}
		if err := json.Unmarshal(res.Response.Payload, &peer); err == nil && peer.PublicKey != "" {
			if _, err := n.contacts.Upsert(to, contacts.Contact{
				HumanName:    peer.Human,
				EdPublicKey:  peer.PublicKey,
				XPublicKey:   peer.XPublicKey,
				Capabilities: peer.Capabilities,
			}, n.clk.Now()); err != nil {
				n.log.Warn("record ping answer", "agent", to, "error", err)
			}
		}
	}
	return res, nil
}

// deliver runs the outbound pipeline: blocklist, endpoint resolution,
// conversation bookkeeping, envelope assembly, payload encryption, signing
// and delivery with fallback to the retry queue.
func (n *Node) deliver(ctx context.Context, to string, o outbound) (*SendResult, error) {
	if n.contacts.IsBlocked(to) {
		return nil, fmt.Errorf("%w: %s", ErrRecipientBlocked, to)
	}

	endpoint, err := n.resolveEndpoint(ctx, to)
	if err != nil {
		return nil, err
	}

	now := n.clk.Now()
	conv := o.Conversation
	if conv == "" {
		conv = envelope.NewID()
	}
	if _, err := n.convs.Create(conv, conversations.CreateParams{
		Intent:    o.Intent,
		Initiator: n.cfg.Name,
		Recipient: to,
	}, now); err != nil {
		return nil, fmt.Errorf("record conversation: %w", err)
	}

	env := &envelope.Envelope{
		ProtoVersion:          envelope.Version,
		ID:                    envelope.NewID(),
		Nonce:                 envelope.NewNonce(),
		Timestamp:             envelope.FormatTime(now),
		From:                  envelope.Party{Agent: n.cfg.Name, Human: n.cfg.HumanName},
		To:                    envelope.Party{Agent: to},
		Conversation:          conv,
		Type:                  o.Type,
		Intent:                o.Intent,
		Payload:               o.Payload,
		RequiresHumanApproval: o.Approval,
	}
	if o.TTL > 0 {
		env.ExpiresAt = envelope.FormatTime(now.Add(o.TTL))
	}

	// Encrypt before signing so the signature covers the ciphertext.
	if err := n.encryptFor(env, to); err != nil {
		return nil, err
	}
	if err := env.SignWith(n.keys.Sign); err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}

	if err := n.convs.Append(conv, env, now); err != nil {
		n.log.Warn("record outbound envelope", "conversation", conv, "error", err)
	}
	n.engine.Tracker().Set(env.ID, delivery.StateSent, to, now)

	resp, err := n.engine.SendWithRetry(ctx, endpoint, env)
	if err != nil {
		if errors.Is(err, delivery.ErrPermanent) || ctx.Err() != nil {
			return nil, err
		}
		if _, qerr := n.queue.Enqueue(*env, endpoint, queue.EnqueueOptions{TTL: o.TTL}, n.clk.Now()); qerr != nil {
			return nil, fmt.Errorf("queue after delivery failure: %w", qerr)
		}
		n.log.Info("delivery deferred to queue", "envelope", env.ID, "agent", to, "error", err)
		return &SendResult{Status: "queued", EnvelopeID: env.ID, Conversation: conv}, nil
	}

	return &SendResult{
		Status:       "delivered",
		EnvelopeID:   env.ID,
		Conversation: conv,
		Response:     resp,
	}, nil
}

// resolveEndpoint finds a peer's envelope endpoint: the contact record first,
// then discovery. Discovered endpoints are cached on the contact.
func (n *Node) resolveEndpoint(ctx context.Context, agentID string) (string, error) {
	if c, ok := n.contacts.Get(agentID); ok && c.Endpoint != "" {
		return c.Endpoint, nil
	}
	endpoint, err := n.disco.Resolve(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", agentID, err)
	}
	if _, err := n.contacts.Upsert(agentID, contacts.Contact{Endpoint: endpoint}, n.clk.Now()); err != nil {
		n.log.Warn("cache discovered endpoint", "agent", agentID, "error", err)
	}
	return endpoint, nil
}

// encryptFor seals env.Payload for the recipient when encryption is on and
// the recipient's agreement key is known. Envelopes without a payload and
// peers without a known key go out in the clear.
func (n *Node) encryptFor(env *envelope.Envelope, to string) error {
	if !n.cfg.EncryptionEnabled || len(env.Payload) == 0 {
		return nil
	}
	c, ok := n.contacts.Get(to)
	if !ok || c.XPublicKey == "" {
		return nil
	}
	pub, err := base64.StdEncoding.DecodeString(c.XPublicKey)
	if err != nil {
		return fmt.Errorf("bad agreement key for %s: %w", to, err)
	}
	sealed, err := envelope.EncryptPayload(env.Payload, pub)
	if err != nil {
		return fmt.Errorf("encrypt payload for %s: %w", to, err)
	}
	env.Payload = sealed
	return nil
}

// capabilities is the descriptor shared in ping answers and well-known.
func (n *Node) capabilities() map[string]any {
	return map[string]any{
		"agent":           n.cfg.Name,
		"human":           n.cfg.HumanName,
		"publicKey":       base64.StdEncoding.EncodeToString(n.keys.SigningPublic()),
		"x25519PublicKey": base64.StdEncoding.EncodeToString(n.keys.AgreementPublic()),
		"fingerprint":     n.keys.Fingerprint(),
		"capabilities":    n.handlers.Intents(),
	}
}
