// Package node wires the full ai2ai node: key store, contact registry,
// security filters, conversation store, delivery engine, queue worker,
// discovery client and the HTTP ingress, behind a small public API.
package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/config"
	"github.com/ai2ai-net/node/internal/contacts"
	"github.com/ai2ai-net/node/internal/conversations"
	"github.com/ai2ai-net/node/internal/delivery"
	"github.com/ai2ai-net/node/internal/discovery"
	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/events"
	"github.com/ai2ai-net/node/internal/filters"
	"github.com/ai2ai-net/node/internal/keys"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/notify"
	"github.com/ai2ai-net/node/internal/queue"
)

// heartbeatInterval is how often a registered node refreshes its registry
// entry. Must beat the registry's two-minute stale timeout.
const heartbeatInterval = 60 * time.Second

// Node is one ai2ai agent endpoint.
type Node struct {
	cfg      *config.Config
	logger   *logging.Logger
	log      *slog.Logger
	clk      clock.Clock
	bus      *events.Bus
	keys     *keys.Store
	contacts *contacts.Registry
	convs    *conversations.Store
	inbox    *conversations.Inbox
	chain    *filters.Chain
	queue    *queue.Queue
	dlq      *queue.DeadLetterStore
	engine   *delivery.Engine
	worker   *delivery.Worker
	disco    *discovery.Client
	notifier *notify.Multi
	handlers *HandlerRegistry
	sweeper  *conversations.Sweeper

	httpSrv *http.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from configuration. All disk-backed stores are opened
// (and created on first run) under cfg.DataDir.
func New(cfg *config.Config, log *logging.Logger, clk clock.Clock) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	bus := events.New()

	keyStore, err := keys.Open(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	contactReg, err := contacts.Open(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("open contacts: %w", err)
	}
	convStore, err := conversations.Open(filepath.Join(cfg.DataDir, "conversations"), cfg.ConversationExpiry, log)
	if err != nil {
		return nil, fmt.Errorf("open conversations: %w", err)
	}
	inbox, err := conversations.OpenInbox(filepath.Join(cfg.DataDir, "pending"), cfg.ApprovalTTL, bus, log)
	if err != nil {
		return nil, fmt.Errorf("open approvals: %w", err)
	}
	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue"), log)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	dlq, err := queue.OpenDeadLetters(filepath.Join(cfg.DataDir, "dlq"), log)
	if err != nil {
		return nil, fmt.Errorf("open dead letters: %w", err)
	}

	chain, err := filters.NewChain(contactReg, contactReg, filters.Options{
		MessageTTL:     cfg.MessageTTL,
		RateLimit:      cfg.RateLimit,
		RateWindow:     cfg.RateLimitWindow,
		NonceRetention: cfg.NonceRetention,
		DedupCap:       cfg.DedupCap,
		DedupTTL:       cfg.DedupTTL,
		VerifyCacheTTL: cfg.VerifyCacheTTL,
		VersionOK:      cfg.VersionAccepted,
	})
	if err != nil {
		return nil, fmt.Errorf("build filter chain: %w", err)
	}

	tracker, err := delivery.NewTracker(bus)
	if err != nil {
		return nil, fmt.Errorf("build tracker: %w", err)
	}
	breakers := delivery.NewBreakerSet(delivery.BreakerOptions{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		HalfOpenMax:      cfg.HalfOpenMax,
	}, bus, log)
	engine := delivery.NewEngine(breakers, tracker, clk, log, delivery.Options{
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Factor:     cfg.BackoffFactor,
	})
	worker := delivery.NewWorker(q, dlq, engine, clk, log, delivery.WorkerOptions{
		PollInterval: cfg.QueuePoll,
		MaxInflight:  cfg.MaxInflight,
	})

	var registryClient *discovery.RegistryClient
	if cfg.Registry != "" {
		registryClient = discovery.NewRegistryClient(cfg.Registry, cfg.Timeout)
	}
	disco := discovery.New(registryClient, log)

	n := &Node{
		cfg:      cfg,
		logger:   log,
		log:      log.With("component", "node"),
		clk:      clk,
		bus:      bus,
		keys:     keyStore,
		contacts: contactReg,
		convs:    convStore,
		inbox:    inbox,
		chain:    chain,
		queue:    q,
		dlq:      dlq,
		engine:   engine,
		worker:   worker,
		disco:    disco,
		notifier: buildNotifier(cfg, log),
		handlers: NewHandlerRegistry(),
	}

	n.sweeper = conversations.NewSweeper(convStore, inbox, clk, log)
	n.sweeper.OnExpired = n.onConversationsExpired
	n.sweeper.OnAutoRejected = n.onApprovalsAutoRejected
	n.sweeper.OnSweep = n.maintain
	return n, nil
}

// buildNotifier assembles the operator notification chain: the structured
// log always, the webhook and MQTT shortcuts when configured, plus every
// enabled channel from the channel file. A broken channel definition is
// logged and skipped rather than failing node construction.
func buildNotifier(cfg *config.Config, log *logging.Logger) *notify.Multi {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, nil))
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "", "", "", 0))
	}
	if cfg.NotifyChannelsFile != "" {
		channels, err := notify.LoadChannels(cfg.NotifyChannelsFile)
		if err != nil {
			log.Error("notification channel file unusable", "path", cfg.NotifyChannelsFile, "error", err)
		}
		for _, ch := range channels {
			if !ch.Enabled {
				continue
			}
			n, err := notify.BuildFilteredNotifier(ch)
			if err != nil {
				masked := notify.MaskSecrets(ch)
				log.Error("notification channel skipped", "id", ch.ID, "type", string(ch.Type), "settings", string(masked.Settings), "error", err)
				continue
			}
			log.Info("notification channel configured", "id", ch.ID, "type", string(ch.Type), "events", len(ch.Events))
			notifiers = append(notifiers, n)
		}
	}
	return notify.NewMulti(log, notifiers...)
}

// Start binds the HTTP listener and launches the background loops. It
// returns once the node is serving; the listener runs until Stop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return fmt.Errorf("node already started")
	}
	ctx, n.cancel = context.WithCancel(ctx)

	if err := n.startIngress(); err != nil {
		n.cancel()
		n.cancel = nil
		return err
	}

	n.worker.Start(ctx)
	if err := n.sweeper.Start(time.Hour); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	if reg := n.disco.Registry(); reg != nil {
		n.wg.Add(1)
		go n.heartbeatLoop(ctx, reg)
	}

	n.wg.Add(1)
	go n.watchFailures(ctx)

	n.log.Info("node started",
		"agent", n.cfg.Name,
		"port", n.cfg.Port,
		"fingerprint", n.keys.Fingerprint(),
	)
	return nil
}

// Stop drains the node: close the listener, stop the queue worker and
// sweeper, and wait for background loops. Pending queue entries survive
// into the next run.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	var err error
	if n.httpSrv != nil {
		err = n.httpSrv.Shutdown(ctx)
	}
	n.worker.Stop()
	n.sweeper.Stop()
	n.wg.Wait()

	if reg := n.disco.Registry(); reg != nil {
		dctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if derr := reg.Deregister(dctx, n.cfg.Name); derr != nil {
			n.log.Warn("deregister failed", "error", derr)
		}
	}

	n.log.Info("node stopped", "agent", n.cfg.Name)
	return err
}

// On subscribes to node events. The cancel function must be called when the
// subscriber is done.
func (n *Node) On() (<-chan events.Event, func()) {
	return n.bus.Subscribe()
}

// RegisterIntent binds a handler for an inbound request intent.
func (n *Node) RegisterIntent(intent string, h IntentHandler) {
	n.handlers.Register(intent, h)
}

// Fingerprint returns the node's key fingerprint for out-of-band comparison.
func (n *Node) Fingerprint() string { return n.keys.Fingerprint() }

// AddContact records or updates a peer.
func (n *Node) AddContact(agentID string, info contacts.Contact) (*contacts.Contact, error) {
	c, err := n.contacts.Upsert(agentID, info, n.clk.Now())
	if err != nil {
		return nil, err
	}
	n.notifier.Notify(context.Background(), notify.Event{
		Type:      notify.EventContactAdded,
		AgentID:   agentID,
		Timestamp: n.clk.Now(),
	})
	return c, nil
}

// GetContact returns a peer record.
func (n *Node) GetContact(agentID string) (*contacts.Contact, bool) {
	return n.contacts.Get(agentID)
}

// Block puts a peer on the blocklist, gating both directions.
func (n *Node) Block(agentID string) error { return n.contacts.Block(agentID) }

// Unblock removes a peer from the blocklist.
func (n *Node) Unblock(agentID string) error { return n.contacts.Unblock(agentID) }

// SetTrust changes a peer's trust level.
func (n *Node) SetTrust(agentID string, level contacts.TrustLevel) error {
	return n.contacts.SetTrust(agentID, level)
}

// Discover searches the configured registry.
func (n *Node) Discover(ctx context.Context, capability, name string) ([]discovery.Agent, error) {
	reg := n.disco.Registry()
	if reg == nil {
		return nil, fmt.Errorf("no registry configured")
	}
	return reg.Search(ctx, capability, name)
}

// Approve resolves a pending approval in the operator's favor and sends the
// follow-up envelope to the requester.
func (n *Node) Approve(ctx context.Context, approvalID, reply string) error {
	return n.resolveApproval(ctx, approvalID, true, reply)
}

// Reject resolves a pending approval against the requester.
func (n *Node) Reject(ctx context.Context, approvalID, reason string) error {
	return n.resolveApproval(ctx, approvalID, false, reason)
}

// PendingApprovals lists unresolved approvals in creation order.
func (n *Node) PendingApprovals() []conversations.Approval {
	return n.inbox.Pending()
}

// DeadLetters lists abandoned deliveries.
func (n *Node) DeadLetters() []queue.DeadLetter {
	return n.dlq.List()
}

// RetryDeadLetters attempts each dead letter once, removing successes.
func (n *Node) RetryDeadLetters(ctx context.Context) (retried, succeeded int) {
	return n.dlq.RetryAll(func(dl queue.DeadLetter) error {
		endpoint, err := n.resolveEndpoint(ctx, dl.Envelope.To.Agent)
		if err != nil {
			return err
		}
		_, err = n.engine.Send(ctx, endpoint, &dl.Envelope)
		return err
	})
}

func (n *Node) resolveApproval(ctx context.Context, approvalID string, approved bool, reply string) error {
	a, err := n.inbox.Resolve(approvalID, approved, reply, n.clk.Now())
	if err != nil {
		return err
	}

	result, err := n.handlers.formatResponse(approved, reply, &a.Envelope)
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}

	target := a.Envelope.From.Agent
	state := conversations.StateRejected
	switch result.Type {
	case envelope.TypeConfirm:
		state = conversations.StateConfirmed
	case envelope.TypeResponse:
		state = conversations.StateNegotiating
	}
	if _, terr := n.convs.Transition(a.Envelope.Conversation, state, n.clk.Now()); terr != nil {
		n.log.Warn("conversation transition after approval", "conversation", a.Envelope.Conversation, "error", terr)
	}

	_, err = n.deliver(ctx, target, outbound{
		Type:         result.Type,
		Intent:       a.Envelope.Intent,
		Conversation: a.Envelope.Conversation,
		Payload:      result.Payload,
	})
	return err
}

// heartbeatLoop keeps the registry entry fresh while the node runs.
func (n *Node) heartbeatLoop(ctx context.Context, reg *discovery.RegistryClient) {
	defer n.wg.Done()

	agent := discovery.Agent{
		ID:           n.cfg.Name,
		Endpoint:     fmt.Sprintf("http://%s:%d/ai2ai", n.cfg.Name, n.cfg.Port),
		Name:         n.cfg.Name,
		HumanName:    n.cfg.HumanName,
		PublicKey:    base64.StdEncoding.EncodeToString(n.keys.SigningPublic()),
		Capabilities: n.handlers.Intents(),
	}
	if err := reg.Register(ctx, agent); err != nil {
		n.log.Warn("registry registration failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.clk.After(heartbeatInterval):
		}
		if err := reg.Heartbeat(ctx, n.cfg.Name); err != nil {
			n.log.Warn("registry heartbeat failed", "error", err)
			// Re-register: the entry may have gone stale and been dropped.
			if rerr := reg.Register(ctx, agent); rerr != nil {
				n.log.Warn("registry re-registration failed", "error", rerr)
			}
		}
	}
}

// watchFailures turns terminal delivery failures into operator
// notifications.
func (n *Node) watchFailures(ctx context.Context) {
	defer n.wg.Done()
	ch, cancel := n.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if evt.Type != events.EventFailed {
				continue
			}
			n.notifier.Notify(ctx, notify.Event{
				Type:      notify.EventDeliveryFailed,
				AgentID:   evt.AgentID,
				Summary:   fmt.Sprintf("delivery of %s abandoned", evt.EnvelopeID),
				Error:     evt.Error,
				Timestamp: evt.Timestamp,
			})
		}
	}
}

// maintain runs with every sweeper pass: evict idle filter state and rotate
// keys when due.
func (n *Node) maintain(now time.Time) {
	n.chain.Sweep(now)

	if n.keys.NeedsRotation(now, n.cfg.RotationInterval) {
		if err := n.rotateKeys(now); err != nil {
			n.log.Error("key rotation failed", "error", err)
		}
	}
}

// rotateKeys rotates the signing keypair and announces the new key to every
// unblocked contact whose key we know.
func (n *Node) rotateKeys(now time.Time) error {
	newPub, _, err := n.keys.Rotate(now)
	if err != nil {
		return err
	}
	n.log.Info("signing key rotated", "fingerprint", n.keys.Fingerprint())

	payload, err := json.Marshal(map[string]string{
		"newPublicKey": base64.StdEncoding.EncodeToString(newPub),
		"fingerprint":  n.keys.Fingerprint(),
	})
	if err != nil {
		return err
	}

	ctx, done := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer done()
	for _, c := range n.contacts.All() {
		if c.Blocked || c.EdPublicKey == "" || c.Endpoint == "" {
			continue
		}
		if _, err := n.deliver(ctx, c.AgentID, outbound{
			Type:    envelope.TypeKeyRotation,
			Payload: payload,
		}); err != nil {
			n.log.Warn("key rotation announcement failed", "agent", c.AgentID, "error", err)
		}
	}

	n.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventKeyRotated,
		Timestamp: now,
	})
	return nil
}

func (n *Node) onConversationsExpired(ids []string) {
	ctx := context.Background()
	for _, id := range ids {
		c, err := n.convs.Get(id)
		if err != nil {
			continue
		}
		agent := c.Recipient
		if c.Initiator != n.cfg.Name {
			agent = c.Initiator
		}
		n.notifier.Notify(ctx, notify.Event{
			Type:         notify.EventConversationExpired,
			Conversation: id,
			AgentID:      agent,
			Intent:       c.Intent,
			Timestamp:    n.clk.Now(),
		})
	}
}

func (n *Node) onApprovalsAutoRejected(approvals []conversations.Approval) {
	ctx, done := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer done()
	for _, a := range approvals {
		if _, err := n.convs.Transition(a.Envelope.Conversation, conversations.StateRejected, n.clk.Now()); err != nil {
			n.log.Warn("conversation transition after auto-reject", "conversation", a.Envelope.Conversation, "error", err)
		}
		result, err := n.handlers.formatResponse(false, "approval expired", &a.Envelope)
		if err != nil {
			continue
		}
		if _, err := n.deliver(ctx, a.Envelope.From.Agent, outbound{
			Type:         result.Type,
			Intent:       a.Envelope.Intent,
			Conversation: a.Envelope.Conversation,
			Payload:      result.Payload,
		}); err != nil {
			n.log.Warn("auto-reject answer failed", "agent", a.Envelope.From.Agent, "error", err)
		}
		n.notifier.Notify(ctx, notify.Event{
			Type:       notify.EventApprovalExpired,
			ApprovalID: a.ID,
			AgentID:    a.Envelope.From.Agent,
			Intent:     a.Envelope.Intent,
			Timestamp:  n.clk.Now(),
		})
	}
}
