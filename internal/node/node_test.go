package node

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/config"
	"github.com/ai2ai-net/node/internal/contacts"
	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/events"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/notify"
)

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	return &config.Config{
		Name:               name,
		HumanName:          name + " operator",
		Port:               18800,
		Timeout:            5 * time.Second,
		MessageTTL:         time.Hour,
		AcceptedVersions:   []string{"1.0", "0.1"},
		DataDir:            t.TempDir(),
		RateLimit:          100,
		RateLimitWindow:    time.Minute,
		RotationInterval:   30 * 24 * time.Hour,
		EncryptionEnabled:  true,
		NonceRetention:     time.Hour,
		DedupTTL:           time.Hour,
		DedupCap:           1000,
		VerifyCacheTTL:     time.Minute,
		MaxRetries:         0,
		BaseDelay:          time.Millisecond,
		MaxDelay:           10 * time.Millisecond,
		BackoffFactor:      2,
		FailureThreshold:   5,
		ResetTimeout:       time.Second,
		HalfOpenMax:        1,
		QueuePoll:          10 * time.Millisecond,
		MaxInflight:        2,
		ApprovalTTL:        time.Hour,
		ConversationExpiry: time.Hour,
	}
}

// newTestNode builds a node and serves its ingress on an httptest listener.
func newTestNode(t *testing.T, name string) (*Node, *httptest.Server) {
	t.Helper()
	n, err := New(testConfig(t, name), logging.New(false), clock.Real{})
	if err != nil {
		t.Fatalf("new node %s: %v", name, err)
	}
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return n, srv
}

// exchangeKeys pings the peer and records its keys from the answer, the way
// a first capability exchange would.
func exchangeKeys(t *testing.T, from *Node, to string, endpoint string) {
	t.Helper()
	if _, err := from.AddContact(to, contacts.Contact{Endpoint: endpoint + "/ai2ai"}); err != nil {
		t.Fatalf("add contact %s: %v", to, err)
	}
	if _, err := from.Ping(context.Background(), to); err != nil {
		t.Fatalf("ping %s: %v", to, err)
	}
	c, ok := from.GetContact(to)
	if !ok || c.EdPublicKey == "" || c.XPublicKey == "" {
		t.Fatalf("peer keys not recorded after ping: %+v", c)
	}
}

func waitEvent(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	bob, srvB := newTestNode(t, "bob")

	exchangeKeys(t, alice, "bob", srvB.URL)

	ch, cancel := bob.On()
	defer cancel()

	plaintext := json.RawMessage(`{"text":"lunch at noon?"}`)
	res, err := alice.SendMessage(context.Background(), "bob", plaintext, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != "delivered" {
		t.Fatalf("status = %q, want delivered", res.Status)
	}
	if res.Response == nil || res.Response.Status != "ok" {
		t.Fatalf("peer answer = %+v", res.Response)
	}

	evt := waitEvent(t, ch, events.EventMessage)
	if evt.AgentID != "alice" {
		t.Errorf("event agent = %q", evt.AgentID)
	}
	// The payload must arrive decrypted even though it was sealed on the wire.
	if !bytes.Equal(evt.Payload, plaintext) {
		t.Errorf("event payload = %s, want %s", evt.Payload, plaintext)
	}
}

func TestRequestAutoHandledWhenTrusted(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	bob, srvB := newTestNode(t, "bob")

	bob.RegisterIntent("schedule.meeting", IntentHandler{
		Handle: func(_ context.Context, _ *envelope.Envelope, _ json.RawMessage) (*Result, error) {
			return &Result{Type: envelope.TypeConfirm, Payload: json.RawMessage(`{"slot":"12:00"}`)}, nil
		},
	})

	exchangeKeys(t, alice, "bob", srvB.URL)
	// Bob learned alice's key from the ping; promote her to trusted so the
	// handler runs without operator involvement.
	if err := bob.SetTrust("alice", contacts.TrustTrusted); err != nil {
		t.Fatalf("set trust: %v", err)
	}

	res, err := alice.Request(context.Background(), "bob", "schedule.meeting", json.RawMessage(`{"when":"tomorrow"}`), SendOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Response.Status != "ok" {
		t.Fatalf("peer answer status = %q: %+v", res.Response.Status, res.Response)
	}
	if res.Response.Type != string(envelope.TypeConfirm) {
		t.Errorf("answer type = %q, want confirm", res.Response.Type)
	}
	if len(res.Response.Payload) == 0 {
		t.Error("answer payload missing")
	}
}

func TestCommerceRequestAlwaysNeedsApproval(t *testing.T) {
	alice, srvA := newTestNode(t, "alice")
	bob, srvB := newTestNode(t, "bob")

	bob.RegisterIntent("commerce.purchase", IntentHandler{
		Handle: func(_ context.Context, _ *envelope.Envelope, _ json.RawMessage) (*Result, error) {
			t.Error("handler must not run before approval")
			return nil, nil
		},
	})

	exchangeKeys(t, alice, "bob", srvB.URL)
	if err := bob.SetTrust("alice", contacts.TrustTrusted); err != nil {
		t.Fatalf("set trust: %v", err)
	}

	res, err := alice.Request(context.Background(), "bob", "commerce.purchase", json.RawMessage(`{"item":"standing desk"}`), SendOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Response.Status != "pending_approval" {
		t.Fatalf("peer answer status = %q, want pending_approval", res.Response.Status)
	}

	pending := bob.PendingApprovals()
	if len(pending) != 1 {
		t.Fatalf("pending approvals = %d, want 1", len(pending))
	}

	// The approval answer travels back to alice as a response envelope.
	if _, err := bob.AddContact("alice", contacts.Contact{Endpoint: srvA.URL + "/ai2ai"}); err != nil {
		t.Fatalf("record alice endpoint: %v", err)
	}
	chA, cancel := alice.On()
	defer cancel()

	if err := bob.Approve(context.Background(), pending[0].ID, "go ahead"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	evt := waitEvent(t, chA, events.EventMessage)
	var answer struct {
		Approved bool   `json:"approved"`
		Reply    string `json:"reply"`
	}
	if err := json.Unmarshal(evt.Payload, &answer); err != nil {
		t.Fatalf("decode answer payload: %v", err)
	}
	if !answer.Approved || answer.Reply != "go ahead" {
		t.Errorf("answer = %+v", answer)
	}
}

func TestFirstContactRequestNeedsApproval(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	bob, srvB := newTestNode(t, "bob")

	bob.RegisterIntent("schedule.meeting", IntentHandler{
		Handle: func(_ context.Context, _ *envelope.Envelope, _ json.RawMessage) (*Result, error) {
			t.Error("handler must not run for a first contact")
			return nil, nil
		},
	})

	// No ping first: bob has never seen alice's key.
	if _, err := alice.AddContact("bob", contacts.Contact{Endpoint: srvB.URL + "/ai2ai"}); err != nil {
		t.Fatalf("add contact: %v", err)
	}

	res, err := alice.Request(context.Background(), "bob", "schedule.meeting", nil, SendOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Response.Status != "pending_approval" {
		t.Fatalf("peer answer status = %q, want pending_approval", res.Response.Status)
	}
}

func TestUnsupportedIntentListsAlternatives(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	bob, srvB := newTestNode(t, "bob")
	bob.RegisterIntent("schedule.meeting", IntentHandler{})

	if _, err := alice.AddContact("bob", contacts.Contact{Endpoint: srvB.URL + "/ai2ai"}); err != nil {
		t.Fatalf("add contact: %v", err)
	}

	res, err := alice.Request(context.Background(), "bob", "travel.booking", nil, SendOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Response.Status != "rejected" || res.Response.Reason != "unsupported_intent" {
		t.Fatalf("peer answer = %+v", res.Response)
	}
	var detail struct {
		SupportedIntents []string `json:"supported_intents"`
	}
	if err := json.Unmarshal(res.Response.Payload, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if len(detail.SupportedIntents) != 1 || detail.SupportedIntents[0] != "schedule.meeting" {
		t.Errorf("supported intents = %v", detail.SupportedIntents)
	}
}

func TestReplayAndDuplicateSuppression(t *testing.T) {
	bob, _ := newTestNode(t, "bob")
	handler := bob.Handler()

	env := envelope.Envelope{
		ProtoVersion: envelope.Version,
		ID:           "11111111-aaaa-bbbb-cccc-000000000001",
		Nonce:        envelope.NewNonce(),
		Timestamp:    envelope.FormatTime(time.Now()),
		From:         envelope.Party{Agent: "carol"},
		To:           envelope.Party{Agent: "bob"},
		Conversation: "22222222-aaaa-bbbb-cccc-000000000002",
		Type:         envelope.TypeMessage,
		Payload:      json.RawMessage(`{"text":"hi"}`),
	}

	post := func(body []byte) (*httptest.ResponseRecorder, apiResponse) {
		req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		var resp apiResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return rec, resp
	}

	body, _ := json.Marshal(env)
	rec, resp := post(body)
	if rec.Code != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("first post: code %d, status %q", rec.Code, resp.Status)
	}

	// Replaying the identical bytes reuses the nonce and rejects.
	rec, resp = post(body)
	if rec.Code != http.StatusBadRequest || resp.Reason != "replay_detected" {
		t.Fatalf("replayed post: code %d, reason %q, want 400 replay_detected", rec.Code, resp.Reason)
	}

	// A fresh nonce under the same id clears the replay filter and lands on
	// dedup instead, so a rebuilt retry answers 200.
	env.Nonce = envelope.NewNonce()
	body, _ = json.Marshal(env)
	rec, resp = post(body)
	if rec.Code != http.StatusOK {
		t.Fatalf("retried post: code %d, want 200", rec.Code)
	}
	if resp.Status != "duplicate" {
		t.Errorf("retried status = %q, want duplicate", resp.Status)
	}
}

func TestBlockedSenderRejected(t *testing.T) {
	bob, _ := newTestNode(t, "bob")
	if err := bob.Block("mallory"); err != nil {
		t.Fatalf("block: %v", err)
	}

	env := envelope.Envelope{
		ProtoVersion: envelope.Version,
		ID:           envelope.NewID(),
		Nonce:        envelope.NewNonce(),
		Timestamp:    envelope.FormatTime(time.Now()),
		From:         envelope.Party{Agent: "mallory"},
		To:           envelope.Party{Agent: "bob"},
		Conversation: envelope.NewID(),
		Type:         envelope.TypeMessage,
	}
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	bob.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", rec.Code)
	}
}

func TestBlockedRecipientNotSent(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	if err := alice.Block("bob"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := alice.SendMessage(context.Background(), "bob", nil, SendOptions{}); err == nil {
		t.Fatal("send to blocked recipient succeeded")
	}
}

func TestTransientFailureQueues(t *testing.T) {
	alice, _ := newTestNode(t, "alice")

	// Peer answers 503 on every attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	if _, err := alice.AddContact("bob", contacts.Contact{Endpoint: srv.URL + "/ai2ai"}); err != nil {
		t.Fatalf("add contact: %v", err)
	}

	res, err := alice.SendMessage(context.Background(), "bob", json.RawMessage(`{"text":"hi"}`), SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != "queued" {
		t.Fatalf("status = %q, want queued", res.Status)
	}
	if alice.queue.Len() != 1 {
		t.Errorf("queue depth = %d, want 1", alice.queue.Len())
	}
}

func TestHealthAndWellKnown(t *testing.T) {
	bob, _ := newTestNode(t, "bob")
	bob.RegisterIntent("schedule.meeting", IntentHandler{})

	req := httptest.NewRequest(http.MethodGet, "/ai2ai/health", nil)
	rec := httptest.NewRecorder()
	bob.Handler().ServeHTTP(rec, req)
	var health struct {
		Status   string   `json:"status"`
		Protocol string   `json:"protocol"`
		Agent    string   `json:"agent"`
		Intents  []string `json:"intents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "online" || health.Protocol != envelope.Version || health.Agent != "bob" {
		t.Errorf("health = %+v", health)
	}
	if len(health.Intents) != 1 {
		t.Errorf("intents = %v", health.Intents)
	}

	req = httptest.NewRequest(http.MethodGet, "/.well-known/ai2ai.json", nil)
	rec = httptest.NewRecorder()
	bob.Handler().ServeHTTP(rec, req)
	var desc struct {
		Agent       string `json:"agent"`
		PublicKey   string `json:"publicKey"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if desc.Agent != "bob" || desc.PublicKey == "" || desc.Fingerprint != bob.Fingerprint() {
		t.Errorf("descriptor = %+v", desc)
	}
}

func TestPingRecordsPeerKeys(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	bob, srvB := newTestNode(t, "bob")

	if _, err := alice.AddContact("bob", contacts.Contact{Endpoint: srvB.URL + "/ai2ai"}); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	res, err := alice.Ping(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Response == nil || res.Response.Status != "ok" {
		t.Fatalf("ping answer = %+v", res.Response)
	}

	var caps struct {
		PublicKey       string   `json:"publicKey"`
		X25519PublicKey string   `json:"x25519PublicKey"`
		Capabilities    []string `json:"capabilities"`
	}
	if err := json.Unmarshal(res.Response.Payload, &caps); err != nil {
		t.Fatalf("decode ping answer: %v", err)
	}
	if caps.PublicKey == "" || caps.X25519PublicKey == "" {
		t.Fatalf("answer payload missing keys: %+v", caps)
	}

	// The handshake alone must fill alice's contact record.
	c, ok := alice.GetContact("bob")
	if !ok {
		t.Fatal("bob missing from alice's contacts")
	}
	wantEd := base64.StdEncoding.EncodeToString(bob.keys.SigningPublic())
	wantX := base64.StdEncoding.EncodeToString(bob.keys.AgreementPublic())
	if c.EdPublicKey != wantEd {
		t.Errorf("signing key = %q, want %q", c.EdPublicKey, wantEd)
	}
	if c.XPublicKey != wantX {
		t.Errorf("agreement key = %q, want %q", c.XPublicKey, wantX)
	}
}

func TestDeliveryReceiptFlowsBack(t *testing.T) {
	alice, srvA := newTestNode(t, "alice")
	bob, srvB := newTestNode(t, "bob")

	exchangeKeys(t, alice, "bob", srvB.URL)
	// Bob needs alice's endpoint to answer with a receipt.
	if _, err := bob.AddContact("alice", contacts.Contact{Endpoint: srvA.URL + "/ai2ai"}); err != nil {
		t.Fatalf("record alice endpoint: %v", err)
	}

	chA, cancel := alice.On()
	defer cancel()

	res, err := alice.SendMessage(context.Background(), "bob", json.RawMessage(`{"text":"hi"}`), SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	evt := waitEvent(t, chA, events.EventReceipt)
	if evt.EnvelopeID != res.EnvelopeID {
		t.Errorf("receipt for %q, want %q", evt.EnvelopeID, res.EnvelopeID)
	}
	if evt.AgentID != "bob" {
		t.Errorf("receipt from %q, want bob", evt.AgentID)
	}
}

func TestForgedReceiptIgnored(t *testing.T) {
	bob, _ := newTestNode(t, "bob")
	handler := bob.Handler()

	post := func(payload string) (*httptest.ResponseRecorder, apiResponse) {
		env := envelope.Envelope{
			ProtoVersion: envelope.Version,
			ID:           envelope.NewID(),
			Nonce:        envelope.NewNonce(),
			Timestamp:    envelope.FormatTime(time.Now()),
			From:         envelope.Party{Agent: "mallory"},
			To:           envelope.Party{Agent: "bob"},
			Conversation: envelope.NewID(),
			Type:         envelope.TypeReceipt,
			Payload:      json.RawMessage(payload),
		}
		body, _ := json.Marshal(env)
		req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		var resp apiResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return rec, resp
	}

	// A receipt for an envelope this node never sent is dropped.
	_, resp := post(`{"messageId":"never-sent","status":"failed","timestamp":"2026-03-01T12:00:00Z"}`)
	if resp.Status != "ok" {
		t.Fatalf("unknown-envelope receipt answer = %+v", resp)
	}
	if _, tracked := bob.engine.Tracker().Get("never-sent"); tracked {
		t.Error("forged receipt planted tracker state")
	}

	// A status outside the receipt enum rejects.
	_, resp = post(`{"messageId":"never-sent","status":"exploded","timestamp":"2026-03-01T12:00:00Z"}`)
	if resp.Status != "rejected" || resp.Reason != "invalid_envelope" {
		t.Errorf("bad-status receipt answer = %+v", resp)
	}
}

func TestBuildNotifierLoadsChannelFile(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "channels.json")
	channels := fmt.Sprintf(`[
		{"id":"ops","type":"webhook","enabled":true,"settings":{"url":%q},"events":["approval_pending"]},
		{"id":"off","type":"telegram","enabled":false,"settings":{"bot_token":"t","chat_id":"1"}}
	]`, srv.URL)
	if err := os.WriteFile(path, []byte(channels), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, "alice")
	cfg.NotifyChannelsFile = path
	m := buildNotifier(cfg, logging.New(false))

	// Outside the channel's allowlist: filtered before the webhook fires.
	m.Notify(context.Background(), notify.Event{Type: notify.EventContactAdded, Timestamp: time.Now()})
	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Fatalf("filtered event hit the webhook %d times", got)
	}

	m.Notify(context.Background(), notify.Event{Type: notify.EventApprovalPending, AgentID: "carol", Timestamp: time.Now()})
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("webhook hits = %d, want 1", got)
	}
}
