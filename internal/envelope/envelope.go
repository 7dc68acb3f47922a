// Package envelope defines the wire unit exchanged between nodes and the
// codec that canonicalizes, signs, verifies, encrypts and decrypts it.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version emitted on every outbound envelope.
// LegacyVersion is accepted inbound for back-compat; legacy envelopes
// carry no nonce or expiresAt.
const (
	Version       = "1.0"
	LegacyVersion = "0.1"
)

// Type is the envelope type.
type Type string

const (
	TypePing        Type = "ping"
	TypeMessage     Type = "message"
	TypeRequest     Type = "request"
	TypeResponse    Type = "response"
	TypeConfirm     Type = "confirm"
	TypeReject      Type = "reject"
	TypeReceipt     Type = "receipt"
	TypeKeyRotation Type = "key_rotation"
	TypeInform      Type = "inform"
)

var knownTypes = map[Type]bool{
	TypePing: true, TypeMessage: true, TypeRequest: true, TypeResponse: true,
	TypeConfirm: true, TypeReject: true, TypeReceipt: true,
	TypeKeyRotation: true, TypeInform: true,
}

var (
	ErrInvalidEnvelope  = errors.New("invalid_envelope")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrDecryptionFailed = errors.New("decryption_failed")
)

// Party identifies one side of an exchange.
type Party struct {
	Agent string `json:"agent"`
	Human string `json:"human,omitempty"`
}

// Envelope is the single JSON document exchanged between nodes.
type Envelope struct {
	ProtoVersion          string          `json:"protoVersion"`
	ID                    string          `json:"id"`
	Nonce                 string          `json:"nonce,omitempty"`
	Timestamp             string          `json:"timestamp"`
	ExpiresAt             string          `json:"expiresAt,omitempty"`
	From                  Party           `json:"from"`
	To                    Party           `json:"to"`
	Conversation          string          `json:"conversation"`
	Type                  Type            `json:"type"`
	Intent                string          `json:"intent,omitempty"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	RequiresHumanApproval bool            `json:"requiresHumanApproval,omitempty"`
	Signature             string          `json:"signature,omitempty"`
}

// NewID returns a fresh envelope (or conversation) id.
func NewID() string { return uuid.NewString() }

// NewNonce returns a random 128-bit hex replay nonce.
func NewNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// FormatTime renders a timestamp the way envelopes carry them: RFC 3339 UTC
// with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTime accepts the timestamp formats peers are known to emit.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Time returns the envelope's timestamp as a time.Time.
func (e *Envelope) Time() (time.Time, error) {
	return ParseTime(e.Timestamp)
}

// Expiry returns the envelope's absolute cutoff, if one is set.
func (e *Envelope) Expiry() (time.Time, bool, error) {
	if e.ExpiresAt == "" {
		return time.Time{}, false, nil
	}
	t, err := ParseTime(e.ExpiresAt)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Validate checks the envelope shape. versionOK decides whether a
// protoVersion is on the configured allowlist. Legacy (0.1) envelopes are
// not required to carry a nonce.
func (e *Envelope) Validate(versionOK func(string) bool) error {
	switch {
	case e.ProtoVersion == "":
		return fmt.Errorf("%w: missing protoVersion", ErrInvalidEnvelope)
	case !versionOK(e.ProtoVersion):
		return fmt.Errorf("%w: unsupported protoVersion %q", ErrInvalidEnvelope, e.ProtoVersion)
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case e.Timestamp == "":
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	case e.From.Agent == "":
		return fmt.Errorf("%w: missing from.agent", ErrInvalidEnvelope)
	case e.To.Agent == "":
		return fmt.Errorf("%w: missing to.agent", ErrInvalidEnvelope)
	case e.Conversation == "":
		return fmt.Errorf("%w: missing conversation", ErrInvalidEnvelope)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case !knownTypes[e.Type]:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.ProtoVersion != LegacyVersion && e.Nonce == "" {
		return fmt.Errorf("%w: missing nonce", ErrInvalidEnvelope)
	}
	if _, err := e.Time(); err != nil {
		return fmt.Errorf("%w: bad timestamp: %v", ErrInvalidEnvelope, err)
	}
	if _, _, err := e.Expiry(); err != nil {
		return fmt.Errorf("%w: bad expiresAt: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// ReceiptStatus enumerates delivery receipt states.
type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "sent"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
	ReceiptFailed    ReceiptStatus = "failed"
)

// ReceiptPayload is the payload shape of type=receipt envelopes.
type ReceiptPayload struct {
	MessageID string        `json:"messageId"`
	Status    ReceiptStatus `json:"status"`
	Timestamp string        `json:"timestamp"`
}
