package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// signedFields is the subset of the envelope covered by the signature.
// nonce, expiresAt, requiresHumanApproval and signature are deliberately
// excluded. When the payload is encrypted, the encrypted variant is what
// gets signed (sign-over-ciphertext).
type signedFields struct {
	ID           string          `json:"id"`
	Timestamp    string          `json:"timestamp"`
	From         Party           `json:"from"`
	To           Party           `json:"to"`
	Conversation string          `json:"conversation"`
	Type         Type            `json:"type"`
	Intent       *string         `json:"intent"`
	Payload      json.RawMessage `json:"payload"`
}

// SigningBytes returns the canonical byte string the signature covers:
// RFC 8785 (JCS) JSON of the signed subset -- lexicographic keys, no
// whitespace, minimal number encoding. Identical on sender and receiver.
func (e *Envelope) SigningBytes() ([]byte, error) {
	var intent *string
	if e.Intent != "" {
		intent = &e.Intent
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	raw, err := json.Marshal(signedFields{
		ID:           e.ID,
		Timestamp:    e.Timestamp,
		From:         e.From,
		To:           e.To,
		Conversation: e.Conversation,
		Type:         e.Type,
		Intent:       intent,
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal signed fields: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize signed fields: %w", err)
	}
	return canonical, nil
}

// Sign computes the Ed25519 signature over the canonical bytes and stores it
// base64-encoded on the envelope. Must be called after any payload
// encryption.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
	return nil
}

// SignWith signs using an external signing function (a key store).
func (e *Envelope) SignWith(sign func([]byte) []byte) error {
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(sign(data))
	return nil
}

// Verify checks the signature against every candidate public key, accepting
// the first match. Rotated-away keys stay valid for in-flight envelopes, so
// callers pass the current key followed by the archived ones.
func (e *Envelope) Verify(candidates []ed25519.PublicKey) error {
	if e.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad base64: %v", ErrInvalidSignature, err)
	}
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	for _, pub := range candidates {
		if len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, data, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}
