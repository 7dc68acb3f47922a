package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"
)

func acceptAll(string) bool { return true }

func sampleEnvelope() Envelope {
	return Envelope{
		ProtoVersion: Version,
		ID:           NewID(),
		Nonce:        NewNonce(),
		Timestamp:    FormatTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		From:         Party{Agent: "alice.example.com", Human: "Alice"},
		To:           Party{Agent: "bob.example.com"},
		Conversation: NewID(),
		Type:         TypeMessage,
		Payload:      json.RawMessage(`{"text":"hi"}`),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
		ok     bool
	}{
		{"valid", func(*Envelope) {}, true},
		{"missing id", func(e *Envelope) { e.ID = "" }, false},
		{"missing nonce", func(e *Envelope) { e.Nonce = "" }, false},
		{"legacy version skips nonce", func(e *Envelope) { e.ProtoVersion = LegacyVersion; e.Nonce = "" }, true},
		{"missing from", func(e *Envelope) { e.From.Agent = "" }, false},
		{"missing conversation", func(e *Envelope) { e.Conversation = "" }, false},
		{"unknown type", func(e *Envelope) { e.Type = "broadcast" }, false},
		{"bad timestamp", func(e *Envelope) { e.Timestamp = "yesterday" }, false},
		{"bad expiresAt", func(e *Envelope) { e.ExpiresAt = "soon" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := sampleEnvelope()
			tt.mutate(&env)
			err := env.Validate(acceptAll)
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestValidateRejectsUnlistedVersion(t *testing.T) {
	env := sampleEnvelope()
	err := env.Validate(func(v string) bool { return v == "2.0" })
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("Validate() = %v, want ErrInvalidEnvelope", err)
	}
}

func TestSigningBytesAreCanonical(t *testing.T) {
	env := sampleEnvelope()
	a, err := env.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	b, err := env.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("signing bytes are not deterministic")
	}

	// The signature never covers nonce, expiresAt or the approval flag.
	env.Nonce = NewNonce()
	env.ExpiresAt = FormatTime(time.Now().Add(time.Hour))
	env.RequiresHumanApproval = true
	c, err := env.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	if !bytes.Equal(a, c) {
		t.Error("signing bytes changed with unsigned fields")
	}

	if !strings.HasPrefix(string(a), "{") || strings.Contains(string(a), "\n") {
		t.Errorf("signing bytes not compact JSON: %s", a)
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	env := sampleEnvelope()
	if err := env.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := env.Verify([]ed25519.PublicKey{pub}); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// A signed field tamper must break verification.
	env.Payload = json.RawMessage(`{"text":"bye"}`)
	if err := env.Verify([]ed25519.PublicKey{pub}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Verify after tamper = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyAcceptsArchivedKey(t *testing.T) {
	oldPub, oldPriv, _ := ed25519.GenerateKey(rand.Reader)
	newPub, _, _ := ed25519.GenerateKey(rand.Reader)

	env := sampleEnvelope()
	if err := env.Sign(oldPriv); err != nil {
		t.Fatal(err)
	}
	// Verifier tries the current key first, then the archived one.
	if err := env.Verify([]ed25519.PublicKey{newPub, oldPub}); err != nil {
		t.Fatalf("Verify with archived key: %v", err)
	}
	if err := env.Verify([]ed25519.PublicKey{newPub}); err == nil {
		t.Fatal("Verify without the signing key succeeded")
	}
}

func TestSignWithMatchesSign(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	env := sampleEnvelope()
	if err := env.SignWith(func(data []byte) []byte { return ed25519.Sign(priv, data) }); err != nil {
		t.Fatal(err)
	}
	if err := env.Verify([]ed25519.PublicKey{pub}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestEncryptDecryptPayload(t *testing.T) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		t.Fatal(err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte(`{"amount":42,"currency":"EUR"}`)
	sealed, err := EncryptPayload(plaintext, pub)
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Fatal("sealed payload not recognized as encrypted")
	}
	if bytes.Contains(sealed, []byte("EUR")) {
		t.Fatal("plaintext leaked into sealed payload")
	}

	plain, err := DecryptPayload(sealed, priv)
	if err != nil {
		t.Fatalf("DecryptPayload: %v", err)
	}
	if !bytes.Equal(plain, plaintext) {
		t.Errorf("round trip = %s, want %s", plain, plaintext)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	priv := make([]byte, curve25519.ScalarSize)
	rand.Read(priv)
	pub, _ := curve25519.X25519(priv, curve25519.Basepoint)

	sealed, err := EncryptPayload([]byte(`{"x":1}`), pub)
	if err != nil {
		t.Fatal(err)
	}

	var enc EncryptedPayload
	if err := json.Unmarshal(sealed, &enc); err != nil {
		t.Fatal(err)
	}
	enc.Tag = enc.Nonce // wrong length and wrong bytes
	tampered, _ := json.Marshal(enc)

	if _, err := DecryptPayload(tampered, priv); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("DecryptPayload = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	priv := make([]byte, curve25519.ScalarSize)
	rand.Read(priv)
	pub, _ := curve25519.X25519(priv, curve25519.Basepoint)

	sealed, err := EncryptPayload([]byte(`{"x":1}`), pub)
	if err != nil {
		t.Fatal(err)
	}

	other := make([]byte, curve25519.ScalarSize)
	rand.Read(other)
	if _, err := DecryptPayload(sealed, other); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("DecryptPayload = %v, want ErrDecryptionFailed", err)
	}
}

func TestIsEncrypted(t *testing.T) {
	if IsEncrypted(json.RawMessage(`{"text":"hi"}`)) {
		t.Error("plain payload flagged as encrypted")
	}
	if !IsEncrypted(json.RawMessage(`{"_encrypted":true,"ciphertext":"x"}`)) {
		t.Error("encrypted payload not flagged")
	}
}

func TestSignedEncryptedPayloadVerifies(t *testing.T) {
	// Sign-over-ciphertext: the receiver verifies before decrypting.
	edPub, edPriv, _ := ed25519.GenerateKey(rand.Reader)
	xPriv := make([]byte, curve25519.ScalarSize)
	rand.Read(xPriv)
	xPub, _ := curve25519.X25519(xPriv, curve25519.Basepoint)

	env := sampleEnvelope()
	sealed, err := EncryptPayload(env.Payload, xPub)
	if err != nil {
		t.Fatal(err)
	}
	env.Payload = sealed
	if err := env.Sign(edPriv); err != nil {
		t.Fatal(err)
	}

	if err := env.Verify([]ed25519.PublicKey{edPub}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := DecryptPayload(env.Payload, xPriv); err != nil {
		t.Fatalf("DecryptPayload: %v", err)
	}
}
