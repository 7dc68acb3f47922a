package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the HKDF info label. Fixed by the protocol; both sides must
// derive the same AEAD key.
const hkdfInfo = "ai2ai-payload-encryption"

const gcmTagSize = 16

// EncryptedPayload replaces the plaintext payload when encryption applies.
// All binary fields are standard base64.
type EncryptedPayload struct {
	Encrypted    bool   `json:"_encrypted"`
	EphemeralPub string `json:"ephemeralPub"`
	Nonce        string `json:"nonce"`
	Ciphertext   string `json:"ciphertext"`
	Tag          string `json:"tag"`
}

// IsEncrypted reports whether a raw payload carries the encrypted variant.
func IsEncrypted(payload json.RawMessage) bool {
	var probe struct {
		Encrypted bool `json:"_encrypted"`
	}
	return json.Unmarshal(payload, &probe) == nil && probe.Encrypted
}

// EncryptPayload seals the plaintext payload for the recipient:
// ephemeral X25519 keypair -> ECDH with the recipient's public key ->
// HKDF-SHA256 (empty salt, fixed info label) -> AES-256-GCM with a random
// 96-bit nonce. Returns the encrypted payload variant as raw JSON.
func EncryptPayload(plaintext []byte, recipientPub []byte) (json.RawMessage, error) {
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}

	key, err := deriveKey(ephPriv, recipientPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// Go appends the tag to the ciphertext; the wire format carries it
	// separately.
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	out, err := json.Marshal(EncryptedPayload{
		Encrypted:    true,
		EphemeralPub: base64.StdEncoding.EncodeToString(ephPub),
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:   base64.StdEncoding.EncodeToString(ct),
		Tag:          base64.StdEncoding.EncodeToString(tag),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal encrypted payload: %w", err)
	}
	return out, nil
}

// DecryptPayload is the dual of EncryptPayload. AEAD verification failure is
// a hard reject: the error wraps ErrDecryptionFailed and no plaintext is
// ever returned on a tag mismatch.
func DecryptPayload(payload json.RawMessage, priv []byte) ([]byte, error) {
	var enc EncryptedPayload
	if err := json.Unmarshal(payload, &enc); err != nil || !enc.Encrypted {
		return nil, fmt.Errorf("%w: not an encrypted payload", ErrDecryptionFailed)
	}

	ephPub, err := base64.StdEncoding.DecodeString(enc.EphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeralPub: %v", ErrDecryptionFailed, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce: %v", ErrDecryptionFailed, err)
	}
	ct, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext: %v", ErrDecryptionFailed, err)
	}
	tag, err := base64.StdEncoding.DecodeString(enc.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag: %v", ErrDecryptionFailed, err)
	}

	key, err := deriveKey(priv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size %d", ErrDecryptionFailed, len(nonce))
	}

	plain, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// deriveKey runs X25519 ECDH then HKDF-SHA256 with an empty salt and the
// protocol's info label, yielding the 32-byte AES-256 key.
func deriveKey(priv, peerPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
