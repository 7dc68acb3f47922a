// Package keys manages the node's long-lived Ed25519 signing keypair and
// X25519 key-agreement keypair, including rotation bookkeeping.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
)

// previousKeyRetention is how many archived Ed25519 public keys are kept
// after rotation. In-flight envelopes may still be signed with an old key.
const previousKeyRetention = 3

// Store owns the node's keypairs. All disk state lives under <dir>:
// agent.pub / agent.key (Ed25519, PEM), x25519.pub.der / x25519.key.der
// (raw 32-byte scalars), rotation-meta.json.
type Store struct {
	dir string

	mu     sync.Mutex
	edPub  ed25519.PublicKey
	edPriv ed25519.PrivateKey
	xPub   []byte
	xPriv  []byte
	meta   rotationMeta
}

type rotationMeta struct {
	LastRotationAt time.Time `json:"lastRotationAt"`
	// PreviousKeys holds base64 Ed25519 public keys, newest first.
	PreviousKeys []string `json:"previousKeys"`
}

// Open loads the keypairs from dir, generating and persisting fresh ones on
// first use. Private key files are written owner-read-only.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	s := &Store{dir: dir}

	if err := s.loadOrGenerateEd(); err != nil {
		return nil, err
	}
	if err := s.loadOrGenerateX(); err != nil {
		return nil, err
	}
	if err := s.loadMeta(); err != nil {
		return nil, err
	}
	return s, nil
}

// SigningPublic returns the current Ed25519 public key.
func (s *Store) SigningPublic() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edPub
}

// Sign signs data with the current Ed25519 private key.
func (s *Store) Sign(data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ed25519.Sign(s.edPriv, data)
}

// AgreementPublic returns the X25519 public key.
func (s *Store) AgreementPublic() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.xPub...)
}

// AgreementPrivate returns the X25519 private scalar. Callers must not
// persist or transmit it; it is handed to the envelope codec for ECDH only.
func (s *Store) AgreementPrivate() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.xPriv...)
}

// Fingerprint formats the SHA-256 of the Ed25519 public key as 8
// colon-separated groups of 4 hex characters, for out-of-band comparison.
func (s *Store) Fingerprint() string {
	return Fingerprint(s.SigningPublic())
}

// Fingerprint derives the human-comparable fingerprint for any Ed25519
// public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	h := hex.EncodeToString(sum[:])[:32]
	groups := make([]string, 0, 8)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, ":")
}

// PreviousKeys returns the archived Ed25519 public keys, newest first.
func (s *Store) PreviousKeys() []ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeKeys(s.meta.PreviousKeys)
}

// VerifyCandidates returns the current public key followed by all archived
// ones. Verifiers must accept a signature against any of them.
func (s *Store) VerifyCandidates() []ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ed25519.PublicKey{append(ed25519.PublicKey(nil), s.edPub...)}
	return append(out, decodeKeys(s.meta.PreviousKeys)...)
}

// NeedsRotation reports whether the signing key is older than the interval.
func (s *Store) NeedsRotation(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.meta.LastRotationAt) > interval
}

// Rotate archives the current Ed25519 public key, generates a fresh signing
// keypair and persists everything. Returns the new and the outgoing public
// key so the caller can announce the rotation to peers.
func (s *Store) Rotate(now time.Time) (newPub, previousPub ed25519.PublicKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}

	previousPub = s.edPub
	prev := append([]string{base64.StdEncoding.EncodeToString(s.edPub)}, s.meta.PreviousKeys...)
	if len(prev) > previousKeyRetention {
		prev = prev[:previousKeyRetention]
	}

	if err := s.writeEd(pub, priv); err != nil {
		return nil, nil, err
	}

	s.edPub = pub
	s.edPriv = priv
	s.meta.PreviousKeys = prev
	s.meta.LastRotationAt = now
	if err := s.writeMeta(); err != nil {
		return nil, nil, err
	}

	return pub, previousPub, nil
}

// VerifyAny reports whether sig verifies against any of the candidate keys.
func VerifyAny(data, sig []byte, candidates []ed25519.PublicKey) bool {
	for _, pub := range candidates {
		if len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, data, sig) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func (s *Store) loadOrGenerateEd() error {
	pubPath := filepath.Join(s.dir, "agent.pub")
	keyPath := filepath.Join(s.dir, "agent.key")

	if fileExists(pubPath) && fileExists(keyPath) {
		pub, priv, err := readEd(pubPath, keyPath)
		if err == nil {
			s.edPub, s.edPriv = pub, priv
			return nil
		}
		// Broken files -- regenerate below.
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	if err := s.writeEd(pub, priv); err != nil {
		return err
	}
	s.edPub, s.edPriv = pub, priv
	return nil
}

func (s *Store) writeEd(pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	if err := writeFileAtomic(filepath.Join(s.dir, "agent.pub"), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "agent.key"), privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

func readEd(pubPath, keyPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, err
	}
	privPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}

	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("agent.pub: no PEM block")
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("agent.pub: not an Ed25519 key")
	}

	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, nil, fmt.Errorf("agent.key: no PEM block")
	}
	privAny, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("agent.key: not an Ed25519 key")
	}

	return pub, priv, nil
}

func (s *Store) loadOrGenerateX() error {
	pubPath := filepath.Join(s.dir, "x25519.pub.der")
	keyPath := filepath.Join(s.dir, "x25519.key.der")

	if fileExists(pubPath) && fileExists(keyPath) {
		pub, err := os.ReadFile(pubPath)
		if err == nil && len(pub) == curve25519.PointSize {
			priv, err := os.ReadFile(keyPath)
			if err == nil && len(priv) == curve25519.ScalarSize {
				s.xPub, s.xPriv = pub, priv
				return nil
			}
		}
		// Broken files -- regenerate below.
	}

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return fmt.Errorf("generate agreement key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive agreement public key: %w", err)
	}

	if err := writeFileAtomic(pubPath, pub, 0o644); err != nil {
		return fmt.Errorf("write agreement public key: %w", err)
	}
	if err := writeFileAtomic(keyPath, priv, 0o600); err != nil {
		return fmt.Errorf("write agreement private key: %w", err)
	}
	s.xPub, s.xPriv = pub, priv
	return nil
}

func (s *Store) loadMeta() error {
	path := filepath.Join(s.dir, "rotation-meta.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// First run: the generation instant counts as the last rotation.
		s.meta = rotationMeta{LastRotationAt: time.Now().UTC()}
		return s.writeMeta()
	}
	if err != nil {
		return fmt.Errorf("read rotation meta: %w", err)
	}
	if err := json.Unmarshal(data, &s.meta); err != nil {
		return fmt.Errorf("parse rotation meta: %w", err)
	}
	return nil
}

func (s *Store) writeMeta() error {
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rotation meta: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "rotation-meta.json"), data, 0o600); err != nil {
		return fmt.Errorf("write rotation meta: %w", err)
	}
	return nil
}

func decodeKeys(encoded []string) []ed25519.PublicKey {
	out := make([]ed25519.PublicKey, 0, len(encoded))
	for _, e := range encoded {
		raw, err := base64.StdEncoding.DecodeString(e)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		out = append(out, ed25519.PublicKey(raw))
	}
	return out
}

// writeFileAtomic writes via a temp file in the same directory followed by
// rename, so readers never observe a torn write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
