package contacts

import (
	"testing"
	"time"

	"github.com/ai2ai-net/node/internal/logging"
)

func openRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	r, err := Open(dir, logging.New(false))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return r
}

func TestUpsertMergesWithoutClobbering(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := openRegistry(t, t.TempDir())

	if _, err := r.Upsert("alice.example.com", Contact{
		HumanName:   "Alice",
		Endpoint:    "https://alice/ai2ai",
		EdPublicKey: "key-one",
	}, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later partial update must not erase what we already know.
	later := now.Add(time.Hour)
	c, err := r.Upsert("alice.example.com", Contact{Timezone: "Europe/Berlin"}, later)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if c.HumanName != "Alice" || c.Endpoint != "https://alice/ai2ai" || c.EdPublicKey != "key-one" {
		t.Errorf("merged contact = %+v", c)
	}
	if c.Timezone != "Europe/Berlin" || !c.LastSeen.Equal(later) {
		t.Errorf("new fields not applied: %+v", c)
	}
	if c.TrustLevel != TrustNone {
		t.Errorf("new contact trust = %q, want none", c.TrustLevel)
	}
}

func TestSetTrust(t *testing.T) {
	r := openRegistry(t, t.TempDir())
	now := time.Now()
	r.Upsert("alice.example.com", Contact{}, now)

	if err := r.SetTrust("alice.example.com", TrustTrusted); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	c, _ := r.Get("alice.example.com")
	if c.TrustLevel != TrustTrusted {
		t.Errorf("trust = %q", c.TrustLevel)
	}

	if err := r.SetTrust("alice.example.com", "absolute"); err == nil {
		t.Error("invalid trust level accepted")
	}
	if err := r.SetTrust("nobody", TrustKnown); err == nil {
		t.Error("trust set on unknown contact")
	}
}

func TestBlocklist(t *testing.T) {
	r := openRegistry(t, t.TempDir())

	// Blocking does not require a contact record.
	if err := r.Block("mallory.example.com"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if !r.IsBlocked("mallory.example.com") {
		t.Fatal("blocked agent not reported")
	}
	if err := r.Unblock("mallory.example.com"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if r.IsBlocked("mallory.example.com") {
		t.Fatal("unblocked agent still blocked")
	}
}

func TestRotateKeyArchivesPrevious(t *testing.T) {
	r := openRegistry(t, t.TempDir())
	now := time.Now()
	r.Upsert("alice.example.com", Contact{EdPublicKey: "key-1"}, now)

	for _, k := range []string{"key-2", "key-3", "key-4", "key-5"} {
		if err := r.RotateKey("alice.example.com", k); err != nil {
			t.Fatalf("rotate to %s: %v", k, err)
		}
	}

	// Current first, then the newest three archived keys.
	got := r.KeyCandidates("alice.example.com")
	want := []string{"key-5", "key-4", "key-3", "key-2"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}

	if err := r.RotateKey("nobody", "key-x"); err == nil {
		t.Error("rotation accepted for unknown contact")
	}
}

func TestKeyCandidatesEmptyOnFirstContact(t *testing.T) {
	r := openRegistry(t, t.TempDir())
	now := time.Now()
	r.Upsert("alice.example.com", Contact{Endpoint: "https://alice"}, now)

	if got := r.KeyCandidates("alice.example.com"); got != nil {
		t.Errorf("candidates for keyless contact = %v, want nil", got)
	}
	if got := r.KeyCandidates("stranger"); got != nil {
		t.Errorf("candidates for unknown agent = %v, want nil", got)
	}
}

func TestRegistrySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	r := openRegistry(t, dir)
	r.Upsert("alice.example.com", Contact{HumanName: "Alice", EdPublicKey: "key-1"}, now)
	r.SetTrust("alice.example.com", TrustTrusted)
	r.Block("mallory.example.com")

	r2 := openRegistry(t, dir)
	c, ok := r2.Get("alice.example.com")
	if !ok || c.HumanName != "Alice" || c.TrustLevel != TrustTrusted {
		t.Errorf("contact after reopen = %+v, ok=%v", c, ok)
	}
	if !r2.IsBlocked("mallory.example.com") {
		t.Error("blocklist lost on reopen")
	}
}

func TestAllSortedAndBlockedFlag(t *testing.T) {
	r := openRegistry(t, t.TempDir())
	now := time.Now()
	r.Upsert("carol.example.com", Contact{}, now)
	r.Upsert("alice.example.com", Contact{}, now)
	r.Block("carol.example.com")

	all := r.All()
	if len(all) != 2 || all[0].AgentID != "alice.example.com" {
		t.Fatalf("All = %+v", all)
	}
	if all[0].Blocked || !all[1].Blocked {
		t.Errorf("blocked flags = %v, %v", all[0].Blocked, all[1].Blocked)
	}
}
