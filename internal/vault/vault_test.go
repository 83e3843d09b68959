package vault

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/store"
)

func newVault(t *testing.T, pass string) *Vault {
	t.Helper()
	v, err := New(pass)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := newVault(t, "test-passphrase")
	plaintext := []byte("hello, vault!")

	sealed, err := v.Seal(plaintext, []byte("acme"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := v.Open(sealed, []byte("acme"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	sealed, err := newVault(t, "correct-passphrase").Seal([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := newVault(t, "wrong-passphrase").Open(sealed, nil); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestWrongAAD(t *testing.T) {
	v := newVault(t, "p")
	sealed, _ := v.Seal([]byte("secret"), []byte("acme\x00serp"))
	if _, err := v.Open(sealed, []byte("other\x00serp")); err == nil {
		t.Fatal("expected error when aad differs")
	}
}

func TestSealIsRandomized(t *testing.T) {
	v := newVault(t, "p")
	a, _ := v.Seal([]byte("same"), nil)
	b, _ := v.Seal([]byte("same"), nil)
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext are identical")
	}
}

func TestShortCiphertext(t *testing.T) {
	if _, err := newVault(t, "p").Open([]byte{1, 2, 3}, nil); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestKeyring(t *testing.T) {
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "k.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer s.Close()

	k := NewKeyring(s, newVault(t, "pass"))
	if err := k.Put("acme", "serp", "sk-123"); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := k.APIKey(context.Background(), "acme", "serp")
	if err != nil || got != "sk-123" {
		t.Fatalf("APIKey = %q, %v", got, err)
	}

	stored, _ := s.GetCredential("acme", "serp")
	if bytes.Contains(stored.Value, []byte("sk-123")) {
		t.Fatal("credential stored in plaintext")
	}

	missing, err := k.APIKey(context.Background(), "acme", "llm")
	if err != nil || missing != "" {
		t.Errorf("expected empty key for missing credential, got %q, %v", missing, err)
	}

	// Another passphrase cannot read the stored key.
	other := NewKeyring(s, newVault(t, "different"))
	if _, err := other.APIKey(context.Background(), "acme", "serp"); err == nil {
		t.Error("expected error with a different passphrase")
	}

	disabled := NewKeyring(s, nil)
	if err := disabled.Put("acme", "serp", "x"); !errors.Is(err, ErrNoVault) {
		t.Errorf("expected ErrNoVault, got %v", err)
	}
}
