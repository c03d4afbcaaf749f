package vault

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mtzanidakis/hive/internal/store"
)

func mustNew(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := mustNew(t, "test-passphrase")
	plaintext := []byte("hello, vault!")

	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestSamePassphraseSameKey(t *testing.T) {
	ciphertext, nonce, err := mustNew(t, "restart-safe").Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := mustNew(t, "restart-safe").Decrypt(ciphertext, nonce); err != nil {
		t.Fatalf("decrypt with a fresh vault: %v", err)
	}
}

func TestWrongPassphrase(t *testing.T) {
	ciphertext, nonce, err := mustNew(t, "correct-passphrase").Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := mustNew(t, "wrong-passphrase").Decrypt(ciphertext, nonce); err == nil {
		t.Fatal("expected error decrypting with wrong passphrase")
	}
}

func TestRejectsEmptyPassphraseAndBadNonce(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
	if _, err := mustNew(t, "x").Decrypt([]byte("data"), []byte("short")); err == nil {
		t.Fatal("expected error for short nonce")
	}
}

type mapSource map[string]*store.Secret

func (m mapSource) GetSecretByName(name string) (*store.Secret, error) {
	return m[name], nil
}

func TestResolveEnv(t *testing.T) {
	v := mustNew(t, "test")
	ct, nonce, err := v.Encrypt([]byte("sk-123"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	src := mapSource{"api-key": {Name: "api-key", Value: ct, Nonce: nonce}}

	env, err := v.ResolveEnv(map[string]string{
		"API_KEY": "secret:api-key",
		"MODE":    "fast",
	}, src)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if env["API_KEY"] != "sk-123" || env["MODE"] != "fast" {
		t.Errorf("unexpected env: %v", env)
	}

	_, err = v.ResolveEnv(map[string]string{"X": "secret:missing"}, src)
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}
