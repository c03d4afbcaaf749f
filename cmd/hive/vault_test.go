package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/vault"
)

func newVaultFixture(t *testing.T) (*store.Store, *vault.Vault) {
	t.Helper()
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "hive.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	v, err := vault.New("correct horse battery staple")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return db, v
}

func vaultRun(t *testing.T, db *store.Store, v *vault.Vault, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := vaultCommand(&out, db, v, args); err != nil {
		t.Fatalf("vault %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestVaultSetGetAssign(t *testing.T) {
	db, v := newVaultFixture(t)

	vaultRun(t, db, v, "set", "github_token", "--value", "ghp_123", "--description", "CI token")
	if got := vaultRun(t, db, v, "get", "github_token"); got != "ghp_123\n" {
		t.Errorf("get = %q", got)
	}

	vaultRun(t, db, v, "assign", "github_token", "--worker", "coder")
	vaultRun(t, db, v, "assign", "github_token", "--worker", "reviewer")

	list := vaultRun(t, db, v, "list")
	if !strings.Contains(list, "github_token") || !strings.Contains(list, "coder, reviewer") {
		t.Errorf("list output missing assignment:\n%s", list)
	}

	vaultRun(t, db, v, "unassign", "github_token", "--worker", "coder")
	types, err := db.GetSecretWorkerTypes("github_token")
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 1 || types[0] != "reviewer" {
		t.Errorf("worker types = %v, want [reviewer]", types)
	}
}

func TestVaultSetKeepsGlobalAndDescription(t *testing.T) {
	db, v := newVaultFixture(t)

	vaultRun(t, db, v, "set", "api_key", "--value", "one", "--description", "upstream")
	vaultRun(t, db, v, "global", "api_key", "--enable")
	vaultRun(t, db, v, "set", "api_key", "--value", "two")

	sec, err := db.GetSecret("api_key")
	if err != nil || sec == nil {
		t.Fatalf("get secret: %v", err)
	}
	if !sec.Global {
		t.Error("global flag lost on update")
	}
	if sec.Description != "upstream" {
		t.Errorf("description = %q", sec.Description)
	}
	if got := vaultRun(t, db, v, "get", "api_key"); got != "two\n" {
		t.Errorf("get = %q", got)
	}
}

func TestVaultErrors(t *testing.T) {
	db, v := newVaultFixture(t)
	var out bytes.Buffer

	cases := [][]string{
		{"get", "missing"},
		{"assign", "missing", "--worker", "coder"},
		{"assign", "missing", "--agent", "coder"},
		{"set", "x", "--bogus", "y"},
		{"global", "missing", "--enable"},
		{"frobnicate"},
	}
	for _, args := range cases {
		if err := vaultCommand(&out, db, v, args); err == nil {
			t.Errorf("vault %v: expected error", args)
		}
	}
}

func TestVaultListEmpty(t *testing.T) {
	db, v := newVaultFixture(t)
	if got := vaultRun(t, db, v, "list"); got != "No secrets stored.\n" {
		t.Errorf("list = %q", got)
	}
}
