package registry

import (
	"path/filepath"
	"slices"
	"testing"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/vault"
)

func newTestRegistry(t *testing.T, v *vault.Vault) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	workers := map[string]config.WorkerDefinition{
		"dba": {
			Description:  "Database specialist",
			Model:        "large",
			Capabilities: []string{"sql", "migrations"},
			Env:          map[string]string{"PGHOST": "db", "PGPASSWORD": "secret:pg-password"},
		},
		"tester": {
			Description:  "Custom tester",
			Image:        "hive-tester:latest",
			Capabilities: []string{"test", "e2e"},
		},
	}
	cfg := config.DefaultsConfig{Image: "hive-worker:latest", Model: "small"}
	return New(s, workers, cfg, v), s
}

func TestSync(t *testing.T) {
	reg, s := newTestRegistry(t, nil)
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	types, err := s.ListWorkerTypes()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(types) != 5 {
		t.Fatalf("expected 4 builtin plus dba, got %d", len(types))
	}

	tester, err := reg.Get("tester")
	if err != nil || tester == nil {
		t.Fatalf("get tester: %v", err)
	}
	if tester.Description != "Custom tester" {
		t.Errorf("config should override builtin, got %q", tester.Description)
	}
}

func TestUpdateRemovesStaleTypes(t *testing.T) {
	reg, s := newTestRegistry(t, nil)
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := reg.Update(nil, config.DefaultsConfig{Image: "next:1"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	dba, err := s.GetWorkerType("dba")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dba != nil {
		t.Error("expected dba to be removed")
	}
	if got := reg.ResolveImage("programmer"); got != "next:1" {
		t.Errorf("expected updated default image, got %q", got)
	}
}

func TestResolve(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	if got := reg.ResolveModel("dba"); got != "large" {
		t.Errorf("expected large, got %q", got)
	}
	if got := reg.ResolveModel("programmer"); got != "small" {
		t.Errorf("expected default model, got %q", got)
	}
	if got := reg.ResolveImage("tester"); got != "hive-tester:latest" {
		t.Errorf("expected tester image, got %q", got)
	}
	if got := reg.ResolveImage("unknown"); got != "hive-worker:latest" {
		t.Errorf("expected default image, got %q", got)
	}
}

func TestCapabilitiesAndTypes(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	caps := reg.Capabilities()
	if !slices.Contains(caps["dba"], "sql") {
		t.Errorf("expected dba to advertise sql, got %v", caps["dba"])
	}
	caps["dba"][0] = "mutated"
	if reg.Capabilities()["dba"][0] != "sql" {
		t.Error("Capabilities must return a copy")
	}

	want := []string{"dba", "planner", "programmer", "reviewer", "tester"}
	if got := reg.Types(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEnvWithoutVault(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	env, err := reg.Env("tester")
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if env["HIVE_WORKER_TYPE"] != "tester" || env["HIVE_MODEL"] != "small" {
		t.Errorf("unexpected env: %v", env)
	}

	if _, err := reg.Env("dba"); err == nil {
		t.Error("expected error for secret reference without a vault")
	}
}

func TestEnvResolvesSecrets(t *testing.T) {
	v, err := vault.New("test")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	reg, s := newTestRegistry(t, v)

	save := func(id string, value string, global bool) {
		ct, nonce, err := v.Encrypt([]byte(value))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if err := s.SaveSecret(&store.Secret{ID: id, Name: id, Value: ct, Nonce: nonce, Global: global}); err != nil {
			t.Fatalf("save secret: %v", err)
		}
	}
	save("pg-password", "hunter2", false)
	save("github-token", "ghp_x", true)
	save("dba-only", "d", false)
	if err := s.SetWorkerSecrets("dba", []string{"dba-only"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	env, err := reg.Env("dba")
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if env["PGPASSWORD"] != "hunter2" || env["PGHOST"] != "db" {
		t.Errorf("definition env not resolved: %v", env)
	}
	if env["GITHUB_TOKEN"] != "ghp_x" || env["DBA_ONLY"] != "d" {
		t.Errorf("assigned secrets not exported: %v", env)
	}
	if _, ok := env["PG_PASSWORD"]; ok {
		t.Error("unassigned secret leaked into env")
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("github-token.v2"); got != "GITHUB_TOKEN_V2" {
		t.Errorf("unexpected env name %q", got)
	}
}
