// Package registry holds the worker type definitions and resolves the image,
// model and environment a worker of each type starts with.
package registry

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/vault"
)

// builtin types are always registered; config entries with the same name
// override them.
var builtin = map[string]config.WorkerDefinition{
	agent.TypeProgrammer: {Description: "Implements features and fixes", Capabilities: []string{"code", "refactor", "debug"}},
	agent.TypeTester:     {Description: "Writes and runs tests", Capabilities: []string{"test", "qa", "coverage"}},
	agent.TypeReviewer:   {Description: "Reviews changes for quality and security", Capabilities: []string{"review", "security", "audit"}},
	agent.TypePlanner:    {Description: "Breaks work down and designs solutions", Capabilities: []string{"design", "plan", "architecture"}},
}

type Registry struct {
	store *store.Store
	vault *vault.Vault

	mu      sync.RWMutex
	workers map[string]config.WorkerDefinition
	cfg     config.DefaultsConfig
}

// New creates a registry. v may be nil, in which case secrets cannot be
// injected.
func New(s *store.Store, workers map[string]config.WorkerDefinition, cfg config.DefaultsConfig, v *vault.Vault) *Registry {
	r := &Registry{store: s, vault: v}
	r.set(workers, cfg)
	return r
}

func (r *Registry) set(workers map[string]config.WorkerDefinition, cfg config.DefaultsConfig) {
	merged := maps.Clone(builtin)
	maps.Copy(merged, workers)

	r.mu.Lock()
	r.workers = merged
	r.cfg = cfg
	r.mu.Unlock()
}

// Update replaces the definitions and defaults, then re-syncs the store.
func (r *Registry) Update(workers map[string]config.WorkerDefinition, cfg config.DefaultsConfig) error {
	r.set(workers, cfg)
	return r.Sync()
}

// Sync writes every definition to the store and removes stale types.
func (r *Registry) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workers))
	for name, def := range r.workers {
		ids = append(ids, name)
		w := &store.WorkerType{
			ID:           name,
			Description:  def.Description,
			Image:        def.Image,
			Model:        def.Model,
			Capabilities: def.Capabilities,
		}
		if err := r.store.SaveWorkerType(w); err != nil {
			return fmt.Errorf("save worker type %s: %w", name, err)
		}
	}

	if err := r.store.DeleteWorkerTypesNotIn(ids); err != nil {
		return fmt.Errorf("delete stale worker types: %w", err)
	}
	return nil
}

func (r *Registry) Get(id string) (*store.WorkerType, error) {
	return r.store.GetWorkerType(id)
}

func (r *Registry) List() ([]store.WorkerType, error) {
	return r.store.ListWorkerTypes()
}

func (r *Registry) Definition(id string) (config.WorkerDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workers[id]
	return def, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.workers))
}

// Capabilities maps each type to the capabilities it advertises.
func (r *Registry) Capabilities() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.workers))
	for name, def := range r.workers {
		out[name] = slices.Clone(def.Capabilities)
	}
	return out
}

func (r *Registry) ResolveModel(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.workers[id]; ok && def.Model != "" {
		return def.Model
	}
	return r.cfg.Model
}

func (r *Registry) ResolveImage(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.workers[id]; ok && def.Image != "" {
		return def.Image
	}
	return r.cfg.Image
}

// Env builds the environment for a worker of type id: the definition's env
// with secret references resolved, then every secret assigned to the type
// exported under its upper-cased name.
func (r *Registry) Env(id string) (map[string]string, error) {
	def, _ := r.Definition(id)

	env := map[string]string{
		"HIVE_WORKER_TYPE": id,
	}
	if model := r.ResolveModel(id); model != "" {
		env["HIVE_MODEL"] = model
	}

	if r.vault == nil {
		for k, v := range def.Env {
			if strings.HasPrefix(v, vault.RefPrefix) {
				return nil, fmt.Errorf("worker %s env %s references a secret but no vault is configured", id, k)
			}
			env[k] = v
		}
		return env, nil
	}

	secrets, err := r.store.GetWorkerSecrets(id)
	if err != nil {
		return nil, err
	}
	for _, sec := range secrets {
		plain, err := r.vault.Decrypt(sec.Value, sec.Nonce)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", sec.Name, err)
		}
		env[EnvName(sec.Name)] = string(plain)
	}

	resolved, err := r.vault.ResolveEnv(def.Env, r.store)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", id, err)
	}
	maps.Copy(env, resolved)
	return env, nil
}

// EnvName turns a secret name like "github-token" into GITHUB_TOKEN.
func EnvName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}
