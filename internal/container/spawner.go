// Package container runs swarm workers as Docker containers.
package container

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hive/internal/agent"
)

// Runtime starts and stops containers. *Docker satisfies it.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (containerID string, err error)
	Stop(ctx context.Context, containerID string) error
	ListManaged(ctx context.Context) ([]string, error)
}

// RunSpec is everything needed to create one worker container.
type RunSpec struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string
	Binds  []string
}

// Resolver supplies per-type image and environment. *registry.Registry
// satisfies it.
type Resolver interface {
	ResolveImage(workerType string) string
	Env(workerType string) (map[string]string, error)
}

// Worker is a running worker container.
type Worker struct {
	agent.Instance
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
}

type SpawnerConfig struct {
	NATSURL string
	// WorkspaceDir is the host directory worker workspaces are created in.
	// Empty disables workspace mounts.
	WorkspaceDir string
}

// Spawner implements agent.Spawner on top of a container Runtime.
type Spawner struct {
	rt       Runtime
	resolver Resolver
	cfg      SpawnerConfig
	log      *slog.Logger

	mu     sync.RWMutex
	active map[string]*Worker // workerID → container
}

func NewSpawner(rt Runtime, resolver Resolver, cfg SpawnerConfig, log *slog.Logger) *Spawner {
	if log == nil {
		log = slog.Default()
	}
	return &Spawner{
		rt:       rt,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		active:   make(map[string]*Worker),
	}
}

func (s *Spawner) Spawn(ctx context.Context, cfg agent.SpawnConfig) (agent.Instance, error) {
	if cfg.Type == "" {
		return agent.Instance{}, fmt.Errorf("spawn: empty agent type")
	}
	id := cmp.Or(cfg.ID, uuid.New().String())

	s.mu.RLock()
	_, exists := s.active[id]
	s.mu.RUnlock()
	if exists {
		return agent.Instance{}, fmt.Errorf("spawn: agent %s already exists", id)
	}

	extra, err := s.resolver.Env(cfg.Type)
	if err != nil {
		return agent.Instance{}, fmt.Errorf("resolve env for %s: %w", cfg.Type, err)
	}
	mounts, err := workerMounts(s.cfg.WorkspaceDir, cfg.Type)
	if err != nil {
		return agent.Instance{}, err
	}

	spec := RunSpec{
		Name:  "hive-worker-" + id,
		Image: s.resolver.ResolveImage(cfg.Type),
		Env:   buildEnv(id, cfg, s.cfg.NATSURL, extra),
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".worker":  id,
			labelPrefix + ".type":    cfg.Type,
		},
		Binds: binds(mounts),
	}

	containerID, err := s.rt.Run(ctx, spec)
	if err != nil {
		return agent.Instance{}, fmt.Errorf("run worker %s: %w", id, err)
	}

	w := &Worker{
		Instance: agent.Instance{
			ID:           id,
			Type:         cfg.Type,
			Capabilities: slices.Clone(cfg.Capabilities),
			Status:       agent.StatusIdle,
			CreatedAt:    time.Now(),
		},
		ContainerID: containerID,
		Name:        spec.Name,
		Image:       spec.Image,
	}

	s.mu.Lock()
	s.active[id] = w
	s.mu.Unlock()

	s.log.Info("worker container started", "worker", id, "type", cfg.Type, "container", shortID(containerID))
	return w.Instance, nil
}

// Terminate stops and removes the worker's container. Unknown ids are a
// no-op.
func (s *Spawner) Terminate(ctx context.Context, id string) error {
	s.mu.Lock()
	w, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.rt.Stop(ctx, w.ContainerID); err != nil {
		return fmt.Errorf("stop worker %s: %w", id, err)
	}
	s.log.Info("worker container stopped", "worker", id)
	return nil
}

// StopAll terminates every tracked worker.
func (s *Spawner) StopAll(ctx context.Context) {
	s.mu.RLock()
	ids := slices.Collect(maps.Keys(s.active))
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Terminate(ctx, id); err != nil {
			s.log.Warn("stop worker failed", "worker", id, "error", err)
		}
	}
}

// Running lists the tracked workers, oldest first.
func (s *Spawner) Running() []Worker {
	s.mu.RLock()
	out := make([]Worker, 0, len(s.active))
	for _, w := range s.active {
		out = append(out, *w)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Worker) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return out
}

// CleanupStale removes managed containers left behind by a previous run.
func (s *Spawner) CleanupStale(ctx context.Context) (int, error) {
	ids, err := s.rt.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	known := make(map[string]bool, len(s.active))
	for _, w := range s.active {
		known[w.ContainerID] = true
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if known[id] {
			continue
		}
		s.log.Info("cleaning up stale container", "container", shortID(id))
		if err := s.rt.Stop(ctx, id); err != nil {
			s.log.Warn("remove stale container failed", "container", shortID(id), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func buildEnv(id string, cfg agent.SpawnConfig, natsURL string, extra map[string]string) []string {
	env := []string{
		"HIVE_WORKER_ID=" + id,
	}
	if natsURL != "" {
		env = append(env, "NATS_URL="+natsURL)
	}
	if len(cfg.Capabilities) > 0 {
		env = append(env, "HIVE_CAPABILITIES="+strings.Join(cfg.Capabilities, ","))
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}
