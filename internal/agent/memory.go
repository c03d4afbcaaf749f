package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySpawner is an in-process Spawner that only tracks instances. The
// gateway uses it when container execution is disabled; workers then exist
// purely as bookkeeping entries driven by external status updates.
type MemorySpawner struct {
	instances map[string]*Instance // agentID → instance
	mu        sync.RWMutex
	spawned   int
}

func NewMemorySpawner() *MemorySpawner {
	return &MemorySpawner{
		instances: make(map[string]*Instance),
	}
}

func (m *MemorySpawner) Spawn(_ context.Context, cfg SpawnConfig) (Instance, error) {
	if cfg.Type == "" {
		return Instance{}, fmt.Errorf("spawn: empty agent type")
	}
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[id]; exists {
		return Instance{}, fmt.Errorf("spawn: agent %s already exists", id)
	}
	inst := &Instance{
		ID:           id,
		Type:         cfg.Type,
		Capabilities: append([]string(nil), cfg.Capabilities...),
		Status:       StatusIdle,
		CreatedAt:    time.Now(),
	}
	m.instances[id] = inst
	m.spawned++
	return *inst, nil
}

func (m *MemorySpawner) Terminate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	return nil
}

// SetStatus records a status transition reported by a worker.
func (m *MemorySpawner) SetStatus(id string, status Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return false
	}
	inst.Status = status
	return true
}

func (m *MemorySpawner) Get(id string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Live returns the number of instances not yet terminated.
func (m *MemorySpawner) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// Spawned returns the total number of successful Spawn calls.
func (m *MemorySpawner) Spawned() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spawned
}
