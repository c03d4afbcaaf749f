// Package topology tracks the swarm's communication topology, announces
// switches on the bus and recommends a topology for incoming work.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Publisher announces topology switches. natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Change is the message broadcast on every switch.
type Change struct {
	From swarm.Topology `json:"from"`
	To   swarm.Topology `json:"to"`
	At   time.Time      `json:"at"`
}

// Manager implements swarm.TopologySwitcher.
type Manager struct {
	pub Publisher
	log *slog.Logger

	mu       sync.RWMutex
	current  swarm.Topology
	switches int
}

type Option func(*Manager)

func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func New(initial swarm.Topology, opts ...Option) *Manager {
	if !initial.Valid() {
		initial = swarm.TopologyHierarchical
	}
	m := &Manager{current: initial, log: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) CurrentTopology() swarm.Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Switches returns how many switches were applied.
func (m *Manager) Switches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.switches
}

// SwitchTopology announces the change to workers and makes t current. The
// current topology is kept when the announcement fails.
func (m *Manager) SwitchTopology(ctx context.Context, t swarm.Topology) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", swarm.ErrUnknownTopology, t)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	change := Change{From: m.current, To: t, At: time.Now()}
	if m.pub != nil {
		if err := m.pub.PublishJSON(natsbus.TopicTopology, change); err != nil {
			return fmt.Errorf("announce topology: %w", err)
		}
	}
	m.current = t
	m.switches++
	m.log.Info("topology switched", "from", change.From, "to", t)
	return nil
}

// RecommendTopology picks a topology for the task given current load.
//
// Sequential work runs best in a ring, small parallel work in a mesh, and
// critical or complex work under a hierarchy. A swarm near its cap falls
// back to a star so one hub throttles fan-out.
func (m *Manager) RecommendTopology(_ context.Context, tc swarm.TopologyContext) (swarm.Topology, error) {
	if tc.MaxAgents > 0 && float64(tc.ActiveAgents)/float64(tc.MaxAgents) >= 0.8 {
		return swarm.TopologyStar, nil
	}
	if tc.Task.Parallelizable != nil && !*tc.Task.Parallelizable {
		return swarm.TopologyRing, nil
	}
	if tc.Task.Priority == swarm.PriorityCritical || tc.Task.Complexity == swarm.ComplexityHigh {
		return swarm.TopologyHierarchical, nil
	}
	if tc.Task.Complexity == swarm.ComplexityLow && tc.ActiveAgents < 4 {
		return swarm.TopologyMesh, nil
	}
	if tc.Current.Valid() {
		return tc.Current, nil
	}
	return swarm.TopologyHierarchical, nil
}

// Route returns the members a message from sender reaches under the current
// topology. members is ordered and its first entry is the hub or leader.
func (m *Manager) Route(sender string, members []string) []string {
	return Route(m.CurrentTopology(), sender, members)
}

func Route(t swarm.Topology, sender string, members []string) []string {
	if len(members) == 0 {
		return nil
	}
	others := slices.DeleteFunc(slices.Clone(members), func(s string) bool { return s == sender })

	switch t {
	case swarm.TopologyMesh:
		return others
	case swarm.TopologyRing:
		i := slices.Index(members, sender)
		if i < 0 || len(members) < 2 {
			return nil
		}
		return []string{members[(i+1)%len(members)]}
	case swarm.TopologyStar, swarm.TopologyHierarchical:
		hub := members[0]
		if sender == hub {
			return others
		}
		return []string{hub}
	}
	return nil
}
