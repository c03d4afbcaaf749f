package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
)

type recordingPublisher struct {
	topics []string
	msgs   []any
	err    error
}

func (p *recordingPublisher) PublishJSON(topic string, v any) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, v)
	return nil
}

func TestNewDefaultsInvalidInitial(t *testing.T) {
	assert.Equal(t, swarm.TopologyHierarchical, New("bogus").CurrentTopology())
	assert.Equal(t, swarm.TopologyRing, New(swarm.TopologyRing).CurrentTopology())
}

func TestSwitchTopologyAnnounces(t *testing.T) {
	pub := &recordingPublisher{}
	m := New(swarm.TopologyHierarchical, WithPublisher(pub))

	require.NoError(t, m.SwitchTopology(context.Background(), swarm.TopologyMesh))
	assert.Equal(t, swarm.TopologyMesh, m.CurrentTopology())
	assert.Equal(t, 1, m.Switches())

	require.Equal(t, []string{natsbus.TopicTopology}, pub.topics)
	change := pub.msgs[0].(Change)
	assert.Equal(t, swarm.TopologyHierarchical, change.From)
	assert.Equal(t, swarm.TopologyMesh, change.To)
}

func TestSwitchTopologyFailureKeepsCurrent(t *testing.T) {
	m := New(swarm.TopologyStar, WithPublisher(&recordingPublisher{err: errors.New("bus down")}))

	err := m.SwitchTopology(context.Background(), swarm.TopologyRing)
	require.Error(t, err)
	assert.Equal(t, swarm.TopologyStar, m.CurrentTopology())
	assert.Zero(t, m.Switches())
}

func TestSwitchTopologyRejectsUnknown(t *testing.T) {
	m := New(swarm.TopologyStar)
	err := m.SwitchTopology(context.Background(), "torus")
	require.ErrorIs(t, err, swarm.ErrUnknownTopology)
}

func TestRecommendTopology(t *testing.T) {
	no := false
	tests := []struct {
		name string
		tc   swarm.TopologyContext
		want swarm.Topology
	}{
		{"near cap", swarm.TopologyContext{ActiveAgents: 8, MaxAgents: 10, Task: swarm.Task{Complexity: swarm.ComplexityHigh}}, swarm.TopologyStar},
		{"sequential", swarm.TopologyContext{MaxAgents: 10, Task: swarm.Task{Parallelizable: &no}}, swarm.TopologyRing},
		{"critical", swarm.TopologyContext{MaxAgents: 10, Task: swarm.Task{Priority: swarm.PriorityCritical}}, swarm.TopologyHierarchical},
		{"small and simple", swarm.TopologyContext{ActiveAgents: 1, MaxAgents: 10, Task: swarm.Task{Complexity: swarm.ComplexityLow}}, swarm.TopologyMesh},
		{"keeps current", swarm.TopologyContext{ActiveAgents: 5, MaxAgents: 10, Current: swarm.TopologyRing}, swarm.TopologyRing},
		{"no current", swarm.TopologyContext{}, swarm.TopologyHierarchical},
	}
	m := New(swarm.TopologyHierarchical)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.RecommendTopology(context.Background(), tt.tc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoute(t *testing.T) {
	members := []string{"queen", "a", "b", "c"}

	assert.Equal(t, []string{"queen", "b", "c"}, Route(swarm.TopologyMesh, "a", members))
	assert.Equal(t, []string{"b"}, Route(swarm.TopologyRing, "a", members))
	assert.Equal(t, []string{"queen"}, Route(swarm.TopologyRing, "c", members))
	assert.Equal(t, []string{"queen"}, Route(swarm.TopologyStar, "b", members))
	assert.Equal(t, []string{"a", "b", "c"}, Route(swarm.TopologyHierarchical, "queen", members))
	assert.Nil(t, Route(swarm.TopologyRing, "stranger", members))
	assert.Nil(t, Route(swarm.TopologyMesh, "a", nil))
	assert.Equal(t, members, []string{"queen", "a", "b", "c"})
}
