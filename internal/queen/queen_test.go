package queen

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
)

type staticCatalog map[string][]string

func (c staticCatalog) Capabilities() map[string][]string { return c }

func boolPtr(b bool) *bool { return &b }

func TestAnalyzeTaskSimple(t *testing.T) {
	q := New(Config{})
	a, err := q.AnalyzeTask(context.Background(), swarm.Task{ID: "t1", Description: "fix typo in readme"})
	require.NoError(t, err)
	assert.Equal(t, 2, a.AgentCount)
	assert.Equal(t, []string{agent.TypeProgrammer}, a.AgentTypes)
	assert.NotEmpty(t, a.Reasoning)
}

func TestAnalyzeTaskComplex(t *testing.T) {
	q := New(Config{})
	a, err := q.AnalyzeTask(context.Background(), swarm.Task{
		ID:          "t2",
		Description: "design and implement the billing api, then review for security",
		Complexity:  swarm.ComplexityHigh,
		Priority:    swarm.PriorityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, a.AgentCount)
	assert.Equal(t, []string{agent.TypePlanner, agent.TypeProgrammer, agent.TypeReviewer, agent.TypeTester}, a.AgentTypes)
}

func TestAnalyzeTaskCountBoundedByMaxAgentsPerTask(t *testing.T) {
	q := New(Config{MaxAgentsPerTask: 2})
	a, err := q.AnalyzeTask(context.Background(), swarm.Task{
		Description: "implement it", Complexity: swarm.ComplexityHigh, Priority: swarm.PriorityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, a.AgentCount)
}

func TestAnalyzeTaskNotParallelizable(t *testing.T) {
	q := New(Config{})
	a, err := q.AnalyzeTask(context.Background(), swarm.Task{
		Description: "implement it", Complexity: swarm.ComplexityHigh, Parallelizable: boolPtr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, a.AgentCount)
}

func TestAnalyzeTaskUsesCatalog(t *testing.T) {
	q := New(Config{}, WithCatalog(staticCatalog{
		"dba":        {"sql", "migrations"},
		"programmer": {"go"},
	}))
	a, err := q.AnalyzeTask(context.Background(), swarm.Task{
		Description:  "speed up the slow report",
		Capabilities: []string{"sql"},
	})
	require.NoError(t, err)
	assert.Equal(t, "dba", a.AgentTypes[0])
	assert.Contains(t, a.AgentTypes, agent.TypeProgrammer)
}

func TestAnalyzeTaskRejectsEmpty(t *testing.T) {
	q := New(Config{})
	_, err := q.AnalyzeTask(context.Background(), swarm.Task{ID: "x", Description: "  "})
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	q := New(Config{})
	_, ok := q.Registration()
	assert.False(t, ok)

	cfg := swarm.AuthorityConfig{ID: "queen", Topology: swarm.TopologyMesh, MaxAgents: 4}
	require.NoError(t, q.Register(context.Background(), cfg))
	got, ok := q.Registration()
	require.True(t, ok)
	assert.Equal(t, cfg, got)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordDecisionPersists(t *testing.T) {
	s := newTestStore(t)
	q := New(Config{}, WithRecorder(s))

	rec := swarm.DecisionRecord{
		Decision: swarm.Decision{ID: "d1", Type: "deploy", Proposal: "ship v2", Severity: swarm.SeverityHigh},
		Result: swarm.ConsensusResult{
			DecisionID: "d1",
			Outcome:    swarm.OutcomeApproved,
			Confidence: 0.9,
			Tally:      swarm.Tally{Approve: 3},
			Votes:      []swarm.Vote{{AgentID: "a", Choice: swarm.VoteApprove, Confidence: 0.9}},
		},
		DecidedAt: time.Now(),
	}
	require.NoError(t, q.RecordDecision(context.Background(), rec))

	got, err := s.GetDecision("d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "approved", got.Outcome)
	assert.Equal(t, 3, got.Approve)
	assert.Contains(t, string(got.Votes), `"agent_id":"a"`)

	require.Len(t, q.Decisions(), 1)
}

func TestRecordFailurePersists(t *testing.T) {
	s := newTestStore(t)
	q := New(Config{}, WithRecorder(s))

	require.NoError(t, q.RecordFailure(context.Background(), "w1", errors.New("oom")))
	require.NoError(t, q.RecordFailure(context.Background(), "w2", nil))

	n, err := s.CountFailures("w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fs := q.Failures()
	require.Len(t, fs, 2)
	assert.Equal(t, "oom", fs[0].Cause)
	assert.Empty(t, fs[1].Cause)
}

func TestHistoryIsBounded(t *testing.T) {
	q := New(Config{})
	for i := range historyLimit + 10 {
		require.NoError(t, q.RecordFailure(context.Background(), fmt.Sprintf("w%d", i), nil))
	}
	fs := q.Failures()
	require.Len(t, fs, historyLimit)
	assert.Equal(t, "w10", fs[0].AgentID)
}
