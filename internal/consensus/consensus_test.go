package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
)

func approve(c float64) swarm.Vote { return swarm.Vote{Choice: swarm.VoteApprove, Confidence: c} }
func reject(c float64) swarm.Vote  { return swarm.Vote{Choice: swarm.VoteReject, Confidence: c} }
func abstain() swarm.Vote          { return swarm.Vote{Choice: swarm.VoteAbstain} }

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		votes      []swarm.Vote
		severity   swarm.Severity
		quorum     int
		outcome    swarm.Outcome
		confidence float64
	}{
		{"majority approves", []swarm.Vote{approve(0.9), approve(0.8), reject(0.7)}, swarm.SeverityLow, 3, swarm.OutcomeApproved, 1.7 / 2.4},
		{"majority rejects", []swarm.Vote{approve(0.5), reject(0.9), reject(0.9)}, swarm.SeverityMedium, 3, swarm.OutcomeRejected, 1.8 / 2.3},
		{"tie is pending", []swarm.Vote{approve(0.8), reject(0.8)}, swarm.SeverityLow, 2, swarm.OutcomePending, 0.5},
		{"confidence outweighs count", []swarm.Vote{approve(0.9), reject(0.2), reject(0.2)}, swarm.SeverityLow, 3, swarm.OutcomeApproved, 0.9 / 1.3},
		{"below quorum", []swarm.Vote{approve(1), approve(1)}, swarm.SeverityLow, 3, swarm.OutcomePending, 0},
		{"all abstain", []swarm.Vote{abstain(), abstain(), abstain()}, swarm.SeverityLow, 3, swarm.OutcomePending, 0},
		{"supermajority met", []swarm.Vote{approve(0.9), approve(0.9), reject(0.9)}, swarm.SeverityHigh, 3, swarm.OutcomeApproved, 2.0 / 3.0},
		{"supermajority missed", []swarm.Vote{approve(0.6), approve(0.6), reject(0.9)}, swarm.SeverityCritical, 3, swarm.OutcomeRejected, 0.9 / 2.1},
		{"confidence clamped", []swarm.Vote{approve(5), reject(1), abstain()}, swarm.SeverityLow, 3, swarm.OutcomePending, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Calculate(tt.votes, tt.severity, tt.quorum)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.InDelta(t, tt.confidence, res.Confidence, 1e-6)
			assert.Equal(t, len(tt.votes), res.Tally.Approve+res.Tally.Reject+res.Tally.Abstain)
		})
	}
}

func TestEngineUsesSeverity(t *testing.T) {
	votes := []swarm.Vote{approve(0.6), approve(0.6), reject(0.9)}
	e := New(NewPanel(nil), Config{Quorum: 3})

	assert.Equal(t, swarm.OutcomeApproved, e.CalculateConsensus(votes).Outcome)

	res := e.CalculateConsensusFor(swarm.Decision{ID: "d1", Severity: swarm.SeverityHigh}, votes)
	assert.Equal(t, swarm.OutcomeRejected, res.Outcome)
	assert.Equal(t, "d1", res.DecisionID)
}

type errEvaluator struct{}

func (errEvaluator) Evaluate(context.Context, swarm.Decision) (swarm.Vote, error) {
	return swarm.Vote{}, errors.New("model unavailable")
}

func TestPanelCollect(t *testing.T) {
	p := NewPanel(nil, NewRoleVoter("architect"), NewRoleVoter("tester"), errEvaluator{})
	votes, err := p.Collect(context.Background(), swarm.Decision{
		ID: "d1", Type: "release", Proposal: "ship it and skip tests", Severity: swarm.SeverityLow,
	})
	require.NoError(t, err)
	require.Len(t, votes, 3)

	assert.Equal(t, "architect", votes[0].AgentID)
	assert.Equal(t, swarm.VoteApprove, votes[0].Choice)
	assert.Equal(t, swarm.VoteReject, votes[1].Choice)
	assert.Contains(t, votes[1].Reason, "skip tests")
	assert.Equal(t, swarm.VoteAbstain, votes[2].Choice)
}

func TestPanelCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPanel(nil, NewRoleVoter("reviewer")).Collect(ctx, swarm.Decision{Proposal: "x"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRoleVoter(t *testing.T) {
	ctx := context.Background()

	v, err := NewRoleVoter("security").Evaluate(ctx, swarm.Decision{Proposal: "Store tokens in PLAINTEXT"})
	require.NoError(t, err)
	assert.Equal(t, swarm.VoteReject, v.Choice)

	v, err = NewRoleVoter("security").Evaluate(ctx, swarm.Decision{Proposal: "rotate keys", Severity: swarm.SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, swarm.VoteApprove, v.Choice)
	assert.InDelta(t, 0.6, v.Confidence, 1e-9)

	v, err = NewRoleVoter("security").Evaluate(ctx, swarm.Decision{Proposal: "  "})
	require.NoError(t, err)
	assert.Equal(t, swarm.VoteAbstain, v.Choice)

	v, err = NewRoleVoter("unknown").Evaluate(ctx, swarm.Decision{Proposal: "force push to main"})
	require.NoError(t, err)
	assert.Equal(t, swarm.VoteReject, v.Choice)
}

func TestBusConsensus(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, role := range []string{"architect", "reviewer", "tester"} {
		worker, err := natsbus.NewClient(bus)
		require.NoError(t, err)
		t.Cleanup(worker.Close)
		_, err = Serve(ctx, worker, NewRoleVoter(role), nil)
		require.NoError(t, err)
		require.NoError(t, worker.Flush())
	}

	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	e := New(NewBusCollector(client, 3, 2*time.Second, nil), Config{Quorum: 3})
	d := swarm.Decision{ID: "d1", Type: "architecture", Proposal: "Use microservices", Severity: swarm.SeverityHigh}

	votes, err := e.CollectVotes(ctx, d)
	require.NoError(t, err)
	require.Len(t, votes, 3)

	res := e.CalculateConsensusFor(d, votes)
	assert.Equal(t, swarm.OutcomeApproved, res.Outcome)
	assert.Equal(t, 3, res.Tally.Approve)
}

func TestBusConsensusWithoutWorkersIsPending(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	e := New(NewBusCollector(client, 3, 100*time.Millisecond, nil), Config{Quorum: 3})
	d := swarm.Decision{ID: "d2", Type: "deploy", Proposal: "ship", Severity: swarm.SeverityLow}

	votes, err := e.CollectVotes(context.Background(), d)
	require.NoError(t, err)
	assert.Empty(t, votes)
	assert.Equal(t, swarm.OutcomePending, e.CalculateConsensusFor(d, votes).Outcome)
}
