// Package consensus collects votes on swarm decisions and reduces them to a
// result.
package consensus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/hive/internal/swarm"
)

// supermajority is the approval share high and critical decisions need.
const supermajority = 2.0 / 3.0

const epsilon = 1e-9

// Collector gathers the votes for one decision.
type Collector interface {
	Collect(ctx context.Context, d swarm.Decision) ([]swarm.Vote, error)
}

type Config struct {
	// Quorum is the minimum number of votes for a non-pending outcome.
	Quorum int
}

// Engine implements swarm.Voter on top of a Collector.
type Engine struct {
	collector Collector
	quorum    int
	log       *slog.Logger
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(c Collector, cfg Config, opts ...Option) *Engine {
	e := &Engine{collector: c, quorum: max(cfg.Quorum, 1), log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) CollectVotes(ctx context.Context, d swarm.Decision) ([]swarm.Vote, error) {
	votes, err := e.collector.Collect(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("collect votes for %s: %w", d.ID, err)
	}
	e.log.Debug("votes collected", "decision", d.ID, "votes", len(votes))
	return votes, nil
}

// CalculateConsensus applies a simple confidence-weighted majority.
func (e *Engine) CalculateConsensus(votes []swarm.Vote) swarm.ConsensusResult {
	return Calculate(votes, swarm.SeverityMedium, e.quorum)
}

// CalculateConsensusFor applies the threshold matching d's severity.
func (e *Engine) CalculateConsensusFor(d swarm.Decision, votes []swarm.Vote) swarm.ConsensusResult {
	res := Calculate(votes, d.Severity, e.quorum)
	res.DecisionID = d.ID
	return res
}

// Calculate reduces votes to an outcome. Each approve or reject vote weighs
// its confidence, clamped to [0, 1]; abstentions only count toward quorum.
// Low and medium decisions pass on a strict weighted majority, with a tie
// left pending. High and critical decisions need a two-thirds share and are
// rejected otherwise.
func Calculate(votes []swarm.Vote, sev swarm.Severity, quorum int) swarm.ConsensusResult {
	var (
		tally           swarm.Tally
		approve, reject float64
	)
	for _, v := range votes {
		w := min(max(v.Confidence, 0), 1)
		switch v.Choice {
		case swarm.VoteApprove:
			tally.Approve++
			approve += w
		case swarm.VoteReject:
			tally.Reject++
			reject += w
		default:
			tally.Abstain++
		}
	}

	res := swarm.ConsensusResult{Outcome: swarm.OutcomePending, Tally: tally, Votes: votes}
	if len(votes) < quorum || approve+reject == 0 {
		return res
	}

	share := approve / (approve + reject)
	switch sev {
	case swarm.SeverityHigh, swarm.SeverityCritical:
		if share+epsilon >= supermajority {
			res.Outcome, res.Confidence = swarm.OutcomeApproved, share
		} else {
			res.Outcome, res.Confidence = swarm.OutcomeRejected, 1-share
		}
	default:
		switch {
		case share > 0.5+epsilon:
			res.Outcome, res.Confidence = swarm.OutcomeApproved, share
		case share < 0.5-epsilon:
			res.Outcome, res.Confidence = swarm.OutcomeRejected, 1-share
		default:
			res.Confidence = 0.5
		}
	}
	return res
}
