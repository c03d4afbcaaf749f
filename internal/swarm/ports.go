package swarm

import "context"

// Authority is the coordinating agent of the swarm. It decides how tasks are
// staffed and keeps the record of decisions and failures.
type Authority interface {
	Register(ctx context.Context, cfg AuthorityConfig) error
	AnalyzeTask(ctx context.Context, task Task) (Analysis, error)
	RecordDecision(ctx context.Context, rec DecisionRecord) error
	RecordFailure(ctx context.Context, agentID string, cause error) error
}

// Voter collects votes for a decision and reduces them to a result.
type Voter interface {
	CollectVotes(ctx context.Context, d Decision) ([]Vote, error)
	CalculateConsensus(votes []Vote) ConsensusResult
}

// SeverityCalculator is implemented by voters whose approval threshold
// depends on the decision. The coordinator prefers it over
// CalculateConsensus when available.
type SeverityCalculator interface {
	CalculateConsensusFor(d Decision, votes []Vote) ConsensusResult
}

// TopologySwitcher applies topology changes and recommends new ones.
type TopologySwitcher interface {
	SwitchTopology(ctx context.Context, t Topology) error
	RecommendTopology(ctx context.Context, tc TopologyContext) (Topology, error)
	CurrentTopology() Topology
}

// EventPublisher receives coordinator lifecycle events. natsbus.Client
// satisfies it.
type EventPublisher interface {
	PublishJSON(topic string, v any) error
}
