package swarm

import (
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
)

// ErrUnknownTopology is returned when a topology name is not one of the
// supported values.
var ErrUnknownTopology = errors.New("unknown topology")

// ErrUnknownAgent is returned for operations on a worker the coordinator
// does not track.
var ErrUnknownAgent = errors.New("unknown agent")

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Task is a unit of work submitted to the coordinator. It is read-only once
// submitted.
type Task struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	Priority       Priority   `json:"priority,omitempty"`
	Complexity     Complexity `json:"complexity,omitempty"`
	Parallelizable *bool      `json:"parallelizable,omitempty"`
	Capabilities   []string   `json:"capabilities,omitempty"`
}

// Analysis is the authority's answer to how a task should be staffed.
type Analysis struct {
	AgentCount int      `json:"agent_count"`
	AgentTypes []string `json:"agent_types"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// typeAt cycles through the analysis types, falling back to the default
// worker type when none were returned.
func (a Analysis) typeAt(i int) string {
	if len(a.AgentTypes) == 0 {
		return agent.DefaultType
	}
	return a.AgentTypes[i%len(a.AgentTypes)]
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Decision struct {
	ID       string   `json:"id,omitempty"`
	Type     string   `json:"type"`
	Proposal string   `json:"proposal"`
	Severity Severity `json:"severity"`
}

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomePending  Outcome = "pending"
)

type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

type Vote struct {
	AgentID    string     `json:"agent_id"`
	Choice     VoteChoice `json:"choice"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason,omitempty"`
}

type Tally struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
}

type ConsensusResult struct {
	DecisionID string  `json:"decision_id"`
	Outcome    Outcome `json:"outcome"`
	Confidence float64 `json:"confidence"`
	Tally      Tally   `json:"tally"`
	Votes      []Vote  `json:"votes,omitempty"`
}

// DecisionRecord is what the coordinator hands the authority after a
// consensus round.
type DecisionRecord struct {
	Decision  Decision        `json:"decision"`
	Result    ConsensusResult `json:"result"`
	DecidedAt time.Time       `json:"decided_at"`
}

type Topology string

const (
	TopologyHierarchical Topology = "hierarchical"
	TopologyMesh         Topology = "mesh"
	TopologyRing         Topology = "ring"
	TopologyStar         Topology = "star"
)

func (t Topology) Valid() bool {
	switch t {
	case TopologyHierarchical, TopologyMesh, TopologyRing, TopologyStar:
		return true
	}
	return false
}

// ParseTopology validates a topology name.
func ParseTopology(s string) (Topology, error) {
	t := Topology(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopology, s)
	}
	return t, nil
}

// TopologyContext is the input to a topology recommendation.
type TopologyContext struct {
	Task         Task     `json:"task"`
	ActiveAgents int      `json:"active_agents"`
	MaxAgents    int      `json:"max_agents"`
	Current      Topology `json:"current"`
}

// AuthorityConfig is passed once to the authority on Initialize.
type AuthorityConfig struct {
	ID        string   `json:"id"`
	Topology  Topology `json:"topology"`
	MaxAgents int      `json:"max_agents"`
}
