package consensus

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/hive/internal/swarm"
)

// Evaluator casts one vote on a decision.
type Evaluator interface {
	Evaluate(ctx context.Context, d swarm.Decision) (swarm.Vote, error)
}

// Panel polls a fixed set of in-process evaluators concurrently.
type Panel struct {
	voters []Evaluator
	log    *slog.Logger
}

func NewPanel(log *slog.Logger, voters ...Evaluator) *Panel {
	if log == nil {
		log = slog.Default()
	}
	return &Panel{voters: voters, log: log}
}

// Collect returns one vote per evaluator, in panel order. An evaluator that
// fails abstains.
func (p *Panel) Collect(ctx context.Context, d swarm.Decision) ([]swarm.Vote, error) {
	votes := make([]swarm.Vote, len(p.voters))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range p.voters {
		g.Go(func() error {
			vote, err := v.Evaluate(gctx, d)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				p.log.Warn("voter failed, abstaining", "decision", d.ID, "error", err)
				vote = swarm.Vote{Choice: swarm.VoteAbstain, Reason: err.Error()}
			}
			votes[i] = vote
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return votes, nil
}

// roleConcerns are the proposal phrases each reviewing role objects to.
var roleConcerns = map[string][]string{
	"architect": {"rewrite everything", "big bang", "no rollback", "single point of failure"},
	"reviewer":  {"skip review", "force push", "bypass", "disable lint"},
	"tester":    {"skip tests", "no tests", "untested", "disable ci"},
	"security":  {"plaintext", "disable auth", "run as root", "0.0.0.0", "hardcoded password"},
}

// RoleVoter is a rule-based evaluator for a reviewing role. It rejects
// proposals mentioning one of the role's concerns and otherwise approves with
// a confidence that drops as severity rises.
type RoleVoter struct {
	id       string
	concerns []string
}

// NewRoleVoter returns a voter for role. Unknown roles object to every known
// concern.
func NewRoleVoter(role string) *RoleVoter {
	concerns, ok := roleConcerns[role]
	if !ok {
		for _, c := range roleConcerns {
			concerns = append(concerns, c...)
		}
	}
	return &RoleVoter{id: role, concerns: concerns}
}

func (r *RoleVoter) Evaluate(ctx context.Context, d swarm.Decision) (swarm.Vote, error) {
	if err := ctx.Err(); err != nil {
		return swarm.Vote{}, err
	}
	vote := swarm.Vote{AgentID: r.id}

	proposal := strings.ToLower(strings.TrimSpace(d.Proposal))
	if proposal == "" {
		vote.Choice = swarm.VoteAbstain
		vote.Reason = "empty proposal"
		return vote, nil
	}
	for _, c := range r.concerns {
		if strings.Contains(proposal, c) {
			vote.Choice = swarm.VoteReject
			vote.Confidence = 0.8
			vote.Reason = "proposal mentions " + c
			return vote, nil
		}
	}

	vote.Choice = swarm.VoteApprove
	switch d.Severity {
	case swarm.SeverityCritical:
		vote.Confidence = 0.6
	case swarm.SeverityHigh:
		vote.Confidence = 0.7
	case swarm.SeverityMedium:
		vote.Confidence = 0.8
	default:
		vote.Confidence = 0.9
	}
	return vote, nil
}
