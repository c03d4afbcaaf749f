// Package queen implements the swarm's coordinating authority: it sizes and
// types the workers for a task and keeps the record of decisions and
// failures.
package queen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
)

const historyLimit = 100

// Recorder persists decisions and failures. *store.Store satisfies it.
type Recorder interface {
	SaveDecision(d *store.Decision) error
	SaveFailure(agentID, cause string) error
}

// Catalog maps worker types to the capabilities they advertise.
type Catalog interface {
	Capabilities() map[string][]string
}

type Config struct {
	MaxAgentsPerTask int
}

type Queen struct {
	cfg      Config
	recorder Recorder
	catalog  Catalog
	log      *slog.Logger

	mu         sync.RWMutex
	registered *swarm.AuthorityConfig
	decisions  []swarm.DecisionRecord
	failures   []FailureRecord
}

type FailureRecord struct {
	AgentID string    `json:"agent_id"`
	Cause   string    `json:"cause"`
	At      time.Time `json:"at"`
}

type Option func(*Queen)

func WithRecorder(r Recorder) Option {
	return func(q *Queen) { q.recorder = r }
}

func WithCatalog(c Catalog) Option {
	return func(q *Queen) { q.catalog = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queen) { q.log = l }
}

func New(cfg Config, opts ...Option) *Queen {
	if cfg.MaxAgentsPerTask <= 0 {
		cfg.MaxAgentsPerTask = 5
	}
	q := &Queen{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queen) Register(_ context.Context, cfg swarm.AuthorityConfig) error {
	q.mu.Lock()
	q.registered = &cfg
	q.mu.Unlock()
	q.log.Info("queen registered", "id", cfg.ID, "topology", cfg.Topology, "max_agents", cfg.MaxAgents)
	return nil
}

// Registration returns the config the queen was registered with, if any.
func (q *Queen) Registration() (swarm.AuthorityConfig, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.registered == nil {
		return swarm.AuthorityConfig{}, false
	}
	return *q.registered, true
}

// AnalyzeTask scores the task's complexity and derives how many workers of
// which types it needs.
func (q *Queen) AnalyzeTask(_ context.Context, task swarm.Task) (swarm.Analysis, error) {
	if strings.TrimSpace(task.Description) == "" && len(task.Capabilities) == 0 {
		return swarm.Analysis{}, fmt.Errorf("analyze task %s: empty description", task.ID)
	}

	score := complexityScore(task)
	count := 1 + int(math.Round(score*3))
	if task.Parallelizable != nil && !*task.Parallelizable {
		count = 1
	}
	count = min(count, q.cfg.MaxAgentsPerTask)

	types := q.agentTypes(task, score)
	return swarm.Analysis{
		AgentCount: count,
		AgentTypes: types,
		Reasoning:  fmt.Sprintf("complexity %.2f, %d capabilities, types %s", score, len(task.Capabilities), strings.Join(types, ",")),
	}, nil
}

func (q *Queen) RecordDecision(_ context.Context, rec swarm.DecisionRecord) error {
	q.mu.Lock()
	q.decisions = appendBounded(q.decisions, rec)
	q.mu.Unlock()

	if q.recorder == nil {
		return nil
	}
	votes, err := json.Marshal(rec.Result.Votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}
	return q.recorder.SaveDecision(&store.Decision{
		ID:         rec.Decision.ID,
		Type:       rec.Decision.Type,
		Proposal:   rec.Decision.Proposal,
		Severity:   string(rec.Decision.Severity),
		Outcome:    string(rec.Result.Outcome),
		Confidence: rec.Result.Confidence,
		Approve:    rec.Result.Tally.Approve,
		Reject:     rec.Result.Tally.Reject,
		Abstain:    rec.Result.Tally.Abstain,
		Votes:      votes,
		DecidedAt:  rec.DecidedAt,
	})
}

func (q *Queen) RecordFailure(_ context.Context, agentID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	q.mu.Lock()
	q.failures = appendBounded(q.failures, FailureRecord{AgentID: agentID, Cause: msg, At: time.Now()})
	q.mu.Unlock()

	if q.recorder == nil {
		return nil
	}
	return q.recorder.SaveFailure(agentID, msg)
}

// Decisions returns the most recent decisions, oldest first.
func (q *Queen) Decisions() []swarm.DecisionRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.decisions)
}

// Failures returns the most recent failures, oldest first.
func (q *Queen) Failures() []FailureRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.failures)
}

func appendBounded[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > historyLimit {
		s = slices.Delete(s, 0, len(s)-historyLimit)
	}
	return s
}

var keywordTypes = []struct {
	typ      string
	keywords []string
}{
	{agent.TypePlanner, []string{"design", "plan", "architect", "migrate", "roadmap"}},
	{agent.TypeProgrammer, []string{"implement", "build", "code", "fix", "refactor", "api", "feature"}},
	{agent.TypeTester, []string{"test", "qa", "validate", "coverage", "regression"}},
	{agent.TypeReviewer, []string{"review", "audit", "security", "cve", "compliance"}},
}

// agentTypes picks worker types from the task's required capabilities and
// description keywords. Complex tasks always get a planner first and a
// tester.
func (q *Queen) agentTypes(task swarm.Task, score float64) []string {
	var types []string
	add := func(t string) {
		if !slices.Contains(types, t) {
			types = append(types, t)
		}
	}

	if score >= 0.7 {
		add(agent.TypePlanner)
	}

	if q.catalog != nil && len(task.Capabilities) > 0 {
		catalog := q.catalog.Capabilities()
		names := make([]string, 0, len(catalog))
		for name := range catalog {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, c := range task.Capabilities {
			for _, name := range names {
				if slices.Contains(catalog[name], c) {
					add(name)
					break
				}
			}
		}
	}

	desc := strings.ToLower(task.Description + " " + strings.Join(task.Capabilities, " "))
	for _, kt := range keywordTypes {
		for _, kw := range kt.keywords {
			if strings.Contains(desc, kw) {
				add(kt.typ)
				break
			}
		}
	}

	if !slices.Contains(types, agent.TypeProgrammer) && !slices.Contains(types, agent.TypeReviewer) {
		add(agent.DefaultType)
	}
	if score >= 0.7 {
		add(agent.TypeTester)
	}
	return types
}

// complexityScore returns a value in [0, 1].
func complexityScore(task swarm.Task) float64 {
	var score float64
	switch task.Complexity {
	case swarm.ComplexityLow:
		score = 0.2
	case swarm.ComplexityMedium:
		score = 0.5
	case swarm.ComplexityHigh:
		score = 0.8
	default:
		switch n := len(task.Description); {
		case n > 500:
			score = 0.6
		case n > 200:
			score = 0.4
		default:
			score = 0.2
		}
		score += float64(len(task.Capabilities)) * 0.05
	}

	switch task.Priority {
	case swarm.PriorityHigh:
		score += 0.1
	case swarm.PriorityCritical:
		score += 0.2
	}
	return min(score, 1.0)
}
