// Package dispatch submits tasks to the swarm and serves worker requests
// arriving over the bus.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Run statuses recorded for each submission.
const (
	StatusSpawned      = "spawned"
	StatusBackpressure = "backpressure"
	StatusFailed       = "failed"
)

// Coordinator is the part of swarm.Coordinator the dispatcher drives.
type Coordinator interface {
	OptimizeTopologyForTask(ctx context.Context, task swarm.Task) swarm.Topology
	SpawnAgentsForTask(ctx context.Context, task swarm.Task) ([]agent.Instance, error)
	BuildConsensus(ctx context.Context, d swarm.Decision) (swarm.ConsensusResult, error)
	HandleAgentFailure(ctx context.Context, agentID string, cause error) *agent.Instance
	ReleaseAgent(ctx context.Context, agentID string) error
}

type Dispatcher struct {
	coord Coordinator
	store *store.Store
	log   *slog.Logger
}

func New(coord Coordinator, s *store.Store, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{coord: coord, store: s, log: log}
}

// Submit adapts the topology to the task, staffs it and records the attempt.
// The run is returned even when spawning failed part way.
func (d *Dispatcher) Submit(ctx context.Context, task swarm.Task, source string) (*store.TaskRun, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	topo := d.coord.OptimizeTopologyForTask(ctx, task)
	agents, spawnErr := d.coord.SpawnAgentsForTask(ctx, task)

	run := &store.TaskRun{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		Description: task.Description,
		Source:      source,
		Topology:    string(topo),
		Agents:      make([]string, 0, len(agents)),
	}
	for _, a := range agents {
		run.Agents = append(run.Agents, a.ID)
	}

	switch {
	case spawnErr != nil:
		run.Status = StatusFailed
		run.Error = spawnErr.Error()
	case len(agents) == 0:
		run.Status = StatusBackpressure
	default:
		run.Status = StatusSpawned
	}

	if err := d.store.SaveTaskRun(run); err != nil {
		d.log.Error("save task run failed", "task", task.ID, "error", err)
	}

	d.log.Info("task submitted", "task", task.ID, "source", source, "status", run.Status, "agents", len(run.Agents), "topology", topo)
	if spawnErr != nil {
		return run, fmt.Errorf("spawn agents for %s: %w", task.ID, spawnErr)
	}
	return run, nil
}

func (d *Dispatcher) BuildConsensus(ctx context.Context, dec swarm.Decision) (swarm.ConsensusResult, error) {
	return d.coord.BuildConsensus(ctx, dec)
}

func (d *Dispatcher) ReportFailure(ctx context.Context, agentID string, cause error) *agent.Instance {
	return d.coord.HandleAgentFailure(ctx, agentID, cause)
}

// CompleteTask frees the worker's slot once it has finished its task.
func (d *Dispatcher) CompleteTask(ctx context.Context, agentID string) error {
	return d.coord.ReleaseAgent(ctx, agentID)
}
