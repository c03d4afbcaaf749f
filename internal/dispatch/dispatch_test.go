package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/queen"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/mtzanidakis/hive/internal/topology"
)

type fixture struct {
	store   *store.Store
	spawner *agent.MemorySpawner
	coord   *swarm.Coordinator
	disp    *Dispatcher
}

func newFixture(t *testing.T, maxAgents int) *fixture {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "hive.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	spawner := agent.NewMemorySpawner()
	voter := consensus.New(consensus.NewPanel(nil,
		consensus.NewRoleVoter("architect"),
		consensus.NewRoleVoter("reviewer"),
		consensus.NewRoleVoter("tester"),
	), consensus.Config{Quorum: 3})

	coord := swarm.NewCoordinator(
		queen.New(queen.Config{}, queen.WithRecorder(st)),
		spawner,
		voter,
		topology.New(swarm.TopologyHierarchical),
		swarm.Config{MaxAgents: maxAgents},
	)
	require.NoError(t, coord.Initialize(context.Background()))
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })

	return &fixture{store: st, spawner: spawner, coord: coord, disp: New(coord, st, nil)}
}

func TestSubmitRecordsRuns(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	task := swarm.Task{Description: "implement the export button", Complexity: swarm.ComplexityLow}

	first, err := f.disp.Submit(ctx, task, "api")
	require.NoError(t, err)
	assert.Equal(t, StatusSpawned, first.Status)
	assert.Len(t, first.Agents, 2)
	assert.Equal(t, string(swarm.TopologyMesh), first.Topology)
	assert.NotEmpty(t, first.TaskID)

	second, err := f.disp.Submit(ctx, task, "api")
	require.NoError(t, err)
	assert.Equal(t, StatusSpawned, second.Status)
	assert.Len(t, second.Agents, 1)

	third, err := f.disp.Submit(ctx, task, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, StatusBackpressure, third.Status)
	assert.Empty(t, third.Agents)
	assert.Equal(t, string(swarm.TopologyStar), third.Topology)

	assert.Equal(t, 3, f.coord.ActiveCount())
	assert.Equal(t, 3, f.spawner.Live())

	got, err := f.store.GetTaskRun(third.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "scheduler", got.Source)
	assert.Equal(t, StatusBackpressure, got.Status)

	runs, err := f.store.ListTaskRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestNewScheduledTask(t *testing.T) {
	task, err := NewScheduledTask("nightly", "0 2 * * *", "run the audit")
	require.NoError(t, err)
	assert.Equal(t, "active", task.Status)
	assert.NotNil(t, task.NextRunAt)
	assert.Contains(t, task.Schedule, `"kind":"cron"`)

	_, err = NewScheduledTask("bad", "whenever", "x")
	require.Error(t, err)
}

func ipcRequest(t *testing.T, c *natsbus.Client, worker, typ string, payload any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(IPCCommand{Type: typ, Payload: raw})
	require.NoError(t, err)

	msg, err := c.Request(natsbus.TopicIPC(worker), data, 5*time.Second)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	return resp
}

func TestServeIPC(t *testing.T) {
	f := newFixture(t, 3)

	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	host, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(host.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, err = f.disp.ServeIPC(ctx, host)
	require.NoError(t, err)
	require.NoError(t, host.Flush())

	worker, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(worker.Close)

	resp := ipcRequest(t, worker, "w1", "submit_task", map[string]any{
		"description": "implement login", "complexity": "low",
	})
	require.Equal(t, StatusSpawned, resp["status"])
	agents := resp["agents"].([]any)
	require.Len(t, agents, 2)

	resp = ipcRequest(t, worker, "w1", "request_consensus", map[string]any{
		"type": "architecture", "proposal": "Use microservices", "severity": "high",
	})
	assert.Equal(t, "approved", resp["outcome"])

	resp = ipcRequest(t, worker, agents[0].(string), "report_failure", map[string]any{"cause": "oom"})
	assert.Equal(t, true, resp["ok"])
	assert.NotEmpty(t, resp["replacement"])
	assert.Equal(t, 2, f.coord.ActiveCount())

	resp = ipcRequest(t, worker, agents[1].(string), "task_complete", nil)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, 1, f.coord.ActiveCount())

	resp = ipcRequest(t, worker, agents[1].(string), "task_complete", nil)
	assert.Contains(t, resp["error"], "unknown agent")

	resp = ipcRequest(t, worker, "w1", "create_task", map[string]any{
		"name": "nightly", "schedule": "0 2 * * *", "description": "run the audit",
	})
	require.Equal(t, true, resp["ok"])
	stored, err := f.store.GetTask(resp["id"].(string))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "nightly", stored.Name)

	resp = ipcRequest(t, worker, "w1", "create_task", map[string]any{"name": "incomplete"})
	assert.Contains(t, resp["error"], "required")

	resp = ipcRequest(t, worker, "w1", "dance", nil)
	assert.Contains(t, resp["error"], "unknown command")
}
