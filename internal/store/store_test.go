package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkerTypeCRUD(t *testing.T) {
	s := newTestStore(t)

	w := &WorkerType{ID: "programmer", Description: "writes code", Capabilities: []string{"go", "sql"}}
	if err := s.SaveWorkerType(w); err != nil {
		t.Fatalf("save worker type: %v", err)
	}

	got, err := s.GetWorkerType("programmer")
	if err != nil {
		t.Fatalf("get worker type: %v", err)
	}
	if got == nil {
		t.Fatal("expected worker type, got nil")
	}
	if got.Description != "writes code" {
		t.Errorf("expected description 'writes code', got '%s'", got.Description)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[1] != "sql" {
		t.Errorf("unexpected capabilities: %v", got.Capabilities)
	}

	w.Image = "worker:v2"
	w.Capabilities = nil
	if err := s.SaveWorkerType(w); err != nil {
		t.Fatalf("update worker type: %v", err)
	}
	got, _ = s.GetWorkerType("programmer")
	if got.Image != "worker:v2" {
		t.Errorf("expected image worker:v2, got %s", got.Image)
	}
	if got.Capabilities == nil || len(got.Capabilities) != 0 {
		t.Errorf("expected empty capabilities, got %v", got.Capabilities)
	}

	_ = s.SaveWorkerType(&WorkerType{ID: "tester"})
	if err := s.DeleteWorkerTypesNotIn([]string{"tester"}); err != nil {
		t.Fatalf("delete stale: %v", err)
	}
	all, err := s.ListWorkerTypes()
	if err != nil {
		t.Fatalf("list worker types: %v", err)
	}
	if len(all) != 1 || all[0].ID != "tester" {
		t.Errorf("expected only tester, got %+v", all)
	}

	missing, err := s.GetWorkerType("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing worker type, got %v, %v", missing, err)
	}
}

func TestScheduledTaskCRUD(t *testing.T) {
	s := newTestStore(t)

	next := time.Now().Add(-time.Minute)
	task := &ScheduledTask{
		ID:           "task-1",
		Name:         "nightly review",
		Schedule:     `{"kind":"cron","cron_expr":"0 2 * * *"}`,
		Description:  "review yesterday's merges",
		Priority:     "high",
		Capabilities: []string{"review"},
		Status:       "active",
		NextRunAt:    &next,
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	got, err := s.GetTask("task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Priority != "high" || len(got.Capabilities) != 1 {
		t.Errorf("unexpected task: %+v", got)
	}

	due, err := s.GetDueTasks(time.Now())
	if err != nil {
		t.Fatalf("get due tasks: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("expected 1 due task, got %d", len(due))
	}

	later := time.Now().Add(time.Hour)
	if err := s.UpdateTaskRun("task-1", "success", "", &later); err != nil {
		t.Fatalf("update task run: %v", err)
	}
	got, _ = s.GetTask("task-1")
	if got.LastStatus != "success" || got.LastRunAt == nil {
		t.Errorf("expected recorded run, got %+v", got)
	}
	due, _ = s.GetDueTasks(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due tasks after reschedule, got %d", len(due))
	}

	_ = s.UpdateTaskStatus("task-1", "paused")
	_ = s.UpdateTaskRun("task-1", "success", "", &next)
	due, _ = s.GetDueTasks(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due tasks after pause, got %d", len(due))
	}

	if err := s.DeleteTask("task-1"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	tasks, _ := s.ListTasks()
	if len(tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(tasks))
	}
}

func TestTaskRunCRUD(t *testing.T) {
	s := newTestStore(t)

	run := &TaskRun{
		ID:          "run-1",
		TaskID:      "task-1",
		Description: "build the api",
		Source:      "scheduler",
		Topology:    "mesh",
		Status:      "staffed",
		Agents:      []string{"a1", "a2"},
	}
	if err := s.SaveTaskRun(run); err != nil {
		t.Fatalf("save task run: %v", err)
	}
	_ = s.SaveTaskRun(&TaskRun{ID: "run-2", TaskID: "task-2", Description: "x", Source: "api", Status: "backpressure"})

	got, err := s.GetTaskRun("run-1")
	if err != nil {
		t.Fatalf("get task run: %v", err)
	}
	if got.Status != "staffed" || len(got.Agents) != 2 {
		t.Errorf("unexpected run: %+v", got)
	}

	runs, err := s.ListTaskRuns(10)
	if err != nil {
		t.Fatalf("list task runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-2" {
		t.Errorf("expected newest run first, got %s", runs[0].ID)
	}
	if runs[0].Agents == nil {
		t.Error("expected empty agent list, got nil")
	}
}

func TestDecisionsAndFailures(t *testing.T) {
	s := newTestStore(t)

	votes, _ := json.Marshal([]map[string]any{{"agent_id": "a", "choice": "approve"}})
	d := &Decision{
		ID:         "dec-1",
		Type:       "architecture",
		Proposal:   "Use microservices",
		Severity:   "high",
		Outcome:    "approved",
		Confidence: 0.8,
		Approve:    2,
		Reject:     1,
		Votes:      votes,
		DecidedAt:  time.Now().UTC(),
	}
	if err := s.SaveDecision(d); err != nil {
		t.Fatalf("save decision: %v", err)
	}
	got, err := s.GetDecision("dec-1")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.Outcome != "approved" || got.Approve != 2 || got.Severity != "high" {
		t.Errorf("unexpected decision: %+v", got)
	}
	list, _ := s.ListDecisions(5)
	if len(list) != 1 {
		t.Errorf("expected 1 decision, got %d", len(list))
	}

	if err := s.SaveFailure("agent-1", "oom"); err != nil {
		t.Fatalf("save failure: %v", err)
	}
	_ = s.SaveFailure("agent-1", "timeout")
	_ = s.SaveFailure("agent-2", "")

	n, err := s.CountFailures("agent-1")
	if err != nil {
		t.Fatalf("count failures: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 failures, got %d", n)
	}
	failures, _ := s.ListFailures(2)
	if len(failures) != 2 || failures[0].AgentID != "agent-2" {
		t.Errorf("expected newest failures first, got %+v", failures)
	}
}

func TestWorkerSecrets(t *testing.T) {
	s := newTestStore(t)

	_ = s.SaveSecret(&Secret{ID: "s1", Name: "github", Value: []byte("c1"), Nonce: []byte("n1")})
	_ = s.SaveSecret(&Secret{ID: "s2", Name: "global-key", Value: []byte("c2"), Nonce: []byte("n2"), Global: true})
	_ = s.SaveSecret(&Secret{ID: "s3", Name: "other", Value: []byte("c3"), Nonce: []byte("n3")})

	if err := s.SetWorkerSecrets("programmer", []string{"s1"}); err != nil {
		t.Fatalf("set worker secrets: %v", err)
	}

	secrets, err := s.GetWorkerSecrets("programmer")
	if err != nil {
		t.Fatalf("get worker secrets: %v", err)
	}
	if len(secrets) != 2 {
		t.Fatalf("expected 2 secrets, got %d", len(secrets))
	}
	if string(secrets[0].Value) != "c1" {
		t.Errorf("expected ciphertext returned, got %q", secrets[0].Value)
	}

	byName, err := s.GetSecretByName("other")
	if err != nil || byName == nil || byName.ID != "s3" {
		t.Errorf("expected s3 by name, got %+v, %v", byName, err)
	}

	if err := s.DeleteSecret("s1"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	secrets, _ = s.GetWorkerSecrets("programmer")
	if len(secrets) != 1 || secrets[0].ID != "s2" {
		t.Errorf("expected only global secret after delete, got %+v", secrets)
	}

	meta, _ := s.ListSecrets()
	if len(meta) != 2 || meta[0].Value != nil {
		t.Errorf("expected metadata only, got %+v", meta)
	}
}

func TestAddRemoveWorkerSecret(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveSecret(&Secret{ID: "s1", Name: "github", Value: []byte("c1"), Nonce: []byte("n1")})

	for range 2 {
		if err := s.AddWorkerSecret("tester", "s1"); err != nil {
			t.Fatalf("add worker secret: %v", err)
		}
	}
	_ = s.AddWorkerSecret("reviewer", "s1")

	types, err := s.GetSecretWorkerTypes("s1")
	if err != nil {
		t.Fatalf("get secret worker types: %v", err)
	}
	if len(types) != 2 || types[0] != "reviewer" || types[1] != "tester" {
		t.Errorf("expected [reviewer tester], got %v", types)
	}

	if err := s.RemoveWorkerSecret("tester", "s1"); err != nil {
		t.Fatalf("remove worker secret: %v", err)
	}
	if secrets, _ := s.GetWorkerSecrets("tester"); len(secrets) != 0 {
		t.Errorf("expected no tester secrets, got %+v", secrets)
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveWorkerType(&WorkerType{ID: "planner"})

	path := filepath.Join(t.TempDir(), "copy.db")
	if err := s.Snapshot(path); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	cp, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer cp.Close()
	w, err := cp.GetWorkerType("planner")
	if err != nil || w == nil {
		t.Errorf("expected planner in snapshot, got %v, %v", w, err)
	}
}
