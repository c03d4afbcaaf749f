package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := &Config{
		Workers: map[string]WorkerDefinition{
			"programmer": {Description: "writes code", Capabilities: []string{"go"}},
		},
		Defaults: DefaultsConfig{Model: "sonnet", Image: "img:latest"},
		Swarm:    SwarmConfig{MaxAgents: 10},
	}
	d := Diff(cfg, cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_WorkerAdded(t *testing.T) {
	old := &Config{
		Workers: map[string]WorkerDefinition{"programmer": {Description: "code"}},
	}
	new := &Config{
		Workers: map[string]WorkerDefinition{
			"programmer": {Description: "code"},
			"tester":     {Description: "tests"},
		},
	}
	d := Diff(old, new)
	if len(d.WorkersAdded) != 1 || d.WorkersAdded[0] != "tester" {
		t.Errorf("expected tester added, got %v", d.WorkersAdded)
	}
	if len(d.WorkersRemoved) != 0 || len(d.WorkersChanged) != 0 {
		t.Errorf("unexpected diff: %+v", d)
	}
	if !d.WorkersModified() {
		t.Error("expected workers modified")
	}
}

func TestDiff_WorkerRemoved(t *testing.T) {
	old := &Config{
		Workers: map[string]WorkerDefinition{
			"programmer": {Description: "code"},
			"reviewer":   {Description: "review"},
		},
	}
	new := &Config{
		Workers: map[string]WorkerDefinition{"programmer": {Description: "code"}},
	}
	d := Diff(old, new)
	if len(d.WorkersRemoved) != 1 || d.WorkersRemoved[0] != "reviewer" {
		t.Errorf("expected reviewer removed, got %v", d.WorkersRemoved)
	}
}

func TestDiff_WorkerCapabilitiesChanged(t *testing.T) {
	old := &Config{
		Workers: map[string]WorkerDefinition{"tester": {Capabilities: []string{"unit"}}},
	}
	new := &Config{
		Workers: map[string]WorkerDefinition{"tester": {Capabilities: []string{"unit", "e2e"}}},
	}
	d := Diff(old, new)
	if len(d.WorkersChanged) != 1 || d.WorkersChanged[0] != "tester" {
		t.Errorf("expected tester changed, got %v", d.WorkersChanged)
	}
}

func TestDiff_MaxAgentsChanged(t *testing.T) {
	old := &Config{Swarm: SwarmConfig{MaxAgents: 10}}
	new := &Config{Swarm: SwarmConfig{MaxAgents: 20}}
	d := Diff(old, new)
	if !d.MaxAgentsChanged || d.NewMaxAgents != 20 {
		t.Errorf("expected max agents 20, got %+v", d)
	}
	if d.WorkersModified() {
		t.Error("workers should not be modified")
	}
}

func TestDiff_SchedulerChanged(t *testing.T) {
	old := &Config{Scheduler: SchedulerConfig{PollInterval: 30 * time.Second, MaintenanceInterval: time.Minute}}
	new := &Config{Scheduler: SchedulerConfig{PollInterval: 30 * time.Second, MaintenanceInterval: 5 * time.Minute}}
	d := Diff(old, new)
	if !d.SchedulerChanged {
		t.Error("expected scheduler changed")
	}
	if d.NewScheduler.MaintenanceInterval != 5*time.Minute {
		t.Errorf("expected 5m maintenance, got %v", d.NewScheduler.MaintenanceInterval)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Web:      WebConfig{Port: 8080},
		Pool:     PoolConfig{MaxSize: 10},
		Swarm:    SwarmConfig{ConsensusTTL: 30 * time.Second},
	}
	new := &Config{
		Telegram: TelegramConfig{Token: "b"},
		Web:      WebConfig{Port: 9090},
		Pool:     PoolConfig{MaxSize: 20},
		Swarm:    SwarmConfig{ConsensusTTL: time.Minute},
	}
	d := Diff(old, new)
	if d.HasChanges() {
		t.Error("non-reloadable fields should not count as changes")
	}
	want := map[string]bool{"telegram.token": true, "web.port": true, "pool": true, "swarm.consensus_ttl": true}
	if len(d.NonReloadable) != len(want) {
		t.Fatalf("expected %d non-reloadable, got %v", len(want), d.NonReloadable)
	}
	for _, f := range d.NonReloadable {
		if !want[f] {
			t.Errorf("unexpected non-reloadable field %s", f)
		}
	}
}

func TestDiff_ChatIDChanged(t *testing.T) {
	old := &Config{Telegram: TelegramConfig{ChatID: 1}}
	new := &Config{Telegram: TelegramConfig{ChatID: 2}}
	d := Diff(old, new)
	if !d.ChatIDChanged || d.NewChatID != 2 {
		t.Errorf("expected chat id 2, got %+v", d)
	}
}
