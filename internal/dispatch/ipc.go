package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/schedule"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// IPCCommand is a request a worker sends on its host.ipc subject.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServeIPC answers worker requests. ctx bounds the work each request
// triggers.
func (d *Dispatcher) ServeIPC(ctx context.Context, client *natsbus.Client) (*nats.Subscription, error) {
	return client.Subscribe(natsbus.TopicIPCAll, func(msg *nats.Msg) {
		d.handleIPC(ctx, msg)
	})
}

func (d *Dispatcher) handleIPC(ctx context.Context, msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		d.log.Warn("invalid IPC command", "error", err)
		d.respond(msg, map[string]any{"error": "invalid command"})
		return
	}

	workerID := strings.TrimPrefix(msg.Subject, "host.ipc.")
	d.log.Debug("IPC command received", "type", cmd.Type, "worker", workerID)

	var (
		resp any
		err  error
	)
	switch cmd.Type {
	case "task_complete":
		resp, err = d.ipcTaskComplete(ctx, workerID)
	case "report_failure":
		resp, err = d.ipcReportFailure(ctx, workerID, cmd.Payload)
	case "request_consensus":
		resp, err = d.ipcRequestConsensus(ctx, cmd.Payload)
	case "submit_task":
		resp, err = d.ipcSubmitTask(ctx, workerID, cmd.Payload)
	case "create_task":
		resp, err = d.ipcCreateTask(workerID, cmd.Payload)
	default:
		err = fmt.Errorf("unknown command: %s", cmd.Type)
	}
	if err != nil {
		d.log.Warn("IPC command failed", "type", cmd.Type, "worker", workerID, "error", err)
		d.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	d.respond(msg, resp)
}

func (d *Dispatcher) respond(msg *nats.Msg, data any) {
	if msg.Reply == "" {
		return
	}
	resp, err := json.Marshal(data)
	if err != nil {
		d.log.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		d.log.Error("failed to respond to IPC", "error", err)
	}
}

func (d *Dispatcher) ipcTaskComplete(ctx context.Context, workerID string) (any, error) {
	if err := d.CompleteTask(ctx, workerID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) ipcReportFailure(ctx context.Context, workerID string, payload json.RawMessage) (any, error) {
	var req struct {
		Cause string `json:"cause"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.New("invalid payload")
		}
	}
	if req.Cause == "" {
		req.Cause = "reported by worker"
	}

	replacement := d.ReportFailure(ctx, workerID, errors.New(req.Cause))
	resp := map[string]any{"ok": true}
	if replacement != nil {
		resp["replacement"] = replacement.ID
	}
	return resp, nil
}

func (d *Dispatcher) ipcRequestConsensus(ctx context.Context, payload json.RawMessage) (any, error) {
	var dec swarm.Decision
	if err := json.Unmarshal(payload, &dec); err != nil {
		return nil, errors.New("invalid payload")
	}
	if dec.Type == "" || dec.Proposal == "" {
		return nil, errors.New("type and proposal are required")
	}
	if dec.Severity == "" {
		dec.Severity = swarm.SeverityMedium
	}
	return d.BuildConsensus(ctx, dec)
}

func (d *Dispatcher) ipcSubmitTask(ctx context.Context, workerID string, payload json.RawMessage) (any, error) {
	var task swarm.Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, errors.New("invalid payload")
	}
	if task.Description == "" {
		return nil, errors.New("description is required")
	}
	run, err := d.Submit(ctx, task, "worker:"+workerID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (d *Dispatcher) ipcCreateTask(workerID string, payload json.RawMessage) (any, error) {
	var req struct {
		Name         string   `json:"name"`
		Schedule     string   `json:"schedule"`
		Description  string   `json:"description"`
		Priority     string   `json:"priority"`
		Complexity   string   `json:"complexity"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.New("invalid payload")
	}
	if req.Name == "" || req.Schedule == "" || req.Description == "" {
		return nil, errors.New("name, schedule, and description are required")
	}

	t, err := NewScheduledTask(req.Name, req.Schedule, req.Description)
	if err != nil {
		return nil, err
	}
	t.Priority = req.Priority
	t.Complexity = req.Complexity
	t.Capabilities = req.Capabilities

	if err := d.store.SaveTask(t); err != nil {
		return nil, fmt.Errorf("save failed: %w", err)
	}
	d.log.Info("task created via IPC", "id", t.ID, "name", t.Name, "worker", workerID)
	return map[string]any{"ok": true, "id": t.ID}, nil
}

// NewScheduledTask validates raw and returns an active task due at its first
// run.
func NewScheduledTask(name, raw, description string) (*store.ScheduledTask, error) {
	normalized, err := schedule.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	return &store.ScheduledTask{
		ID:          uuid.New().String(),
		Name:        name,
		Schedule:    normalized,
		Description: description,
		Status:      "active",
		NextRunAt:   schedule.NextRun(normalized, time.Now()),
	}, nil
}
