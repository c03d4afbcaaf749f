package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/hive/internal/dispatch"
	"github.com/mtzanidakis/hive/internal/schedule"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
)

const defaultHistoryLimit = 50

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarm
	mux.HandleFunc("GET /api/swarm/state", s.getSwarmState)
	mux.HandleFunc("GET /api/swarm/metrics", s.getSwarmMetrics)
	mux.HandleFunc("GET /api/swarm/agents", s.listAgents)
	mux.HandleFunc("POST /api/swarm/agents/{id}/failure", s.reportFailure)
	mux.HandleFunc("POST /api/swarm/agents/{id}/release", s.releaseAgent)
	mux.HandleFunc("POST /api/swarm/tasks", s.submitTask)
	mux.HandleFunc("GET /api/swarm/runs", s.listRuns)
	mux.HandleFunc("GET /api/swarm/runs/{id}", s.getRun)
	mux.HandleFunc("POST /api/swarm/consensus", s.buildConsensus)
	mux.HandleFunc("GET /api/swarm/decisions", s.listDecisions)
	mux.HandleFunc("GET /api/swarm/decisions/{id}", s.getDecision)
	mux.HandleFunc("GET /api/swarm/failures", s.listFailures)

	// Topology
	mux.HandleFunc("GET /api/swarm/topology", s.getTopology)
	mux.HandleFunc("PUT /api/swarm/topology", s.setTopology)
	mux.HandleFunc("POST /api/swarm/topology/optimize", s.optimizeTopology)
	mux.HandleFunc("POST /api/swarm/topology/route", s.routeMessage)

	// Scheduled tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("PUT /api/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/tasks/completed", s.deleteCompletedTasks)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTask)

	// Worker types
	mux.HandleFunc("GET /api/workers", s.listWorkerTypes)
	mux.HandleFunc("GET /api/workers/{id}", s.getWorkerType)

	s.registerSecretsAPI(mux)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) getSwarmState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.State())
}

func (s *Server) getSwarmMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Metrics())
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Agents())
}

func (s *Server) reportFailure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cause string `json:"cause"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if body.Cause == "" {
		body.Cause = "reported via api"
	}

	replacement := s.disp.ReportFailure(r.Context(), r.PathValue("id"), errors.New(body.Cause))
	jsonResponse(w, map[string]any{"status": "ok", "replacement": replacement})
}

func (s *Server) releaseAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.CompleteTask(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, swarm.ErrUnknownAgent) {
			jsonError(w, "agent not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "released"})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var task swarm.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if task.Description == "" && len(task.Capabilities) == 0 {
		jsonError(w, "description or capabilities required", http.StatusBadRequest)
		return
	}

	run, err := s.disp.Submit(r.Context(), task, "api")
	if err != nil {
		jsonStatus(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "run": run})
		return
	}
	code := http.StatusCreated
	if run.Status == dispatch.StatusBackpressure {
		code = http.StatusAccepted
	}
	jsonStatus(w, code, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListTaskRuns(limitParam(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.TaskRun{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetTaskRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) buildConsensus(w http.ResponseWriter, r *http.Request) {
	var d swarm.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if d.Type == "" || d.Proposal == "" {
		jsonError(w, "type and proposal are required", http.StatusBadRequest)
		return
	}
	if d.Severity == "" {
		d.Severity = swarm.SeverityMedium
	}

	res, err := s.disp.BuildConsensus(r.Context(), d)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.store.ListDecisions(limitParam(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if decisions == nil {
		decisions = []store.Decision{}
	}
	jsonResponse(w, decisions)
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDecision(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if d == nil {
		jsonError(w, "decision not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, d)
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.store.ListFailures(limitParam(r))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if failures == nil {
		failures = []store.Failure{}
	}
	jsonResponse(w, failures)
}

func (s *Server) getTopology(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"topology": s.coord.Topology()}
	if s.topo != nil {
		out["switches"] = s.topo.Switches()
	}
	jsonResponse(w, out)
}

func (s *Server) setTopology(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topology string `json:"topology"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, err := swarm.ParseTopology(body.Topology)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.SetTopology(r.Context(), t); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"topology": s.coord.Topology()})
}

func (s *Server) optimizeTopology(w http.ResponseWriter, r *http.Request) {
	var task swarm.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]any{"topology": s.coord.OptimizeTopologyForTask(r.Context(), task)})
}

// routeMessage answers which live agents a message from sender reaches
// under the current topology.
func (s *Server) routeMessage(w http.ResponseWriter, r *http.Request) {
	if s.topo == nil {
		jsonError(w, "topology manager not configured", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Sender string `json:"sender"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agents := s.coord.Agents()
	members := make([]string, 0, len(agents))
	for _, a := range agents {
		members = append(members, a.ID)
	}
	targets := s.topo.Route(body.Sender, members)
	if targets == nil {
		targets = []string{}
	}
	jsonResponse(w, map[string]any{
		"topology": s.topo.CurrentTopology(),
		"sender":   body.Sender,
		"targets":  targets,
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToAPI(t))
	}
	jsonResponse(w, out)
}

type taskBody struct {
	Name         string   `json:"name"`
	Schedule     string   `json:"schedule"`
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	Complexity   string   `json:"complexity"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body taskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Description == "" {
		jsonError(w, "name, schedule and description are required", http.StatusBadRequest)
		return
	}

	task, err := dispatch.NewScheduledTask(body.Name, body.Schedule, body.Description)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	task.Priority = body.Priority
	task.Complexity = body.Complexity
	task.Capabilities = body.Capabilities

	if err := s.store.SaveTask(task); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonStatus(w, http.StatusCreated, taskToAPI(*task))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetTask(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}

	var body struct {
		taskBody
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Description != "" {
		existing.Description = body.Description
	}
	if body.Priority != "" {
		existing.Priority = body.Priority
	}
	if body.Complexity != "" {
		existing.Complexity = body.Complexity
	}
	if body.Capabilities != nil {
		existing.Capabilities = body.Capabilities
	}
	reschedule := false
	if body.Schedule != "" {
		normalized, err := schedule.Normalize(body.Schedule)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
		reschedule = true
	}
	if body.Enabled != nil {
		if *body.Enabled {
			if existing.Status != "active" {
				existing.Status = "active"
				reschedule = true
			}
		} else {
			existing.Status = "paused"
		}
	}
	if reschedule {
		existing.NextRunAt = schedule.NextRun(existing.Schedule, time.Now())
	}

	if err := s.store.SaveTask(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, taskToAPI(*existing))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) deleteCompletedTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	deleted := 0
	for _, t := range tasks {
		if t.Status != "completed" {
			continue
		}
		if err := s.store.DeleteTask(t.ID); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		deleted++
	}
	jsonResponse(w, map[string]int{"deleted": deleted})
}

func (s *Server) listWorkerTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.registry.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if types == nil {
		types = []store.WorkerType{}
	}
	jsonResponse(w, types)
}

func (s *Server) getWorkerType(w http.ResponseWriter, r *http.Request) {
	wt, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if wt == nil {
		jsonError(w, "worker type not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, wt)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	tasks, _ := s.store.ListTasks()
	activeTasks := 0
	for _, t := range tasks {
		if t.Status == "active" {
			activeTasks++
		}
	}

	natsStatus := "disabled"
	if s.bus != nil {
		natsStatus = "ok"
	}

	state := s.coord.State()
	jsonResponse(w, map[string]any{
		"status":          "ok",
		"version":         s.version,
		"uptime":          formatUptime(time.Since(s.startedAt)),
		"initialized":     state.Initialized,
		"topology":        state.Topology,
		"active_agents":   state.ActiveAgents,
		"max_agents":      state.MaxAgents,
		"scheduled_tasks": activeTasks,
		"nats":            natsStatus,
		"timestamp":       time.Now().UTC(),
	})
}

func taskToAPI(t store.ScheduledTask) map[string]any {
	m := map[string]any{
		"id":               t.ID,
		"name":             t.Name,
		"schedule":         t.Schedule,
		"schedule_display": schedule.Describe(t.Schedule),
		"description":      t.Description,
		"priority":         t.Priority,
		"complexity":       t.Complexity,
		"capabilities":     t.Capabilities,
		"enabled":          t.Status == "active",
		"status":           t.Status,
	}
	if t.LastRunAt != nil {
		m["last_run"] = t.LastRunAt.UTC()
		m["last_status"] = t.LastStatus
	}
	if t.LastError != "" {
		m["last_error"] = t.LastError
	}
	if t.NextRunAt != nil {
		m["next_run"] = t.NextRunAt.UTC()
	}
	return m
}

func limitParam(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return min(n, 1000)
	}
	return defaultHistoryLimit
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}
