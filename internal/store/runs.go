package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TaskRun records one staffing attempt for a task: which workers the
// coordinator admitted and whether the attempt failed.
type TaskRun struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
	Topology    string    `json:"topology,omitempty"`
	Status      string    `json:"status"`
	Agents      []string  `json:"agents"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

const runColumns = `id, task_id, description, source, topology, status, agents, error, started_at`

func scanTaskRun(sc scanner) (*TaskRun, error) {
	r := &TaskRun{}
	var topology, errText sql.NullString
	var agents string
	if err := sc.Scan(&r.ID, &r.TaskID, &r.Description, &r.Source, &topology, &r.Status, &agents, &errText, &r.StartedAt); err != nil {
		return nil, err
	}
	r.Topology = topology.String
	r.Error = errText.String
	if err := json.Unmarshal([]byte(agents), &r.Agents); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return r, nil
}

func (s *Store) SaveTaskRun(r *TaskRun) error {
	agents, err := json.Marshal(nonNil(r.Agents))
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO task_runs (id, task_id, description, source, topology, status, agents, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			agents = excluded.agents,
			error = excluded.error`,
		r.ID, r.TaskID, r.Description, r.Source, r.Topology, r.Status, string(agents), r.Error)
	if err != nil {
		return fmt.Errorf("save task run: %w", err)
	}
	return nil
}

func (s *Store) GetTaskRun(id string) (*TaskRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id)
	r, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task run: %w", err)
	}
	return r, nil
}

// ListTaskRuns returns the most recent runs first.
func (s *Store) ListTaskRuns(limit int) ([]TaskRun, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM task_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		r, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
