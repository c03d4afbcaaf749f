package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ScheduledTask is a recurring or one-off swarm task. When due, the
// scheduler submits it to the coordinator.
type ScheduledTask struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Description  string     `json:"description"`
	Priority     string     `json:"priority,omitempty"`
	Complexity   string     `json:"complexity,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Status       string     `json:"status"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const taskColumns = `id, name, schedule, description, priority, complexity, capabilities, status,
	next_run_at, last_run_at, last_status, last_error, created_at`

func scanTask(sc scanner) (*ScheduledTask, error) {
	t := &ScheduledTask{}
	var priority, complexity, lastStatus, lastError sql.NullString
	var caps string
	err := sc.Scan(&t.ID, &t.Name, &t.Schedule, &t.Description, &priority, &complexity, &caps, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Priority = priority.String
	t.Complexity = complexity.String
	t.LastStatus = lastStatus.String
	t.LastError = lastError.String
	if err := json.Unmarshal([]byte(caps), &t.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return t, nil
}

func (s *Store) SaveTask(t *ScheduledTask) error {
	caps, err := json.Marshal(nonNil(t.Capabilities))
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO scheduled_tasks (id, name, schedule, description, priority, complexity, capabilities, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			description = excluded.description,
			priority = excluded.priority,
			complexity = excluded.complexity,
			capabilities = excluded.capabilities,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.Name, t.Schedule, t.Description, t.Priority, t.Complexity, string(caps), t.Status, t.NextRunAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks() ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY created_at`)
}

func (s *Store) GetDueTasks(now time.Time) ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
}

func (s *Store) queryTasks(query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateTaskStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}
