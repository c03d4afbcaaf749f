package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkerType is a worker definition synced from config.
type WorkerType struct {
	ID           string    `json:"id"`
	Description  string    `json:"description,omitempty"`
	Image        string    `json:"image,omitempty"`
	Model        string    `json:"model,omitempty"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const workerColumns = `id, description, image, model, capabilities, created_at, updated_at`

func scanWorkerType(sc scanner) (*WorkerType, error) {
	w := &WorkerType{}
	var description, image, model sql.NullString
	var caps string
	if err := sc.Scan(&w.ID, &description, &image, &model, &caps, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Description = description.String
	w.Image = image.String
	w.Model = model.String
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return w, nil
}

func (s *Store) SaveWorkerType(w *WorkerType) error {
	caps, err := json.Marshal(nonNil(w.Capabilities))
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO worker_types (id, description, image, model, capabilities, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			image = excluded.image,
			model = excluded.model,
			capabilities = excluded.capabilities,
			updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.Description, w.Image, w.Model, string(caps))
	if err != nil {
		return fmt.Errorf("save worker type: %w", err)
	}
	return nil
}

func (s *Store) GetWorkerType(id string) (*WorkerType, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM worker_types WHERE id = ?`, id)
	w, err := scanWorkerType(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker type: %w", err)
	}
	return w, nil
}

func (s *Store) ListWorkerTypes() ([]WorkerType, error) {
	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM worker_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list worker types: %w", err)
	}
	defer rows.Close()

	var out []WorkerType
	for rows.Next() {
		w, err := scanWorkerType(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker type: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// DeleteWorkerTypesNotIn removes every worker type whose id is not listed.
func (s *Store) DeleteWorkerTypesNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM worker_types`)
		return err
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.Exec(`DELETE FROM worker_types WHERE id NOT IN (`+placeholders+`)`, args...)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
