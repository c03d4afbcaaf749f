package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Secret is an encrypted value injected into worker environments. Value
// and Nonce are the vault ciphertext and are never serialized.
type Secret struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Value       []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	Global      bool      `json:"global"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveSecret(sec *Secret) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (id, name, description, value, nonce, global)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description,
			value=excluded.value, nonce=excluded.nonce,
			global=excluded.global, updated_at=CURRENT_TIMESTAMP`,
		sec.ID, sec.Name, sec.Description, sec.Value, sec.Nonce, boolToInt(sec.Global))
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(id string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, value, nonce, global, created_at, updated_at
		FROM secrets WHERE id = ?`, id)
	sec, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sec, nil
}

func (s *Store) GetSecretByName(name string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, value, nonce, global, created_at, updated_at
		FROM secrets WHERE name = ?`, name)
	sec, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret by name: %w", err)
	}
	return sec, nil
}

func (s *Store) ListSecrets() ([]Secret, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, global, created_at, updated_at
		FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		sec, err := scanSecretMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		secrets = append(secrets, *sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecret(id string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// GetWorkerSecrets returns the global secrets plus those assigned to the
// worker type, with their ciphertext.
func (s *Store) GetWorkerSecrets(workerType string) ([]Secret, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.name, s.description, s.value, s.nonce, s.global, s.created_at, s.updated_at
		FROM secrets s
		WHERE s.global = 1
		   OR s.id IN (SELECT secret_id FROM worker_type_secrets WHERE worker_type = ?)
		ORDER BY s.name`, workerType)
	if err != nil {
		return nil, fmt.Errorf("get worker secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker secret: %w", err)
		}
		secrets = append(secrets, *sec)
	}
	return secrets, rows.Err()
}

func (s *Store) SetWorkerSecrets(workerType string, secretIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM worker_type_secrets WHERE worker_type = ?`, workerType); err != nil {
		return fmt.Errorf("clear worker secrets: %w", err)
	}

	for _, sid := range secretIDs {
		if _, err := tx.Exec(`INSERT INTO worker_type_secrets (worker_type, secret_id) VALUES (?, ?)`,
			workerType, sid); err != nil {
			return fmt.Errorf("insert worker secret: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) AddWorkerSecret(workerType, secretID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO worker_type_secrets (worker_type, secret_id) VALUES (?, ?)`,
		workerType, secretID)
	if err != nil {
		return fmt.Errorf("add worker secret: %w", err)
	}
	return nil
}

func (s *Store) RemoveWorkerSecret(workerType, secretID string) error {
	_, err := s.db.Exec(`DELETE FROM worker_type_secrets WHERE worker_type = ? AND secret_id = ?`,
		workerType, secretID)
	if err != nil {
		return fmt.Errorf("remove worker secret: %w", err)
	}
	return nil
}

// GetSecretWorkerTypes lists the worker types a secret is assigned to.
func (s *Store) GetSecretWorkerTypes(secretID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT worker_type FROM worker_type_secrets WHERE secret_id = ? ORDER BY worker_type`, secretID)
	if err != nil {
		return nil, fmt.Errorf("get secret worker types: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var wt string
		if err := rows.Scan(&wt); err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

func scanSecret(sc scanner) (*Secret, error) {
	sec := &Secret{}
	var global int
	var desc sql.NullString
	err := sc.Scan(&sec.ID, &sec.Name, &desc, &sec.Value, &sec.Nonce, &global, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sec.Global = global == 1
	sec.Description = desc.String
	return sec, nil
}

func scanSecretMeta(sc scanner) (*Secret, error) {
	sec := &Secret{}
	var global int
	var desc sql.NullString
	err := sc.Scan(&sec.ID, &sec.Name, &desc, &global, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sec.Global = global == 1
	sec.Description = desc.String
	return sec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
