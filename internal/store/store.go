package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/hive/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets the web API read while the coordinator writes; the busy
	// timeout makes writers retry instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Snapshot writes a consistent copy of the database to path.
func (s *Store) Snapshot(path string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS worker_types (
			id           TEXT PRIMARY KEY,
			description  TEXT,
			image        TEXT,
			model        TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			description  TEXT NOT NULL,
			priority     TEXT DEFAULT 'normal',
			complexity   TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]',
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id           TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL,
			description  TEXT NOT NULL,
			source       TEXT NOT NULL DEFAULT 'api',
			topology     TEXT,
			status       TEXT NOT NULL,
			agents       TEXT NOT NULL DEFAULT '[]',
			error        TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_started ON task_runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			proposal    TEXT NOT NULL,
			severity    TEXT,
			outcome     TEXT NOT NULL,
			confidence  REAL NOT NULL DEFAULT 0,
			approve     INTEGER NOT NULL DEFAULT 0,
			reject      INTEGER NOT NULL DEFAULT 0,
			abstain     INTEGER NOT NULL DEFAULT 0,
			votes       TEXT NOT NULL DEFAULT '[]',
			decided_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_decided ON decisions(decided_at)`,
		`CREATE TABLE IF NOT EXISTS failures (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id    TEXT NOT NULL,
			cause       TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_agent ON failures(agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			global      INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS worker_type_secrets (
			worker_type TEXT NOT NULL,
			secret_id   TEXT NOT NULL REFERENCES secrets(id) ON DELETE CASCADE,
			PRIMARY KEY (worker_type, secret_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
