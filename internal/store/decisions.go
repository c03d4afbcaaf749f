package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Decision struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Proposal   string          `json:"proposal"`
	Severity   string          `json:"severity,omitempty"`
	Outcome    string          `json:"outcome"`
	Confidence float64         `json:"confidence"`
	Approve    int             `json:"approve"`
	Reject     int             `json:"reject"`
	Abstain    int             `json:"abstain"`
	Votes      json.RawMessage `json:"votes"`
	DecidedAt  time.Time       `json:"decided_at"`
}

type Failure struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Cause     string    `json:"cause,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const decisionColumns = `id, type, proposal, severity, outcome, confidence, approve, reject, abstain, votes, decided_at`

func scanDecision(sc scanner) (*Decision, error) {
	d := &Decision{}
	var severity sql.NullString
	var votes string
	err := sc.Scan(&d.ID, &d.Type, &d.Proposal, &severity, &d.Outcome, &d.Confidence,
		&d.Approve, &d.Reject, &d.Abstain, &votes, &d.DecidedAt)
	if err != nil {
		return nil, err
	}
	d.Severity = severity.String
	d.Votes = json.RawMessage(votes)
	return d, nil
}

func (s *Store) SaveDecision(d *Decision) error {
	votes := d.Votes
	if len(votes) == 0 {
		votes = json.RawMessage("[]")
	}
	_, err := s.db.Exec(`
		INSERT INTO decisions (id, type, proposal, severity, outcome, confidence, approve, reject, abstain, votes, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			confidence = excluded.confidence,
			approve = excluded.approve,
			reject = excluded.reject,
			abstain = excluded.abstain,
			votes = excluded.votes,
			decided_at = excluded.decided_at`,
		d.ID, d.Type, d.Proposal, d.Severity, d.Outcome, d.Confidence,
		d.Approve, d.Reject, d.Abstain, string(votes), d.DecidedAt)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

func (s *Store) GetDecision(id string) (*Decision, error) {
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns the most recent decisions first.
func (s *Store) ListDecisions(limit int) ([]Decision, error) {
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM decisions ORDER BY decided_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) SaveFailure(agentID, cause string) error {
	_, err := s.db.Exec(`INSERT INTO failures (agent_id, cause) VALUES (?, ?)`, agentID, cause)
	if err != nil {
		return fmt.Errorf("save failure: %w", err)
	}
	return nil
}

// ListFailures returns the most recent failures first.
func (s *Store) ListFailures(limit int) ([]Failure, error) {
	rows, err := s.db.Query(`SELECT id, agent_id, cause, created_at FROM failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var cause sql.NullString
		if err := rows.Scan(&f.ID, &f.AgentID, &cause, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Cause = cause.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFailures returns how many failures were recorded for agentID.
func (s *Store) CountFailures(agentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM failures WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}
