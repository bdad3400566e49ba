package yolo

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Decision outcomes.
const (
	OutcomeAdvanced = "advanced"
	OutcomeRefused  = "refused"
)

// Decision is one auto-progression verdict, kept for the dashboard and for
// auditing why an issue did or did not move.
type Decision struct {
	IssueRef   string
	FromStatus string
	ToStatus   string
	Actor      string
	Outcome    string
	Reason     string
	DecidedAt  time.Time
}

// DecisionStore persists decisions to a dedicated SQLite file. It uses the
// pure-Go driver so the decision log stays writable even when the primary
// store's connection is busy with run bookkeeping.
type DecisionStore struct {
	db *sql.DB
}

// OpenDecisions opens (creating if needed) the decision database.
func OpenDecisions(path string) (*DecisionStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	s := &DecisionStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate decision database: %w", err)
	}
	return s, nil
}

func (s *DecisionStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issue_ref TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		decided_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// Close closes the database connection.
func (s *DecisionStore) Close() error { return s.db.Close() }

// Record appends one decision.
func (s *DecisionStore) Record(d Decision) error {
	_, err := s.db.Exec(
		`INSERT INTO decisions (issue_ref, from_status, to_status, actor, outcome, reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.IssueRef, d.FromStatus, d.ToStatus, d.Actor, d.Outcome, d.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Recent returns the newest decisions, newest first.
func (s *DecisionStore) Recent(limit int) ([]Decision, error) {
	rows, err := s.db.Query(
		`SELECT issue_ref, from_status, to_status, actor, outcome, reason, decided_at
		 FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.IssueRef, &d.FromStatus, &d.ToStatus,
			&d.Actor, &d.Outcome, &d.Reason, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Purge removes decisions older than the given duration.
func (s *DecisionStore) Purge(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format("2006-01-02 15:04:05")
	res, err := s.db.Exec(`DELETE FROM decisions WHERE decided_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge decisions: %w", err)
	}
	return res.RowsAffected()
}
