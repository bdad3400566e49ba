// Package store provides the embedded SQLite state for the daemon: run
// records, processed-comment dedup, executor sessions and per-issue caches.
// The ticket system remains the source of truth; this store only exists so
// restarts do not repeat work.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Run outcomes.
const (
	OutcomeRunning   = "running"
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeStalled   = "stalled"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Store wraps the SQLite database. All writes go through *Store methods;
// the handle itself is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at the given path and runs
// migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Serialized writes; the engine's writers are few and short-lived.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate creates and upgrades tables.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			issue_ref TEXT NOT NULL,
			workflow TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT 'running',
			log_path TEXT,
			session_id TEXT,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS processed_comments (
			issue_ref TEXT NOT NULL,
			comment_id INTEGER NOT NULL,
			processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (issue_ref, comment_id)
		)`,
		`CREATE TABLE IF NOT EXISTS issue_states (
			issue_ref TEXT PRIMARY KEY,
			branch TEXT,
			comment_cursor DATETIME,
			comment_count INTEGER DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			issue_ref TEXT NOT NULL,
			workflow TEXT NOT NULL,
			session_id TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (issue_ref, workflow)
		)`,
		`CREATE TABLE IF NOT EXISTS project_metadata (
			board_url TEXT PRIMARY KEY,
			payload TEXT,
			fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_issue ON runs(issue_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome)`,
		`ALTER TABLE runs ADD COLUMN model TEXT`,
		`ALTER TABLE runs ADD COLUMN tokens_input INTEGER DEFAULT 0`,
		`ALTER TABLE runs ADD COLUMN tokens_output INTEGER DEFAULT 0`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			// SQLite reports "duplicate column name" when an ALTER TABLE
			// migration already ran.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one executor invocation under a workflow.
type Run struct {
	ID           string
	IssueRef     string
	Workflow     string
	Outcome      string
	LogPath      string
	SessionID    string
	Model        string
	TokensInput  int64
	TokensOutput int64
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// StartRun records a run in the running state.
func (s *Store) StartRun(run *Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, issue_ref, workflow, outcome, log_path, model)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.IssueRef, run.Workflow, OutcomeRunning, run.LogPath, run.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// FinishRun writes the terminal outcome of a run. Runs are append-only
// otherwise; this is the single permitted mutation.
func (s *Store) FinishRun(id, outcome, sessionID string, tokensIn, tokensOut int64) error {
	_, err := s.db.Exec(
		`UPDATE runs SET outcome = ?, session_id = ?, tokens_input = ?, tokens_output = ?,
		 finished_at = CURRENT_TIMESTAMP WHERE id = ?`,
		outcome, sessionID, tokensIn, tokensOut, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RunningRuns returns runs still marked running, used for crash recovery.
func (s *Store) RunningRuns() ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, issue_ref, workflow, outcome, COALESCE(log_path, ''),
		        COALESCE(session_id, ''), COALESCE(model, ''), started_at
		 FROM runs WHERE outcome = ?`, OutcomeRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query running runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.IssueRef, &r.Workflow, &r.Outcome,
			&r.LogPath, &r.SessionID, &r.Model, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunsForIssue returns all runs for an issue, newest first.
func (s *Store) RunsForIssue(issueRef string) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, issue_ref, workflow, outcome, COALESCE(log_path, ''),
		        COALESCE(session_id, ''), COALESCE(model, ''), started_at
		 FROM runs WHERE issue_ref = ? ORDER BY started_at DESC`, issueRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.IssueRef, &r.Workflow, &r.Outcome,
			&r.LogPath, &r.SessionID, &r.Model, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecentRuns returns the most recent runs across all issues, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, issue_ref, workflow, outcome, COALESCE(log_path, ''),
		        COALESCE(session_id, ''), COALESCE(model, ''), started_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.IssueRef, &r.Workflow, &r.Outcome,
			&r.LogPath, &r.SessionID, &r.Model, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FinalizeStaleRuns marks running runs older than the threshold as
// cancelled. Called once at startup; a run that old has no living process.
func (s *Store) FinalizeStaleRuns(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format("2006-01-02 15:04:05")
	res, err := s.db.Exec(
		`UPDATE runs SET outcome = ?, finished_at = CURRENT_TIMESTAMP
		 WHERE outcome = ? AND started_at < ?`,
		OutcomeCancelled, OutcomeRunning, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to finalize stale runs: %w", err)
	}
	return res.RowsAffected()
}

// IsCommentProcessed reports whether the comment was already acted on.
func (s *Store) IsCommentProcessed(issueRef string, commentID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM processed_comments WHERE issue_ref = ? AND comment_id = ?`,
		issueRef, commentID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query processed comment: %w", err)
	}
	return n > 0, nil
}

// MarkCommentProcessed records that a comment reached a terminal outcome.
// Written only after the workflow settles so a crash mid-processing retries.
func (s *Store) MarkCommentProcessed(issueRef string, commentID int64) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_comments (issue_ref, comment_id) VALUES (?, ?)`,
		issueRef, commentID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark comment processed: %w", err)
	}
	return nil
}

// Session returns the stored executor session for an issue+workflow, or ""
// if none is known.
func (s *Store) Session(issueRef, workflow string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT session_id FROM sessions WHERE issue_ref = ? AND workflow = ?`,
		issueRef, workflow,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query session: %w", err)
	}
	return id, nil
}

// SaveSession upserts the executor session for an issue+workflow.
func (s *Store) SaveSession(issueRef, workflow, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (issue_ref, workflow, session_id) VALUES (?, ?, ?)
		 ON CONFLICT(issue_ref, workflow) DO UPDATE SET
		   session_id = excluded.session_id, updated_at = CURRENT_TIMESTAMP`,
		issueRef, workflow, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ClearSessions removes all stored sessions for an issue. Used by reset.
func (s *Store) ClearSessions(issueRef string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE issue_ref = ?`, issueRef)
	if err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	return nil
}

// IssueState caches per-issue bookkeeping between polls.
type IssueState struct {
	IssueRef      string
	Branch        string
	CommentCursor *time.Time
	CommentCount  int
}

// IssueState returns the cached state for an issue, or a zero-valued state
// if the issue has never been seen.
func (s *Store) IssueState(issueRef string) (IssueState, error) {
	st := IssueState{IssueRef: issueRef}
	var branch sql.NullString
	var cursor sql.NullTime
	err := s.db.QueryRow(
		`SELECT branch, comment_cursor, comment_count FROM issue_states WHERE issue_ref = ?`,
		issueRef,
	).Scan(&branch, &cursor, &st.CommentCount)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to query issue state: %w", err)
	}
	st.Branch = branch.String
	if cursor.Valid {
		t := cursor.Time
		st.CommentCursor = &t
	}
	return st, nil
}

// SaveIssueState upserts the cached state for an issue.
func (s *Store) SaveIssueState(st IssueState) error {
	_, err := s.db.Exec(
		`INSERT INTO issue_states (issue_ref, branch, comment_cursor, comment_count)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(issue_ref) DO UPDATE SET
		   branch = excluded.branch,
		   comment_cursor = excluded.comment_cursor,
		   comment_count = excluded.comment_count,
		   updated_at = CURRENT_TIMESTAMP`,
		st.IssueRef, st.Branch, st.CommentCursor, st.CommentCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save issue state: %w", err)
	}
	return nil
}

// ProjectMetadata returns the cached metadata payload for a board, or ""
// when none is stored.
func (s *Store) ProjectMetadata(boardURL string) (string, error) {
	var payload sql.NullString
	err := s.db.QueryRow(
		`SELECT payload FROM project_metadata WHERE board_url = ?`, boardURL,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read project metadata: %w", err)
	}
	return payload.String, nil
}

// SaveProjectMetadata upserts the cached metadata payload for a board.
func (s *Store) SaveProjectMetadata(boardURL, payload string) error {
	_, err := s.db.Exec(
		`INSERT INTO project_metadata (board_url, payload)
		 VALUES (?, ?)
		 ON CONFLICT(board_url) DO UPDATE SET
		   payload = excluded.payload,
		   fetched_at = CURRENT_TIMESTAMP`,
		boardURL, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to save project metadata: %w", err)
	}
	return nil
}

// DeleteIssueState removes the cached state for an issue. Used by reset.
func (s *Store) DeleteIssueState(issueRef string) error {
	_, err := s.db.Exec(`DELETE FROM issue_states WHERE issue_ref = ?`, issueRef)
	if err != nil {
		return fmt.Errorf("failed to delete issue state: %w", err)
	}
	return nil
}
