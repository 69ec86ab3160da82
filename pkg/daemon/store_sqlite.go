package daemon

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the daemon's durable state backend: sessions,
// agent_events, git_repos, worktrees, and permission_grants.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the daemon database at dbPath.
// dbPath may be ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			working_directory TEXT NOT NULL,
			worktree_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS agent_events (
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			event_kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (session_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS git_repos (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			remote_url TEXT NOT NULL,
			default_branch TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL,
			path TEXT NOT NULL,
			branch TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS permission_grants (
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			path_pattern TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, tool_name)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateSession(sess *Session) error {
	_, err := s.db.Exec(`INSERT INTO sessions
		(id, model, working_directory, worktree_id, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Model, sess.WorkingDirectory, nullableString(sess.WorktreeID),
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), string(sess.Status))
	return err
}

func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	var sess Session
	var worktreeID sql.NullString
	var status string
	row := s.db.QueryRow(`SELECT id, model, working_directory, worktree_id, created_at, updated_at, status
		FROM sessions WHERE id = ?`, id)
	if err := row.Scan(&sess.ID, &sess.Model, &sess.WorkingDirectory, &worktreeID,
		&sess.CreatedAt, &sess.UpdatedAt, &status); err != nil {
		return nil, err
	}
	sess.WorktreeID = worktreeID.String
	sess.Status = SessionStatus(status)
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionStatus(id string, status SessionStatus) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) ListActiveSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT id, model, working_directory, worktree_id, created_at, updated_at, status
		FROM sessions WHERE status = ? ORDER BY created_at ASC`, string(SessionActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var worktreeID sql.NullString
		var status string
		if err := rows.Scan(&sess.ID, &sess.Model, &sess.WorkingDirectory, &worktreeID,
			&sess.CreatedAt, &sess.UpdatedAt, &status); err != nil {
			return nil, err
		}
		sess.WorktreeID = worktreeID.String
		sess.Status = SessionStatus(status)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEvent(e *AgentEvent) error {
	_, err := s.db.Exec(`INSERT INTO agent_events (session_id, sequence, timestamp, event_kind, payload)
		VALUES (?, ?, ?, ?, ?)`, e.SessionID, e.Sequence, e.Timestamp.UTC(), e.EventKind, string(e.Payload))
	return err
}

func (s *SQLiteStore) EventsSince(sessionID string, fromSequence uint64) ([]*AgentEvent, error) {
	rows, err := s.db.Query(`SELECT session_id, sequence, timestamp, event_kind, payload
		FROM agent_events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`, sessionID, fromSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AgentEvent
	for rows.Next() {
		var e AgentEvent
		var payload string
		if err := rows.Scan(&e.SessionID, &e.Sequence, &e.Timestamp, &e.EventKind, &payload); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateGitRepo(r *GitRepo) error {
	_, err := s.db.Exec(`INSERT INTO git_repos (id, session_id, remote_url, default_branch)
		VALUES (?, ?, ?, ?)`, r.ID, r.SessionID, r.RemoteURL, r.DefaultBranch)
	return err
}

func (s *SQLiteStore) CreateWorktree(w *Worktree) error {
	_, err := s.db.Exec(`INSERT INTO worktrees (id, repo_id, path, branch, created_at)
		VALUES (?, ?, ?, ?, ?)`, w.ID, w.RepoID, w.Path, w.Branch, w.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) WorktreeByID(id string) (*Worktree, error) {
	var w Worktree
	row := s.db.QueryRow(`SELECT id, repo_id, path, branch, created_at FROM worktrees WHERE id = ?`, id)
	if err := row.Scan(&w.ID, &w.RepoID, &w.Path, &w.Branch, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteStore) UpsertPersistentGrant(g *PersistentGrant) error {
	_, err := s.db.Exec(`INSERT INTO permission_grants (session_id, tool_name, path_pattern, action, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, tool_name) DO UPDATE SET path_pattern = excluded.path_pattern,
			action = excluded.action, created_at = excluded.created_at`,
		g.SessionID, g.ToolName, g.PathPattern, g.Action, g.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) PersistentGrants(sessionID string) ([]*PersistentGrant, error) {
	rows, err := s.db.Query(`SELECT session_id, tool_name, path_pattern, action, created_at
		FROM permission_grants WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PersistentGrant
	for rows.Next() {
		var g PersistentGrant
		if err := rows.Scan(&g.SessionID, &g.ToolName, &g.PathPattern, &g.Action, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeletePersistentGrant(sessionID, toolName string) error {
	_, err := s.db.Exec(`DELETE FROM permission_grants WHERE session_id = ? AND tool_name = ?`, sessionID, toolName)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
