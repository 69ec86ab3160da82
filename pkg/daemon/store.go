// Package daemon holds the durable side of daemon-local state: sessions,
// their AgentEvent logs, the git repo/worktree rows a session's
// worktree_id points at, and persistent permission grants. The session
// multiplexer (pkg/session) and permission engine (pkg/permission) own
// the in-memory fast path; this package is the row bookkeeping behind
// them, queried on daemon startup to reconstruct recent state and
// written to as sessions progress.
package daemon

import "time"

// SessionStatus mirrors a session's lifecycle as seen from the daemon's
// own bookkeeping, independent of whether any client is attached.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is the daemon-side row backing one coding-agent session.
type Session struct {
	ID               string
	Model            string
	WorkingDirectory string
	WorktreeID       string // optional, empty if the session has no worktree
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Status           SessionStatus
}

// AgentEvent is one durable entry in a session's event log. Sequence
// matches the number the in-memory multiplexer assigned at broadcast
// time, so a client resuming after the replay buffer's window can fall
// back to querying this table for the same ordering guarantee.
type AgentEvent struct {
	SessionID string
	Sequence  uint64
	Timestamp time.Time
	EventKind string
	Payload   []byte // JSON
}

// GitRepo is the row bookkeeping for a repository a session's worktree
// belongs to. Filesystem-level git operations are an external
// collaborator; this store only owns the identifying fields.
type GitRepo struct {
	ID            string
	SessionID     string
	RemoteURL     string
	DefaultBranch string
}

// Worktree is one checked-out working copy a session may run in.
type Worktree struct {
	ID        string
	RepoID    string
	Path      string
	Branch    string
	CreatedAt time.Time
}

// PersistentGrant is a durable permission grant surviving daemon
// restart, the persisted half of pkg/permission's in-memory grant
// table.
type PersistentGrant struct {
	SessionID   string
	ToolName    string
	PathPattern string // optional
	Action      string // "allow" or "deny"
	CreatedAt   time.Time
}

// Store is the daemon's durable state backend.
type Store interface {
	CreateSession(s *Session) error
	GetSession(id string) (*Session, error)
	UpdateSessionStatus(id string, status SessionStatus) error
	ListActiveSessions() ([]*Session, error)

	AppendEvent(e *AgentEvent) error
	EventsSince(sessionID string, fromSequence uint64) ([]*AgentEvent, error)

	CreateGitRepo(r *GitRepo) error
	CreateWorktree(w *Worktree) error
	WorktreeByID(id string) (*Worktree, error)

	UpsertPersistentGrant(g *PersistentGrant) error
	PersistentGrants(sessionID string) ([]*PersistentGrant, error)
	DeletePersistentGrant(sessionID, toolName string) error
}
