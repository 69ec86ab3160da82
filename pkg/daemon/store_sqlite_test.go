package daemon

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	sess := &Session{
		ID:               "sess-1",
		Model:            "claude",
		WorkingDirectory: "/home/dev/project",
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           SessionActive,
	}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Model != "claude" || got.Status != SessionActive || got.WorktreeID != "" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestUpdateSessionStatusAndListActive(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	for _, id := range []string{"a", "b"} {
		if err := s.CreateSession(&Session{ID: id, Model: "m", WorkingDirectory: "/x", CreatedAt: now, UpdatedAt: now, Status: SessionActive}); err != nil {
			t.Fatalf("create session %s: %v", id, err)
		}
	}

	if err := s.UpdateSessionStatus("a", SessionEnded); err != nil {
		t.Fatalf("update status: %v", err)
	}

	active, err := s.ListActiveSessions()
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "b" {
		t.Fatalf("expected only session b active, got %+v", active)
	}
}

func TestAppendAndQueryEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	if err := s.CreateSession(&Session{ID: "sess-1", Model: "m", WorkingDirectory: "/x", CreatedAt: now, UpdatedAt: now, Status: SessionActive}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		e := &AgentEvent{SessionID: "sess-1", Sequence: i, Timestamp: now, EventKind: "output", Payload: []byte(`{"n":1}`)}
		if err := s.AppendEvent(e); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	events, err := s.EventsSince("sess-1", 1)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 2 || events[1].Sequence != 3 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestGitRepoAndWorktree(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateGitRepo(&GitRepo{ID: "repo-1", SessionID: "sess-1", RemoteURL: "git@example.com:x/y", DefaultBranch: "main"}); err != nil {
		t.Fatalf("create git repo: %v", err)
	}
	now := time.Now()
	if err := s.CreateWorktree(&Worktree{ID: "wt-1", RepoID: "repo-1", Path: "/tmp/wt", Branch: "feature", CreatedAt: now}); err != nil {
		t.Fatalf("create worktree: %v", err)
	}

	got, err := s.WorktreeByID("wt-1")
	if err != nil {
		t.Fatalf("worktree by id: %v", err)
	}
	if got.RepoID != "repo-1" || got.Branch != "feature" {
		t.Fatalf("unexpected worktree: %+v", got)
	}
}

func TestPersistentGrantUpsertAndDelete(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	g := &PersistentGrant{SessionID: "sess-1", ToolName: "Bash", Action: "allow", CreatedAt: now}
	if err := s.UpsertPersistentGrant(g); err != nil {
		t.Fatalf("upsert grant: %v", err)
	}
	// upsert again with a different action should overwrite, not duplicate.
	g.Action = "deny"
	if err := s.UpsertPersistentGrant(g); err != nil {
		t.Fatalf("upsert grant again: %v", err)
	}

	grants, err := s.PersistentGrants("sess-1")
	if err != nil {
		t.Fatalf("persistent grants: %v", err)
	}
	if len(grants) != 1 || grants[0].Action != "deny" {
		t.Fatalf("expected single updated grant, got %+v", grants)
	}

	if err := s.DeletePersistentGrant("sess-1", "Bash"); err != nil {
		t.Fatalf("delete grant: %v", err)
	}
	grants, _ = s.PersistentGrants("sess-1")
	if len(grants) != 0 {
		t.Fatalf("expected no grants after delete, got %+v", grants)
	}
}
