package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(dir)
}

func TestFileStore_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.Append(ctx, &Event{
		Type:   EventTunnelConnect,
		User:   "alice",
		Action: "tunnel.connect",
		Target: &EventTarget{MachineID: "m1"},
		Result: &EventResult{Status: "success"},
	})
	require.NoError(t, err)

	events, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTunnelConnect, events[0].Type)
	assert.Equal(t, "alice", events[0].User)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestFileStore_QueryFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Append(ctx, &Event{Type: EventSessionAttach, User: "alice"}))
	require.NoError(t, store.Append(ctx, &Event{Type: EventSessionDetach, User: "bob"}))
	require.NoError(t, store.Append(ctx, &Event{Type: EventOwnershipDenied, User: "alice"}))

	byUser, err := store.Query(ctx, QueryOptions{User: "alice"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byType, err := store.Query(ctx, QueryOptions{Type: EventSessionDetach})
	require.NoError(t, err)
	assert.Len(t, byType, 1)
	assert.Equal(t, "bob", byType[0].User)
}

func TestFileStore_QueryLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &Event{Type: EventAuthRefresh, User: "alice"}))
	}

	events, err := store.Query(ctx, QueryOptions{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestFileStore_QueryTimeRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, store.Append(ctx, &Event{Type: EventAuthRefresh, Timestamp: past}))
	require.NoError(t, store.Append(ctx, &Event{Type: EventAuthRefresh, Timestamp: time.Now()}))

	events, err := store.Query(ctx, QueryOptions{Since: time.Now().Add(-time.Minute), Until: future})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFileStore_Export(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Append(ctx, &Event{Type: EventMachineRegister, User: "alice"}))

	events, err := store.Export(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventMachineRegister, events[0].Type)
}

func TestFileStore_QueryEmptyLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	events, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestFileStore_SkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Append(ctx, &Event{Type: EventAuthRefresh, User: "alice"}))

	f, err := os.OpenFile(store.logFile(), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLogger_LogPermissionDecision(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := NewLogger(store, "alice")

	require.NoError(t, logger.LogPermissionDecision(ctx, "sess1", "Bash", false, true))

	events, err := store.Query(ctx, QueryOptions{Type: EventPermissionDecision})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "success", events[0].Result.Status)
	assert.Equal(t, "Bash", events[0].Target.ToolName)
	assert.Equal(t, "sess1", events[0].SessionID)
}

func TestLogger_LogPermissionDecision_Denied(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := NewLogger(store, "alice")

	require.NoError(t, logger.LogPermissionDecision(ctx, "sess1", "Bash", true, false))

	events, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "denied", events[0].Result.Status)
	assert.True(t, events[0].Result.Cached)
}

func TestLogger_LogGrant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := NewLogger(store, "alice")

	require.NoError(t, logger.LogGrant(ctx, "sess1", "Write", "session"))

	events, err := store.Query(ctx, QueryOptions{Type: EventPermissionGrant})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "session", events[0].Metadata["scope"])
}

func TestLogger_LogSessionAttach(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := NewLogger(store, "alice")

	require.NoError(t, logger.LogSessionAttach(ctx, "sess1", "client1"))

	events, err := store.Query(ctx, QueryOptions{Type: EventSessionAttach})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "client1", events[0].Metadata["client_id"])
}

func TestLogger_LogTunnelConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := NewLogger(store, "system")

	require.NoError(t, logger.LogTunnelConnect(ctx, "m1"))
	require.NoError(t, logger.LogTunnelDisconnect(ctx, "m1", "heartbeat timeout"))

	events, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventTunnelConnect, events[0].Type)
	assert.Equal(t, EventTunnelDisconnect, events[1].Type)
	assert.Equal(t, "heartbeat timeout", events[1].Result.Error)
}

func TestLogger_LogOwnershipDenied(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := NewLogger(store, "mallory")

	require.NoError(t, logger.LogOwnershipDenied(ctx, "m1"))

	events, err := store.Query(ctx, QueryOptions{Type: EventOwnershipDenied})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "denied", events[0].Result.Status)
	assert.Equal(t, "m1", events[0].Target.MachineID)
}

func TestLogger_LogRefresh(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := NewLogger(store, "alice")

	require.NoError(t, logger.LogRefresh(ctx, true))
	require.NoError(t, logger.LogRefresh(ctx, false))

	events, err := store.Query(ctx, QueryOptions{Type: EventAuthRefresh})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "success", events[0].Result.Status)
	assert.Equal(t, "failure", events[1].Result.Status)
}

func TestLogger_LogFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := NewLogger(store, "system")

	require.NoError(t, logger.LogFingerprintMismatch(ctx, "m1", "aa:bb", "cc:dd"))

	events, err := store.Query(ctx, QueryOptions{Type: EventFingerprintMismatch})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "aa:bb", events[0].Metadata["expected"])
	assert.Equal(t, "cc:dd", events[0].Metadata["actual"])
}

func TestSplitLines(t *testing.T) {
	data := []byte("line1\nline2\nline3")
	lines := splitLines(data)
	require.Len(t, lines, 3)
	assert.Equal(t, "line1", string(lines[0]))
	assert.Equal(t, "line3", string(lines[2]))
}
