// Package audit provides an immutable, structured audit log for BetCode's
// daemon and relay processes.
//
// Every permission decision, ownership-check denial, grant creation, session
// attach/detach, tunnel connect/disconnect, and refresh-token rotation is
// recorded as a structured event. Events are append-only and can be
// exported to JSON for SIEM ingestion.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventPermissionDecision  EventType = "permission.decision"
	EventPermissionGrant     EventType = "permission.grant"
	EventPermissionExpired   EventType = "permission.expired"
	EventSessionAttach       EventType = "session.attach"
	EventSessionDetach       EventType = "session.detach"
	EventInputLock           EventType = "session.input_lock"
	EventTunnelConnect       EventType = "tunnel.connect"
	EventTunnelDisconnect    EventType = "tunnel.disconnect"
	EventMachineRegister     EventType = "machine.register"
	EventOwnershipDenied     EventType = "ownership.denied"
	EventAuthLogin           EventType = "auth.login"
	EventAuthRefresh         EventType = "auth.refresh"
	EventFingerprintMismatch EventType = "identity.fingerprint_mismatch"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	User      string         `json:"user"`
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what was targeted by the action.
type EventTarget struct {
	MachineID string `json:"machine_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Path      string `json:"path,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status   string        `json:"status"` // "success", "failure", "denied"
	Cached   bool          `json:"cached,omitempty"`
	Duration time.Duration `json:"duration_ms,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	User  string
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit log.
type Store interface {
	// Append writes an event to the audit log. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)

	// Export returns all events recorded at or after the given time.
	Export(ctx context.Context, since time.Time) ([]*Event, error)
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore is an append-only file-based audit store using JSON Lines format.
// Each line is a complete JSON event. The file is never modified, only appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.User != "" && e.User != opts.User {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

// Export returns all events since the given time.
func (s *FileStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

func (s *FileStore) readAll() ([]*Event, error) {
	data, err := os.ReadFile(s.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ------------------------------------------------------------------
// Logger is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Logger provides helper methods for common audit patterns.
type Logger struct {
	store Store
	user  string
}

// NewLogger creates an audit logger for the given user.
func NewLogger(store Store, user string) *Logger {
	return &Logger{store: store, user: user}
}

// LogPermissionDecision records a decision made by the permission engine
// (spec.md §4.2) with status "success" when allowed is true and "denied"
// otherwise; there is no separate pending status.
func (l *Logger) LogPermissionDecision(ctx context.Context, sessionID, toolName string, cached bool, allowed bool) error {
	status := "denied"
	if allowed {
		status = "success"
	}
	return l.store.Append(ctx, &Event{
		Type:      EventPermissionDecision,
		User:      l.user,
		Action:    "permission.decision",
		SessionID: sessionID,
		Target:    &EventTarget{SessionID: sessionID, ToolName: toolName},
		Result:    &EventResult{Status: status, Cached: cached},
	})
}

// LogGrant records a session or persistent grant being recorded.
func (l *Logger) LogGrant(ctx context.Context, sessionID, toolName, scope string) error {
	return l.store.Append(ctx, &Event{
		Type:      EventPermissionGrant,
		User:      l.user,
		Action:    "permission.grant",
		SessionID: sessionID,
		Target:    &EventTarget{SessionID: sessionID, ToolName: toolName},
		Result:    &EventResult{Status: "success"},
		Metadata:  map[string]any{"scope": scope},
	})
}

// LogSessionAttach records a client subscribing to a session.
func (l *Logger) LogSessionAttach(ctx context.Context, sessionID, clientID string) error {
	return l.store.Append(ctx, &Event{
		Type:      EventSessionAttach,
		User:      l.user,
		Action:    "session.attach",
		SessionID: sessionID,
		Target:    &EventTarget{SessionID: sessionID},
		Result:    &EventResult{Status: "success"},
		Metadata:  map[string]any{"client_id": clientID},
	})
}

// LogTunnelConnect records a daemon's tunnel registering with the relay.
func (l *Logger) LogTunnelConnect(ctx context.Context, machineID string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventTunnelConnect,
		User:   l.user,
		Action: "tunnel.connect",
		Target: &EventTarget{MachineID: machineID},
		Result: &EventResult{Status: "success"},
	})
}

// LogTunnelDisconnect records a daemon's tunnel dropping.
func (l *Logger) LogTunnelDisconnect(ctx context.Context, machineID, reason string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventTunnelDisconnect,
		User:   l.user,
		Action: "tunnel.disconnect",
		Target: &EventTarget{MachineID: machineID},
		Result: &EventResult{Status: "success", Error: reason},
	})
}

// LogOwnershipDenied records a request rejected because the caller does
// not own the target machine (spec.md §3 Ownership invariant).
func (l *Logger) LogOwnershipDenied(ctx context.Context, machineID string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventOwnershipDenied,
		User:   l.user,
		Action: "ownership.denied",
		Target: &EventTarget{MachineID: machineID},
		Result: &EventResult{Status: "denied"},
	})
}

// LogRefresh records a refresh-token rotation (spec.md §8 invariant 5).
func (l *Logger) LogRefresh(ctx context.Context, success bool) error {
	status := "success"
	if !success {
		status = "failure"
	}
	return l.store.Append(ctx, &Event{
		Type:   EventAuthRefresh,
		User:   l.user,
		Action: "auth.refresh",
		Result: &EventResult{Status: status},
	})
}

// LogFingerprintMismatch records a TOFU fingerprint mismatch (spec.md §8 S5).
func (l *Logger) LogFingerprintMismatch(ctx context.Context, machineID, expected, actual string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventFingerprintMismatch,
		User:   l.user,
		Action: "identity.fingerprint_mismatch",
		Target: &EventTarget{MachineID: machineID},
		Result: &EventResult{Status: "denied"},
		Metadata: map[string]any{
			"expected": expected,
			"actual":   actual,
		},
	})
}
