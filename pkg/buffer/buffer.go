// Package buffer implements the relay's offline-machine request buffer
// (spec.md §4.5): a durable, per-machine-capped queue drained in
// priority-desc, created-at-asc order on reconnect.
package buffer

import (
	"context"
	"time"
)

// Request is one buffered call awaiting delivery to a machine that was
// offline when it was issued.
type Request struct {
	ID        string
	MachineID string
	RequestID string
	Method    string
	Payload   []byte
	Metadata  []byte // JSON
	Priority  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DefaultPerMachineCap is the default oldest-first eviction threshold
// per offline machine.
const DefaultPerMachineCap = 1000

// Store persists buffered requests. Enqueue enforces the per-machine
// cap itself (oldest-first eviction); Drain and Delete implement the
// at-least-once hand-off contract: a message is removed only after the
// caller confirms successful tunnel send.
type Store interface {
	Enqueue(ctx context.Context, req *Request, cap int) error
	// Drain returns buffered requests for machineID in (priority desc,
	// created_at asc) order, excluding those already past expires_at.
	Drain(ctx context.Context, machineID string) ([]*Request, error)
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes every request past its expires_at and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
