// Package machine tracks registered daemons: one row per host running a
// daemon, owned by exactly one user, with status derived from tunnel
// lifecycle rather than settable directly.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the machine's connectivity state as seen by the relay.
// Unlike the richer node-health states a fleet monitor tracks, a
// machine here is only ever online or offline — it reflects whether its
// tunnel is currently registered, nothing more.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ErrNotFound is returned by store lookups that find no matching row.
var ErrNotFound = errors.New("machine: not found")

// Machine is a host running a daemon.
type Machine struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	OwnerID        string          `json:"owner_id"`
	Status         Status          `json:"status"`
	RegisteredAt   time.Time       `json:"registered_at"`
	LastSeen       time.Time       `json:"last_seen"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdentityPubkey []byte          `json:"identity_pubkey,omitempty"` // 32-byte X25519 key, recorded from each registration that carries one
}

// Store is the persistence interface for machine registration state.
type Store interface {
	Create(ctx context.Context, m *Machine) error
	Get(ctx context.Context, id string) (*Machine, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Machine, error)
	SetStatus(ctx context.Context, id string, status Status) error
	Touch(ctx context.Context, id string) error
	SetIdentityPubkey(ctx context.Context, id string, pubkey []byte) error
	Delete(ctx context.Context, id string) error
}

// Owns reports whether userID owns machine m, the ownership invariant
// every relay RPC touching a machine must check.
func Owns(m *Machine, userID string) bool {
	return m != nil && m.OwnerID == userID
}
