// Package session implements the daemon's session multiplexer: each
// running agent subprocess is presented as one logical endpoint that N
// clients can attach to, with fan-out broadcast, an exclusive input
// lock, and bounded replay for reconnecting clients.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

// ClientType distinguishes the kind of client attached to a session. It
// is recorded on each attachment; the multiplexer does not act on it.
type ClientType string

const (
	ClientCLI    ClientType = "cli"
	ClientMobile ClientType = "mobile"
)

// Event is one sequenced item in a session's broadcast stream. Sequence
// is assigned by the session's broadcast path and is the only field a
// subscriber can rely on for ordering and gap detection.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is the handle returned to a caller on successful Subscribe.
type Client struct {
	ID         string
	Type       ClientType
	Events     <-chan Event
	subscribed time.Time
}

var (
	ErrTooManyClients      = errors.New("session: too many clients")
	ErrClientAlreadyExists = errors.New("session: client already connected")
	ErrSessionNotFound     = errors.New("session: not found")
)

// LockResult is the outcome of requesting the exclusive input lock.
type LockResult struct {
	Granted        bool
	PreviousHolder string // set when Granted is false
}
