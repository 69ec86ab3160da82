// Package wire defines the framed JSON envelopes exchanged over the
// tunnel fabric between daemon and relay (SPEC_FULL.md §6.1), and the
// opaque method-call envelope the relay's Request Router forwards between
// clients and daemons (SPEC_FULL.md §6.2).
package wire

import (
	"encoding/json"
	"time"
)

// FrameType discriminates TunnelFrame payloads.
type FrameType string

const (
	FrameControl    FrameType = "control"    // register/ack/ping/pong
	FrameEvent      FrameType = "event"      // AgentEvent broadcast
	FramePermission FrameType = "permission" // pending permission request/response
	FrameInput      FrameType = "input"      // client input forwarded to a session
	FrameMethod     FrameType = "method"     // relay → daemon RPC-style call
	FrameResult     FrameType = "result"     // daemon → relay RPC-style result
	FrameError      FrameType = "error"
)

// TunnelFrame is the single wire envelope multiplexed over the daemon↔relay
// websocket connection. RequestID correlates a FrameMethod with its
// eventual FrameResult/FrameError; it is empty for unsolicited frames
// (FrameEvent, FrameControl pings).
type TunnelFrame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	MachineID string          `json:"machine_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Control carries registration/heartbeat metadata in a FrameControl frame.
// IdentityPubkey and Fingerprint carry the daemon's long-lived X25519
// identity key at registration time (spec.md §4.3 step 2) so the relay
// can record it via machine.Store.SetIdentityPubkey for later TOFU
// verification by clients; the relay itself never uses these for
// anything but bookkeeping.
type Control struct {
	Action         string   `json:"action"` // "register", "ack", "ping", "pong"
	MachineID      string   `json:"machine_id,omitempty"`
	MachineName    string   `json:"machine_name,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	IdentityPubkey []byte   `json:"identity_pubkey,omitempty"`
	Fingerprint    string   `json:"fingerprint,omitempty"`
}

// MethodRequest is the opaque method-call envelope the relay's Request
// Router forwards to a daemon over its tunnel; the daemon answers with a
// MethodResponse or StreamPayloads. Priority lets a caller mark a
// request for priority placement in buffer.Store while its machine is
// offline; zero (the default) is the lowest priority.
type MethodRequest struct {
	Method          string `json:"method"`
	MachineID       string `json:"machine_id"`
	Payload         []byte `json:"payload"`
	BufferEligible  bool   `json:"buffer_eligible"`
	RequesterUserID string `json:"requester_user_id"`
	Priority        int    `json:"priority,omitempty"`
}

// MethodResponse is the result of a MethodRequest, carried back to the
// relay inside a FrameResult frame.
type MethodResponse struct {
	Payload []byte `json:"payload"`
	Error   string `json:"error,omitempty"`
}

// StreamPayload wraps one item of a server-streamed MethodRequest
// (e.g. a live AgentEvent tail) with a monotonically increasing sequence
// so a lagging client can detect gaps and call resume_session.
type StreamPayload struct {
	Sequence uint64 `json:"sequence"`
	Payload  []byte `json:"payload"`
	Final    bool   `json:"final"`
}
