package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sakost/betcode/pkg/daemon"
	"github.com/sakost/betcode/pkg/identity"
	"github.com/sakost/betcode/pkg/permission"
	"github.com/sakost/betcode/pkg/pool"
	"github.com/sakost/betcode/pkg/session"
	"github.com/sakost/betcode/pkg/wire"
)

// methodServer binds the session multiplexer, permission engine, and
// subprocess pool to the tunnel's named-method dispatch table. Each
// handler method has the tunnel.Handler or tunnel.StreamHandler
// signature and is registered by name in runServe (cobra_cli.go).
type methodServer struct {
	mux     *session.Multiplexer
	perm    *permission.Engine
	pool    *pool.Pool
	store   daemon.Store
	logger  *slog.Logger
	keyPair *identity.KeyPair

	keysMu      sync.Mutex
	sessionKeys map[string]*sessionKeyEntry
}

// sessionKeyEntry is the per-(session,client) AEAD key derived by
// sessionHandshake (spec.md §4.3 step 4). It is forgotten after
// sessionKeyTTL so a client that stops attaching must re-handshake rather
// than have the daemon hold key material indefinitely.
type sessionKeyEntry struct {
	key       *identity.SessionKey
	expiresAt time.Time
}

const sessionKeyTTL = 10 * time.Minute

func newMethodServer(mux *session.Multiplexer, perm *permission.Engine, pl *pool.Pool, store daemon.Store, logger *slog.Logger, keyPair *identity.KeyPair) *methodServer {
	return &methodServer{
		mux: mux, perm: perm, pool: pl, store: store, logger: logger, keyPair: keyPair,
		sessionKeys: make(map[string]*sessionKeyEntry),
	}
}

func sessionKeyID(sessionID, clientID string) string { return sessionID + "|" + clientID }

// putSessionKey records the AEAD key negotiated with one client for
// one session, keyed so a client attached to two sessions (or two
// clients attached to one session) each get their own derived key —
// the relay only ever forwards whichever client's ciphertext it is.
func (m *methodServer) putSessionKey(sessionID, clientID string, key *identity.SessionKey) {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	m.sessionKeys[sessionKeyID(sessionID, clientID)] = &sessionKeyEntry{key: key, expiresAt: time.Now().Add(sessionKeyTTL)}
}

func (m *methodServer) getSessionKey(sessionID, clientID string) (*identity.SessionKey, bool) {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	e, ok := m.sessionKeys[sessionKeyID(sessionID, clientID)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.key, true
}

// expireSessionKeys drops entries past their TTL, called from the same
// sweep that expires pending permissions and stale clients.
func (m *methodServer) expireSessionKeys() int {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	now := time.Now()
	expired := 0
	for k, e := range m.sessionKeys {
		if now.After(e.expiresAt) {
			delete(m.sessionKeys, k)
			expired++
		}
	}
	return expired
}

// --- system.fingerprint ----------------------------------------------

type systemFingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
}

// systemFingerprint lets a client TOFU-verify this daemon's identity key
// (spec.md §2's identity/crypto layer) before trusting a session stream.
func (m *methodServer) systemFingerprint(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	out, err := json.Marshal(systemFingerprintResponse{Fingerprint: identity.Fingerprint(m.keyPair.Public)})
	if err != nil {
		return nil, err
	}
	return &wire.MethodResponse{Payload: out}, nil
}

// --- session.handshake --------------------------------------------------

type sessionHandshakeRequest struct {
	SessionID       string `json:"session_id"`
	ClientID        string `json:"client_id"`
	EphemeralPubkey []byte `json:"ephemeral_pubkey"`
}

type sessionHandshakeResponse struct {
	EphemeralPubkey []byte `json:"ephemeral_pubkey"`
	IdentityPubkey  []byte `json:"identity_pubkey"`
	Fingerprint     string `json:"fingerprint"`
}

// sessionHandshake performs the daemon's half of spec.md §4.3's
// per-session ECDH exchange: it derives a fresh ephemeral X25519
// keypair, combines it with the client's ephemeral public key into a
// session AEAD key via identity.DeriveSessionKey, and returns its own
// ephemeral public key plus its long-lived identity public key and
// fingerprint so the client can TOFU-verify which daemon it just keyed
// with. The derived key then authenticates and opaques every
// session.send_input/session.subscribe payload for this (session,
// client) pair, so the relay forwarding them only ever sees
// identity.Envelope ciphertext.
func (m *methodServer) sessionHandshake(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	var in sessionHandshakeRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode session.handshake: %w", err)
	}
	peerPub, err := identity.ParsePublicKey(in.EphemeralPubkey)
	if err != nil {
		return nil, fmt.Errorf("session.handshake: %w", err)
	}

	ephemeral, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("session.handshake: generate ephemeral key: %w", err)
	}
	salt := []byte(sessionKeyID(in.SessionID, in.ClientID))
	sessKey, err := identity.DeriveSessionKey(ephemeral, peerPub, salt, "betcode-session-v1")
	if err != nil {
		return nil, fmt.Errorf("session.handshake: %w", err)
	}
	m.putSessionKey(in.SessionID, in.ClientID, sessKey)

	out, err := json.Marshal(sessionHandshakeResponse{
		EphemeralPubkey: ephemeral.Public.Bytes(),
		IdentityPubkey:  m.keyPair.Public.Bytes(),
		Fingerprint:     identity.Fingerprint(m.keyPair.Public),
	})
	if err != nil {
		return nil, err
	}
	return &wire.MethodResponse{Payload: out}, nil
}

// --- session.create ---------------------------------------------------

type createSessionRequest struct {
	Model            string `json:"model"`
	WorkingDirectory string `json:"working_directory"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (m *methodServer) createSession(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	var in createSessionRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode session.create: %w", err)
	}

	permit, ok := m.pool.TryAcquire()
	if !ok {
		return nil, fmt.Errorf("session.create: subprocess pool exhausted (capacity %d)", m.pool.Capacity())
	}
	_ = permit // held for the session's lifetime in a full agent-execution build; released on session end

	now := time.Now().UTC()
	sess := &daemon.Session{
		ID:               uuid.NewString(),
		Model:            in.Model,
		WorkingDirectory: in.WorkingDirectory,
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           daemon.SessionActive,
	}
	if err := m.store.CreateSession(sess); err != nil {
		permit.Release()
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.mux.GetOrCreate(sess.ID)

	out, err := json.Marshal(createSessionResponse{SessionID: sess.ID})
	if err != nil {
		return nil, err
	}
	return &wire.MethodResponse{Payload: out}, nil
}

// --- session.input_lock.request / .release -----------------------------

type inputLockRequest struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
}

type inputLockResponse struct {
	Granted        bool   `json:"granted"`
	PreviousHolder string `json:"previous_holder,omitempty"`
}

func (m *methodServer) requestInputLock(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	var in inputLockRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode session.input_lock.request: %w", err)
	}
	result := m.mux.RequestInputLock(in.SessionID, in.ClientID)
	out, err := json.Marshal(inputLockResponse{Granted: result.Granted, PreviousHolder: result.PreviousHolder})
	if err != nil {
		return nil, err
	}
	return &wire.MethodResponse{Payload: out}, nil
}

func (m *methodServer) releaseInputLock(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	var in inputLockRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode session.input_lock.release: %w", err)
	}
	m.mux.ReleaseInputLock(in.SessionID, in.ClientID)
	return &wire.MethodResponse{Payload: []byte("{}")}, nil
}

// --- session.send_input --------------------------------------------------

type sendInputRequest struct {
	SessionID string            `json:"session_id"`
	ClientID  string            `json:"client_id"`
	Envelope  identity.Envelope `json:"envelope"`
}

func (m *methodServer) sendInput(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	var in sendInputRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode session.send_input: %w", err)
	}
	if !m.mux.HasInputLock(in.SessionID, in.ClientID) {
		return nil, fmt.Errorf("session.send_input: %s does not hold the input lock for session %s", in.ClientID, in.SessionID)
	}

	sessKey, ok := m.getSessionKey(in.SessionID, in.ClientID)
	if !ok {
		return nil, fmt.Errorf("session.send_input: no session key for %s/%s, call session.handshake first", in.SessionID, in.ClientID)
	}
	plaintext, err := identity.Open(sessKey, &in.Envelope, []byte(sessionKeyID(in.SessionID, in.ClientID)))
	if err != nil {
		return nil, fmt.Errorf("session.send_input: decrypt: %w", err)
	}

	event := session.Event{Type: "input", Payload: plaintext, Timestamp: time.Now()}
	m.mux.Broadcast(in.SessionID, event)
	if m.store != nil {
		if err := m.store.AppendEvent(&daemon.AgentEvent{
			SessionID: in.SessionID, Sequence: event.Sequence, Timestamp: event.Timestamp,
			EventKind: event.Type, Payload: event.Payload,
		}); err != nil {
			m.logger.Warn("persist agent event failed", "session_id", in.SessionID, "error", err)
		}
	}
	return &wire.MethodResponse{Payload: []byte("{}")}, nil
}

// --- session.resume -------------------------------------------------------

type resumeSessionRequest struct {
	SessionID    string `json:"session_id"`
	FromSequence uint64 `json:"from_sequence"`
}

type resumeSessionResponse struct {
	Events []session.Event `json:"events"`
	OK     bool            `json:"ok"`
}

func (m *methodServer) resumeSession(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	var in resumeSessionRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode session.resume: %w", err)
	}
	events, ok := m.mux.ResumeSession(in.SessionID, in.FromSequence)
	out, err := json.Marshal(resumeSessionResponse{Events: events, OK: ok})
	if err != nil {
		return nil, err
	}
	return &wire.MethodResponse{Payload: out}, nil
}

// --- session.subscribe (server-stream) ------------------------------------

type subscribeRequest struct {
	SessionID  string             `json:"session_id"`
	ClientID   string             `json:"client_id"`
	ClientType session.ClientType `json:"client_type"`
}

func (m *methodServer) subscribe(ctx context.Context, req *wire.MethodRequest, out chan<- *wire.StreamPayload) error {
	var in subscribeRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return fmt.Errorf("decode session.subscribe: %w", err)
	}

	sessKey, ok := m.getSessionKey(in.SessionID, in.ClientID)
	if !ok {
		return fmt.Errorf("session.subscribe: no session key for %s/%s, call session.handshake first", in.SessionID, in.ClientID)
	}
	aad := []byte(sessionKeyID(in.SessionID, in.ClientID))

	client, err := m.mux.Subscribe(in.SessionID, in.ClientID, in.ClientType)
	if err != nil {
		return err
	}
	defer m.mux.Unsubscribe(in.SessionID, in.ClientID)
	m.perm.UpdateClientStatus(in.ClientID, true)
	defer m.perm.UpdateClientStatus(in.ClientID, false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-client.Events:
			if !ok {
				return nil
			}
			plaintext, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode session event: %w", err)
			}
			env, err := identity.Seal(sessKey, plaintext, aad)
			if err != nil {
				return fmt.Errorf("seal session event: %w", err)
			}
			payload, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("encode session envelope: %w", err)
			}
			select {
			case out <- &wire.StreamPayload{Sequence: ev.Sequence, Payload: payload}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// --- permission.decide / permission.respond -------------------------------

type decidePermissionResponse struct {
	Kind      permission.OutcomeKind `json:"kind"`
	Cached    bool                   `json:"cached"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
}

func (m *methodServer) decidePermission(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	var in permission.Request
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode permission.decide: %w", err)
	}
	outcome := m.perm.Decide(in)
	resp := decidePermissionResponse{Kind: outcome.Kind, Cached: outcome.Cached}
	if outcome.Pending != nil {
		resp.ExpiresAt = &outcome.Pending.ExpiresAt
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &wire.MethodResponse{Payload: out}, nil
}

func (m *methodServer) respondPermission(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	var in permission.Response
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode permission.respond: %w", err)
	}
	processed, err := m.perm.ProcessResponse(in)
	if err != nil {
		return nil, err
	}
	if processed.Granted && in.RememberPermanent && m.store != nil {
		if err := m.store.UpsertPersistentGrant(&daemon.PersistentGrant{
			SessionID: processed.Request.SessionID, ToolName: processed.Request.ToolName,
			PathPattern: processed.Request.Path, Action: "allow", CreatedAt: time.Now().UTC(),
		}); err != nil {
			m.logger.Warn("persist grant failed", "session_id", processed.Request.SessionID, "error", err)
		}
	}
	out, err := json.Marshal(processed)
	if err != nil {
		return nil, err
	}
	return &wire.MethodResponse{Payload: out}, nil
}

// expireSweep periodically evicts expired pending permission requests
// and stale client attachments, mirroring the cleanup ticks the relay's
// buffer sweep already runs.
func (m *methodServer) expireSweep(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := m.perm.CleanupExpired(); len(expired) > 0 {
				m.logger.Info("expired pending permission requests", "count", len(expired))
			}
			if clients, sessions := m.mux.CleanupStaleClients(); clients > 0 || sessions > 0 {
				m.logger.Info("cleaned up stale session state", "clients", clients, "sessions", sessions)
			}
			if expired := m.expireSessionKeys(); expired > 0 {
				m.logger.Info("expired session encryption keys", "count", expired)
			}
		}
	}
}
