package session

import (
	"sync"
	"time"

	"github.com/sakost/betcode/pkg/observability"
)

const defaultClientBuffer = 64

type subscriber struct {
	id            string
	clientType    ClientType
	ch            chan Event
	lastHeartbeat time.Time
}

// sessionState is the per-session mutable state: its client roster,
// input lock holder, sequence counter, and bounded replay buffer.
// broadcast is the only code path that mutates seq, so the sequence
// order observed by any subscriber is the true broadcast order.
type sessionState struct {
	mu           sync.Mutex
	id           string
	seq          uint64
	clients      map[string]*subscriber
	lockHolder   string
	replay       []Event // ring buffer, oldest first after trim
	replayCap    int
	lastActivity time.Time
}

func newSessionState(id string, replayCap int) *sessionState {
	return &sessionState{
		id:           id,
		clients:      make(map[string]*subscriber),
		replayCap:    replayCap,
		lastActivity: time.Now(),
	}
}

// Config controls the multiplexer's resource limits.
type Config struct {
	MaxClientsPerSession int
	ReplayBufferSize     int // default 256, per spec
	HeartbeatTimeout     time.Duration
	ClientBuffer         int // per-subscriber channel capacity
}

func (c Config) withDefaults() Config {
	if c.MaxClientsPerSession <= 0 {
		c.MaxClientsPerSession = 16
	}
	if c.ReplayBufferSize <= 0 {
		c.ReplayBufferSize = 256
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = defaultClientBuffer
	}
	return c
}

// Multiplexer owns every active session in a daemon process.
type Multiplexer struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*sessionState

	metrics *observability.BetCodeMetrics
}

// New creates an empty multiplexer.
func New(cfg Config) *Multiplexer {
	return &Multiplexer{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*sessionState),
	}
}

// SetMetrics attaches a metrics sink; nil-safe and optional, wired by the
// daemon's serve command so ActiveSessions/BroadcastFanout/
// BroadcastDropped reflect real traffic (SPEC_FULL.md §2.1).
func (m *Multiplexer) SetMetrics(metrics *observability.BetCodeMetrics) {
	m.metrics = metrics
}

// GetOrCreate returns the session state for id, creating empty state on
// first call.
func (m *Multiplexer) GetOrCreate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		m.sessions[id] = newSessionState(id, m.cfg.ReplayBufferSize)
		if m.metrics != nil {
			m.metrics.ActiveSessions.Inc()
		}
	}
}

func (m *Multiplexer) get(id string) (*sessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Subscribe attaches clientID to sessionID and returns its event
// channel. Subscription alone does not grant the input lock.
func (m *Multiplexer) Subscribe(sessionID, clientID string, clientType ClientType) (*Client, error) {
	m.GetOrCreate(sessionID)
	s, _ := m.get(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[clientID]; exists {
		return nil, ErrClientAlreadyExists
	}
	if len(s.clients) >= m.cfg.MaxClientsPerSession {
		return nil, ErrTooManyClients
	}

	sub := &subscriber{
		id:            clientID,
		clientType:    clientType,
		ch:            make(chan Event, m.cfg.ClientBuffer),
		lastHeartbeat: time.Now(),
	}
	s.clients[clientID] = sub

	return &Client{ID: clientID, Type: clientType, Events: sub.ch, subscribed: time.Now()}, nil
}

// Unsubscribe detaches clientID. It is idempotent; when the last client
// leaves, the session becomes eligible for garbage collection by
// CleanupStaleClients (it is not removed immediately so a reconnecting
// client can still resume its replay buffer for a grace period).
func (m *Multiplexer) Unsubscribe(sessionID, clientID string) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.clients[clientID]; ok {
		close(sub.ch)
		delete(s.clients, clientID)
	}
	if s.lockHolder == clientID {
		s.lockHolder = ""
	}
}

// RequestInputLock grants the exclusive input lock to clientID if
// unheld or already held by clientID. There is no queueing: a losing
// caller learns the current holder and may retry later.
func (m *Multiplexer) RequestInputLock(sessionID, clientID string) LockResult {
	s, ok := m.get(sessionID)
	if !ok {
		return LockResult{Granted: false}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockHolder == "" || s.lockHolder == clientID {
		s.lockHolder = clientID
		return LockResult{Granted: true}
	}
	return LockResult{Granted: false, PreviousHolder: s.lockHolder}
}

// ReleaseInputLock is a no-op unless clientID currently holds the lock.
func (m *Multiplexer) ReleaseInputLock(sessionID, clientID string) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockHolder == clientID {
		s.lockHolder = ""
	}
}

// HasInputLock reports whether clientID currently holds sessionID's
// input lock, gating SendInput at the RPC layer.
func (m *Multiplexer) HasInputLock(sessionID, clientID string) bool {
	s, ok := m.get(sessionID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockHolder == clientID
}

// Broadcast assigns the next sequence number to event and publishes it
// to every subscriber of sessionID. Broadcast never fails: a session
// with no subscribers drops the event after recording it in the replay
// buffer, and a slow subscriber whose channel is full is skipped rather
// than blocking the broadcaster — it must reconcile via ResumeSession.
func (m *Multiplexer) Broadcast(sessionID string, event Event) {
	m.GetOrCreate(sessionID)
	s, _ := m.get(sessionID)

	s.mu.Lock()
	s.seq++
	event.Sequence = s.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.lastActivity = time.Now()

	s.replay = append(s.replay, event)
	if len(s.replay) > s.replayCap {
		s.replay = s.replay[len(s.replay)-s.replayCap:]
	}

	subs := make([]*subscriber, 0, len(s.clients))
	for _, sub := range s.clients {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		select {
		case sub.ch <- event:
			delivered++
		default:
			// lossy broadcast: a lagging client drops this event and
			// must call ResumeSession to fill the gap.
			if m.metrics != nil {
				m.metrics.ClientsLagging.Inc()
			}
		}
	}
	if m.metrics != nil {
		m.metrics.BroadcastFanout.Observe(float64(delivered))
		if delivered == 0 {
			m.metrics.BroadcastDropped.Inc()
		}
	}
}

// ResumeSession returns every replayed event with sequence strictly
// greater than fromSequence, for a client reconnecting after a gap. ok
// is false when the gap has already fallen out of the replay buffer,
// meaning the caller missed events that cannot be recovered.
func (m *Multiplexer) ResumeSession(sessionID string, fromSequence uint64) (events []Event, ok bool) {
	s, exists := m.get(sessionID)
	if !exists {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.replay) == 0 {
		return nil, fromSequence == s.seq
	}
	oldest := s.replay[0].Sequence
	if fromSequence < oldest-1 {
		return nil, false
	}
	out := make([]Event, 0, len(s.replay))
	for _, e := range s.replay {
		if e.Sequence > fromSequence {
			out = append(out, e)
		}
	}
	return out, true
}

// Heartbeat records client activity, resetting its staleness timer.
func (m *Multiplexer) Heartbeat(sessionID, clientID string) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.clients[clientID]; ok {
		sub.lastHeartbeat = time.Now()
	}
}

// CleanupStaleClients removes attachments whose last heartbeat is older
// than the configured timeout, and drops sessions left with no clients
// whose last activity is also older than that timeout. It is
// fire-and-forget: callers run it
// periodically and ignore its return value, or inspect it for metrics.
func (m *Multiplexer) CleanupStaleClients() (removedClients, removedSessions int) {
	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		s.mu.Lock()
		for cid, sub := range s.clients {
			if sub.lastHeartbeat.Before(cutoff) {
				close(sub.ch)
				delete(s.clients, cid)
				removedClients++
				if s.lockHolder == cid {
					s.lockHolder = ""
				}
			}
		}
		empty := len(s.clients) == 0 && s.lastActivity.Before(cutoff)
		s.mu.Unlock()

		if empty {
			delete(m.sessions, id)
			removedSessions++
		}
	}
	if m.metrics != nil && removedSessions > 0 {
		m.metrics.ActiveSessions.Add(int64(-removedSessions))
	}
	return removedClients, removedSessions
}

// SessionIDs returns the IDs of all currently tracked sessions.
func (m *Multiplexer) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}
