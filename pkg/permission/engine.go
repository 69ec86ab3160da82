package permission

import (
	"sort"
	"sync"
	"time"

	"github.com/sakost/betcode/pkg/observability"
)

// AuditLogger receives a record of every Decide outcome: the allow or
// deny action, or the ask action under which a request was parked.
// ProcessResponse does not call it. Implementations should not block; the
// engine calls it synchronously while not holding its own lock.
type AuditLogger interface {
	LogPermissionDecision(sessionID, requestID, toolName string, action Action, cached bool)
}

// Config controls the engine's pending-request TTL tiers.
type Config struct {
	ShortTTL time.Duration // used while the target client is connected
	LongTTL  time.Duration // used while the target client is disconnected (e.g. mobile push)
}

func (c Config) withDefaults() Config {
	if c.ShortTTL <= 0 {
		c.ShortTTL = 60 * time.Second
	}
	if c.LongTTL <= 0 {
		c.LongTTL = 7 * 24 * time.Hour
	}
	return c
}

// Engine evaluates tool-use requests against session grants, persistent
// grants, and a rule set, parking "ask" requests as pending until a
// client responds.
type Engine struct {
	cfg   Config
	audit AuditLogger

	mu               sync.Mutex
	rules            []Rule
	sessionGrants    map[string][]grant             // sessionID -> grants, most recent first
	persistentGrants map[string]grant               // "sessionID\x00toolName" -> grant
	pending          map[string]*PendingRequest     // requestID -> pending
	clientTargets    map[string]map[string]struct{} // clientID -> set of requestIDs targeting it

	metrics *observability.BetCodeMetrics
}

// SetMetrics attaches a metrics sink; nil-safe and optional, wired by the
// daemon's serve command so PendingPermissions/PermissionAllowed/
// PermissionDenied/PermissionExpired reflect real traffic
// (SPEC_FULL.md §2.1).
func (e *Engine) SetMetrics(metrics *observability.BetCodeMetrics) {
	e.metrics = metrics
}

// New creates an engine seeded with DefaultRules.
func New(cfg Config, audit AuditLogger) *Engine {
	e := &Engine{
		cfg:              cfg.withDefaults(),
		audit:            audit,
		rules:            append([]Rule(nil), DefaultRules()...),
		sessionGrants:    make(map[string][]grant),
		persistentGrants: make(map[string]grant),
		pending:          make(map[string]*PendingRequest),
		clientTargets:    make(map[string]map[string]struct{}),
	}
	e.sortRules()
	return e
}

// SetCustomRules replaces the rule set with base ⊕ custom, keeping
// ascending-priority evaluation order. Custom rules with a lower
// numeric priority than a built-in override it implicitly, since the
// first match in priority order wins.
func (e *Engine) SetCustomRules(custom []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(append([]Rule(nil), DefaultRules()...), custom...)
	e.sortRules()
}

func (e *Engine) sortRules() {
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Priority < e.rules[j].Priority })
}

func persistentKey(sessionID, toolName string) string {
	return sessionID + "\x00" + toolName
}

// Decide evaluates req against session grants, persistent grants, and
// the rule engine, in that order.
func (e *Engine) Decide(req Request) Outcome {
	e.mu.Lock()

	for _, g := range e.sessionGrants[req.SessionID] {
		if g.toolName == req.ToolName && (g.pathPrefix == "" || hasPathPrefix(req.Path, g.pathPrefix)) {
			e.mu.Unlock()
			e.logDecision(req, ActionAllow, true)
			return Outcome{Kind: OutcomeAllowed, Cached: true}
		}
	}

	if g, ok := e.persistentGrants[persistentKey(req.SessionID, req.ToolName)]; ok {
		if g.pathPrefix == "" || hasPathPrefix(req.Path, g.pathPrefix) {
			e.mu.Unlock()
			e.logDecision(req, ActionAllow, true)
			return Outcome{Kind: OutcomeAllowed, Cached: true}
		}
	}

	for _, r := range e.rules {
		if !r.matches(req) {
			continue
		}
		switch r.Action {
		case ActionAllow:
			e.mu.Unlock()
			e.logDecision(req, ActionAllow, false)
			return Outcome{Kind: OutcomeAllowed}
		case ActionDeny:
			e.mu.Unlock()
			e.logDecision(req, ActionDeny, false)
			return Outcome{Kind: OutcomeDenied}
		case ActionAsk, ActionAskSession:
			pending := e.parkLocked(req)
			e.mu.Unlock()
			e.logDecision(req, r.Action, false)
			return Outcome{Kind: OutcomePending, Pending: pending}
		}
	}

	// No rule matched (shouldn't happen with the catch-all default rule
	// present, but fail closed rather than silently allowing).
	e.mu.Unlock()
	e.logDecision(req, ActionDeny, false)
	return Outcome{Kind: OutcomeDenied}
}

func hasPathPrefix(reqPath, prefix string) bool {
	return reqPath == prefix || len(reqPath) > len(prefix) && reqPath[:len(prefix)] == prefix
}

// parkLocked must be called with e.mu held.
func (e *Engine) parkLocked(req Request) *PendingRequest {
	now := time.Now()
	ttl := e.cfg.LongTTL
	if req.ClientConnected {
		ttl = e.cfg.ShortTTL
	}
	p := &PendingRequest{
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	e.pending[req.RequestID] = p
	if req.TargetClient != "" {
		set, ok := e.clientTargets[req.TargetClient]
		if !ok {
			set = make(map[string]struct{})
			e.clientTargets[req.TargetClient] = set
		}
		set[req.RequestID] = struct{}{}
	}
	if e.metrics != nil {
		e.metrics.PendingPermissions.Inc()
	}
	return p
}

func (e *Engine) logDecision(req Request, action Action, cached bool) {
	if e.audit != nil {
		e.audit.LogPermissionDecision(req.SessionID, req.RequestID, req.ToolName, action, cached)
	}
	if e.metrics != nil {
		switch action {
		case ActionAllow:
			e.metrics.PermissionAllowed.Inc()
		case ActionDeny:
			e.metrics.PermissionDenied.Inc()
		}
	}
}

// ProcessResponse atomically takes the pending request named by resp
// and records any requested grants.
func (e *Engine) ProcessResponse(resp Response) (ProcessedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[resp.RequestID]
	if !ok {
		return ProcessedResponse{}, ErrRequestNotFound
	}
	delete(e.pending, resp.RequestID)
	if p.TargetClient != "" {
		if set, ok := e.clientTargets[p.TargetClient]; ok {
			delete(set, resp.RequestID)
		}
	}
	if e.metrics != nil {
		e.metrics.PendingPermissions.Dec()
	}

	if resp.Granted {
		g := grant{toolName: p.ToolName, pathPrefix: p.Path, createdAt: time.Now()}
		if resp.RememberSession {
			e.sessionGrants[p.SessionID] = append([]grant{g}, e.sessionGrants[p.SessionID]...)
		}
		if resp.RememberPermanent {
			e.persistentGrants[persistentKey(p.SessionID, p.ToolName)] = g
		}
	}

	return ProcessedResponse{Request: p.Request, Granted: resp.Granted}, nil
}

// UpdateClientStatus recomputes ExpiresAt for every pending entry
// targeting clientID, moving it between the short and long TTL tiers as
// the client connects or disconnects.
func (e *Engine) UpdateClientStatus(clientID string, connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ttl := e.cfg.LongTTL
	if connected {
		ttl = e.cfg.ShortTTL
	}
	for reqID := range e.clientTargets[clientID] {
		if p, ok := e.pending[reqID]; ok {
			p.ClientConnected = connected
			p.ExpiresAt = time.Now().Add(ttl)
		}
	}
}

// ClearSessionGrants drops every session grant for sessionID, called
// when the session ends or on an explicit clear request.
func (e *Engine) ClearSessionGrants(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessionGrants, sessionID)
}

// CleanupExpired removes pending entries past their ExpiresAt and
// returns their request ids so the caller can signal abort to the
// subprocesses that issued them.
func (e *Engine) CleanupExpired() []string {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var expired []string
	for id, p := range e.pending {
		if now.After(p.ExpiresAt) {
			expired = append(expired, id)
			delete(e.pending, id)
			if p.TargetClient != "" {
				if set, ok := e.clientTargets[p.TargetClient]; ok {
					delete(set, id)
				}
			}
		}
	}
	if e.metrics != nil && len(expired) > 0 {
		e.metrics.PendingPermissions.Add(int64(-len(expired)))
		e.metrics.PermissionExpired.Add(int64(len(expired)))
	}
	return expired
}

// Pending returns a snapshot of the currently parked request, if any.
func (e *Engine) Pending(requestID string) (PendingRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[requestID]
	if !ok {
		return PendingRequest{}, false
	}
	return *p, true
}
