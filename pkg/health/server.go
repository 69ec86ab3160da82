// Package health exposes the daemon and relay processes' liveness and
// readiness endpoints (spec.md §7, Non-functional Requirements): /health
// always answers once the process is up, /ready reflects registered
// dependency checks (sqlite handle, tunnel fabric listener, and so on).
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Check is one dependency's readiness result, reported back in
// StatusResponse.Checks.
type Check struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the JSON body both /health and /ready return.
type StatusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Checks map[string]Check `json:"checks,omitempty"`
}

// Server serves /health and /ready over plain HTTP, independent of the
// process's other listeners (grpc, tunnel fabric).
type Server struct {
	host      string
	port      int
	startedAt time.Time
	httpSrv   *http.Server

	mu     sync.RWMutex
	ready  bool
	checks map[string]func() (bool, string)
	extra  map[string]http.Handler
}

// NewServer creates a health server bound to host:port. Call Start to
// actually listen; port 0 is valid for tests that drive the handlers
// directly.
func NewServer(host string, port int) *Server {
	return &Server{
		host:      host,
		port:      port,
		startedAt: time.Now(),
		checks:    make(map[string]func() (bool, string)),
	}
}

// SetReady flips the server's overall readiness flag, typically set true
// once startup (store migrations, tunnel fabric bind) has finished.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// RegisterCheck adds a named dependency check consulted by /ready. fn
// must not block.
func (s *Server) RegisterCheck(name string, fn func() (bool, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// Mount attaches an additional handler (e.g. observability.MetricsHandler)
// at path, served alongside /health and /ready on the same listener.
func (s *Server) Mount(path string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[path] = handler
}

// Start runs the health server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)

	s.mu.RLock()
	for path, handler := range s.extra {
		mux.Handle(path, handler)
	}
	s.mu.RUnlock()

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: mux,
	}

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop marks the server not ready and shuts down its listener.
func (s *Server) Stop(ctx context.Context) error {
	s.SetReady(false)
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	checkFns := make(map[string]func() (bool, string), len(s.checks))
	for name, fn := range s.checks {
		checkFns[name] = fn
	}
	s.mu.RUnlock()

	checks := make(map[string]Check, len(checkFns))
	allPassing := true
	for name, fn := range checkFns {
		ok, msg := fn()
		if !ok {
			allPassing = false
		}
		checks[name] = Check{Name: name, Status: statusString(ok), Message: msg, Timestamp: time.Now()}
	}

	resp := StatusResponse{
		Uptime: time.Since(s.startedAt).String(),
		Checks: checks,
	}

	if ready && allPassing {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "not ready"
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

func statusString(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
