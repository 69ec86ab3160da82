// Package relay implements the relay process's two responsibilities
// (spec.md §4.4/§4.5): the tunnel fabric, a websocket server that each
// daemon dials outbound to register itself, and the request router,
// which forwards client calls to an online daemon's tunnel or buffers
// them for later delivery when the target machine is offline.
package relay

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakost/betcode/pkg/authsvc"
	"github.com/sakost/betcode/pkg/bcerr"
	"github.com/sakost/betcode/pkg/buffer"
	"github.com/sakost/betcode/pkg/machine"
	"github.com/sakost/betcode/pkg/observability"
	"github.com/sakost/betcode/pkg/resilience"
	"github.com/sakost/betcode/pkg/wire"
)

// TunnelServerConfig configures the relay's tunnel fabric endpoint.
type TunnelServerConfig struct {
	ListenAddr   string
	MaxMachines  int
	PingInterval time.Duration
	MTLS         *MTLSConfig
}

func (c TunnelServerConfig) withDefaults() TunnelServerConfig {
	if c.MaxMachines <= 0 {
		c.MaxMachines = 1000
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	return c
}

// Tunnel is one daemon's live websocket connection to the relay.
type Tunnel struct {
	MachineID   string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	LastPing    time.Time
	RemoteAddr  string

	mu      sync.Mutex
	pending map[string]chan *wire.TunnelFrame

	breaker *resilience.CircuitBreaker
}

func (t *Tunnel) registerPending(requestID string) chan *wire.TunnelFrame {
	ch := make(chan *wire.TunnelFrame, 4)
	t.mu.Lock()
	t.pending[requestID] = ch
	t.mu.Unlock()
	return ch
}

func (t *Tunnel) dropPending(requestID string) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

func (t *Tunnel) deliver(frame *wire.TunnelFrame) {
	t.mu.Lock()
	ch, ok := t.pending[frame.RequestID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

// TunnelServer is the relay-side tunnel fabric: it accepts outbound
// websocket connections from daemons, multiplexes MethodRequest/
// MethodResponse frames over them, and tracks which machines are online.
type TunnelServer struct {
	cfg      TunnelServerConfig
	logger   *slog.Logger
	auth     *authsvc.Service // nil if mTLS-only
	machines machine.Store
	buffers  buffer.Store

	mu      sync.RWMutex
	tunnels map[string]*Tunnel
	httpSrv *http.Server

	metrics *observability.BetCodeMetrics
}

// NewTunnelServer creates a tunnel fabric server. auth may be nil when
// the deployment relies entirely on mTLS for daemon authentication.
func NewTunnelServer(cfg TunnelServerConfig, machines machine.Store, buffers buffer.Store, auth *authsvc.Service, logger *slog.Logger) *TunnelServer {
	return &TunnelServer{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		auth:     auth,
		machines: machines,
		buffers:  buffers,
		tunnels:  make(map[string]*Tunnel),
	}
}

// SetMetrics attaches a metrics sink; nil-safe and optional, wired by the
// relay's serve command so tunnel connect/disconnect/buffer counters
// reflect real traffic (SPEC_FULL.md §2.1).
func (s *TunnelServer) SetMetrics(metrics *observability.BetCodeMetrics) {
	s.metrics = metrics
}

func (s *TunnelServer) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel/daemon", s.handleDaemonConnect)
	mux.HandleFunc("/tunnel/health", s.handleHealth)
	return mux
}

// Start runs the tunnel fabric's HTTP(S) listener until ctx is canceled.
func (s *TunnelServer) Start(ctx context.Context) error {
	mux := s.buildMux()
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("tunnel fabric starting", "addr", s.cfg.ListenAddr)
	go s.pingLoop(ctx)

	var err error
	if s.cfg.MTLS != nil && s.cfg.MTLS.CACertFile != "" {
		tlsCfg, tlsErr := ServerTLSConfig(*s.cfg.MTLS)
		if tlsErr != nil {
			return fmt.Errorf("mTLS setup: %w", tlsErr)
		}
		s.httpSrv.TLSConfig = tlsCfg
		listener, lisErr := tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
		if lisErr != nil {
			return lisErr
		}
		err = s.httpSrv.Serve(listener)
	} else {
		if !strings.HasPrefix(s.cfg.ListenAddr, "127.0.0.1") && !strings.HasPrefix(s.cfg.ListenAddr, "localhost") {
			s.logger.Warn("tunnel fabric starting WITHOUT mTLS on non-localhost address")
		}
		err = s.httpSrv.ListenAndServe()
	}

	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down every tunnel and the HTTP listener.
func (s *TunnelServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, t := range s.tunnels {
		t.Conn.Close(websocket.StatusGoingAway, "relay shutting down")
		delete(s.tunnels, id)
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *TunnelServer) handleDaemonConnect(w http.ResponseWriter, r *http.Request) {
	var identity *ClientIdentity
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		id, err := VerifyClientCert(r.TLS)
		if err != nil {
			s.logger.Warn("mTLS verification failed", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "certificate verification failed", http.StatusForbidden)
			return
		}
		identity = id
	} else if s.auth != nil {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte("Bearer "+token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := s.auth.VerifyAccess(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else if s.cfg.MTLS != nil && s.cfg.MTLS.RequireClientCert {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()
	var regFrame wire.TunnelFrame
	if err := wsjson.Read(ctx, conn, &regFrame); err != nil {
		s.logger.Error("failed to read registration frame", "error", err)
		conn.Close(websocket.StatusProtocolError, "registration failed")
		return
	}
	if regFrame.Type != wire.FrameControl {
		conn.Close(websocket.StatusProtocolError, "expected control frame")
		return
	}
	var reg wire.Control
	if err := json.Unmarshal(regFrame.Payload, &reg); err != nil || reg.Action != "register" {
		conn.Close(websocket.StatusProtocolError, "invalid registration payload")
		return
	}

	machineID := reg.MachineID
	if machineID == "" {
		if identity != nil {
			machineID = identity.MachineID
		} else {
			conn.Close(websocket.StatusProtocolError, "machine_id required")
			return
		}
	}
	if identity != nil && identity.MachineID != machineID {
		s.logger.Warn("machine_id mismatch with mTLS cert", "registration_id", machineID, "cert_cn", identity.MachineID)
		conn.Close(websocket.StatusProtocolError, "machine_id does not match certificate CN")
		return
	}

	s.mu.Lock()
	if len(s.tunnels) >= s.cfg.MaxMachines {
		s.mu.Unlock()
		conn.Close(websocket.StatusTryAgainLater, "max machines reached")
		return
	}
	existed := false
	if existing, ok := s.tunnels[machineID]; ok {
		existing.Conn.Close(websocket.StatusGoingAway, "reconnecting")
		existed = true
	}
	tunnel := &Tunnel{
		MachineID:   machineID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		RemoteAddr:  r.RemoteAddr,
		pending:     make(map[string]chan *wire.TunnelFrame),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "relay-forward-" + machineID,
			OnStateChange: func(name string, from, to resilience.CircuitState) {
				if s.metrics != nil && to == resilience.CircuitOpen {
					s.metrics.CircuitBreakerTrips.Inc()
				}
				s.logger.Info("router forward circuit breaker state change", "breaker", name, "from", from, "to", to)
			},
		}),
	}
	s.tunnels[machineID] = tunnel
	s.mu.Unlock()

	if s.metrics != nil {
		if existed {
			s.metrics.TunnelReconnects.Inc()
		} else {
			s.metrics.TunnelConnects.Inc()
		}
		s.metrics.MachinesOnline.Inc()
	}

	s.logger.Info("daemon tunnel registered", "machine_id", machineID, "remote_addr", r.RemoteAddr)

	ack := wire.TunnelFrame{Type: wire.FrameControl, MachineID: machineID, Timestamp: time.Now()}
	ackPayload, _ := json.Marshal(wire.Control{Action: "ack", MachineID: machineID})
	ack.Payload = ackPayload
	wsjson.Write(ctx, conn, ack)

	if s.machines != nil {
		s.machines.SetStatus(ctx, machineID, machine.StatusOnline)
		s.machines.Touch(ctx, machineID)
		if len(reg.IdentityPubkey) > 0 {
			if err := s.machines.SetIdentityPubkey(ctx, machineID, reg.IdentityPubkey); err != nil {
				s.logger.Warn("persist machine identity pubkey failed", "machine_id", machineID, "error", err)
			}
		}
	}

	s.drainBuffer(ctx, tunnel)
	s.processDaemonMessages(ctx, tunnel)

	s.mu.Lock()
	removed := false
	if cur, ok := s.tunnels[machineID]; ok && cur == tunnel {
		delete(s.tunnels, machineID)
		removed = true
	}
	s.mu.Unlock()

	if s.machines != nil {
		s.machines.SetStatus(context.Background(), machineID, machine.StatusOffline)
	}
	if s.metrics != nil && removed {
		s.metrics.TunnelDisconnects.Inc()
		s.metrics.MachinesOnline.Dec()
	}
	s.logger.Info("daemon tunnel disconnected", "machine_id", machineID)
}

// drainBuffer flushes every buffered request queued for machineID while
// it was offline, highest priority first and oldest first within a
// priority, per buffer.Store's ordering.
func (s *TunnelServer) drainBuffer(ctx context.Context, t *Tunnel) {
	if s.buffers == nil {
		return
	}
	reqs, err := s.buffers.Drain(ctx, t.MachineID)
	if err != nil {
		s.logger.Error("drain buffer failed", "machine_id", t.MachineID, "error", err)
		return
	}
	for _, req := range reqs {
		frame := wire.TunnelFrame{
			Type:      wire.FrameMethod,
			RequestID: req.RequestID,
			MachineID: t.MachineID,
			Timestamp: time.Now(),
		}
		mr := wire.MethodRequest{Method: req.Method, MachineID: t.MachineID, Payload: req.Payload, BufferEligible: false}
		payload, _ := json.Marshal(mr)
		frame.Payload = payload
		if err := wsjson.Write(ctx, t.Conn, frame); err != nil {
			s.logger.Warn("redeliver buffered request failed", "machine_id", t.MachineID, "request_id", req.RequestID, "error", err)
			continue
		}
		s.buffers.Delete(ctx, req.ID)
		if s.metrics != nil {
			s.metrics.BufferDrained.Inc()
			s.metrics.BufferDepth.Dec()
		}
	}
}

func (s *TunnelServer) processDaemonMessages(ctx context.Context, t *Tunnel) {
	for {
		var frame wire.TunnelFrame
		if err := wsjson.Read(ctx, t.Conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Error("error reading from daemon", "machine_id", t.MachineID, "error", err)
			}
			return
		}
		if s.metrics != nil {
			s.metrics.TunnelFramesIn.Inc()
		}

		switch frame.Type {
		case wire.FrameResult, wire.FrameError:
			t.deliver(&frame)
		case wire.FrameControl:
			var ctrl wire.Control
			json.Unmarshal(frame.Payload, &ctrl)
			if ctrl.Action == "ping" {
				t.LastPing = time.Now()
				if s.machines != nil {
					s.machines.Touch(ctx, t.MachineID)
				}
				pong := wire.TunnelFrame{Type: wire.FrameControl, MachineID: t.MachineID, Timestamp: time.Now()}
				payload, _ := json.Marshal(wire.Control{Action: "pong", MachineID: t.MachineID})
				pong.Payload = payload
				wsjson.Write(ctx, t.Conn, pong)
			}
		default:
			s.logger.Debug("unhandled frame type from daemon", "type", frame.Type, "machine_id", t.MachineID)
		}
	}
}

func (s *TunnelServer) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			for machineID, t := range s.tunnels {
				frame := wire.TunnelFrame{Type: wire.FrameControl, MachineID: machineID, Timestamp: time.Now()}
				payload, _ := json.Marshal(wire.Control{Action: "ping", MachineID: machineID})
				frame.Payload = payload
				if err := wsjson.Write(ctx, t.Conn, frame); err != nil {
					s.logger.Warn("ping failed", "machine_id", machineID, "error", err)
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *TunnelServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.tunnels)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"connected_count": count,
		"max_machines":    s.cfg.MaxMachines,
		"timestamp":       time.Now(),
	})
}

// IsOnline reports whether machineID currently has a registered tunnel.
func (s *TunnelServer) IsOnline(machineID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tunnels[machineID]
	return ok
}

// ConnectedMachineIDs returns every machine with a live tunnel.
func (s *TunnelServer) ConnectedMachineIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tunnels))
	for id := range s.tunnels {
		ids = append(ids, id)
	}
	return ids
}

// Call performs a unary request-response round trip over machineID's
// tunnel, per the Request Router's routing algorithm (spec.md §4.5): if
// the machine is offline and the request is buffer-eligible, the request
// is durably queued and Call returns a KindUnavailable "request buffered"
// error; otherwise an offline machine is a plain KindUnavailable error.
func (s *TunnelServer) Call(ctx context.Context, req *wire.MethodRequest, requestID string) (*wire.MethodResponse, error) {
	s.mu.RLock()
	t, online := s.tunnels[req.MachineID]
	s.mu.RUnlock()

	if !online {
		if req.BufferEligible && s.buffers != nil {
			return nil, s.enqueueBuffered(ctx, req, requestID)
		}
		return nil, bcerr.New(bcerr.KindUnavailable, fmt.Sprintf("machine %s is offline", req.MachineID))
	}

	if t.breaker != nil && t.breaker.State() == resilience.CircuitOpen {
		if s.metrics != nil {
			s.metrics.RouterCallErrors.Inc()
		}
		return nil, bcerr.New(bcerr.KindUnavailable, fmt.Sprintf("machine %s forward circuit is open", req.MachineID))
	}

	ch := t.registerPending(requestID)
	defer t.dropPending(requestID)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal method request: %w", err)
	}
	frame := wire.TunnelFrame{Type: wire.FrameMethod, RequestID: requestID, MachineID: req.MachineID, Payload: payload, Timestamp: time.Now()}
	if err := wsjson.Write(ctx, t.Conn, frame); err != nil {
		if t.breaker != nil {
			t.breaker.Execute(func() error { return err })
		}
		return nil, bcerr.Wrap(bcerr.KindUnavailable, "send method request", err)
	}
	if s.metrics != nil {
		s.metrics.TunnelFramesOut.Inc()
		s.metrics.RouterCallsTotal.Inc()
	}
	start := time.Now()

	select {
	case resp := <-ch:
		methodResp, err := decodeMethodResponse(resp)
		if t.breaker != nil {
			t.breaker.Execute(func() error { return err })
		}
		if s.metrics != nil {
			s.metrics.RouterCallLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				s.metrics.RouterCallErrors.Inc()
			}
		}
		return methodResp, err
	case <-ctx.Done():
		if t.breaker != nil {
			t.breaker.Execute(func() error { return ctx.Err() })
		}
		if s.metrics != nil {
			s.metrics.RouterCallErrors.Inc()
		}
		return nil, ctx.Err()
	}
}

// Stream performs a server-streaming call over machineID's tunnel,
// delivering each wire.StreamPayload the daemon emits to out until the
// daemon marks one Final, the daemon sends an error frame, or ctx is
// done. A tunnel disconnect is not signalled to a waiting Stream; it
// returns only once ctx ends.
func (s *TunnelServer) Stream(ctx context.Context, req *wire.MethodRequest, requestID string, out chan<- *wire.StreamPayload) error {
	s.mu.RLock()
	t, online := s.tunnels[req.MachineID]
	s.mu.RUnlock()
	if !online {
		return bcerr.New(bcerr.KindUnavailable, fmt.Sprintf("machine %s is offline", req.MachineID))
	}

	ch := t.registerPending(requestID)
	defer t.dropPending(requestID)

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal method request: %w", err)
	}
	frame := wire.TunnelFrame{Type: wire.FrameMethod, RequestID: requestID, MachineID: req.MachineID, Payload: payload, Timestamp: time.Now()}
	if err := wsjson.Write(ctx, t.Conn, frame); err != nil {
		return bcerr.Wrap(bcerr.KindUnavailable, "send stream request", err)
	}

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			if frame.Type == wire.FrameError {
				return bcerr.New(bcerr.KindInternal, frame.Error)
			}
			var sp wire.StreamPayload
			if err := json.Unmarshal(frame.Payload, &sp); err != nil {
				return fmt.Errorf("decode stream payload: %w", err)
			}
			select {
			case out <- &sp:
			case <-ctx.Done():
				return ctx.Err()
			}
			if sp.Final {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decodeMethodResponse(frame *wire.TunnelFrame) (*wire.MethodResponse, error) {
	if frame.Type == wire.FrameError {
		return nil, bcerr.New(bcerr.KindInternal, frame.Error)
	}
	var resp wire.MethodResponse
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		return nil, fmt.Errorf("decode method response: %w", err)
	}
	if resp.Error != "" {
		return &resp, bcerr.New(bcerr.KindInternal, resp.Error)
	}
	return &resp, nil
}

func (s *TunnelServer) enqueueBuffered(ctx context.Context, req *wire.MethodRequest, requestID string) error {
	metadata, _ := json.Marshal(map[string]string{"requester_user_id": req.RequesterUserID})
	br := &buffer.Request{
		ID:        requestID,
		MachineID: req.MachineID,
		RequestID: requestID,
		Method:    req.Method,
		Payload:   req.Payload,
		Priority:  req.Priority,
		Metadata:  metadata,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := s.buffers.Enqueue(ctx, br, buffer.DefaultPerMachineCap); err != nil {
		return fmt.Errorf("enqueue buffered request: %w", err)
	}
	if s.metrics != nil {
		s.metrics.BufferDepth.Inc()
	}
	return bcerr.New(bcerr.KindUnavailable, fmt.Sprintf("machine %s is offline, request buffered", req.MachineID))
}
