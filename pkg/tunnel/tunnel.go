// Package tunnel implements the daemon's half of the tunnel fabric
// (spec.md §4.4): it dials the relay's tunnel endpoint outbound,
// registers the local machine id, and dispatches every relayed
// wire.MethodRequest to a handler the daemon process registers, per the
// spec's list of Router-exposed operations (Subscribe, RequestInputLock,
// SendInput, ResumeSession, tool permission decisions, and so on).
// Reconnection uses pkg/resilience's circuit breaker and retry/backoff,
// the same primitives the relay side already depends on.
package tunnel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakost/betcode/pkg/identity"
	"github.com/sakost/betcode/pkg/observability"
	"github.com/sakost/betcode/pkg/resilience"
	"github.com/sakost/betcode/pkg/wire"
)

// Handler answers one unary wire.MethodRequest dispatched from the
// relay.
type Handler func(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error)

// StreamHandler answers one server-streamed wire.MethodRequest,
// publishing each wire.StreamPayload it produces to out. It must close
// out's delivery by returning once the last payload has Final set.
type StreamHandler func(ctx context.Context, req *wire.MethodRequest, out chan<- *wire.StreamPayload) error

// Config configures the daemon's tunnel client.
type Config struct {
	RelayURL     string // e.g. wss://relay.example.com/tunnel/daemon
	MachineID    string
	BearerToken  string      // used when TLS is nil or has no client certificate
	TLS          *tls.Config // set for mTLS daemon authentication
	PingInterval time.Duration
	Retry        resilience.RetryConfig
	Breaker      resilience.CircuitBreakerConfig

	// IdentityKey is the daemon's long-lived X25519 identity keypair
	// (spec.md §4.3). Its public half and fingerprint are announced in
	// every registration frame so the relay can record them via
	// machine.Store.SetIdentityPubkey for clients to TOFU-verify later;
	// registration proceeds without them if nil, but per-session
	// encryption handshakes then have nothing to anchor trust to.
	IdentityKey *identity.KeyPair
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.Multiplier <= 0 || c.Retry.MaxDelay <= 0 {
		defaults := resilience.DefaultRetryConfig()
		if c.Retry.InitialDelay <= 0 {
			c.Retry.InitialDelay = defaults.InitialDelay
		}
		if c.Retry.Multiplier <= 0 {
			c.Retry.Multiplier = defaults.Multiplier
		}
		if c.Retry.MaxDelay <= 0 {
			c.Retry.MaxDelay = defaults.MaxDelay
		}
	}
	// MaxAttempts is unused: Run reconnects indefinitely across failures
	// rather than giving up after a fixed count.
	if c.Breaker.Name == "" {
		c.Breaker.Name = "tunnel-client"
	}
	return c
}

// Client is the daemon-side tunnel connection to one relay.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	breaker *resilience.CircuitBreaker

	mu             sync.RWMutex
	handlers       map[string]Handler
	streamHandlers map[string]StreamHandler

	connMu sync.Mutex
	conn   *websocket.Conn

	metrics *observability.BetCodeMetrics
}

// SetMetrics attaches a metrics sink; nil-safe and optional, wired by the
// daemon's serve command so reconnect/frame counters reflect real
// traffic (SPEC_FULL.md §2.1).
func (c *Client) SetMetrics(metrics *observability.BetCodeMetrics) {
	c.metrics = metrics
}

// New constructs a tunnel client. Register handlers with RegisterHandler
// / RegisterStreamHandler before calling Run.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:            cfg,
		logger:         logger,
		breaker:        resilience.NewCircuitBreaker(cfg.Breaker),
		handlers:       make(map[string]Handler),
		streamHandlers: make(map[string]StreamHandler),
	}
}

// RegisterHandler binds method to a unary handler.
func (c *Client) RegisterHandler(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// RegisterStreamHandler binds method to a streaming handler. A method
// must not be registered as both unary and streaming.
func (c *Client) RegisterStreamHandler(method string, h StreamHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamHandlers[method] = h
}

// Run dials the relay and serves requests until ctx is canceled,
// reconnecting with backoff through the circuit breaker on every
// disconnect. It returns only when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.Retry.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.breaker.Execute(func() error {
			return c.connectAndServe(ctx)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			delay = c.cfg.Retry.InitialDelay
			continue
		}
		c.logger.Warn("tunnel connection lost, will retry", "error", err, "state", c.breaker.State(), "delay", delay)
		if c.metrics != nil {
			c.metrics.TunnelDisconnects.Inc()
			c.metrics.RetryAttempts.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * c.cfg.Retry.Multiplier)
		if c.cfg.Retry.MaxDelay > 0 && delay > c.cfg.Retry.MaxDelay {
			delay = c.cfg.Retry.MaxDelay
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.cfg.TLS != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.cfg.TLS}}
	}
	if c.cfg.BearerToken != "" && (c.cfg.TLS == nil || len(c.cfg.TLS.Certificates) == 0) {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.BearerToken}}
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.RelayURL, opts)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "tunnel client closing")

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	reg := wire.Control{Action: "register", MachineID: c.cfg.MachineID}
	if c.cfg.IdentityKey != nil {
		reg.IdentityPubkey = c.cfg.IdentityKey.Public.Bytes()
		reg.Fingerprint = identity.Fingerprint(c.cfg.IdentityKey.Public)
	}
	regPayload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	if err := wsjson.Write(ctx, conn, wire.TunnelFrame{
		Type:      wire.FrameControl,
		MachineID: c.cfg.MachineID,
		Payload:   regPayload,
		Timestamp: time.Now(),
	}); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	var ack wire.TunnelFrame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return fmt.Errorf("read registration ack: %w", err)
	}
	if ack.Type != wire.FrameControl {
		return fmt.Errorf("unexpected registration response type %q", ack.Type)
	}
	c.logger.Info("tunnel registered with relay", "machine_id", c.cfg.MachineID)
	if c.metrics != nil {
		c.metrics.TunnelConnects.Inc()
	}

	go c.pingLoop(ctx, conn)

	for {
		var frame wire.TunnelFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if c.metrics != nil {
			c.metrics.TunnelFramesIn.Inc()
		}
		switch frame.Type {
		case wire.FrameMethod:
			go c.dispatch(ctx, conn, frame)
		case wire.FrameControl:
			c.handleControl(ctx, conn, frame)
		default:
			c.logger.Debug("unhandled frame from relay", "type", frame.Type)
		}
	}
}

func (c *Client) handleControl(ctx context.Context, conn *websocket.Conn, frame wire.TunnelFrame) {
	var ctrl wire.Control
	if err := json.Unmarshal(frame.Payload, &ctrl); err != nil {
		return
	}
	switch ctrl.Action {
	case "ping":
		pongPayload, _ := json.Marshal(wire.Control{Action: "pong", MachineID: c.cfg.MachineID})
		wsjson.Write(ctx, conn, wire.TunnelFrame{Type: wire.FrameControl, MachineID: c.cfg.MachineID, Payload: pongPayload, Timestamp: time.Now()})
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(wire.Control{Action: "ping", MachineID: c.cfg.MachineID})
			if err := wsjson.Write(ctx, conn, wire.TunnelFrame{Type: wire.FrameControl, MachineID: c.cfg.MachineID, Payload: payload, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, conn *websocket.Conn, frame wire.TunnelFrame) {
	var req wire.MethodRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.sendError(ctx, conn, frame.RequestID, fmt.Sprintf("decode method request: %v", err))
		return
	}

	c.mu.RLock()
	sh, isStream := c.streamHandlers[req.Method]
	h, isUnary := c.handlers[req.Method]
	c.mu.RUnlock()

	switch {
	case isStream:
		c.dispatchStream(ctx, conn, frame.RequestID, &req, sh)
	case isUnary:
		resp, err := h(ctx, &req)
		if err != nil {
			c.sendError(ctx, conn, frame.RequestID, err.Error())
			return
		}
		c.sendResult(ctx, conn, frame.RequestID, resp)
	default:
		c.sendError(ctx, conn, frame.RequestID, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (c *Client) dispatchStream(ctx context.Context, conn *websocket.Conn, requestID string, req *wire.MethodRequest, h StreamHandler) {
	out := make(chan *wire.StreamPayload, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h(ctx, req, out)
		close(out)
	}()

	for sp := range out {
		payload, err := json.Marshal(sp)
		if err != nil {
			c.sendError(ctx, conn, requestID, fmt.Sprintf("encode stream payload: %v", err))
			return
		}
		if err := wsjson.Write(ctx, conn, wire.TunnelFrame{
			Type:      wire.FrameResult,
			RequestID: requestID,
			MachineID: c.cfg.MachineID,
			Payload:   payload,
			Timestamp: time.Now(),
		}); err != nil {
			c.logger.Warn("send stream payload failed", "request_id", requestID, "error", err)
			return
		}
	}
	if err := <-errCh; err != nil {
		c.sendError(ctx, conn, requestID, err.Error())
	}
}

func (c *Client) sendResult(ctx context.Context, conn *websocket.Conn, requestID string, resp *wire.MethodResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.sendError(ctx, conn, requestID, fmt.Sprintf("encode method response: %v", err))
		return
	}
	wsjson.Write(ctx, conn, wire.TunnelFrame{
		Type:      wire.FrameResult,
		RequestID: requestID,
		MachineID: c.cfg.MachineID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

func (c *Client) sendError(ctx context.Context, conn *websocket.Conn, requestID, message string) {
	wsjson.Write(ctx, conn, wire.TunnelFrame{
		Type:      wire.FrameError,
		RequestID: requestID,
		MachineID: c.cfg.MachineID,
		Error:     message,
		Timestamp: time.Now(),
	})
}

// Connected reports whether the client currently holds a live websocket
// connection to the relay.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}
