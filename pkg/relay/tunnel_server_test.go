package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakost/betcode/pkg/machine"
	"github.com/sakost/betcode/pkg/wire"
)

func relayTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewTunnelServer_Defaults(t *testing.T) {
	srv := NewTunnelServer(TunnelServerConfig{}, nil, nil, nil, relayTestLogger())
	if srv.cfg.MaxMachines != 1000 {
		t.Errorf("default MaxMachines = %d, want 1000", srv.cfg.MaxMachines)
	}
	if srv.cfg.PingInterval != 15*time.Second {
		t.Errorf("default PingInterval = %v, want 15s", srv.cfg.PingInterval)
	}
}

func TestTunnelServer_ConnectedMachineIDs_Empty(t *testing.T) {
	srv := NewTunnelServer(TunnelServerConfig{}, nil, nil, nil, relayTestLogger())
	if ids := srv.ConnectedMachineIDs(); len(ids) != 0 {
		t.Errorf("expected 0 connected machines, got %d", len(ids))
	}
}

func TestTunnelServer_CallNoTunnel(t *testing.T) {
	srv := NewTunnelServer(TunnelServerConfig{}, nil, nil, nil, relayTestLogger())
	_, err := srv.Call(context.Background(), &wire.MethodRequest{MachineID: "missing"}, "req-1")
	if err == nil {
		t.Error("expected error for missing tunnel")
	}
}

// TestTunnelServer_DaemonHandshake exercises a real websocket
// registration round trip against the relay's tunnel endpoint.
func TestTunnelServer_DaemonHandshake(t *testing.T) {
	store := machine.NewMemoryStore()
	store.Create(context.Background(), &machine.Machine{ID: "host-01", Name: "host-01", OwnerID: "u1"})

	srv := NewTunnelServer(TunnelServerConfig{MaxMachines: 10, PingInterval: time.Hour}, store, nil, nil, relayTestLogger())

	ts := httptest.NewServer(srv.buildMux())
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/tunnel/daemon"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	regPayload, _ := json.Marshal(wire.Control{Action: "register", MachineID: "host-01"})
	regFrame := wire.TunnelFrame{Type: wire.FrameControl, MachineID: "host-01", Payload: regPayload, Timestamp: time.Now()}
	if err := wsjson.Write(ctx, conn, regFrame); err != nil {
		t.Fatalf("send registration: %v", err)
	}

	var ackFrame wire.TunnelFrame
	if err := wsjson.Read(ctx, conn, &ackFrame); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ackFrame.Type != wire.FrameControl {
		t.Errorf("ack.Type = %q, want control", ackFrame.Type)
	}

	ids := srv.ConnectedMachineIDs()
	if len(ids) != 1 || ids[0] != "host-01" {
		t.Fatalf("expected 1 connected machine host-01, got %v", ids)
	}

	m, _ := store.Get(ctx, "host-01")
	if m.Status != machine.StatusOnline {
		t.Errorf("machine status = %q, want online", m.Status)
	}
}

// TestTunnelServer_CallRoundTrip exercises a unary Call forwarded over
// the tunnel and answered by a simulated daemon.
func TestTunnelServer_CallRoundTrip(t *testing.T) {
	store := machine.NewMemoryStore()
	store.Create(context.Background(), &machine.Machine{ID: "host-02", OwnerID: "u1"})

	srv := NewTunnelServer(TunnelServerConfig{MaxMachines: 10, PingInterval: time.Hour}, store, nil, nil, relayTestLogger())

	ts := httptest.NewServer(srv.buildMux())
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/tunnel/daemon"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	regPayload, _ := json.Marshal(wire.Control{Action: "register", MachineID: "host-02"})
	wsjson.Write(ctx, conn, wire.TunnelFrame{Type: wire.FrameControl, MachineID: "host-02", Payload: regPayload, Timestamp: time.Now()})
	var ack wire.TunnelFrame
	wsjson.Read(ctx, conn, &ack)

	resultCh := make(chan *wire.MethodResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := srv.Call(ctx, &wire.MethodRequest{Method: "ListSessions", MachineID: "host-02"}, "call-1")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- resp
	}()

	var methodFrame wire.TunnelFrame
	if err := wsjson.Read(ctx, conn, &methodFrame); err != nil {
		t.Fatalf("read method frame: %v", err)
	}
	if methodFrame.Type != wire.FrameMethod {
		t.Fatalf("expected method frame, got %q", methodFrame.Type)
	}
	if methodFrame.RequestID != "call-1" {
		t.Errorf("RequestID = %q, want call-1", methodFrame.RequestID)
	}

	respPayload, _ := json.Marshal(wire.MethodResponse{Payload: []byte(`{"sessions":[]}`)})
	wsjson.Write(ctx, conn, wire.TunnelFrame{
		Type:      wire.FrameResult,
		RequestID: "call-1",
		MachineID: "host-02",
		Payload:   respPayload,
		Timestamp: time.Now(),
	})

	select {
	case resp := <-resultCh:
		if string(resp.Payload) != `{"sessions":[]}` {
			t.Errorf("unexpected response payload: %s", resp.Payload)
		}
	case err := <-errCh:
		t.Fatalf("Call error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestTunnelServer_RequireClientCertRejection(t *testing.T) {
	srv := NewTunnelServer(TunnelServerConfig{
		MTLS: &MTLSConfig{RequireClientCert: true},
	}, nil, nil, nil, relayTestLogger())

	ts := httptest.NewServer(srv.buildMux())
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/tunnel/daemon"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without client certificate")
	}
	if resp != nil && resp.StatusCode != 401 {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
