package relay

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/sakost/betcode/pkg/authsvc"
	"github.com/sakost/betcode/pkg/bcerr"
	"github.com/sakost/betcode/pkg/machine"
	"github.com/sakost/betcode/pkg/wire"
)

func newTestAuthService(t *testing.T) *authsvc.Service {
	t.Helper()
	svc, err := authsvc.New(authsvc.Config{Secret: []byte("0123456789abcdef0123456789abcdef")}, authsvc.NewMemoryStore())
	if err != nil {
		t.Fatalf("authsvc.New: %v", err)
	}
	return svc
}

func ctxWithBearer(token string) context.Context {
	md := metadata.New(map[string]string{"authorization": "Bearer " + token})
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestRouterService_Call_MissingAuth(t *testing.T) {
	machines := machine.NewMemoryStore()
	auth := newTestAuthService(t)
	tunnels := NewTunnelServer(TunnelServerConfig{}, machines, nil, nil, relayTestLogger())
	router := NewRouterService(tunnels, machines, auth, nil, relayTestLogger())

	_, err := router.Call(context.Background(), &wire.MethodRequest{MachineID: "host-01"})
	if err == nil {
		t.Fatal("expected error for missing bearer token")
	}
	if bcerr.KindOf(err) != bcerr.KindUnauthorized {
		t.Errorf("kind = %v, want unauthorized", bcerr.KindOf(err))
	}
}

func TestRouterService_Call_OwnershipDenied(t *testing.T) {
	machines := machine.NewMemoryStore()
	machines.Create(context.Background(), &machine.Machine{ID: "host-01", OwnerID: "owner-1"})

	auth := newTestAuthService(t)
	pair, err := auth.IssueTokenPair("intruder-2", "intruder")
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	tunnels := NewTunnelServer(TunnelServerConfig{}, machines, nil, nil, relayTestLogger())
	router := NewRouterService(tunnels, machines, auth, nil, relayTestLogger())

	_, err = router.Call(ctxWithBearer(pair.AccessToken), &wire.MethodRequest{MachineID: "host-01"})
	if err == nil {
		t.Fatal("expected ownership denied error")
	}
	if bcerr.KindOf(err) != bcerr.KindDenied {
		t.Errorf("kind = %v, want denied", bcerr.KindOf(err))
	}
}

func TestRouterService_Call_MachineNotFound(t *testing.T) {
	machines := machine.NewMemoryStore()
	auth := newTestAuthService(t)
	pair, err := auth.IssueTokenPair("owner-1", "owner")
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	tunnels := NewTunnelServer(TunnelServerConfig{}, machines, nil, nil, relayTestLogger())
	router := NewRouterService(tunnels, machines, auth, nil, relayTestLogger())

	_, err = router.Call(ctxWithBearer(pair.AccessToken), &wire.MethodRequest{MachineID: "missing"})
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if bcerr.KindOf(err) != bcerr.KindNotFound {
		t.Errorf("kind = %v, want not_found", bcerr.KindOf(err))
	}
}

func TestRouterService_Call_OfflineNotBuffered(t *testing.T) {
	machines := machine.NewMemoryStore()
	machines.Create(context.Background(), &machine.Machine{ID: "host-01", OwnerID: "owner-1"})

	auth := newTestAuthService(t)
	pair, err := auth.IssueTokenPair("owner-1", "owner")
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	tunnels := NewTunnelServer(TunnelServerConfig{}, machines, nil, nil, relayTestLogger())
	router := NewRouterService(tunnels, machines, auth, nil, relayTestLogger())

	ctx, cancel := context.WithTimeout(ctxWithBearer(pair.AccessToken), 2*time.Second)
	defer cancel()

	_, err = router.Call(ctx, &wire.MethodRequest{MachineID: "host-01", BufferEligible: false})
	if err == nil {
		t.Fatal("expected unavailable error")
	}
	if bcerr.KindOf(err) != bcerr.KindUnavailable {
		t.Errorf("kind = %v, want unavailable", bcerr.KindOf(err))
	}
}
