package relay

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"

	"github.com/google/uuid"
	"github.com/sakost/betcode/pkg/audit"
	"github.com/sakost/betcode/pkg/authsvc"
	"github.com/sakost/betcode/pkg/bcerr"
	"github.com/sakost/betcode/pkg/machine"
	"github.com/sakost/betcode/pkg/wire"
	"google.golang.org/grpc/metadata"
)

// RouterServer is the relay's client-facing RPC surface (spec.md §4.5,
// SPEC_FULL.md §6.2): Call performs a unary method invocation against a
// machine's daemon, Stream performs a server-streamed one (e.g. a live
// AgentEvent tail).
type RouterServer interface {
	Call(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error)
	Stream(req *wire.MethodRequest, stream Router_StreamServer) error
}

// Router_StreamServer is the server-streaming half of RouterServer.Stream.
type Router_StreamServer interface {
	Send(*wire.StreamPayload) error
	grpc.ServerStream
}

type routerStreamServer struct{ grpc.ServerStream }

func (x *routerStreamServer) Send(m *wire.StreamPayload) error {
	return x.ServerStream.SendMsg(m)
}

func _Router_Call_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.MethodRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouterServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/betcode.v1.Router/Call"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouterServer).Call(ctx, req.(*wire.MethodRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Router_Stream_Handler(srv any, stream grpc.ServerStream) error {
	m := new(wire.MethodRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(RouterServer).Stream(m, &routerStreamServer{stream})
}

// RouterServiceDesc is the hand-authored grpc.ServiceDesc for
// betcode.v1.Router — there is no .proto/.pb.go pair backing this
// service; requests and responses are opaque []byte payloads carried by
// jsonCodec (SPEC_FULL.md §6.1).
var RouterServiceDesc = grpc.ServiceDesc{
	ServiceName: "betcode.v1.Router",
	HandlerType: (*RouterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: _Router_Call_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: _Router_Stream_Handler, ServerStreams: true},
	},
	Metadata: "betcode/v1/router",
}

// RegisterRouterServer attaches srv to s under the Router service name.
func RegisterRouterServer(s grpc.ServiceRegistrar, srv RouterServer) {
	s.RegisterService(&RouterServiceDesc, srv)
}

// ------------------------------------------------------------------
// RouterService — the Request Router's business logic
// ------------------------------------------------------------------

// RouterService implements RouterServer on top of a TunnelServer,
// enforcing the ownership invariant (spec.md §3: a user may only target
// a machine they own) before forwarding.
type RouterService struct {
	tunnels  *TunnelServer
	machines machine.Store
	auth     *authsvc.Service
	auditLog *audit.Logger
	logger   *slog.Logger
}

// NewRouterService constructs the Request Router RPC handler.
func NewRouterService(tunnels *TunnelServer, machines machine.Store, auth *authsvc.Service, auditLog *audit.Logger, logger *slog.Logger) *RouterService {
	return &RouterService{tunnels: tunnels, machines: machines, auth: auth, auditLog: auditLog, logger: logger}
}

// userIDFromContext extracts and verifies the caller's bearer JWT from
// grpc metadata, returning the subject (user id).
func (r *RouterService) userIDFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", bcerr.New(bcerr.KindUnauthorized, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", bcerr.New(bcerr.KindUnauthorized, "missing authorization header")
	}
	token := vals[0]
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		token = token[len(prefix):]
	}
	claims, err := r.auth.VerifyAccess(token)
	if err != nil {
		return "", bcerr.Wrap(bcerr.KindUnauthorized, "verify access token", err)
	}
	return claims.Subject, nil
}

func (r *RouterService) checkOwnership(ctx context.Context, userID, machineID string) error {
	m, err := r.machines.Get(ctx, machineID)
	if err != nil {
		return bcerr.Wrap(bcerr.KindNotFound, "lookup machine", err)
	}
	if !machine.Owns(m, userID) {
		if r.auditLog != nil {
			r.auditLog.LogOwnershipDenied(ctx, machineID)
		}
		return bcerr.New(bcerr.KindDenied, "caller does not own this machine")
	}
	return nil
}

// Call forwards req to the owning daemon and returns its response,
// buffering the request if the daemon is offline and the request is
// buffer-eligible.
func (r *RouterService) Call(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	userID, err := r.userIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.checkOwnership(ctx, userID, req.MachineID); err != nil {
		return nil, err
	}
	req.RequesterUserID = userID

	requestID := uuid.NewString()
	resp, err := r.tunnels.Call(ctx, req, requestID)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream forwards req to the owning daemon and relays every
// wire.StreamPayload it emits back to the caller.
func (r *RouterService) Stream(req *wire.MethodRequest, stream Router_StreamServer) error {
	ctx := stream.Context()
	userID, err := r.userIDFromContext(ctx)
	if err != nil {
		return err
	}
	if err := r.checkOwnership(ctx, userID, req.MachineID); err != nil {
		return err
	}
	req.RequesterUserID = userID

	requestID := uuid.NewString()
	out := make(chan *wire.StreamPayload, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.tunnels.Stream(ctx, req, requestID, out)
		close(out)
	}()

	for sp := range out {
		if err := stream.Send(sp); err != nil {
			return fmt.Errorf("send stream payload: %w", err)
		}
	}
	return <-errCh
}
