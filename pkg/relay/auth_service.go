package relay

import (
	"context"

	"google.golang.org/grpc"

	"github.com/sakost/betcode/pkg/audit"
	"github.com/sakost/betcode/pkg/authsvc"
	"github.com/sakost/betcode/pkg/bcerr"
	"github.com/sakost/betcode/pkg/observability"
)

// LoginRequest/LoginResponse and RefreshRequest/RefreshResponse are the
// opaque JSON payloads for betcode.v1.Auth, the relay's login/refresh
// surface backing the JWT flow named in spec.md §6. Like the Router
// service, this is hand-authored against jsonCodec rather than a
// generated protobuf pair (SPEC_FULL.md §6.1).
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthServer is the relay's client-facing login/refresh RPC surface.
type AuthServer interface {
	Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error)
	Refresh(ctx context.Context, req *RefreshRequest) (*LoginResponse, error)
}

func _Auth_Login_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LoginRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthServer).Login(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/betcode.v1.Auth/Login"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthServer).Login(ctx, req.(*LoginRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Auth_Refresh_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RefreshRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthServer).Refresh(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/betcode.v1.Auth/Refresh"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthServer).Refresh(ctx, req.(*RefreshRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// AuthServiceDesc is the hand-authored grpc.ServiceDesc for betcode.v1.Auth.
var AuthServiceDesc = grpc.ServiceDesc{
	ServiceName: "betcode.v1.Auth",
	HandlerType: (*AuthServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: _Auth_Login_Handler},
		{MethodName: "Refresh", Handler: _Auth_Refresh_Handler},
	},
	Metadata: "betcode/v1/auth",
}

// RegisterAuthServer attaches srv to s under the Auth service name.
func RegisterAuthServer(s grpc.ServiceRegistrar, srv AuthServer) {
	s.RegisterService(&AuthServiceDesc, srv)
}

// AuthService implements AuthServer against the shared user store and
// Argon2id password hashes (spec.md §3's User.password_hash).
type AuthService struct {
	users    authsvc.Store
	tokens   *authsvc.Service
	auditLog *audit.Logger
	metrics  *observability.BetCodeMetrics
}

// NewAuthService constructs the relay's login/refresh RPC handler.
func NewAuthService(users authsvc.Store, tokens *authsvc.Service, auditLog *audit.Logger) *AuthService {
	return &AuthService{users: users, tokens: tokens, auditLog: auditLog}
}

// SetMetrics attaches a metrics sink; nil-safe and optional.
func (a *AuthService) SetMetrics(metrics *observability.BetCodeMetrics) {
	a.metrics = metrics
}

func (a *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	user, err := a.users.GetUserByUsername(req.Username)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindUnauthorized, "invalid credentials", err)
	}
	ok, err := authsvc.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		return nil, bcerr.New(bcerr.KindUnauthorized, "invalid credentials")
	}

	pair, err := a.tokens.IssueTokenPair(user.ID, user.Username)
	if err != nil {
		return nil, bcerr.Wrap(bcerr.KindInternal, "issue tokens", err)
	}
	if a.auditLog != nil {
		a.auditLog.LogRefresh(ctx, true)
	}
	return &LoginResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

func (a *AuthService) Refresh(ctx context.Context, req *RefreshRequest) (*LoginResponse, error) {
	pair, err := a.tokens.Refresh(req.RefreshToken)
	if err != nil {
		if a.auditLog != nil {
			a.auditLog.LogRefresh(ctx, false)
		}
		if a.metrics != nil {
			a.metrics.RefreshRejected.Inc()
		}
		return nil, bcerr.Wrap(bcerr.KindUnauthorized, "refresh token", err)
	}
	if a.auditLog != nil {
		a.auditLog.LogRefresh(ctx, true)
	}
	if a.metrics != nil {
		a.metrics.RefreshRotations.Inc()
	}
	return &LoginResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}
