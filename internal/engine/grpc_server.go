package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xela07ax/latchgate/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC-поверхность авторизации. Payload: generic Struct, поэтому обходимся без сгенерированного кода:
// сервис описан вручную, кодек: стандартный proto.
const (
	AuthorizerServiceName = "latchgate.v1.Authorizer"
	AuthorizeMethod       = "/" + AuthorizerServiceName + "/Authorize"
)

type AuthorizerServer interface {
	Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var AuthorizerServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthorizerServiceName,
	HandlerType: (*AuthorizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authorize", Handler: authorizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "latchgate/v1/authorizer.proto",
}

func authorizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizerServer).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AuthorizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizerServer).Authorize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCAuthorizer struct {
	engine *Engine
	logger *zap.Logger
}

func NewGRPCAuthorizer(engine *Engine, logger *zap.Logger) *GRPCAuthorizer {
	return &GRPCAuthorizer{engine: engine, logger: logger.Named("grpc")}
}

// Register вешает сервис на gRPC-сервер.
func (s *GRPCAuthorizer) Register(srv *grpc.Server) {
	srv.RegisterService(&AuthorizerServiceDesc, s)
}

// Authorize: тот же конвейер, что и для HTTP. Решение (включая denied и approval_required)
// возвращается данными, gRPC-статусом выражаются только отказы до принятия решения.
func (s *GRPCAuthorizer) Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw, err := in.MarshalJSON()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed submission")
	}
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed submission")
	}
	sub.AgentKey = AgentKeyFromContext(ctx)
	sub.ApprovalToken = approvalTokenFromContext(ctx)

	dec, err := s.engine.Authorize(ctx, sub)
	if dec == nil {
		return nil, grpcStatus(err)
	}

	var out map[string]any
	b, _ := json.Marshal(dec)
	if err := json.Unmarshal(b, &out); err != nil {
		s.logger.Error("encode decision", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	res, err := structpb.NewStruct(out)
	if err != nil {
		s.logger.Error("encode decision", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return res, nil
}

func grpcStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "invalid agent key")
	case errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, "workspace mismatch")
	case errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, "unknown upstream")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
