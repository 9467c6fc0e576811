package engine

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Имена метаданных gRPC (в gRPC заголовки в нижнем регистре)
const (
	MDAgentKey      = "x-agent-key"
	MDApprovalToken = "x-approval-token"
	MDTraceID       = "x-trace-id"
)

type agentKeyCtx struct{}
type approvalTokenCtx struct{}

// UnaryAuthInterceptor достает ключ агента и токен из метаданных.
// Подлинность ключа проверяет сам движок, здесь только наличие.
func UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		keys := md.Get(MDAgentKey)
		if len(keys) == 0 || keys[0] == "" {
			return nil, status.Error(codes.Unauthenticated, "missing agent key")
		}
		ctx = context.WithValue(ctx, agentKeyCtx{}, keys[0])

		if tok := md.Get(MDApprovalToken); len(tok) > 0 {
			ctx = context.WithValue(ctx, approvalTokenCtx{}, tok[0])
		}

		traceID := ""
		if ids := md.Get(MDTraceID); len(ids) > 0 && len(ids[0]) <= 128 {
			traceID = ids[0]
		}
		if traceID == "" {
			traceID = newTraceID()
		}
		return handler(WithTraceID(ctx, traceID), req)
	}
}

func AgentKeyFromContext(ctx context.Context) string {
	v, _ := ctx.Value(agentKeyCtx{}).(string)
	return v
}

func approvalTokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(approvalTokenCtx{}).(string)
	return v
}
