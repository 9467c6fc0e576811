package engine_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/engine"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func dialAuthorizer(t *testing.T, h *harness) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor()))
	engine.NewGRPCAuthorizer(h.engine, zap.NewNop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func authorizeRPC(ctx context.Context, conn *grpc.ClientConn, sub engine.Submission) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"upstream":     sub.Upstream,
		"tool_name":    sub.ToolName,
		"action_class": string(sub.ActionClass),
		"args_hash":    sub.ArgsHash,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = conn.Invoke(ctx, engine.AuthorizeMethod, in, out)
	return out, err
}

func TestGRPCAuthorize(t *testing.T) {
	h := newHarness(t)
	conn := dialAuthorizer(t, h)
	ctx := context.Background()

	// без ключа: до движка не доходим
	_, err := authorizeRPC(ctx, conn, h.submission("list_messages", domain.ActionRead, nil))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, engine.MDAgentKey, h.key)
	out, err := authorizeRPC(authed, conn, h.submission("list_messages", domain.ActionRead, nil))
	require.NoError(t, err)
	assert.Equal(t, "allowed", out.Fields["decision"].GetStringValue())

	// приостановка: это данные, а не gRPC-ошибка
	out, err = authorizeRPC(authed, conn, h.submission("send_email", domain.ActionSend, nil))
	require.NoError(t, err)
	assert.Equal(t, "approval_required", out.Fields["decision"].GetStringValue())
	assert.NotEmpty(t, out.Fields["approval_id"].GetStringValue())

	sub := h.submission("send_email", domain.ActionSend, nil)
	sub.Upstream = "missing"
	_, err = authorizeRPC(authed, conn, sub)
	assert.Equal(t, codes.NotFound, status.Code(err))

	bad := metadata.AppendToOutgoingContext(ctx, engine.MDAgentKey, "agent-1.nope")
	_, err = authorizeRPC(bad, conn, h.submission("list_messages", domain.ActionRead, nil))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
