package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Метод коннектора: Execute(Struct) returns (Struct). Контракт generic, без сгенерированного кода:
// запрос {tool, arguments, metadata}, ответ {status_code, error_message, result}.
const ConnectorExecuteMethod = "/latchgate.v1.Connector/Execute"

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера поверх готового соединения
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

// DialGRPC открывает ленивое соединение с коннектором. TLS терминируется на сайдкаре.
func DialGRPC(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	return conn, nil
}

func (a *GRPCAdapter) Call(ctx context.Context, tool string, args json.RawMessage) (*Result, error) {
	// 1. JSON аргументов -> Protobuf Struct
	var m map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
	}
	argStruct, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"tool":     tool,
		"metadata": map[string]any{"source": "latchgate"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}
	req.Fields["arguments"] = structpb.NewStructValue(argStruct)

	// 2. Собственный предел адаптера
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, ConnectorExecuteMethod, req, resp); err != nil {
		return nil, classifyGRPCError(err)
	}

	// 3. Ненулевой статус внутри ответа: ошибка инструмента, отдаем агенту как JSON-RPC error
	fields := resp.GetFields()
	if code := fields["status_code"].GetNumberValue(); code != 0 {
		rpcErr, _ := json.Marshal(map[string]any{
			"code":    int(code),
			"message": fields["error_message"].GetStringValue(),
		})
		return &Result{Error: rpcErr}, nil
	}

	rv, ok := fields["result"]
	if !ok || rv == nil {
		return &Result{Result: json.RawMessage("{}")}, nil
	}
	result, err := rv.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Result{Result: result}, nil
}

func classifyGRPCError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("connector call failed: %w", err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: time.Second, Cause: err}
	case codes.Unavailable:
		// Unavailable у grpc-go: соединение не установлено, запрос не ушел
		return &DialError{Cause: err}
	default:
		return fmt.Errorf("connector call failed [%s]: %w", st.Code(), err)
	}
}
