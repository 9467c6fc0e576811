package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// StaticConnector: upstream без сети для dev и тестов: ничего не исполняет,
// возвращает заготовленный ответ или эхо вызова с пометкой simulated.
type StaticConnector struct {
	Responses  map[string]json.RawMessage
	MinLatency time.Duration
	MaxLatency time.Duration
}

func (c *StaticConnector) Call(ctx context.Context, tool string, args json.RawMessage) (*Result, error) {
	if latency := c.latency(); latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if res, ok := c.Responses[tool]; ok {
		return &Result{Result: res}, nil
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	text, _ := json.Marshal(fmt.Sprintf("simulated call to %s", tool))
	res := fmt.Sprintf(`{"content":[{"type":"text","text":%s}],"structuredContent":{"tool":%q,"arguments":%s,"simulated":true}}`,
		text, tool, args)
	return &Result{Result: json.RawMessage(res)}, nil
}

func (c *StaticConnector) latency() time.Duration {
	if c.MaxLatency <= c.MinLatency {
		return c.MinLatency
	}
	return c.MinLatency + time.Duration(rand.Int64N(int64(c.MaxLatency-c.MinLatency)))
}
