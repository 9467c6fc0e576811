package connectors

import (
	"context"
	"encoding/json"
)

// Result: ответ upstream на tools/call. Ровно одно из полей заполнено:
// Result или JSON-RPC ошибка upstream. Оба пересылаются агенту как есть.
type Result struct {
	Result json.RawMessage
	Error  json.RawMessage
}

// Provider: транспорт до одного upstream. Ошибка означает сбой доставки, не бизнес-ошибку инструмента.
type Provider interface {
	Call(ctx context.Context, tool string, args json.RawMessage) (*Result, error)
}

func (r *Result) Failed() bool {
	return len(r.Error) > 0
}
