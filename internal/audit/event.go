package audit

import "time"

// Статусы результата пересылки
const (
	OutcomeForwarded     = "forwarded"      // upstream ответил (в т.ч. JSON-RPC ошибкой)
	OutcomeUpstreamError = "upstream_error" // транспортный сбой, CB или лимитер
	OutcomeInternalError = "internal_error"
)

// OutcomeEvent: результат пересылки разрешенного вызова. Пишется отдельной строкой,
// сама аудит-запись Request остается неизменной.
type OutcomeEvent struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"` // ссылка на аудит-запись решения
	TraceID    string    `json:"trace_id"`
	AgentID    string    `json:"agent_id"`
	UpstreamID string    `json:"upstream_id"`
	ToolName   string    `json:"tool_name"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
