package domain

import (
	"encoding/json"
	"time"
)

type AgentStatus string

const (
	AgentActive      AgentStatus = "active"     // Полный доступ
	AgentBlocked     AgentStatus = "blocked"    // Kill-switch (блокировка)
	AgentQuarantined AgentStatus = "quarantine" // Любой разрешенный вызов идет через человека
)

// Agent: аутентифицированный вызывающий (автономный агент) внутри workspace.
type Agent struct {
	ID          string      `json:"id"` // UUID
	WorkspaceID string      `json:"workspace_id"`
	Name        string      `json:"name"`
	KeyHash     string      `json:"-"` // bcrypt от секретной части ключа, сырой ключ никогда не храним
	Status      AgentStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Transport определяет, как шлюз достучится до внешнего инструмента.
type Transport string

const (
	TransportHTTP   Transport = "http"   // JSON-RPC поверх HTTP (MCP streamable)
	TransportGRPC   Transport = "grpc"   // Коннектор с generic Struct API
	TransportStatic Transport = "static" // Заглушка для dev/тестов
)

// Connection: дескриптор подключения к upstream (хранится как JSON).
type Connection struct {
	Transport Transport         `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Target    string            `json:"target,omitempty"` // host:port для gRPC
	Headers   map[string]string `json:"headers,omitempty"`
	Timeout   Duration          `json:"timeout,omitempty"`
}

// Tool: закэшированное описание инструмента upstream.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations map[string]any  `json:"annotations,omitempty"`
}

// Upstream: внешний поставщик инструментов внутри workspace.
type Upstream struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Name        string     `json:"name"` // уникально в рамках workspace
	Connection  Connection `json:"connection"`
	Tools       []Tool     `json:"tools"`
}

// FindTool ищет инструмент в закэшированном списке.
func (u *Upstream) FindTool(name string) (Tool, bool) {
	for _, t := range u.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Duration: time.Duration, который читается из JSON как строка "15s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// допускаем число наносекунд
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
