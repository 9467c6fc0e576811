package domain

import "time"

// Request: аудит-запись одной попытки вызова. Пишется ровно один раз и не изменяется.
// Повтор с токеном порождает новую запись со ссылкой на погашенный approval.
type Request struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspace_id"`
	AgentID     string      `json:"agent_id"`
	UpstreamID  string      `json:"upstream_id"`
	ToolName    string      `json:"tool_name"`
	ActionClass ActionClass `json:"action_class"`
	RiskLevel   string      `json:"risk_level"`
	RiskFlags   RiskFlags   `json:"risk_flags"`
	Resource    Resource    `json:"resource"`

	RedactedArgs map[string]any `json:"redacted_args"`
	ArgsHash     string         `json:"args_hash"`
	RequestHash  string         `json:"request_hash"` // отпечаток для сверки повтора

	Decision          Decision `json:"decision"`
	DenialReason      *string  `json:"denial_reason,omitempty"`
	RuleID            *string  `json:"rule_id,omitempty"`
	ApprovalRequestID *string  `json:"approval_request_id,omitempty"` // погашенный токеном

	CreatedAt time.Time `json:"created_at"`
}

// ApprovalDetails: заявка вместе с исходным вызовом (для оператора и бота).
type ApprovalDetails struct {
	ApprovalRequest
	Request *Request `json:"request,omitempty"`
}
