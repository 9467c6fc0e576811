package domain

import (
	"fmt"
	"time"
)

// Effect определяет, что делать с вызовом, попавшим под правило
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval" // Human-in-the-loop
)

func (e Effect) Valid() bool {
	switch e {
	case EffectAllow, EffectDeny, EffectRequireApproval:
		return true
	}
	return false
}

// Decision переводит эффект правила в итоговое решение по вызову.
func (e Effect) Decision() Decision {
	switch e {
	case EffectAllow:
		return DecisionAllowed
	case EffectRequireApproval:
		return DecisionApprovalRequired
	default:
		// Неизвестный эффект трактуем как запрет (Zero Trust)
		return DecisionDenied
	}
}

// ActionClass: грубая категория последствий вызова инструмента.
type ActionClass string

const (
	ActionRead          ActionClass = "read"
	ActionWrite         ActionClass = "write"
	ActionSend          ActionClass = "send"
	ActionExecute       ActionClass = "execute"
	ActionSubmit        ActionClass = "submit"
	ActionTransferValue ActionClass = "transfer_value"
	ActionAny           ActionClass = "any" // только для правил
)

func (a ActionClass) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionSend, ActionExecute, ActionSubmit, ActionTransferValue:
		return true
	}
	return false
}

// Decision: итог авторизации одного вызова.
type Decision string

const (
	DecisionAllowed          Decision = "allowed"
	DecisionDenied           Decision = "denied"
	DecisionApprovalRequired Decision = "approval_required"
)

const (
	RuleSourceAuthored = "authored"
	RuleSourceDenial   = "approval_denial" // создано автоматически при отказе оператора
)

const (
	MinPriority = 0
	MaxPriority = 100
)

// PolicyRule: правило авторизации в рамках workspace.
// Nil-поля скоупа работают как wildcard.
type PolicyRule struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspace_id"`
	Effect      Effect      `json:"effect"`
	ActionClass ActionClass `json:"action_class"`

	UpstreamID *string `json:"upstream_id,omitempty"`
	ToolName   *string `json:"tool_name,omitempty"`
	Domain     *string `json:"domain,omitempty"` // точное совпадение или суффикс
	Recipient  *string `json:"recipient,omitempty"`

	Priority  int       `json:"priority"` // 0..100, больше: раньше
	Enabled   bool      `json:"enabled"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate проверяет инварианты правила перед сохранением.
func (r *PolicyRule) Validate() error {
	if !r.Effect.Valid() {
		return fmt.Errorf("invalid effect %q", r.Effect)
	}
	if r.ActionClass != ActionAny && !r.ActionClass.Valid() {
		return fmt.Errorf("invalid action class %q", r.ActionClass)
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("priority %d out of range [%d, %d]", r.Priority, MinPriority, MaxPriority)
	}
	return nil
}

// Resource: описание ресурса, которого касается вызов.
type Resource struct {
	Domain    string `json:"domain,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	URI       string `json:"uri,omitempty"`
}

// RiskFlags: структурированный набор сигналов риска (external_domain, new_recipient, destructive...).
type RiskFlags map[string]bool

// Call: атрибуты вызова, по которым матчатся правила.
type Call struct {
	WorkspaceID string
	AgentID     string
	UpstreamID  string
	ToolName    string
	ActionClass ActionClass
	RiskLevel   string
	RiskFlags   RiskFlags
	Resource    Resource
}
