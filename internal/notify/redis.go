package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra"
	"go.uber.org/zap"
)

// Типы событий ленты заявок
const (
	EventApprovalCreated  = "approval.created"
	EventApprovalResolved = "approval.resolved"
)

// Event: сообщение для внешнего нотификатора. Сырых токенов и ключей здесь не бывает.
type Event struct {
	Type        string                `json:"type"`
	ApprovalID  string                `json:"approval_id"`
	WorkspaceID string                `json:"workspace_id"`
	Status      domain.ApprovalStatus `json:"status"`
	ExpiresAt   time.Time             `json:"expires_at"`
	Reason      string                `json:"reason,omitempty"`
	ResolvedBy  string                `json:"resolved_by,omitempty"`
	Request     *RequestSummary       `json:"request,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// RequestSummary: что показать человеку на карточке решения.
type RequestSummary struct {
	RequestID    string             `json:"request_id"`
	AgentID      string             `json:"agent_id"`
	UpstreamID   string             `json:"upstream_id"`
	ToolName     string             `json:"tool_name"`
	ActionClass  domain.ActionClass `json:"action_class"`
	RiskLevel    string             `json:"risk_level,omitempty"`
	RiskFlags    domain.RiskFlags   `json:"risk_flags,omitempty"`
	Resource     domain.Resource    `json:"resource"`
	RedactedArgs map[string]any     `json:"redacted_args,omitempty"`
}

// RedisNotifier публикует события заявок и сигналы обновления политик в Redis Pub/Sub.
// Ошибки доставки только логируются: состояние заявки уже закоммичено.
type RedisNotifier struct {
	rdb     *redis.Client
	logger  *zap.Logger
	timeout time.Duration
}

func NewRedisNotifier(rdb *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "notify")),
		timeout: 2 * time.Second,
	}
}

func (n *RedisNotifier) ApprovalCreated(ctx context.Context, a *domain.ApprovalRequest, req *domain.Request) {
	ev := n.event(EventApprovalCreated, a)
	if req != nil {
		ev.Request = &RequestSummary{
			RequestID:    req.ID,
			AgentID:      req.AgentID,
			UpstreamID:   req.UpstreamID,
			ToolName:     req.ToolName,
			ActionClass:  req.ActionClass,
			RiskLevel:    req.RiskLevel,
			RiskFlags:    req.RiskFlags,
			Resource:     req.Resource,
			RedactedArgs: req.RedactedArgs,
		}
	}
	n.publish(ctx, infra.RedisChanApprovals, ev)
}

func (n *RedisNotifier) ApprovalResolved(ctx context.Context, a *domain.ApprovalRequest) {
	ev := n.event(EventApprovalResolved, a)
	n.publish(ctx, infra.RedisChanApprovals, ev)
	// Персональный канал заявки: будит тех, кто ждет именно ее
	n.publish(ctx, infra.ApprovalChannel(a.ID), ev)
}

func (n *RedisNotifier) PolicyUpdated(ctx context.Context, workspaceID string) {
	ctx, cancel := n.detached(ctx)
	defer cancel()
	if err := n.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, workspaceID).Err(); err != nil {
		n.logger.Error("failed to publish policy update", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
}

func (n *RedisNotifier) event(typ string, a *domain.ApprovalRequest) Event {
	ev := Event{
		Type:        typ,
		ApprovalID:  a.ID,
		WorkspaceID: a.WorkspaceID,
		Status:      a.Status,
		ExpiresAt:   a.ExpiresAt,
		Timestamp:   time.Now().UTC(),
	}
	if a.DenialReason != nil {
		ev.Reason = *a.DenialReason
	}
	if a.ResolvedBy != nil {
		ev.ResolvedBy = *a.ResolvedBy
	}
	return ev
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	ctx, cancel := n.detached(ctx)
	defer cancel()
	if err := n.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		n.logger.Error("failed to publish event",
			zap.String("chan", channel),
			zap.String("type", ev.Type),
			zap.String("approval_id", ev.ApprovalID),
			zap.Error(err))
	}
}

// detached: отмена входящего запроса не должна обрывать публикацию уже закоммиченного события.
func (n *RedisNotifier) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
}
