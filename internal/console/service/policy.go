package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/domain"
	"go.uber.org/zap"
)

// RuleRepository описывает требования сервиса к хранилищу правил
type RuleRepository interface {
	ListRules(ctx context.Context, workspaceID string) ([]domain.PolicyRule, error)
	CreateRule(ctx context.Context, r *domain.PolicyRule) error
	DeleteRule(ctx context.Context, workspaceID, id string) error
}

// RuleInput: тело создания правила. Пустой action_class: любой класс.
type RuleInput struct {
	WorkspaceID string             `json:"workspace_id"`
	Effect      domain.Effect      `json:"effect"`
	ActionClass domain.ActionClass `json:"action_class"`
	UpstreamID  *string            `json:"upstream_id,omitempty"`
	ToolName    *string            `json:"tool_name,omitempty"`
	Domain      *string            `json:"domain,omitempty"`
	Recipient   *string            `json:"recipient,omitempty"`
	Priority    int                `json:"priority"`
	Enabled     *bool              `json:"enabled,omitempty"`
}

type RuleService struct {
	repo     RuleRepository
	notifier approval.Notifier
	now      func() time.Time
	logger   *zap.Logger
}

func NewRuleService(repo RuleRepository, notifier approval.Notifier, logger *zap.Logger) *RuleService {
	if notifier == nil {
		notifier = approval.NopNotifier{}
	}
	return &RuleService{
		repo:     repo,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.Named("rule-service"),
	}
}

// List возвращает правила workspace в порядке применения: приоритет, затем возраст.
func (s *RuleService) List(ctx context.Context, actor *domain.CustomClaims, workspaceID string) ([]domain.PolicyRule, error) {
	if err := s.member(actor, workspaceID); err != nil {
		return nil, err
	}
	rules, err := s.repo.ListRules(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("rule_service: list: %w", err)
	}
	slices.SortStableFunc(rules, func(a, b domain.PolicyRule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return rules, nil
}

// Create сохраняет правило и уведомляет шлюзы об обновлении
func (s *RuleService) Create(ctx context.Context, actor *domain.CustomClaims, in RuleInput) (*domain.PolicyRule, error) {
	if err := s.member(actor, in.WorkspaceID); err != nil {
		return nil, err
	}
	rule := &domain.PolicyRule{
		ID:          uuid.New().String(),
		WorkspaceID: in.WorkspaceID,
		Effect:      in.Effect,
		ActionClass: in.ActionClass,
		UpstreamID:  in.UpstreamID,
		ToolName:    in.ToolName,
		Domain:      in.Domain,
		Recipient:   in.Recipient,
		Priority:    in.Priority,
		Enabled:     in.Enabled == nil || *in.Enabled,
		Source:      domain.RuleSourceAuthored,
		CreatedAt:   s.now().UTC(),
	}
	if rule.ActionClass == "" {
		rule.ActionClass = domain.ActionAny
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("rule_service: create: %w", err)
	}
	s.logger.Info("policy rule created",
		zap.String("rule_id", rule.ID),
		zap.String("workspace_id", rule.WorkspaceID),
		zap.String("effect", string(rule.Effect)),
		zap.String("actor", actor.UserID))
	s.notifier.PolicyUpdated(ctx, rule.WorkspaceID)
	return rule, nil
}

// Delete удаляет правило и инициирует инвалидацию кэша
func (s *RuleService) Delete(ctx context.Context, actor *domain.CustomClaims, workspaceID, id string) error {
	if err := s.member(actor, workspaceID); err != nil {
		return err
	}
	if err := s.repo.DeleteRule(ctx, workspaceID, id); err != nil {
		return err
	}
	s.logger.Info("policy rule deleted",
		zap.String("rule_id", id),
		zap.String("workspace_id", workspaceID),
		zap.String("actor", actor.UserID))
	s.notifier.PolicyUpdated(ctx, workspaceID)
	return nil
}

func (s *RuleService) member(actor *domain.CustomClaims, workspaceID string) error {
	if workspaceID == "" {
		return fmt.Errorf("%w: workspace_id is required", domain.ErrInvalidArgument)
	}
	if !actor.MemberOf(workspaceID) {
		return domain.ErrForbidden
	}
	return nil
}
