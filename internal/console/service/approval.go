package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/domain"
	"go.uber.org/zap"
)

// Ledger описывает, что консоли нужно от леджера заявок.
type Ledger interface {
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	Details(ctx context.Context, id string) (*domain.ApprovalDetails, error)
	List(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error)
	Approve(ctx context.Context, id, actorID string) (*domain.ApprovalToken, error)
	Deny(ctx context.Context, id, actorID string, opts approval.DenyOptions) error
}

var _ Ledger = (*approval.Ledger)(nil)

// ApprovalService: разрешение заявок людьми. Решать может только член workspace заявки.
type ApprovalService struct {
	ledger Ledger
	logger *zap.Logger
}

func NewApprovalService(ledger Ledger, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		ledger: ledger,
		logger: logger.Named("approval-service"),
	}
}

// ListQuery: параметры очереди из query string.
type ListQuery struct {
	WorkspaceID string
	Status      domain.ApprovalStatus
	Limit       int
}

// List отдает заявки только тех workspace, в которых состоит оператор.
func (s *ApprovalService) List(ctx context.Context, actor *domain.CustomClaims, q ListQuery) ([]*domain.ApprovalRequest, error) {
	if q.Status != "" && !validStatus(q.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, q.Status)
	}

	workspaces := actor.Workspaces
	if q.WorkspaceID != "" {
		if !actor.MemberOf(q.WorkspaceID) {
			return nil, domain.ErrForbidden
		}
		workspaces = []string{q.WorkspaceID}
	}
	// Пустой фильтр в хранилище означает "все": оператору без членства это отдавать нельзя
	if len(workspaces) == 0 {
		return []*domain.ApprovalRequest{}, nil
	}

	items, err := s.ledger.List(ctx, domain.ApprovalFilter{
		WorkspaceIDs: slices.Clone(workspaces),
		Status:       q.Status,
		Limit:        q.Limit,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*domain.ApprovalRequest{}
	}
	return items, nil
}

// Details: заявка с исходным вызовом (аргументы уже отредактированы на шлюзе).
func (s *ApprovalService) Details(ctx context.Context, actor *domain.CustomClaims, id string) (*domain.ApprovalDetails, error) {
	d, err := s.ledger.Details(ctx, id)
	if err != nil {
		return nil, err
	}
	// Чужие заявки неотличимы от несуществующих
	if !actor.MemberOf(d.WorkspaceID) {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

// Approve одобряет заявку. Сырой токен наружу не выдается: его заберет агент.
func (s *ApprovalService) Approve(ctx context.Context, actor *domain.CustomClaims, id string) (*domain.ApprovalToken, error) {
	if err := s.authorize(ctx, actor, id); err != nil {
		return nil, err
	}
	tok, err := s.ledger.Approve(ctx, id, actor.UserID)
	if err != nil {
		s.logger.Warn("approve failed",
			zap.String("approval_id", id),
			zap.String("actor_id", actor.UserID),
			zap.Error(err))
		return nil, err
	}
	return tok, nil
}

func (s *ApprovalService) Deny(ctx context.Context, actor *domain.CustomClaims, id string, opts approval.DenyOptions) error {
	if err := s.authorize(ctx, actor, id); err != nil {
		return err
	}
	if err := s.ledger.Deny(ctx, id, actor.UserID, opts); err != nil {
		s.logger.Warn("deny failed",
			zap.String("approval_id", id),
			zap.String("actor_id", actor.UserID),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *ApprovalService) authorize(ctx context.Context, actor *domain.CustomClaims, id string) error {
	app, err := s.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if !actor.MemberOf(app.WorkspaceID) {
		s.logger.Warn("resolution by non-member rejected",
			zap.String("approval_id", id),
			zap.String("actor_id", actor.UserID),
			zap.String("workspace_id", app.WorkspaceID))
		return domain.ErrForbidden
	}
	return nil
}

func validStatus(st domain.ApprovalStatus) bool {
	switch st {
	case domain.StatusPending, domain.StatusApproved, domain.StatusDenied, domain.StatusExpired:
		return true
	}
	return false
}
