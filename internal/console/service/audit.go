package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/latchgate/internal/audit"
	"github.com/xela07ax/latchgate/internal/domain"
)

// TrailRepository описывает контракт для чтения аудита.
type TrailRepository interface {
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	ListOutcomes(ctx context.Context, requestID string) ([]audit.OutcomeEvent, error)
}

// RequestTrail: аудит-запись решения вместе с результатами пересылки.
type RequestTrail struct {
	Request  *domain.Request      `json:"request"`
	Outcomes []audit.OutcomeEvent `json:"outcomes"`
}

type AuditService struct {
	repo TrailRepository
}

func NewAuditService(repo TrailRepository) *AuditService {
	return &AuditService{repo: repo}
}

// Trail отдает запись только члену её workspace; остальным: ErrNotFound.
func (s *AuditService) Trail(ctx context.Context, actor *domain.CustomClaims, requestID string) (*RequestTrail, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("audit_service: get request: %w", err)
	}
	if !actor.MemberOf(req.WorkspaceID) {
		return nil, domain.ErrNotFound
	}

	outcomes, err := s.repo.ListOutcomes(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit_service: list outcomes: %w", err)
	}
	return &RequestTrail{Request: req, Outcomes: outcomes}, nil
}
