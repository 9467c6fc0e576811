package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra"
	"go.uber.org/zap"
)

// AgentRepository описывает требования к хранилищу данных об агентах
type AgentRepository interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error
}

// AgentService: kill-switch и карантин. rdb может быть nil: тогда шлюзы
// подхватят новый статус из хранилища только при рестарте.
type AgentService struct {
	repo   AgentRepository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewAgentService(rdb *redis.Client, repo AgentRepository, logger *zap.Logger) *AgentService {
	return &AgentService{
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("agent-service"),
	}
}

// stateSignal: сигнал одному из двух L1-кэшей шлюза.
type stateSignal struct {
	setKey  string
	channel string
	on      bool
}

func (s *AgentService) Get(ctx context.Context, actor *domain.CustomClaims, id string) (*domain.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.MemberOf(agent.WorkspaceID) {
		return nil, domain.ErrNotFound
	}
	return agent, nil
}

func (s *AgentService) Block(ctx context.Context, actor *domain.CustomClaims, id string) error {
	return s.updateAgentState(ctx, actor, id, domain.AgentBlocked, "kill-switch-block",
		stateSignal{infra.RedisKeyQuarantinedAgents, infra.RedisChanQuarantine, false},
		stateSignal{infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch, true})
}

func (s *AgentService) Quarantine(ctx context.Context, actor *domain.CustomClaims, id string) error {
	return s.updateAgentState(ctx, actor, id, domain.AgentQuarantined, "quarantine-activation",
		stateSignal{infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch, false},
		stateSignal{infra.RedisKeyQuarantinedAgents, infra.RedisChanQuarantine, true})
}

// Activate снимает и блокировку, и карантин.
func (s *AgentService) Activate(ctx context.Context, actor *domain.CustomClaims, id string) error {
	return s.updateAgentState(ctx, actor, id, domain.AgentActive, "agent-activation",
		stateSignal{infra.RedisKeyBlockedAgents, infra.RedisChanKillSwitch, false},
		stateSignal{infra.RedisKeyQuarantinedAgents, infra.RedisChanQuarantine, false})
}

// updateAgentState: унифицированный механизм переключения состояний.
// Обновляет БД и транслирует сигналы в Redis.
func (s *AgentService) updateAgentState(
	ctx context.Context,
	actor *domain.CustomClaims,
	agentID string,
	status domain.AgentStatus,
	action string,
	signals ...stateSignal,
) error {
	if _, err := s.Get(ctx, actor, agentID); err != nil {
		return err
	}

	// 1. Persistence Layer
	if err := s.repo.UpdateAgentStatus(ctx, agentID, status); err != nil {
		s.logger.Error("failed to update agent status",
			zap.String("agent_id", agentID),
			zap.String("action", action),
			zap.Error(err))
		return fmt.Errorf("%s: %w", action, err)
	}

	// 2. Real-time Signaling. Отказ Redis не откатывает статус: источник правды: хранилище
	if s.rdb != nil {
		for _, sig := range signals {
			if err := s.signal(ctx, agentID, sig); err != nil {
				s.logger.Warn("runtime signal delivery failed",
					zap.String("action", action),
					zap.String("channel", sig.channel),
					zap.Error(err))
			}
		}
	}

	s.logger.Info("agent state updated",
		zap.String("agent_id", agentID),
		zap.String("action", action),
		zap.String("actor_id", actor.UserID),
		zap.String("new_status", string(status)))
	return nil
}

func (s *AgentService) signal(ctx context.Context, agentID string, sig stateSignal) error {
	value := "off"
	pipe := s.rdb.TxPipeline()
	if sig.on {
		value = "on"
		pipe.SAdd(ctx, sig.setKey, agentID)
	} else {
		pipe.SRem(ctx, sig.setKey, agentID)
	}
	pipe.Publish(ctx, sig.channel, agentID+":"+value)
	_, err := pipe.Exec(ctx)
	return err
}
