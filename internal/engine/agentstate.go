package engine

/*
Файл agentstate.go — Control Plane шлюза: kill-switch и карантин агентов.

Состояние держится в L1 (RAM) для Hot Path, источник правды — хранилище,
Redis-множество служит L2 для прогрева, а Pub/Sub — для мгновенного
распространения сигнала на все инстансы. Формат сигнала: "<agent_id>:on|off".
*/

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra"
	"go.uber.org/zap"
)

// AgentSource: хранилище, откуда берется состояние при старте.
type AgentSource interface {
	AgentIDsByStatus(ctx context.Context, status domain.AgentStatus) ([]string, error)
}

type AgentStateManager struct {
	status   domain.AgentStatus
	redisKey string
	lockKey  string
	channel  string

	mu     sync.RWMutex
	agents map[string]struct{}

	rdb    *redis.Client
	logger *zap.Logger
}

// NewKillSwitchManager: мгновенная блокировка: заблокированный агент не проходит аутентификацию.
func NewKillSwitchManager(rdb *redis.Client, logger *zap.Logger) *AgentStateManager {
	return newAgentStateManager(domain.AgentBlocked, infra.RedisKeyBlockedAgents, infra.RedisKeyLockBlocked,
		infra.RedisChanKillSwitch, rdb, logger.Named("kill-switch"))
}

// NewQuarantineManager: ручной контроль при подозрении: любой разрешенный вызов уходит на approve.
func NewQuarantineManager(rdb *redis.Client, logger *zap.Logger) *AgentStateManager {
	return newAgentStateManager(domain.AgentQuarantined, infra.RedisKeyQuarantinedAgents, infra.RedisKeyLockQuarantine,
		infra.RedisChanQuarantine, rdb, logger.Named("quarantine"))
}

func newAgentStateManager(status domain.AgentStatus, redisKey, lockKey, channel string, rdb *redis.Client, logger *zap.Logger) *AgentStateManager {
	return &AgentStateManager{
		status:   status,
		redisKey: redisKey,
		lockKey:  lockKey,
		channel:  channel,
		agents:   make(map[string]struct{}),
		rdb:      rdb,
		logger:   logger,
	}
}

// Init загружает текущее состояние при старте сервиса.
func (m *AgentStateManager) Init(ctx context.Context, src AgentSource) error {
	ids, err := src.AgentIDsByStatus(ctx, m.status)
	if err != nil {
		return fmt.Errorf("%s: load from store: %w", m.status, err)
	}
	if m.rdb == nil {
		m.replace(ids)
		return nil
	}
	if err := infra.WarmupState(ctx, m.rdb, m.logger, ids, m.redisKey, m.lockKey, m.replace); err != nil {
		m.logger.Warn("redis warm-up failed, serving from store snapshot", zap.Error(err))
	}
	// Сигналы, отправленные только в Redis (в обход БД), тоже должны учитываться
	if err := m.mergeFromRedis(ctx); err != nil {
		m.logger.Warn("failed to read redis state", zap.Error(err))
	}
	return nil
}

// StartListener подписывается на сигналы и обновляет состояние. Блокирует до отмены ctx.
func (m *AgentStateManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	m.logger.Info("listener started", zap.String("chan", m.channel))
	infra.ListenResilient(ctx, m.rdb, m.logger, m.channel,
		func() error { return m.mergeFromRedis(ctx) },
		m.processSignal,
	)
}

func (m *AgentStateManager) mergeFromRedis(ctx context.Context) error {
	ids, err := m.rdb.SMembers(ctx, m.redisKey).Result()
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, id := range ids {
		m.agents[id] = struct{}{}
	}
	m.mu.Unlock()
	return nil
}

func (m *AgentStateManager) processSignal(payload string) {
	id, flag, ok := strings.Cut(strings.TrimSpace(payload), ":")
	if !ok || id == "" {
		m.logger.Warn("malformed signal", zap.String("payload", payload))
		return
	}
	switch flag {
	case "on", "true":
		m.Set(id, true)
	case "off", "false":
		m.Set(id, false)
	default:
		m.logger.Warn("unknown signal value", zap.String("payload", payload))
		return
	}
	m.logger.Info("agent state signal applied", zap.String("agent_id", id), zap.String("value", flag))
}

// Set обновляет локальный потокобезопасный кэш
func (m *AgentStateManager) Set(agentID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.agents[agentID] = struct{}{}
		return
	}
	delete(m.agents, agentID)
}

func (m *AgentStateManager) Contains(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agentID]
	return ok
}

func (m *AgentStateManager) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	m.mu.Lock()
	m.agents = next
	m.mu.Unlock()
}
