package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra"
	"go.uber.org/zap"
)

type RuleRepository interface {
	ListRules(ctx context.Context, workspaceID string) ([]domain.PolicyRule, error)
}

// AllWorkspaces: payload сигнала, сбрасывающий кэш целиком.
const AllWorkspaces = "*"

type cachedRules struct {
	rules    []domain.PolicyRule
	loadedAt time.Time
}

// RuleCache: in-memory кэш правил по workspace. Источник правды: хранилище;
// инстансы шлюза синхронизируются через канал policy-update в Redis,
// TTL страхует от потерянного сигнала.
type RuleCache struct {
	mu    sync.RWMutex
	rules map[string]cachedRules

	// Invalidate сдвигает поколение; загрузка кэширует снимок, только если поколение не сдвинулось
	gens   map[string]uint64
	genAll uint64

	repo   RuleRepository
	rdb    *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewRuleCache(repo RuleRepository, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RuleCache {
	return &RuleCache{
		rules:  make(map[string]cachedRules),
		gens:   make(map[string]uint64),
		repo:   repo,
		rdb:    rdb,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Named("rule-cache"),
	}
}

// RulesFor: Hot Path: отдает правила из памяти, при промахе или устаревании идет в хранилище.
// Возвращаемый слайс не должен модифицироваться вызывающим.
func (c *RuleCache) RulesFor(ctx context.Context, workspaceID string) ([]domain.PolicyRule, error) {
	if c.ttl <= 0 {
		return c.repo.ListRules(ctx, workspaceID)
	}

	c.mu.RLock()
	entry, ok := c.rules[workspaceID]
	gen := c.generation(workspaceID)
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		return entry.rules, nil
	}

	rules, err := c.repo.ListRules(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Снимок, прочитанный до Invalidate, отдаем этому вызову, но не кэшируем
	if c.generation(workspaceID) == gen {
		c.rules[workspaceID] = cachedRules{rules: rules, loadedAt: c.now()}
	}
	c.mu.Unlock()
	return rules, nil
}

// generation вызывается под c.mu.
func (c *RuleCache) generation(workspaceID string) uint64 {
	return c.genAll + c.gens[workspaceID]
}

// Invalidate сбрасывает кэш одного workspace (или всех при AllWorkspaces).
func (c *RuleCache) Invalidate(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if workspaceID == AllWorkspaces || workspaceID == "" {
		c.rules = make(map[string]cachedRules)
		c.genAll++
		return
	}
	delete(c.rules, workspaceID)
	c.gens[workspaceID]++
}

// StartListener подписывается на сигналы обновления политик.
// Payload: workspace_id или "*".
func (c *RuleCache) StartListener(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, c.rdb, c.logger, infra.RedisChanPolicyUpdate,
		func() error {
			// За время разрыва могли пропустить сигналы: сбрасываем всё
			c.Invalidate(AllWorkspaces)
			return nil
		},
		func(payload string) {
			ws := strings.TrimSpace(payload)
			c.Invalidate(ws)
			c.logger.Debug("policy cache invalidated", zap.String("workspace_id", ws))
		},
	)
}
