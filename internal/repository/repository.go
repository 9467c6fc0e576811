// Package repository выбирает реализацию долговременного хранилища по конфигу.
package repository

import (
	"context"
	"fmt"

	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/audit"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/engine"
	"github.com/xela07ax/latchgate/internal/infra"
	"github.com/xela07ax/latchgate/internal/policy"
	"github.com/xela07ax/latchgate/internal/repository/postgres"
	"github.com/xela07ax/latchgate/internal/repository/sqlite"
)

// Store: всё, что процессам шлюза и консоли нужно от хранилища.
type Store interface {
	engine.Store
	engine.AgentSource
	approval.Store
	policy.RuleRepository
	audit.StorageInterface

	UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error
	CreateRule(ctx context.Context, r *domain.PolicyRule) error
	DeleteRule(ctx context.Context, workspaceID, id string) error
	ListOutcomes(ctx context.Context, requestID string) ([]audit.OutcomeEvent, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
)

// Open открывает хранилище и проверяет его доступность. Закрывает вызывающий.
func Open(ctx context.Context, cfg infra.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.New(ctx, postgres.Options{
			URL:             cfg.URL,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("postgres: ping: %w", err)
		}
		if cfg.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	case "sqlite":
		// Схема SQLite накатывается при открытии
		return sqlite.Open(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("repository: unsupported driver %q", cfg.Driver)
	}
}
