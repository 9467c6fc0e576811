package postgres

/*
Файл catalog.go — агенты, upstream-ы и правила политики.
Агенты и upstream-ы заводятся миграциями/админкой; шлюз их только читает.
Правила пишут консоль (authored) и леджер при отказе оператора (persisted_deny).
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xela07ax/latchgate/internal/domain"
)

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var a domain.Agent
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, name, key_hash, status, created_at
		FROM agents WHERE id = $1`, id).Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.KeyHash, &status, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	a.Status = domain.AgentStatus(status)
	return &a, nil
}

// AgentIDsByStatus возвращает ID агентов в статусе (blocked, quarantine).
// Используется для прогрева L1-кэша kill-switch и карантина при старте шлюза.
func (s *Store) AgentIDsByStatus(ctx context.Context, status domain.AgentStatus) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM agents WHERE status = $1`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch agents by status: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan agent id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

// UpdateAgentStatus меняет статус агента; сигнал в Redis шлет консоль после коммита.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetUpstream ищет upstream внутри workspace по id или имени (id приоритетнее).
func (s *Store) GetUpstream(ctx context.Context, workspaceID, selector string) (*domain.Upstream, error) {
	var u domain.Upstream
	var connection, tools []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, name, connection, tools
		FROM upstreams
		WHERE workspace_id = $1 AND (id = $2 OR name = $2)
		ORDER BY (id = $2) DESC
		LIMIT 1`, workspaceID, selector).Scan(&u.ID, &u.WorkspaceID, &u.Name, &connection, &tools)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get upstream: %w", err)
	}
	if err := json.Unmarshal(connection, &u.Connection); err != nil {
		return nil, fmt.Errorf("postgres: decode upstream connection: %w", err)
	}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &u.Tools); err != nil {
			return nil, fmt.Errorf("postgres: decode upstream tools: %w", err)
		}
	}
	return &u, nil
}

// ListRules: «холодная загрузка» правил workspace для RuleCache.
func (s *Store) ListRules(ctx context.Context, workspaceID string) ([]domain.PolicyRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, effect, action_class, upstream_id, tool_name, domain, recipient,
		       priority, enabled, source, created_at
		FROM policy_rules
		WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]domain.PolicyRule, 0)
	for rows.Next() {
		var r domain.PolicyRule
		var effect, class string
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &effect, &class, &r.UpstreamID, &r.ToolName, &r.Domain, &r.Recipient,
			&r.Priority, &r.Enabled, &r.Source, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan rule: %w", err)
		}
		r.Effect = domain.Effect(effect)
		r.ActionClass = domain.ActionClass(class)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return rules, nil
}

// CreateRule сохраняет правило, написанное оператором.
func (s *Store) CreateRule(ctx context.Context, r *domain.PolicyRule) error {
	return insertRule(ctx, s.pool, r)
}

// DeleteRule удаляет правило внутри workspace. Чужой workspace: ErrNotFound.
func (s *Store) DeleteRule(ctx context.Context, workspaceID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM policy_rules WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return fmt.Errorf("postgres: delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// pgExecer: общее у пула и транзакции.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRule(ctx context.Context, tx pgExecer, r *domain.PolicyRule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	source := r.Source
	if source == "" {
		source = domain.RuleSourceAuthored
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO policy_rules (id, workspace_id, effect, action_class, upstream_id, tool_name, domain, recipient,
		                          priority, enabled, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.WorkspaceID, string(r.Effect), string(r.ActionClass),
		r.UpstreamID, r.ToolName, r.Domain, r.Recipient,
		r.Priority, r.Enabled, source, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create policy rule: %w", err)
	}
	return nil
}
