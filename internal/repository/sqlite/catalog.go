package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/latchgate/internal/domain"
)

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var (
		a         domain.Agent
		status    string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, name, key_hash, status, created_at
FROM agents WHERE id = ?`, id).Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.KeyHash, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get agent: %w", err)
	}
	a.Status = domain.AgentStatus(status)
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

// AgentIDsByStatus: источник для прогрева kill-switch и карантина.
func (s *Store) AgentIDsByStatus(ctx context.Context, status domain.AgentStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM agents WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: agents by status: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateAgentStatus: kill-switch и карантин из консоли.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("sqlite: update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreateAgent регистрирует агента (seed для dev-стенда и тестов).
func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	status := a.Status
	if status == "" {
		status = domain.AgentActive
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agents (id, workspace_id, name, key_hash, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.Name, a.KeyHash, string(status), toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create agent: %w", err)
	}
	return nil
}

// GetUpstream ищет upstream внутри workspace по id или по имени; совпадение по id приоритетнее.
func (s *Store) GetUpstream(ctx context.Context, workspaceID, selector string) (*domain.Upstream, error) {
	var (
		u          domain.Upstream
		connection string
		tools      string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, name, connection, tools
FROM upstreams
WHERE workspace_id = ? AND (id = ? OR name = ?)
ORDER BY (id = ?) DESC
LIMIT 1`, workspaceID, selector, selector, selector).Scan(&u.ID, &u.WorkspaceID, &u.Name, &connection, &tools)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get upstream: %w", err)
	}
	if err := json.Unmarshal([]byte(connection), &u.Connection); err != nil {
		return nil, fmt.Errorf("sqlite: decode upstream connection: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &u.Tools); err != nil {
		return nil, fmt.Errorf("sqlite: decode upstream tools: %w", err)
	}
	return &u, nil
}

func (s *Store) CreateUpstream(ctx context.Context, u *domain.Upstream) error {
	connection, err := json.Marshal(u.Connection)
	if err != nil {
		return err
	}
	tools := u.Tools
	if tools == nil {
		tools = []domain.Tool{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO upstreams (id, workspace_id, name, connection, tools) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.WorkspaceID, u.Name, string(connection), string(toolsJSON))
	if err != nil {
		return fmt.Errorf("sqlite: create upstream: %w", err)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context, workspaceID string) ([]domain.PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, workspace_id, effect, action_class, upstream_id, tool_name, domain, recipient,
       priority, enabled, source, created_at
FROM policy_rules
WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]domain.PolicyRule, 0)
	for rows.Next() {
		var (
			r                                   domain.PolicyRule
			effect, class                       string
			upstreamID, toolName, dom, receiver sql.NullString
			enabled                             int
			createdAt                           int64
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &effect, &class, &upstreamID, &toolName, &dom, &receiver,
			&r.Priority, &enabled, &r.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan rule: %w", err)
		}
		r.Effect = domain.Effect(effect)
		r.ActionClass = domain.ActionClass(class)
		r.UpstreamID = ptrString(upstreamID)
		r.ToolName = ptrString(toolName)
		r.Domain = ptrString(dom)
		r.Recipient = ptrString(receiver)
		r.Enabled = enabled != 0
		r.CreatedAt = fromMillis(createdAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) CreateRule(ctx context.Context, r *domain.PolicyRule) error {
	return insertRule(ctx, s.db, r)
}

// DeleteRule удаляет правило внутри workspace. Чужой workspace: ErrNotFound.
func (s *Store) DeleteRule(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE workspace_id = ? AND id = ?`, workspaceID, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRule(ctx context.Context, db execer, r *domain.PolicyRule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	source := r.Source
	if source == "" {
		source = domain.RuleSourceAuthored
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO policy_rules (id, workspace_id, effect, action_class, upstream_id, tool_name, domain, recipient,
                          priority, enabled, source, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, string(r.Effect), string(r.ActionClass),
		nullString(r.UpstreamID), nullString(r.ToolName), nullString(r.Domain), nullString(r.Recipient),
		r.Priority, boolInt(r.Enabled), source, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert rule: %w", err)
	}
	return nil
}
