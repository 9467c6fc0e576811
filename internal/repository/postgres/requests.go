package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/latchgate/internal/audit"
	"github.com/xela07ax/latchgate/internal/domain"
)

// InsertRequest пишет аудит-запись попытки вызова. Строка не обновляется никогда.
func (s *Store) InsertRequest(ctx context.Context, r *domain.Request) error {
	flags, resource, args, err := encodeRequestJSON(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO requests (
			id, workspace_id, agent_id, upstream_id, tool_name, action_class, risk_level,
			risk_flags, resource, redacted_args, args_hash, request_hash,
			decision, denial_reason, rule_id, approval_request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.WorkspaceID, r.AgentID, r.UpstreamID, r.ToolName, string(r.ActionClass), r.RiskLevel,
		flags, resource, args, r.ArgsHash, r.RequestHash,
		string(r.Decision), r.DenialReason, r.RuleID, r.ApprovalRequestID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	var r domain.Request
	var class, decision string
	var flags, resource, args []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, agent_id, upstream_id, tool_name, action_class, risk_level,
		       risk_flags, resource, redacted_args, args_hash, request_hash,
		       decision, denial_reason, rule_id, approval_request_id, created_at
		FROM requests WHERE id = $1`, id).Scan(
		&r.ID, &r.WorkspaceID, &r.AgentID, &r.UpstreamID, &r.ToolName, &class, &r.RiskLevel,
		&flags, &resource, &args, &r.ArgsHash, &r.RequestHash,
		&decision, &r.DenialReason, &r.RuleID, &r.ApprovalRequestID, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get request: %w", err)
	}
	r.ActionClass = domain.ActionClass(class)
	r.Decision = domain.Decision(decision)
	_ = json.Unmarshal(flags, &r.RiskFlags)
	_ = json.Unmarshal(resource, &r.Resource)
	_ = json.Unmarshal(args, &r.RedactedArgs)
	return &r, nil
}

// WriteBatch реализует audit.StorageInterface через COPY: пачка за один проход.
func (s *Store) WriteBatch(ctx context.Context, events []audit.OutcomeEvent) error {
	if len(events) == 0 {
		return nil
	}
	columns := []string{"id", "request_id", "trace_id", "agent_id", "upstream_id", "tool_name", "status", "error", "duration_ms", "created_at"}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"request_outcomes"}, columns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.ID, e.RequestID, e.TraceID, e.AgentID, e.UpstreamID, e.ToolName,
				e.Status, e.Error, e.DurationMs, e.Timestamp}, nil
		}))
	if err != nil {
		return fmt.Errorf("postgres: copy outcomes: %w", err)
	}
	return nil
}

// ListOutcomes: результаты пересылки по аудит-записи.
func (s *Store) ListOutcomes(ctx context.Context, requestID string) ([]audit.OutcomeEvent, error) {
	query, args, err := s.qb.
		Select("id", "request_id", "trace_id", "agent_id", "upstream_id", "tool_name", "status", "error", "duration_ms", "created_at").
		From("request_outcomes").
		Where(sq.Eq{"request_id": requestID}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build outcomes query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]audit.OutcomeEvent, 0)
	for rows.Next() {
		var e audit.OutcomeEvent
		var traceID, agentID, upstreamID, tool, msg *string
		if err := rows.Scan(&e.ID, &e.RequestID, &traceID, &agentID, &upstreamID, &tool, &e.Status, &msg,
			&e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome: %w", err)
		}
		e.TraceID, e.AgentID, e.UpstreamID, e.ToolName, e.Error = deref(traceID), deref(agentID), deref(upstreamID), deref(tool), deref(msg)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeRequestJSON(r *domain.Request) (flags, resource, args []byte, err error) {
	f := r.RiskFlags
	if f == nil {
		f = domain.RiskFlags{}
	}
	a := r.RedactedArgs
	if a == nil {
		a = map[string]any{}
	}
	if flags, err = json.Marshal(f); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: encode risk flags: %w", err)
	}
	if resource, err = json.Marshal(r.Resource); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: encode resource: %w", err)
	}
	if args, err = json.Marshal(a); err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: encode redacted args: %w", err)
	}
	return flags, resource, args, nil
}
