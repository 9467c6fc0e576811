package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/latchgate/internal/audit"
	"github.com/xela07ax/latchgate/internal/domain"
)

// InsertRequest пишет аудит-запись. Запись не изменяется после вставки.
func (s *Store) InsertRequest(ctx context.Context, r *domain.Request) error {
	flags, resource, args, err := encodeRequestJSON(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO requests (
  id, workspace_id, agent_id, upstream_id, tool_name, action_class, risk_level,
  risk_flags, resource, redacted_args, args_hash, request_hash,
  decision, denial_reason, rule_id, approval_request_id, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, r.AgentID, r.UpstreamID, r.ToolName, string(r.ActionClass), r.RiskLevel,
		flags, resource, args, r.ArgsHash, r.RequestHash,
		string(r.Decision), nullString(r.DenialReason), nullString(r.RuleID), nullString(r.ApprovalRequestID),
		toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	var (
		r                          domain.Request
		class, decision            string
		flags, resource, args      string
		denial, ruleID, approvalID sql.NullString
		createdAt                  int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, agent_id, upstream_id, tool_name, action_class, risk_level,
       risk_flags, resource, redacted_args, args_hash, request_hash,
       decision, denial_reason, rule_id, approval_request_id, created_at
FROM requests WHERE id = ?`, id).Scan(
		&r.ID, &r.WorkspaceID, &r.AgentID, &r.UpstreamID, &r.ToolName, &class, &r.RiskLevel,
		&flags, &resource, &args, &r.ArgsHash, &r.RequestHash,
		&decision, &denial, &ruleID, &approvalID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get request: %w", err)
	}
	r.ActionClass = domain.ActionClass(class)
	r.Decision = domain.Decision(decision)
	r.DenialReason = ptrString(denial)
	r.RuleID = ptrString(ruleID)
	r.ApprovalRequestID = ptrString(approvalID)
	r.CreatedAt = fromMillis(createdAt)
	_ = json.Unmarshal([]byte(flags), &r.RiskFlags)
	_ = json.Unmarshal([]byte(resource), &r.Resource)
	_ = json.Unmarshal([]byte(args), &r.RedactedArgs)
	return &r, nil
}

// WriteBatch реализует audit.StorageInterface: результаты пересылки одной транзакцией.
func (s *Store) WriteBatch(ctx context.Context, events []audit.OutcomeEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin outcomes: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO request_outcomes (id, request_id, trace_id, agent_id, upstream_id, tool_name, status, error, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare outcomes: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ID, e.RequestID, e.TraceID, e.AgentID, e.UpstreamID, e.ToolName,
			e.Status, e.Error, e.DurationMs, toMillis(e.Timestamp)); err != nil {
			return fmt.Errorf("sqlite: insert outcome: %w", err)
		}
	}
	return tx.Commit()
}

// ListOutcomes: результаты пересылки по аудит-записи.
func (s *Store) ListOutcomes(ctx context.Context, requestID string) ([]audit.OutcomeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, trace_id, agent_id, upstream_id, tool_name, status, error, duration_ms, created_at
FROM request_outcomes WHERE request_id = ? ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]audit.OutcomeEvent, 0)
	for rows.Next() {
		var (
			e                                     audit.OutcomeEvent
			traceID, agentID, upstreamID, tool, m sql.NullString
			createdAt                             int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &traceID, &agentID, &upstreamID, &tool, &e.Status, &m,
			&e.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan outcome: %w", err)
		}
		e.TraceID, e.AgentID, e.UpstreamID, e.ToolName, e.Error = traceID.String, agentID.String, upstreamID.String, tool.String, m.String
		e.Timestamp = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeRequestJSON(r *domain.Request) (flags, resource, args string, err error) {
	f := r.RiskFlags
	if f == nil {
		f = domain.RiskFlags{}
	}
	a := r.RedactedArgs
	if a == nil {
		a = map[string]any{}
	}
	fb, err := json.Marshal(f)
	if err != nil {
		return "", "", "", fmt.Errorf("encode risk flags: %w", err)
	}
	rb, err := json.Marshal(r.Resource)
	if err != nil {
		return "", "", "", fmt.Errorf("encode resource: %w", err)
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return "", "", "", fmt.Errorf("encode redacted args: %w", err)
	}
	return string(fb), string(rb), string(ab), nil
}
