package postgres

/*
Файл approvals.go содержит хранилище механизма Human-in-the-loop.

Каждый переход состояния — условный UPDATE с RETURNING: двойное решение
(Double Decision) и двойная выдача токена отсекаются самой базой,
без предварительного SELECT и без блокировок в памяти процесса.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/latchgate/internal/domain"
)

const approvalColumns = `id, workspace_id, request_id, status, expires_at, denial_reason, resolved_by, resolved_at, created_at`

func scanApproval(row pgx.Row) (*domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var status string
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.RequestID, &status, &a.ExpiresAt,
		&a.DenialReason, &a.ResolvedBy, &a.ResolvedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.ApprovalStatus(status)
	a.ExpiresAt = a.ExpiresAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// CreateApproval создает pending заявку, которую оператор увидит в очереди решений.
func (s *Store) CreateApproval(ctx context.Context, a *domain.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_requests (id, workspace_id, request_id, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.WorkspaceID, a.RequestID, string(a.Status), a.ExpiresAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get approval: %w", err)
	}
	return a, nil
}

// ListApprovals: фильтрация и выборка очереди решений (Decision Queue).
func (s *Store) ListApprovals(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	q := s.qb.Select(approvalColumns).From("approval_requests").OrderBy("created_at DESC", "id")

	if len(f.WorkspaceIDs) > 0 {
		q = q.Where(sq.Eq{"workspace_id": f.WorkspaceIDs})
	}
	switch f.Status {
	case "":
	case domain.StatusPending:
		q = q.Where(sq.And{sq.Eq{"status": string(domain.StatusPending)}, sq.Gt{"expires_at": f.AsOf}})
	case domain.StatusExpired:
		q = q.Where(sq.Or{
			sq.Eq{"status": string(domain.StatusExpired)},
			sq.And{sq.Eq{"status": string(domain.StatusPending)}, sq.LtOrEq{"expires_at": f.AsOf}},
		})
	default:
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	q = q.Limit(uint64(listLimit(f.Limit)))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build approvals query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func listLimit(n int) int {
	switch {
	case n <= 0:
		return 100
	case n > 500:
		return 500
	}
	return n
}

// ApproveApproval атомарно одобряет заявку и выпускает токен.
// Условие WHERE status = 'pending' AND expires_at > now исключает двойное решение.
func (s *Store) ApproveApproval(ctx context.Context, id, actorID string, now, redeemBy time.Time, tok *domain.ApprovalToken) (*domain.ApprovalRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin approve: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanApproval(tx.QueryRow(ctx, `
		UPDATE approval_requests
		SET status = $1, expires_at = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $5 AND status = $6 AND expires_at > $4
		RETURNING `+approvalColumns,
		string(domain.StatusApproved), redeemBy, actorID, now, id, string(domain.StatusPending)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, transitionError(ctx, tx, id)
		}
		return nil, fmt.Errorf("postgres: failed to approve: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO approval_tokens (id, approval_request_id, raw_token, token_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`, tok.ID, id, tok.RawToken, tok.TokenHash, tok.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to insert token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit approve: %w", err)
	}
	return a, nil
}

// DenyApproval отклоняет заявку; правило deny (если есть) сохраняется в той же транзакции.
func (s *Store) DenyApproval(ctx context.Context, id, actorID, reason string, now time.Time, rule *domain.PolicyRule) (*domain.ApprovalRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin deny: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanApproval(tx.QueryRow(ctx, `
		UPDATE approval_requests
		SET status = $1, denial_reason = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $5 AND status = $6 AND expires_at > $4
		RETURNING `+approvalColumns,
		string(domain.StatusDenied), reason, actorID, now, id, string(domain.StatusPending)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, transitionError(ctx, tx, id)
		}
		return nil, fmt.Errorf("postgres: failed to deny: %w", err)
	}

	if rule != nil {
		if err := insertRule(ctx, tx, rule); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit deny: %w", err)
	}
	return a, nil
}

// transitionError: строк не найдено: либо ID неверный, либо решение уже принято ранее.
func transitionError(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check approval: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidState
}

func (s *Store) ExpireApproval(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE approval_requests SET status = $1, resolved_at = $2
		WHERE id = $3 AND status = $4 AND expires_at <= $2`,
		string(domain.StatusExpired), now, id, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("postgres: expire approval: %w", err)
	}
	return nil
}

// ClaimToken: CAS по retrieved_at IS NULL выбирает единственного победителя среди
// конкурентных опрашивающих; остальные ждут блокировку строки и получают 0 строк.
func (s *Store) ClaimToken(ctx context.Context, approvalID string, now time.Time) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var tokenID string
	var raw *string
	err = tx.QueryRow(ctx, `
		UPDATE approval_tokens SET retrieved_at = $1
		WHERE approval_request_id = $2 AND retrieved_at IS NULL
		RETURNING id, raw_token`, now, approvalID).Scan(&tokenID, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrTokenRetrieved
		}
		return "", fmt.Errorf("postgres: claim token: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE approval_tokens SET raw_token = NULL WHERE id = $1`, tokenID); err != nil {
		return "", fmt.Errorf("postgres: clear token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres: commit claim: %w", err)
	}
	if raw == nil || *raw == "" {
		return "", domain.ErrTokenRetrieved
	}
	return *raw, nil
}

// SpendToken гасит токен одним условным UPDATE; отпечаток исходного вызова сверяется внутри.
func (s *Store) SpendToken(ctx context.Context, tokenHash string, fp domain.Fingerprint, now time.Time) (string, error) {
	var approvalID string
	err := s.pool.QueryRow(ctx, `
		UPDATE approval_tokens SET spent_at = $1, raw_token = NULL
		WHERE token_hash = $2 AND spent_at IS NULL
		  AND approval_request_id IN (
		    SELECT a.id FROM approval_requests a
		    JOIN requests r ON r.id = a.request_id
		    WHERE a.status = $3 AND a.expires_at > $1
		      AND r.workspace_id = $4 AND r.agent_id = $5 AND r.request_hash = $6
		  )
		RETURNING approval_request_id`,
		now, tokenHash, string(domain.StatusApproved), fp.WorkspaceID, fp.AgentID, fp.RequestHash).Scan(&approvalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrTokenInvalid
		}
		return "", fmt.Errorf("postgres: spend token: %w", err)
	}
	return approvalID, nil
}
