package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/xela07ax/latchgate/internal/domain"
)

const approvalColumns = `id, workspace_id, request_id, status, expires_at, denial_reason, resolved_by, resolved_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*domain.ApprovalRequest, error) {
	var (
		a                  domain.ApprovalRequest
		status             string
		expiresAt, created int64
		reason, resolvedBy sql.NullString
		resolvedAt         sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.RequestID, &status, &expiresAt, &reason, &resolvedBy, &resolvedAt, &created); err != nil {
		return nil, err
	}
	a.Status = domain.ApprovalStatus(status)
	a.ExpiresAt = fromMillis(expiresAt)
	a.DenialReason = ptrString(reason)
	a.ResolvedBy = ptrString(resolvedBy)
	a.ResolvedAt = ptrMillis(resolvedAt)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

func (s *Store) CreateApproval(ctx context.Context, a *domain.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO approval_requests (id, workspace_id, request_id, status, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.RequestID, string(a.Status), toMillis(a.ExpiresAt), toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get approval: %w", err)
	}
	return a, nil
}

func (s *Store) ListApprovals(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	q := s.qb.Select(approvalColumns).From("approval_requests").OrderBy("created_at DESC", "id")

	if len(f.WorkspaceIDs) > 0 {
		q = q.Where(sq.Eq{"workspace_id": f.WorkspaceIDs})
	}
	asOf := toMillis(f.AsOf)
	switch f.Status {
	case "":
	case domain.StatusPending:
		q = q.Where(sq.And{sq.Eq{"status": string(domain.StatusPending)}, sq.Gt{"expires_at": asOf}})
	case domain.StatusExpired:
		q = q.Where(sq.Or{
			sq.Eq{"status": string(domain.StatusExpired)},
			sq.And{sq.Eq{"status": string(domain.StatusPending)}, sq.LtOrEq{"expires_at": asOf}},
		})
	default:
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	q = q.Limit(uint64(listLimit(f.Limit)))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build approvals query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
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

// ApproveApproval: pending ∧ не истекла → approved, вставка токена: одна транзакция.
func (s *Store) ApproveApproval(ctx context.Context, id, actorID string, now, redeemBy time.Time, tok *domain.ApprovalToken) (*domain.ApprovalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin approve: %w", err)
	}
	defer tx.Rollback()

	a, err := scanApproval(tx.QueryRowContext(ctx, `
UPDATE approval_requests
SET status = ?, expires_at = ?, resolved_by = ?, resolved_at = ?
WHERE id = ? AND status = ? AND expires_at > ?
RETURNING `+approvalColumns,
		string(domain.StatusApproved), toMillis(redeemBy), actorID, toMillis(now),
		id, string(domain.StatusPending), toMillis(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionError(ctx, tx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: approve: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO approval_tokens (id, approval_request_id, raw_token, token_hash, created_at)
VALUES (?, ?, ?, ?, ?)`, tok.ID, id, nullString(tok.RawToken), tok.TokenHash, toMillis(tok.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit approve: %w", err)
	}
	return a, nil
}

func (s *Store) DenyApproval(ctx context.Context, id, actorID, reason string, now time.Time, rule *domain.PolicyRule) (*domain.ApprovalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin deny: %w", err)
	}
	defer tx.Rollback()

	a, err := scanApproval(tx.QueryRowContext(ctx, `
UPDATE approval_requests
SET status = ?, denial_reason = ?, resolved_by = ?, resolved_at = ?
WHERE id = ? AND status = ? AND expires_at > ?
RETURNING `+approvalColumns,
		string(domain.StatusDenied), reason, actorID, toMillis(now),
		id, string(domain.StatusPending), toMillis(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionError(ctx, tx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: deny: %w", err)
	}

	if rule != nil {
		if err := insertRule(ctx, tx, rule); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit deny: %w", err)
	}
	return a, nil
}

// transitionError различает «нет такой заявки» и «переход невозможен».
func (s *Store) transitionError(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM approval_requests WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: check approval: %w", err)
	}
	return domain.ErrInvalidState
}

func (s *Store) ExpireApproval(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE approval_requests SET status = ?, resolved_at = ?
WHERE id = ? AND status = ? AND expires_at <= ?`,
		string(domain.StatusExpired), toMillis(now), id, string(domain.StatusPending), toMillis(now))
	if err != nil {
		return fmt.Errorf("sqlite: expire approval: %w", err)
	}
	return nil
}

// ClaimToken: победителя определяет CAS по retrieved_at IS NULL;
// сырой секрет стирается в той же транзакции.
func (s *Store) ClaimToken(ctx context.Context, approvalID string, now time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin claim: %w", err)
	}
	defer tx.Rollback()

	var (
		tokenID string
		raw     sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
UPDATE approval_tokens SET retrieved_at = ?
WHERE approval_request_id = ? AND retrieved_at IS NULL
RETURNING id, raw_token`, toMillis(now), approvalID).Scan(&tokenID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrTokenRetrieved
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: claim token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE approval_tokens SET raw_token = NULL WHERE id = ?`, tokenID); err != nil {
		return "", fmt.Errorf("sqlite: clear token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit claim: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return "", domain.ErrTokenRetrieved
	}
	return raw.String, nil
}

// SpendToken гасит токен одним условным UPDATE: хэш, не потрачен,
// заявка одобрена и не истекла, исходный вызов совпадает по отпечатку.
func (s *Store) SpendToken(ctx context.Context, tokenHash string, fp domain.Fingerprint, now time.Time) (string, error) {
	var approvalID string
	err := s.db.QueryRowContext(ctx, `
UPDATE approval_tokens SET spent_at = ?, raw_token = NULL
WHERE token_hash = ? AND spent_at IS NULL
  AND approval_request_id IN (
    SELECT a.id FROM approval_requests a
    JOIN requests r ON r.id = a.request_id
    WHERE a.status = ? AND a.expires_at > ?
      AND r.workspace_id = ? AND r.agent_id = ? AND r.request_hash = ?
  )
RETURNING approval_request_id`,
		toMillis(now), tokenHash,
		string(domain.StatusApproved), toMillis(now),
		fp.WorkspaceID, fp.AgentID, fp.RequestHash).Scan(&approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: spend token: %w", err)
	}
	return approvalID, nil
}
