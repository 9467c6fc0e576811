package domain

import (
	"errors"
	"fmt"
	"time"
)

// Виды ошибок ядра авторизации. Транспортные слои мапят их в коды протокола.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrPolicyDenied        = errors.New("access denied by policy")
	ErrApprovalRequired    = errors.New("approval required")
	ErrTokenInvalid        = errors.New("approval token invalid")
	ErrInvalidState        = errors.New("invalid approval state transition")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")

	// ErrTokenRetrieved: сырой токен уже был выдан другому опрашивающему.
	ErrTokenRetrieved = errors.New("approval token already retrieved")
)

// ApprovalRequiredError: не ошибка для workflow агента, а сигнал приостановки
// с идентичностью, достаточной для возобновления через poll/retry.
type ApprovalRequiredError struct {
	ApprovalID string
	RequestID  string
	ExpiresAt  time.Time
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval required (approval_id=%s, expires_at=%s)", e.ApprovalID, e.ExpiresAt.Format(time.RFC3339))
}

func (e *ApprovalRequiredError) Is(target error) bool {
	return target == ErrApprovalRequired
}
