package domain

import (
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
	StatusExpired  ApprovalStatus = "expired"
)

// Terminal: approved/denied/expired окончательны.
func (s ApprovalStatus) Terminal() bool {
	return s != StatusPending
}

// ApprovalRequest: приостановленное решение, ожидающее вердикта человека.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	WorkspaceID  string         `json:"workspace_id"`
	RequestID    string         `json:"request_id"` // Ссылка на аудит-запись исходного вызова
	Status       ApprovalStatus `json:"status"`
	ExpiresAt    time.Time      `json:"expires_at"`
	DenialReason *string        `json:"denial_reason,omitempty"`

	ResolvedBy *string    `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EffectiveStatus вычисляет статус с ленивым истечением:
// pending после expires_at считается expired, даже если никто его не закоммитил.
func (a *ApprovalRequest) EffectiveStatus(now time.Time) ApprovalStatus {
	if a.Status == StatusPending && !now.Before(a.ExpiresAt) {
		return StatusExpired
	}
	return a.Status
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus, now time.Time) error {
	if a.EffectiveStatus(now) != StatusPending {
		return ErrInvalidState
	}
	if next == StatusPending {
		return ErrInvalidState
	}
	return nil
}

// ApprovalToken: одноразовый секрет, привязанный к одобренному запросу.
// RawToken живет в хранилище только до первой выдачи.
type ApprovalToken struct {
	ID                string     `json:"id"`
	ApprovalRequestID string     `json:"approval_request_id"`
	RawToken          *string    `json:"-"`
	TokenHash         string     `json:"-"`
	RetrievedAt       *time.Time `json:"retrieved_at,omitempty"`
	SpentAt           *time.Time `json:"spent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Fingerprint связывает токен с конкретным вызовом, который он разрешает.
type Fingerprint struct {
	WorkspaceID string
	AgentID     string
	RequestHash string
}

// ApprovalFilter: выборка для очереди решений в консоли.
type ApprovalFilter struct {
	WorkspaceIDs []string
	Status       ApprovalStatus
	Limit        int
	AsOf         time.Time // момент, относительно которого pending считается истекшим
}
