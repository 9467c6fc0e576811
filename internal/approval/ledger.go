package approval

/*
Файл ledger.go — Approval Ledger, единственный компонент, которому разрешено
менять состояние заявок (Human-in-the-loop) и их одноразовых токенов.

Все переходы выполняются условными UPDATE в хранилище (WHERE status = 'pending' ...),
а выдача сырого токена — compare-and-swap по retrieved_at IS NULL. Никаких
in-process мьютексов: опрашивающие могут жить в разных процессах.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/latchgate/internal/domain"
	"go.uber.org/zap"
)

// Store: требования леджера к долговременному хранилищу.
// Условные методы возвращают domain.ErrNotFound, если записи нет,
// и domain.ErrInvalidState, если запись есть, но условие перехода не выполнено.
type Store interface {
	CreateApproval(ctx context.Context, a *domain.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	ListApprovals(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error)

	// ApproveApproval в одной транзакции переводит pending (и не истекшую) заявку в approved,
	// переносит expires_at на redeemBy и вставляет токен.
	ApproveApproval(ctx context.Context, id, actorID string, now, redeemBy time.Time, tok *domain.ApprovalToken) (*domain.ApprovalRequest, error)
	// DenyApproval переводит pending заявку в denied; rule != nil сохраняется в той же транзакции.
	DenyApproval(ctx context.Context, id, actorID, reason string, now time.Time, rule *domain.PolicyRule) (*domain.ApprovalRequest, error)
	// ExpireApproval коммитит ленивое истечение (no-op, если заявка уже не pending).
	ExpireApproval(ctx context.Context, id string, now time.Time) error

	// ClaimToken атомарно читает и стирает сырой токен. domain.ErrTokenRetrieved: уже выдан.
	ClaimToken(ctx context.Context, approvalID string, now time.Time) (string, error)
	// SpendToken атомарно гасит токен, если он жив и отпечаток исходного вызова совпадает.
	// Возвращает id заявки; domain.ErrTokenInvalid: в любом другом случае.
	SpendToken(ctx context.Context, tokenHash string, fp domain.Fingerprint, now time.Time) (string, error)
}

// Notifier: внешний канал оповещения (чат-бот). Ошибки доставки не влияют на состояние.
type Notifier interface {
	ApprovalCreated(ctx context.Context, a *domain.ApprovalRequest, req *domain.Request)
	ApprovalResolved(ctx context.Context, a *domain.ApprovalRequest)
	PolicyUpdated(ctx context.Context, workspaceID string)
}

type Config struct {
	Window           time.Duration // сколько заявка ждет решения
	TokenTTL         time.Duration // окно погашения после approve
	TokenBytes       int
	DenyRulePriority int // приоритет правила, созданного из отказа
	Now              func() time.Time
}

func (c *Config) setDefaults() {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = c.Window
	}
	if c.TokenBytes <= 0 {
		c.TokenBytes = 32
	}
	// 0: не задан, берем максимум
	if c.DenyRulePriority <= domain.MinPriority || c.DenyRulePriority > domain.MaxPriority {
		c.DenyRulePriority = domain.MaxPriority
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Ledger struct {
	store    Store
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
}

func NewLedger(store Store, notifier Notifier, cfg Config, logger *zap.Logger) *Ledger {
	cfg.setDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Ledger{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("ledger"),
	}
}

// Create заводит pending заявку на исходный вызов.
func (l *Ledger) Create(ctx context.Context, req *domain.Request) (*domain.ApprovalRequest, error) {
	now := l.cfg.Now().UTC()
	app := &domain.ApprovalRequest{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		RequestID:   req.ID,
		Status:      domain.StatusPending,
		ExpiresAt:   now.Add(l.cfg.Window),
		CreatedAt:   now,
	}
	if err := l.store.CreateApproval(ctx, app); err != nil {
		return nil, fmt.Errorf("ledger: create approval: %w", err)
	}

	l.logger.Info("approval requested",
		zap.String("approval_id", app.ID),
		zap.String("request_id", req.ID),
		zap.String("tool", req.ToolName),
		zap.Time("expires_at", app.ExpiresAt))
	l.notifier.ApprovalCreated(ctx, app, req)
	return app, nil
}

// Get возвращает заявку с вычисленным (ленивым) статусом.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	app, err := l.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	l.settleExpiry(ctx, app)
	return app, nil
}

// Details: заявка вместе с исходным вызовом.
func (l *Ledger) Details(ctx context.Context, id string) (*domain.ApprovalDetails, error) {
	app, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req, err := l.store.GetRequest(ctx, app.RequestID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return &domain.ApprovalDetails{ApprovalRequest: *app, Request: req}, nil
}

// List: очередь решений. Фильтр по статусу учитывает ленивое истечение.
func (l *Ledger) List(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	f.AsOf = l.cfg.Now().UTC()
	items, err := l.store.ListApprovals(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, a := range items {
		a.Status = a.EffectiveStatus(f.AsOf)
	}
	return items, nil
}

// Approve переводит заявку в approved и выпускает одноразовый токен.
// Сырой секрет отсюда не возвращается: его получает агент ровно один раз через RetrieveToken.
func (l *Ledger) Approve(ctx context.Context, id, actorID string) (*domain.ApprovalToken, error) {
	now := l.cfg.Now().UTC()

	raw, err := newRawToken(l.cfg.TokenBytes)
	if err != nil {
		return nil, err
	}
	tok := &domain.ApprovalToken{
		ID:                uuid.New().String(),
		ApprovalRequestID: id,
		RawToken:          &raw,
		TokenHash:         HashToken(raw),
		CreatedAt:         now,
	}

	app, err := l.store.ApproveApproval(ctx, id, actorID, now, now.Add(l.cfg.TokenTTL), tok)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// Возможно, заявка просто истекла: фиксируем это, чтобы статус был честным
			l.expire(ctx, id, now)
		}
		return nil, err
	}

	l.logger.Info("approval granted",
		zap.String("approval_id", id),
		zap.String("actor_id", actorID))
	l.notifier.ApprovalResolved(ctx, app)

	tok.RawToken = nil
	return tok, nil
}

type DenyOptions struct {
	Reason        string
	PersistAsRule bool // запомнить отказ правилом deny, чтобы не спрашивать снова
}

// Deny окончательно отклоняет заявку.
func (l *Ledger) Deny(ctx context.Context, id, actorID string, opts DenyOptions) error {
	now := l.cfg.Now().UTC()

	var rule *domain.PolicyRule
	if opts.PersistAsRule {
		current, err := l.store.GetApproval(ctx, id)
		if err != nil {
			return err
		}
		if err := current.CanTransitionTo(domain.StatusDenied, now); err != nil {
			l.expire(ctx, id, now)
			return err
		}
		req, err := l.store.GetRequest(ctx, current.RequestID)
		if err != nil {
			return fmt.Errorf("ledger: load originating request: %w", err)
		}
		rule = l.denialRule(req, now)
	}

	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = "denied by reviewer"
	}

	app, err := l.store.DenyApproval(ctx, id, actorID, reason, now, rule)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			l.expire(ctx, id, now)
		}
		return err
	}

	l.logger.Info("approval denied",
		zap.String("approval_id", id),
		zap.String("actor_id", actorID),
		zap.Bool("persist_as_rule", rule != nil))
	l.notifier.ApprovalResolved(ctx, app)
	if rule != nil {
		l.notifier.PolicyUpdated(ctx, rule.WorkspaceID)
	}
	return nil
}

// denialRule: правило deny, скоупленное на тот же upstream/tool/action.
func (l *Ledger) denialRule(req *domain.Request, now time.Time) *domain.PolicyRule {
	upstreamID, toolName := req.UpstreamID, req.ToolName
	return &domain.PolicyRule{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		Effect:      domain.EffectDeny,
		ActionClass: req.ActionClass,
		UpstreamID:  &upstreamID,
		ToolName:    &toolName,
		Priority:    l.cfg.DenyRulePriority,
		Enabled:     true,
		Source:      domain.RuleSourceDenial,
		CreatedAt:   now,
	}
}

// Почему одобренная заявка отдается без токена
const (
	ReasonTokenRetrieved      = "token_already_retrieved"
	ReasonRedeemWindowElapsed = "redeem_window_elapsed"
)

// Retrieval: ответ на опрос статуса заявки.
type Retrieval struct {
	ApprovalID     string                `json:"approval_id"`
	Status         domain.ApprovalStatus `json:"status"`
	ExpiresAt      time.Time             `json:"expires_at"`
	Token          string                `json:"token,omitempty"`
	TokenAvailable bool                  `json:"token_available"`
	Reason         string                `json:"reason,omitempty"`
}

// RetrieveToken вычисляет эффективный статус и, если заявка одобрена,
// пытается забрать сырой токен. Среди конкурентных вызовов секрет увидит только один.
func (l *Ledger) RetrieveToken(ctx context.Context, id string) (*Retrieval, error) {
	app, err := l.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	now := l.cfg.Now().UTC()
	l.settleExpiry(ctx, app)

	res := &Retrieval{ApprovalID: app.ID, Status: app.Status, ExpiresAt: app.ExpiresAt}

	switch app.Status {
	case domain.StatusPending:
		return res, nil
	case domain.StatusDenied:
		if app.DenialReason != nil {
			res.Reason = *app.DenialReason
		}
		return res, nil
	case domain.StatusExpired:
		return res, nil
	}

	// approved, но окно погашения прошло, токен бесполезен: не выдаем
	if !now.Before(app.ExpiresAt) {
		res.Reason = ReasonRedeemWindowElapsed
		return res, nil
	}

	raw, err := l.store.ClaimToken(ctx, app.ID, now)
	switch {
	case errors.Is(err, domain.ErrTokenRetrieved):
		res.Reason = ReasonTokenRetrieved
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("ledger: claim token: %w", err)
	}

	l.logger.Info("approval token retrieved", zap.String("approval_id", app.ID))
	res.Token = raw
	res.TokenAvailable = true
	return res, nil
}

// Consume гасит токен при повторе вызова. Любая неудача: единообразный ErrTokenInvalid,
// без подробностей, полезных для перебора.
func (l *Ledger) Consume(ctx context.Context, rawToken string, fp domain.Fingerprint) (*domain.ApprovalRequest, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" || fp.RequestHash == "" {
		return nil, domain.ErrTokenInvalid
	}
	now := l.cfg.Now().UTC()

	approvalID, err := l.store.SpendToken(ctx, HashToken(rawToken), fp, now)
	if err != nil {
		if errors.Is(err, domain.ErrTokenInvalid) {
			return nil, domain.ErrTokenInvalid
		}
		return nil, fmt.Errorf("ledger: spend token: %w", err)
	}

	app, err := l.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load consumed approval: %w", err)
	}
	l.logger.Info("approval token consumed", zap.String("approval_id", approvalID))
	return app, nil
}

// settleExpiry применяет ленивое истечение к записи и коммитит его в хранилище.
func (l *Ledger) settleExpiry(ctx context.Context, app *domain.ApprovalRequest) {
	now := l.cfg.Now().UTC()
	if app.EffectiveStatus(now) == domain.StatusExpired && app.Status == domain.StatusPending {
		l.expire(ctx, app.ID, now)
		app.Status = domain.StatusExpired
	}
}

func (l *Ledger) expire(ctx context.Context, id string, now time.Time) {
	if err := l.store.ExpireApproval(ctx, id, now); err != nil {
		// Статус все равно вычисляется лениво, так что это не критично
		l.logger.Warn("failed to commit approval expiry", zap.String("approval_id", id), zap.Error(err))
	}
}

// NopNotifier: заглушка, когда канал оповещения не настроен.
type NopNotifier struct{}

func (NopNotifier) ApprovalCreated(context.Context, *domain.ApprovalRequest, *domain.Request) {}
func (NopNotifier) ApprovalResolved(context.Context, *domain.ApprovalRequest)                 {}
func (NopNotifier) PolicyUpdated(context.Context, string)                                     {}
