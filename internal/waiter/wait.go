package waiter

import (
	"context"
	"errors"
	"time"

	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/domain"
	"go.uber.org/zap"
)

const DefaultInterval = 2 * time.Second

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeExpired  Outcome = "expired"
	OutcomeTimedOut Outcome = "timed_out"
)

// Poller: источник статуса заявки (HTTP-клиент шлюза или сам леджер в тестах).
type Poller interface {
	Status(ctx context.Context, approvalID string) (*approval.Retrieval, error)
}

type Result struct {
	Outcome        Outcome   `json:"outcome"`
	Token          string    `json:"token,omitempty"`
	TokenAvailable bool      `json:"token_available"`
	Reason         string    `json:"reason,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
}

type Option func(*options)

type options struct {
	logger *zap.Logger
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WaitForApproval опрашивает заявку с фиксированным интервалом, пока она не станет терминальной
// или не истечет timeout. Отмена ctx прекращает опрос и возвращает ctx.Err().
// Временные ошибки опроса логируются и повторяются; 401/404 возвращаются сразу.
func WaitForApproval(ctx context.Context, p Poller, approvalID string, timeout, interval time.Duration, opts ...Option) (Result, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := o.logger.With(zap.String("mod", "waiter"), zap.String("approval_id", approvalID))

	// Дедлайн ожидания режет и опрос в полете
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		res, err := p.Status(waitCtx, approvalID)
		switch {
		case err == nil:
			if out, done := terminal(res); done {
				log.Info("approval resolved", zap.String("outcome", string(out.Outcome)), zap.Int("polls", attempt))
				return out, nil
			}
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		case waitCtx.Err() != nil:
			return Result{Outcome: OutcomeTimedOut}, nil
		default:
			var sErr *StatusError
			if errors.As(err, &sErr) && sErr.Permanent() {
				return Result{}, err
			}
			log.Warn("approval poll failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{Outcome: OutcomeTimedOut}, nil
		case <-ticker.C:
		}
	}
}

func terminal(res *approval.Retrieval) (Result, bool) {
	switch res.Status {
	case domain.StatusApproved:
		// Токен уже забран другим опросом: ждать дальше бессмысленно
		return Result{
			Outcome:        OutcomeApproved,
			Token:          res.Token,
			TokenAvailable: res.TokenAvailable,
			Reason:         res.Reason,
			ExpiresAt:      res.ExpiresAt,
		}, true
	case domain.StatusDenied:
		return Result{Outcome: OutcomeDenied, Reason: res.Reason}, true
	case domain.StatusExpired:
		return Result{Outcome: OutcomeExpired, Reason: res.Reason}, true
	default:
		return Result{}, false
	}
}
