package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen: предохранитель upstream разомкнут, вызов не отправлялся.
var ErrCircuitOpen = errors.New("upstream circuit open")

type ReliabilityOptions struct {
	Name        string
	RateLimit   float64 // запросов в секунду, 0: без лимита
	Burst       int
	Attempts    uint
	CallTimeout time.Duration

	// OnStateChange сообщает о переключениях предохранителя (метрики снаружи пакета)
	OnStateChange func(name string, from, to gobreaker.State)
}

func (o *ReliabilityOptions) withDefaults() {
	if o.Burst <= 0 {
		o.Burst = 20
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
}

// ReliabilityWrapper: rate limit + circuit breaker + retry вокруг одного upstream.
type ReliabilityWrapper struct {
	next     Provider
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
}

func NewReliabilityWrapper(next Provider, opts ReliabilityOptions) *ReliabilityWrapper {
	opts.withDefaults()

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд: открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: opts.OnStateChange,
	})

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	return &ReliabilityWrapper{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		attempts: opts.Attempts,
		timeout:  opts.CallTimeout,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, tool string, args json.RawMessage) (*Result, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker. Ошибки инструмента (JSON-RPC error): успешная доставка, предохранитель их не считает
	out, err := w.cb.Execute(func() (any, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Upstream сам сказал, когда вернуться
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// Отказ соединения: стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		var res *Result
		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			var callErr error
			res, callErr = w.next.Call(tCtx, tool, args)
			return callErr
		})
		return res, retryErr
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return out.(*Result), nil
}
