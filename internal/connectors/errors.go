package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError: upstream явно попросил повторить позже (429/503 с Retry-After, ResourceExhausted).
// Вызов до upstream не дошел, повтор безопасен.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// DialError: не удалось установить соединение, запрос не отправлен.
type DialError struct {
	Cause error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial upstream: %v", e.Cause)
}

func (e *DialError) Unwrap() error { return e.Cause }

// retryable: повторяем только то, что гарантированно не дошло до upstream.
// Вызов инструмента может быть неидемпотентным (отправка письма, перевод).
func retryable(err error) bool {
	var tErr *ThrottleError
	var dErr *DialError
	return errors.As(err, &tErr) || errors.As(err, &dErr)
}
