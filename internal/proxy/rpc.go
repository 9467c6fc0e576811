package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/xela07ax/latchgate/internal/domain"
)

// Коды ошибок протокола. Часть контракта с агентами, менять нельзя.
const (
	CodeInvalidRequest   = -32600 // нет/битая аутентификация, битый конверт
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeApprovalRequired = -32001
	CodeAccessDenied     = -32002
	CodeTokenInvalid     = -32003
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	status  int
}

func (e *RPCError) Error() string { return e.Message }

// HTTPStatus: HTTP-статус, с которым уходит ошибка.
func (e *RPCError) HTTPStatus() int { return e.status }

func newRPCError(code, status int, msg string) *RPCError {
	return &RPCError{Code: code, Message: msg, status: status}
}

var (
	errMalformed     = newRPCError(CodeInvalidRequest, http.StatusBadRequest, "invalid JSON-RPC request")
	errMissingAuth   = newRPCError(CodeInvalidRequest, http.StatusUnauthorized, "missing or malformed agent key")
	errUnauth        = newRPCError(CodeInvalidRequest, http.StatusUnauthorized, "invalid agent key")
	errNoUpstream    = newRPCError(CodeInvalidParams, http.StatusBadRequest, "upstream is required")
	errUnknownUp     = newRPCError(CodeInvalidParams, http.StatusNotFound, "unknown upstream")
	errInternal      = newRPCError(CodeInternal, http.StatusInternalServerError, "internal error")
	errUpstreamFail  = newRPCError(CodeInternal, http.StatusInternalServerError, "upstream unavailable")
	errForbidden     = newRPCError(CodeAccessDenied, http.StatusForbidden, "forbidden")
	errTokenRejected = newRPCError(CodeTokenInvalid, http.StatusForbidden, "approval token invalid, expired or already used")
)

func methodNotFound(method string) *RPCError {
	return newRPCError(CodeMethodNotFound, http.StatusBadRequest, "method not found: "+method)
}

func invalidParams(msg string) *RPCError {
	return newRPCError(CodeInvalidParams, http.StatusBadRequest, msg)
}

// ApprovalData: data ошибки -32001: всё, что нужно агенту, чтобы дождаться решения и повторить вызов.
type ApprovalData struct {
	ApprovalID string    `json:"approval_id"`
	RequestID  string    `json:"request_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type DeniedData struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
}

// decisionError переводит отказ движка в тройку (код, HTTP, data).
func decisionError(err error, requestID, reason, ruleID string) *RPCError {
	var approvalErr *domain.ApprovalRequiredError
	switch {
	case errors.As(err, &approvalErr):
		e := newRPCError(CodeApprovalRequired, http.StatusAccepted, "approval required")
		e.Data = ApprovalData{ApprovalID: approvalErr.ApprovalID, RequestID: approvalErr.RequestID, ExpiresAt: approvalErr.ExpiresAt}
		return e
	case errors.Is(err, domain.ErrPolicyDenied):
		e := newRPCError(CodeAccessDenied, http.StatusForbidden, "access denied by policy")
		e.Data = DeniedData{RequestID: requestID, Reason: reason, RuleID: ruleID}
		return e
	case errors.Is(err, domain.ErrTokenInvalid):
		e := *errTokenRejected
		e.Data = DeniedData{RequestID: requestID, Reason: reason}
		return &e
	case errors.Is(err, domain.ErrUnauthenticated):
		return errUnauth
	case errors.Is(err, domain.ErrForbidden):
		return errForbidden
	case errors.Is(err, domain.ErrNotFound):
		return errUnknownUp
	case errors.Is(err, domain.ErrInvalidArgument):
		return invalidParams(err.Error())
	default:
		return errInternal
	}
}
