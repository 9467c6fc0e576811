package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/engine"
	"go.uber.org/zap"
)

// authorizeRequest: тело POST /v1/authorize. Ключ агента только в заголовке,
// токен повтора: в заголовке или в теле.
type authorizeRequest struct {
	engine.Submission
	ApprovalToken string `json:"approval_token,omitempty"`
}

type authorizeResponse struct {
	*engine.Decision
	Error string `json:"error,omitempty"`
}

// Authorize: POST /v1/authorize: решение без пересылки. Используется агентами,
// которые сами ходят в upstream после allowed.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderAgentKey)
	if _, _, err := engine.ParseAgentKey(key); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "missing or malformed agent key")
		return
	}

	var req authorizeRequest
	body, err := readBody(w, r)
	if err != nil || json.Unmarshal(body, &req) != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub := req.Submission
	sub.AgentKey = key
	sub.ApprovalToken = r.Header.Get(HeaderApprovalToken)
	if sub.ApprovalToken == "" {
		sub.ApprovalToken = req.ApprovalToken
	}

	dec, err := h.authz.Authorize(r.Context(), sub)
	if dec == nil {
		h.logDecisionError(r.Context(), "authorize", err)
		status, msg := errorStatus(err)
		writeJSONError(w, status, msg)
		return
	}

	resp := authorizeResponse{Decision: dec}
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrApprovalRequired):
		status = http.StatusAccepted
	case errors.Is(err, domain.ErrPolicyDenied), errors.Is(err, domain.ErrTokenInvalid):
		status = http.StatusForbidden
		resp.Error = err.Error()
	default:
		status, resp.Error = errorStatus(err)
	}
	writeJSON(w, status, resp)
}

// ApprovalStatus: GET /v1/approvals/{id}: опрос заявки агентом.
// Сырой токен отдается ровно одному опросу, дальше token_available=false.
func (h *Handler) ApprovalStatus(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderAgentKey)
	if _, _, err := engine.ParseAgentKey(key); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "missing or malformed agent key")
		return
	}

	res, err := h.authz.ApprovalStatus(r.Context(), key, chi.URLParam(r, "id"))
	if err != nil {
		h.logDecisionError(r.Context(), "approval_status", err)
		status, msg := errorStatus(err)
		if errors.Is(err, domain.ErrNotFound) {
			msg = "approval not found"
		}
		writeJSONError(w, status, msg)
		return
	}
	if res.Token != "" {
		h.logger.Info("approval token delivered",
			zap.String("approval_id", res.ApprovalID),
			zap.String("trace_id", engine.TraceID(r.Context())))
	}
	writeJSON(w, http.StatusOK, res)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "invalid agent key"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
