package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/console/service"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra/auth"
	"go.uber.org/zap"
)

// ApprovalService Описываем, что нам нужно от сервиса
type ApprovalService interface {
	List(ctx context.Context, actor *domain.CustomClaims, q service.ListQuery) ([]*domain.ApprovalRequest, error)
	Details(ctx context.Context, actor *domain.CustomClaims, id string) (*domain.ApprovalDetails, error)
	Approve(ctx context.Context, actor *domain.CustomClaims, id string) (*domain.ApprovalToken, error)
	Deny(ctx context.Context, actor *domain.CustomClaims, id string, opts approval.DenyOptions) error
}

type ApprovalHandler struct {
	service ApprovalService
	logger  *zap.Logger
}

func NewApprovalHandler(s ApprovalService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{service: s, logger: logger.Named("approval-handler")}
}

func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := service.ListQuery{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		Status:      domain.ApprovalStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	list, err := h.service.List(r.Context(), actor, q)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	d, err := h.service.Details(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Approve отвечает метаданными токена; сам секрет получает только агент.
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	tok, err := h.service.Approve(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

type DenyRequest struct {
	Reason        string `json:"reason"`
	PersistAsRule bool   `json:"persist_as_rule"`
}

func (h *ApprovalHandler) Deny(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req DenyRequest
	// Пустое тело допустимо: причина по умолчанию
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.Deny(r.Context(), actor, chi.URLParam(r, "id"), approval.DenyOptions{
		Reason:        req.Reason,
		PersistAsRule: req.PersistAsRule,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ApprovalHandler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, publicMessage(status, err))
}
