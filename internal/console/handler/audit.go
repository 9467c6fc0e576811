package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/latchgate/internal/console/service"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra/auth"
	"go.uber.org/zap"
)

type AuditService interface {
	Trail(ctx context.Context, actor *domain.CustomClaims, requestID string) (*service.RequestTrail, error)
}

type AuditHandler struct {
	service AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit-handler")}
}

// GetTrail возвращает решение по вызову и результаты его пересылки
// GET /v1/requests/{id}
func (h *AuditHandler) GetTrail(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	trail, err := h.service.Trail(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to fetch request trail", zap.Error(err))
		}
		writeError(w, status, publicMessage(status, err))
		return
	}
	writeJSON(w, http.StatusOK, trail)
}
