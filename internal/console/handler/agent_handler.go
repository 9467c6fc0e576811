package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra/auth"
	"go.uber.org/zap"
)

type AgentService interface {
	Get(ctx context.Context, actor *domain.CustomClaims, id string) (*domain.Agent, error)
	Block(ctx context.Context, actor *domain.CustomClaims, id string) error
	Quarantine(ctx context.Context, actor *domain.CustomClaims, id string) error
	Activate(ctx context.Context, actor *domain.CustomClaims, id string) error
}

type AgentHandler struct {
	service AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

// Routes Маршруты для Chi
func (h *AgentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{agentID}", h.Get)
	r.Post("/{agentID}/block", h.toggle(h.service.Block))           // Kill-switch
	r.Post("/{agentID}/unblock", h.toggle(h.service.Activate))      // Разблокировка
	r.Post("/{agentID}/quarantine", h.toggle(h.service.Quarantine)) // Все вызовы через человека
	r.Post("/{agentID}/release", h.toggle(h.service.Activate))      // Выход из карантина
	return r
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	agent, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "agentID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) toggle(action func(ctx context.Context, actor *domain.CustomClaims, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ClaimsFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		// Ждем и БД, и Redis, чтобы ответ означал, что сигнал уже отправлен
		if err := action(r.Context(), actor, chi.URLParam(r, "agentID")); err != nil {
			h.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *AgentHandler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("agent state change failed", zap.Error(err))
	}
	writeError(w, status, publicMessage(status, err))
}
