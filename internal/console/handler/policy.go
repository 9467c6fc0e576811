package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/latchgate/internal/console/service"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra/auth"
	"go.uber.org/zap"
)

type RuleService interface {
	List(ctx context.Context, actor *domain.CustomClaims, workspaceID string) ([]domain.PolicyRule, error)
	Create(ctx context.Context, actor *domain.CustomClaims, in service.RuleInput) (*domain.PolicyRule, error)
	Delete(ctx context.Context, actor *domain.CustomClaims, workspaceID, id string) error
}

type PolicyHandler struct {
	service RuleService
	logger  *zap.Logger
}

func NewPolicyHandler(s RuleService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{service: s, logger: logger.Named("policy-handler")}
}

// Routes: workspace передается в query (?workspace_id=) для чтения и удаления, в теле: для создания.
func (h *PolicyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Delete("/{id}", h.Delete)
	return r
}

// List: GET /v1/rules?workspace_id=...
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rules, err := h.service.List(r.Context(), actor, r.URL.Query().Get("workspace_id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// Create: POST /v1/rules
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var in service.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rule, err := h.service.Create(r.Context(), actor, in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// Delete: DELETE /v1/rules/{id}?workspace_id=...
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	err := h.service.Delete(r.Context(), actor, r.URL.Query().Get("workspace_id"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PolicyHandler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, publicMessage(status, err))
}
