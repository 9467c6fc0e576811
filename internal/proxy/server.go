package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/latchgate/internal/engine"
)

// NewRouter собирает HTTP-поверхность шлюза. metrics может быть nil.
func NewRouter(h *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Post("/mcp", h.ServeMCP)
	r.Post("/v1/authorize", h.Authorize)
	r.Get("/v1/approvals/{id}", h.ApprovalStatus)

	return r
}
