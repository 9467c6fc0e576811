package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/latchgate/internal/console/handler"
	"github.com/xela07ax/latchgate/internal/engine"
	"github.com/xela07ax/latchgate/internal/infra/auth"
	"go.uber.org/zap"
)

// ConsoleServer: API операторов: очередь заявок, правила, аудит и аварийные рычаги по агентам.
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов операторов (RS256)
	authValidator auth.TokenValidator

	agentHandler    *handler.AgentHandler    // /v1/agents
	approvalHandler *handler.ApprovalHandler // /v1/approvals (HITL)
	policyHandler   *handler.PolicyHandler   // /v1/rules
	auditHandler    *handler.AuditHandler    // /v1/requests
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	agentH *handler.AgentHandler,
	approvalH *handler.ApprovalHandler,
	policyH *handler.PolicyHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		agentHandler:    agentH,
		approvalHandler: approvalH,
		policyHandler:   policyH,
		auditHandler:    auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Управление Агентами (Kill-Switch, карантин)
		r.Mount("/v1/agents", s.agentHandler.Routes())

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List) // Очередь запросов на проверку
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.Post("/approve", s.approvalHandler.Approve)
				r.Post("/deny", s.approvalHandler.Deny)
			})
		})

		// Правила политики (изменения рассылаются шлюзам)
		r.Mount("/v1/rules", s.policyHandler.Routes())

		// Аудит: решение и результаты пересылки
		r.Get("/v1/requests/{id}", s.auditHandler.GetTrail)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
