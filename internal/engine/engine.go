package engine

/*
Файл engine.go — Authorization Engine (PDP шлюза).

Конвейер одного вызова: received → authenticated → {denied | approval_required | allowed}.
Все состояния терминальны для вызова: приостановленный вызов не «висит» в обработчике,
агент возвращается повтором с токеном, и это уже новый вызов со своей аудит-записью.

Движок никогда не ходит в upstream сам: пересылка — забота транспортного слоя,
получившего allowed.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/policy"
	"go.uber.org/zap"
)

// Причины решения, которые не дает матчер
const (
	ReasonApprovalToken = "approval_token"
	ReasonTokenInvalid  = "token_invalid"
	ReasonQuarantine    = "agent_quarantined"
)

type Store interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetUpstream(ctx context.Context, workspaceID, selector string) (*domain.Upstream, error)
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	InsertRequest(ctx context.Context, r *domain.Request) error
}

type RuleSource interface {
	RulesFor(ctx context.Context, workspaceID string) ([]domain.PolicyRule, error)
}

type Ledger interface {
	Create(ctx context.Context, req *domain.Request) (*domain.ApprovalRequest, error)
	Consume(ctx context.Context, rawToken string, fp domain.Fingerprint) (*domain.ApprovalRequest, error)
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	RetrieveToken(ctx context.Context, id string) (*approval.Retrieval, error)
}

// AgentStates: L1-множество агентов (kill-switch, карантин).
type AgentStates interface {
	Contains(agentID string) bool
}

type Options struct {
	Defaults   policy.Defaults
	KillSwitch AgentStates
	Quarantine AgentStates
	Metrics    *Metrics
	Now        func() time.Time
}

type Engine struct {
	store      Store
	rules      RuleSource
	ledger     Ledger
	defaults   policy.Defaults
	killSwitch AgentStates
	quarantine AgentStates
	metrics    *Metrics
	now        func() time.Time
	logger     *zap.Logger
}

func New(store Store, rules RuleSource, ledger Ledger, opts Options, logger *zap.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Defaults.Fallback == "" {
		opts.Defaults = policy.DefaultDefaults()
	}
	return &Engine{
		store:      store,
		rules:      rules,
		ledger:     ledger,
		defaults:   opts.Defaults,
		killSwitch: opts.KillSwitch,
		quarantine: opts.Quarantine,
		metrics:    opts.Metrics,
		now:        opts.Now,
		logger:     logger.Named("engine"),
	}
}

// Submission: всё, что нужно для решения по одному вызову.
type Submission struct {
	AgentKey    string             `json:"-"`
	WorkspaceID string             `json:"workspace_id,omitempty"` // если задан, должен совпасть с workspace агента
	Upstream    string             `json:"upstream"`               // id или имя
	ToolName    string             `json:"tool_name"`
	ActionClass domain.ActionClass `json:"action_class,omitempty"` // пусто: по аннотациям инструмента
	RiskLevel   string             `json:"risk_level,omitempty"`
	RiskFlags   domain.RiskFlags   `json:"risk_flags,omitempty"`
	Resource    domain.Resource    `json:"resource"`

	RedactedArgs map[string]any `json:"redacted_args,omitempty"`
	ArgsHash     string         `json:"args_hash"`
	RequestHash  string         `json:"request_hash,omitempty"` // если задан, должен совпасть с вычисленным

	ApprovalToken string `json:"-"`
}

func (s *Submission) validate() error {
	switch {
	case strings.TrimSpace(s.Upstream) == "":
		return fmt.Errorf("%w: upstream is required", domain.ErrInvalidArgument)
	case strings.TrimSpace(s.ToolName) == "":
		return fmt.Errorf("%w: tool_name is required", domain.ErrInvalidArgument)
	case s.ArgsHash == "":
		return fmt.Errorf("%w: args_hash is required", domain.ErrInvalidArgument)
	case s.ActionClass != "" && !s.ActionClass.Valid():
		return fmt.Errorf("%w: invalid action_class %q", domain.ErrInvalidArgument, s.ActionClass)
	}
	return nil
}

// Decision: итог авторизации. Возвращается и вместе с ошибками PolicyDenied/ApprovalRequired/TokenInvalid,
// чтобы транспорт мог сослаться на аудит-запись.
type Decision struct {
	RequestID          string          `json:"request_id"`
	Decision           domain.Decision `json:"decision"`
	Reason             string          `json:"reason,omitempty"`
	RuleID             string          `json:"rule_id,omitempty"`
	ApprovalID         string          `json:"approval_id,omitempty"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	ConsumedApprovalID string          `json:"consumed_approval_id,omitempty"`

	Agent    *domain.Agent    `json:"-"`
	Upstream *domain.Upstream `json:"-"`
}

// Authorize проводит вызов через конвейер и возвращает единственное решение.
//
// Ошибки: ErrUnauthenticated, ErrForbidden, ErrInvalidArgument, ErrNotFound: до аудита;
// ErrPolicyDenied, *ApprovalRequiredError, ErrTokenInvalid: вместе с Decision; ErrInternal.
func (e *Engine) Authorize(ctx context.Context, sub Submission) (*Decision, error) {
	start := time.Now()
	dec, err := e.authorize(ctx, sub)

	label := "error"
	if dec != nil {
		label = string(dec.Decision)
		e.metrics.Decisions.WithLabelValues(label, dec.Reason).Inc()
	}
	if err != nil {
		e.countError(err)
	}
	e.metrics.AuthorizeDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return dec, err
}

func (e *Engine) authorize(ctx context.Context, sub Submission) (*Decision, error) {
	agent, err := e.authenticate(ctx, sub.AgentKey)
	if err != nil {
		return nil, err
	}
	if sub.WorkspaceID != "" && sub.WorkspaceID != agent.WorkspaceID {
		return nil, domain.ErrForbidden
	}
	if err := sub.validate(); err != nil {
		return nil, err
	}

	up, err := e.resolveUpstream(ctx, agent, sub.Upstream)
	if err != nil {
		return nil, err
	}

	requestHash := RequestHash(up.ID, sub.ToolName, sub.ArgsHash)
	if sub.RequestHash != "" && sub.RequestHash != requestHash {
		return nil, fmt.Errorf("%w: request_hash does not match upstream/tool/args_hash", domain.ErrInvalidArgument)
	}

	class := sub.ActionClass
	if class == "" {
		class = classifyTool(up, sub.ToolName)
	}

	req := &domain.Request{
		ID:           uuid.New().String(),
		WorkspaceID:  agent.WorkspaceID,
		AgentID:      agent.ID,
		UpstreamID:   up.ID,
		ToolName:     sub.ToolName,
		ActionClass:  class,
		RiskLevel:    sub.RiskLevel,
		RiskFlags:    sub.RiskFlags,
		Resource:     sub.Resource,
		RedactedArgs: sub.RedactedArgs,
		ArgsHash:     sub.ArgsHash,
		RequestHash:  requestHash,
		CreatedAt:    e.now().UTC(),
	}
	dec := &Decision{RequestID: req.ID, Agent: agent, Upstream: up}
	log := e.logger.With(
		zap.String("trace_id", TraceID(ctx)),
		zap.String("request_id", req.ID),
		zap.String("agent_id", agent.ID),
		zap.String("upstream_id", up.ID),
		zap.String("tool", req.ToolName),
		zap.String("action_class", string(class)),
	)

	// Повтор с токеном: решение человека уже авторизовало ровно этот вызов
	if sub.ApprovalToken != "" {
		return e.redeem(ctx, sub.ApprovalToken, req, dec, log)
	}

	rules, err := e.rules.RulesFor(ctx, agent.WorkspaceID)
	if err != nil {
		return nil, internalError("load rules", err)
	}
	out := policy.Match(&domain.Call{
		WorkspaceID: agent.WorkspaceID,
		AgentID:     agent.ID,
		UpstreamID:  up.ID,
		ToolName:    req.ToolName,
		ActionClass: class,
		RiskLevel:   req.RiskLevel,
		RiskFlags:   req.RiskFlags,
		Resource:    req.Resource,
	}, rules, e.defaults)

	decision, reason := out.Decision, out.Reason
	if decision == domain.DecisionAllowed && e.quarantined(agent) {
		decision, reason = domain.DecisionApprovalRequired, ReasonQuarantine
	}

	req.Decision = decision
	if out.Rule != nil {
		req.RuleID = &out.Rule.ID
		dec.RuleID = out.Rule.ID
	}
	if decision == domain.DecisionDenied {
		req.DenialReason = &reason
	}
	dec.Decision, dec.Reason = decision, reason

	if err := e.store.InsertRequest(ctx, req); err != nil {
		return nil, internalError("write audit record", err)
	}

	switch decision {
	case domain.DecisionAllowed:
		log.Info("call allowed", zap.String("reason", reason))
		return dec, nil

	case domain.DecisionDenied:
		log.Info("call denied", zap.String("reason", reason), zap.String("rule_id", dec.RuleID))
		return dec, domain.ErrPolicyDenied

	default:
		app, err := e.ledger.Create(ctx, req)
		if err != nil {
			return nil, internalError("create approval", err)
		}
		dec.ApprovalID = app.ID
		expiresAt := app.ExpiresAt
		dec.ExpiresAt = &expiresAt

		log.Info("call suspended pending approval",
			zap.String("reason", reason),
			zap.String("approval_id", app.ID))
		return dec, &domain.ApprovalRequiredError{ApprovalID: app.ID, RequestID: req.ID, ExpiresAt: app.ExpiresAt}
	}
}

// redeem: ветка повтора: погашение токена вместо матчинга правил.
func (e *Engine) redeem(ctx context.Context, token string, req *domain.Request, dec *Decision, log *zap.Logger) (*Decision, error) {
	app, err := e.ledger.Consume(ctx, token, domain.Fingerprint{
		WorkspaceID: req.WorkspaceID,
		AgentID:     req.AgentID,
		RequestHash: req.RequestHash,
	})
	if err != nil && !errors.Is(err, domain.ErrTokenInvalid) {
		return nil, internalError("consume token", err)
	}

	if err != nil {
		reason := ReasonTokenInvalid
		req.Decision = domain.DecisionDenied
		req.DenialReason = &reason
		dec.Decision, dec.Reason = domain.DecisionDenied, reason
		if err := e.store.InsertRequest(ctx, req); err != nil {
			return nil, internalError("write audit record", err)
		}
		log.Warn("approval token rejected")
		return dec, domain.ErrTokenInvalid
	}

	req.Decision = domain.DecisionAllowed
	req.ApprovalRequestID = &app.ID
	dec.Decision, dec.Reason = domain.DecisionAllowed, ReasonApprovalToken
	dec.ConsumedApprovalID = app.ID
	if err := e.store.InsertRequest(ctx, req); err != nil {
		return nil, internalError("write audit record", err)
	}
	log.Info("call allowed by approval token", zap.String("approval_id", app.ID))
	return dec, nil
}

// ListTools отдает закэшированный список инструментов upstream аутентифицированному агенту.
func (e *Engine) ListTools(ctx context.Context, agentKey, selector string) (*domain.Upstream, error) {
	agent, err := e.authenticate(ctx, agentKey)
	if err != nil {
		e.countError(err)
		return nil, err
	}
	if strings.TrimSpace(selector) == "" {
		return nil, fmt.Errorf("%w: upstream is required", domain.ErrInvalidArgument)
	}
	up, err := e.resolveUpstream(ctx, agent, selector)
	if err != nil {
		e.countError(err)
		return nil, err
	}
	return up, nil
}

// ApprovalStatus: опрос заявки агентом. Заявка чужого агента неотличима от несуществующей.
func (e *Engine) ApprovalStatus(ctx context.Context, agentKey, approvalID string) (*approval.Retrieval, error) {
	agent, err := e.authenticate(ctx, agentKey)
	if err != nil {
		e.countError(err)
		return nil, err
	}

	app, err := e.ledger.Get(ctx, approvalID)
	if err != nil {
		return nil, passNotFound("load approval", err)
	}
	origin, err := e.store.GetRequest(ctx, app.RequestID)
	if err != nil {
		return nil, passNotFound("load originating request", err)
	}
	if origin.AgentID != agent.ID || origin.WorkspaceID != agent.WorkspaceID {
		return nil, domain.ErrNotFound
	}

	res, err := e.ledger.RetrieveToken(ctx, approvalID)
	if err != nil {
		return nil, passNotFound("retrieve token", err)
	}

	result := string(res.Status)
	if res.Status == domain.StatusApproved {
		result = "already_retrieved"
		if res.TokenAvailable {
			result = "issued"
		}
	}
	e.metrics.TokenRetrievals.WithLabelValues(result).Inc()
	return res, nil
}

func (e *Engine) resolveUpstream(ctx context.Context, agent *domain.Agent, selector string) (*domain.Upstream, error) {
	up, err := e.store.GetUpstream(ctx, agent.WorkspaceID, strings.TrimSpace(selector))
	if err != nil {
		return nil, passNotFound("resolve upstream", err)
	}
	return up, nil
}

// classifyTool: запасной вариант, когда агент не прислал action_class:
// readOnlyHint из аннотаций инструмента, иначе самый осторожный класс.
func classifyTool(up *domain.Upstream, toolName string) domain.ActionClass {
	if tool, ok := up.FindTool(toolName); ok {
		if ro, _ := tool.Annotations["readOnlyHint"].(bool); ro {
			return domain.ActionRead
		}
	}
	return domain.ActionExecute
}

func (e *Engine) countError(err error) {
	var kind string
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		kind = "unauthenticated"
	case errors.Is(err, domain.ErrForbidden):
		kind = "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		kind = "invalid_argument"
	case errors.Is(err, domain.ErrTokenInvalid):
		kind = "token_invalid"
	case errors.Is(err, domain.ErrPolicyDenied), errors.Is(err, domain.ErrApprovalRequired):
		return
	default:
		kind = "internal"
	}
	e.metrics.ErrorTotal.WithLabelValues(kind).Inc()
}

func passNotFound(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	return internalError(op, err)
}

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrInternal, op, err)
}

func (e *Engine) quarantined(agent *domain.Agent) bool {
	if agent.Status == domain.AgentQuarantined {
		return true
	}
	return e.quarantine != nil && e.quarantine.Contains(agent.ID)
}
