package proxy

/*
Файл handler.go — Proxy Request Handler (PEP шлюза).

Порядок дешевых проверок до любой работы с политикой: конверт JSON-RPC → форма ключа агента →
метод → селектор upstream. Дальше решение принимает движок, а пересылка в upstream
происходит только после allowed. Никакого fail open.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/audit"
	"github.com/xela07ax/latchgate/internal/connectors"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/engine"
	"go.uber.org/zap"
)

const (
	HeaderAgentKey      = "X-Agent-Key"
	HeaderUpstream      = "X-Upstream"
	HeaderApprovalToken = "X-Approval-Token"
	QueryUpstream       = "upstream"

	protocolVersion = "2025-06-18"
	maxBodyBytes    = 1 << 20
)

type Authorizer interface {
	Authorize(ctx context.Context, sub engine.Submission) (*engine.Decision, error)
	ListTools(ctx context.Context, agentKey, selector string) (*domain.Upstream, error)
	ApprovalStatus(ctx context.Context, agentKey, approvalID string) (*approval.Retrieval, error)
}

// Forwarders выдает транспорт до upstream.
type Forwarders interface {
	For(up *domain.Upstream) (connectors.Provider, error)
}

type Handler struct {
	authz    Authorizer
	upstream Forwarders
	auditor  audit.Auditor
	redactor *Redactor
	metrics  *engine.Metrics
	version  string
	logger   *zap.Logger
}

type Options struct {
	Redactor *Redactor
	Metrics  *engine.Metrics
	Version  string
}

func NewHandler(authz Authorizer, upstream Forwarders, auditor audit.Auditor, opts Options, logger *zap.Logger) *Handler {
	if opts.Redactor == nil {
		opts.Redactor, _ = NewRedactor(nil, nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = engine.NewMetrics(nil)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Handler{
		authz:    authz,
		upstream: upstream,
		auditor:  auditor,
		redactor: opts.Redactor,
		metrics:  opts.Metrics,
		version:  opts.Version,
		logger:   logger.With(zap.String("mod", "proxy")),
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      struct {
		Latch *latchMeta `json:"latch,omitempty"`
	} `json:"_meta"`
}

// latchMeta: классификация риска, посчитанная на стороне агента.
type latchMeta struct {
	ActionClass   domain.ActionClass `json:"action_class,omitempty"`
	RiskLevel     string             `json:"risk_level,omitempty"`
	RiskFlags     domain.RiskFlags   `json:"risk_flags,omitempty"`
	Resource      domain.Resource    `json:"resource"`
	ApprovalToken string             `json:"approval_token,omitempty"`
}

// ServeMCP: POST /mcp.
func (h *Handler) ServeMCP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, nil, errMalformed)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil || req.JSONRPC != "2.0" || req.Method == "" {
		h.writeError(w, nil, errMalformed)
		return
	}

	key := r.Header.Get(HeaderAgentKey)
	if _, _, err := engine.ParseAgentKey(key); err != nil {
		h.writeError(w, req.ID, errMissingAuth)
		return
	}

	if req.isNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		h.writeResult(w, req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "latchgate", "version": h.version},
		})
	case "ping":
		h.writeResult(w, req.ID, map[string]any{})
	case "tools/list":
		selector, ok := upstreamSelector(r)
		if !ok {
			h.writeError(w, req.ID, errNoUpstream)
			return
		}
		h.listTools(w, r, req.ID, key, selector)
	case "tools/call":
		selector, ok := upstreamSelector(r)
		if !ok {
			h.writeError(w, req.ID, errNoUpstream)
			return
		}
		h.callTool(w, r, &req, key, selector)
	default:
		h.writeError(w, req.ID, methodNotFound(req.Method))
	}
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request, id json.RawMessage, key, selector string) {
	up, err := h.authz.ListTools(r.Context(), key, selector)
	if err != nil {
		h.logDecisionError(r.Context(), "tools/list", err)
		h.writeError(w, id, decisionError(err, "", "", ""))
		return
	}
	tools := up.Tools
	if tools == nil {
		tools = []domain.Tool{}
	}
	h.writeResult(w, id, map[string]any{"tools": tools})
}

func (h *Handler) callTool(w http.ResponseWriter, r *http.Request, req *rpcRequest, key, selector string) {
	ctx := r.Context()

	var params callParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil {
		h.writeError(w, req.ID, invalidParams("params must be an object"))
		return
	}
	if params.Name == "" {
		h.writeError(w, req.ID, invalidParams("params.name is required"))
		return
	}
	args, err := decodeArguments(params.Arguments)
	if err != nil {
		h.writeError(w, req.ID, invalidParams("params.arguments must be an object"))
		return
	}
	argsHash, err := engine.ArgsHash(params.Arguments)
	if err != nil {
		h.writeError(w, req.ID, invalidParams("params.arguments must be an object"))
		return
	}

	sub := engine.Submission{
		AgentKey:      key,
		Upstream:      selector,
		ToolName:      params.Name,
		RedactedArgs:  h.redactor.Redact(args),
		ArgsHash:      argsHash,
		ApprovalToken: r.Header.Get(HeaderApprovalToken),
	}
	if m := params.Meta.Latch; m != nil {
		sub.ActionClass = m.ActionClass
		sub.RiskLevel = m.RiskLevel
		sub.RiskFlags = m.RiskFlags
		sub.Resource = m.Resource
		if sub.ApprovalToken == "" {
			sub.ApprovalToken = m.ApprovalToken
		}
	}

	dec, err := h.authz.Authorize(ctx, sub)
	if err != nil {
		h.logDecisionError(ctx, "tools/call", err)
		var requestID, reason, ruleID string
		if dec != nil {
			requestID, reason, ruleID = dec.RequestID, dec.Reason, dec.RuleID
		}
		h.writeError(w, req.ID, decisionError(err, requestID, reason, ruleID))
		return
	}
	if dec == nil || dec.Decision != domain.DecisionAllowed || dec.Upstream == nil {
		// Движок обязан вернуть ошибку для любого решения, кроме allowed
		h.logger.Error("engine returned no allowed decision without error", zap.String("trace_id", engine.TraceID(ctx)))
		h.writeError(w, req.ID, errInternal)
		return
	}

	h.forward(w, r, req.ID, dec, params)
}

// forward: пересылка разрешенного вызова и фиксация результата в аудите.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, id json.RawMessage, dec *engine.Decision, params callParams) {
	ctx := r.Context()
	start := time.Now()
	event := audit.OutcomeEvent{
		ID:         uuid.New().String(),
		RequestID:  dec.RequestID,
		TraceID:    engine.TraceID(ctx),
		AgentID:    dec.Agent.ID,
		UpstreamID: dec.Upstream.ID,
		ToolName:   params.Name,
		Timestamp:  start,
	}
	finish := func(status string, err error) {
		event.Status = status
		event.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			event.Error = err.Error()
		}
		h.auditor.Log(event)
		h.metrics.ForwardDuration.WithLabelValues(dec.Upstream.ID, status).Observe(time.Since(start).Seconds())
	}

	provider, err := h.upstream.For(dec.Upstream)
	if err != nil {
		finish(audit.OutcomeInternalError, err)
		h.metrics.ErrorTotal.WithLabelValues("internal").Inc()
		h.logger.Error("upstream transport unavailable", zap.String("upstream_id", dec.Upstream.ID), zap.Error(err))
		h.writeError(w, id, errInternal)
		return
	}

	res, err := provider.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		finish(audit.OutcomeUpstreamError, err)
		h.metrics.ErrorTotal.WithLabelValues("upstream").Inc()
		h.logger.Warn("upstream call failed",
			zap.String("trace_id", event.TraceID),
			zap.String("request_id", dec.RequestID),
			zap.String("upstream_id", dec.Upstream.ID),
			zap.Error(err))
		h.writeError(w, id, errUpstreamFail)
		return
	}

	finish(audit.OutcomeForwarded, nil)
	if res.Failed() {
		h.writeRaw(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: res.Error})
		return
	}
	h.writeRaw(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: res.Result})
}

func (h *Handler) logDecisionError(ctx context.Context, method string, err error) {
	if errors.Is(err, domain.ErrInternal) {
		h.logger.Error("authorization failed", zap.String("method", method),
			zap.String("trace_id", engine.TraceID(ctx)), zap.Error(err))
	}
}

func upstreamSelector(r *http.Request) (string, bool) {
	s := r.Header.Get(HeaderUpstream)
	if s == "" {
		s = r.URL.Query().Get(QueryUpstream)
	}
	return s, s != ""
}

// decodeArguments: аргументы: JSON-объект или отсутствуют.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("arguments must be an object")
	}
	return m, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxBodyBytes)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *Handler) writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	b, err := json.Marshal(result)
	if err != nil {
		h.writeError(w, id, errInternal)
		return
	}
	h.writeRaw(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: b})
}

func (h *Handler) writeError(w http.ResponseWriter, id json.RawMessage, e *RPCError) {
	b, _ := json.Marshal(e)
	h.writeRaw(w, e.HTTPStatus(), rpcResponse{JSONRPC: "2.0", ID: id, Error: b})
}

func (h *Handler) writeRaw(w http.ResponseWriter, status int, resp rpcResponse) {
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}
