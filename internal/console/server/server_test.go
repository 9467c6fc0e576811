package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/audit"
	"github.com/xela07ax/latchgate/internal/console/handler"
	"github.com/xela07ax/latchgate/internal/console/service"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/infra/auth"
	"github.com/xela07ax/latchgate/internal/repository/sqlite"
	"go.uber.org/zap"
)

type consoleFixture struct {
	srv     *ConsoleServer
	store   *sqlite.Store
	ledger  *approval.Ledger
	signer  *auth.Signer
	signals *policySignals
}

// policySignals запоминает workspace, о смене правил которых оповестили шлюзы.
type policySignals struct {
	approval.NopNotifier
	workspaces []string
}

func (p *policySignals) PolicyUpdated(_ context.Context, workspaceID string) {
	p.workspaces = append(p.workspaces, workspaceID)
}

func newConsoleFixture(t *testing.T) *consoleFixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	notifier := &policySignals{}
	ledger := approval.NewLedger(store, nil, approval.Config{Window: time.Minute}, log)
	srv := NewConsoleServer(log,
		auth.NewBaseValidator(&key.PublicKey, "latchgate"),
		handler.NewAgentHandler(service.NewAgentService(nil, store, log), log),
		handler.NewApprovalHandler(service.NewApprovalService(ledger, log), log),
		handler.NewPolicyHandler(service.NewRuleService(store, notifier, log), log),
		handler.NewAuditHandler(service.NewAuditService(store), log),
	)
	return &consoleFixture{
		srv:     srv,
		store:   store,
		ledger:  ledger,
		signer:  auth.NewSigner(key, "latchgate", time.Hour),
		signals: notifier,
	}
}

func (f *consoleFixture) pending(t *testing.T, workspaceID string) *domain.ApprovalRequest {
	t.Helper()
	ctx := context.Background()
	req := &domain.Request{
		ID:           uuid.New().String(),
		WorkspaceID:  workspaceID,
		AgentID:      "agent-1",
		UpstreamID:   "up-1",
		ToolName:     "send_email",
		ActionClass:  domain.ActionSend,
		RedactedArgs: map[string]any{"to": "x@example.com", "api_key": "[REDACTED]"},
		ArgsHash:     "a",
		RequestHash:  "r",
		Decision:     domain.DecisionApprovalRequired,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.store.InsertRequest(ctx, req))
	app, err := f.ledger.Create(ctx, req)
	require.NoError(t, err)
	return app
}

func (f *consoleFixture) do(t *testing.T, method, path, user string, workspaces []string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		tok, err := f.signer.Issue(user, workspaces)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestConsole_RequiresToken(t *testing.T) {
	f := newConsoleFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/approvals", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConsole_ListScopedToMembership(t *testing.T) {
	f := newConsoleFixture(t)
	mine := f.pending(t, "ws-1")
	f.pending(t, "ws-2")

	rec := f.do(t, http.MethodGet, "/v1/approvals?status=pending", "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	rec = f.do(t, http.MethodGet, "/v1/approvals?workspace_id=ws-2", "alice", []string{"ws-1"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/approvals?status=bogus", "alice", []string{"ws-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/approvals", "nobody", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestConsole_DetailsIncludeRedactedRequest(t *testing.T) {
	f := newConsoleFixture(t)
	app := f.pending(t, "ws-1")

	rec := f.do(t, http.MethodGet, "/v1/approvals/"+app.ID, "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d domain.ApprovalDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, app.ID, d.ID)
	require.NotNil(t, d.Request)
	assert.Equal(t, "[REDACTED]", d.Request.RedactedArgs["api_key"])

	rec = f.do(t, http.MethodGet, "/v1/approvals/"+app.ID, "mallory", []string{"ws-2"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsole_ApproveByMember(t *testing.T) {
	f := newConsoleFixture(t)
	app := f.pending(t, "ws-1")

	rec := f.do(t, http.MethodPost, "/v1/approvals/"+app.ID+"/approve", "mallory", []string{"ws-2"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/approvals/"+app.ID+"/approve", "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, app.ID, body["approval_request_id"])
	assert.NotContains(t, rec.Body.String(), "lat_", "секрет токена не уходит оператору")

	rec = f.do(t, http.MethodPost, "/v1/approvals/"+app.ID+"/deny", "alice", []string{"ws-1"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	got, err := f.ledger.Get(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, "alice", *got.ResolvedBy)
}

func TestConsole_DenyWithRule(t *testing.T) {
	f := newConsoleFixture(t)
	app := f.pending(t, "ws-1")

	rec := f.do(t, http.MethodPost, "/v1/approvals/"+app.ID+"/deny", "alice", []string{"ws-1"},
		handler.DenyRequest{Reason: "no", PersistAsRule: true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rules, err := f.store.ListRules(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	rec = f.do(t, http.MethodPost, "/v1/approvals/missing/deny", "alice", []string{"ws-1"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsole_DenyChunkedEmptyBody(t *testing.T) {
	f := newConsoleFixture(t)
	app := f.pending(t, "ws-1")
	tok, err := f.signer.Issue("alice", []string{"ws-1"})
	require.NoError(t, err)

	deny := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/approvals/"+app.ID+"/deny", strings.NewReader(body))
		req.ContentLength = -1 // chunked: длина заранее неизвестна
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		f.srv.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, deny("{broken").Code)

	require.Equal(t, http.StatusNoContent, deny("").Code)
	got, err := f.store.GetApproval(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDenied, got.Status)
	require.NotNil(t, got.DenialReason)
	assert.NotEmpty(t, *got.DenialReason)
}

func TestConsole_AgentKillSwitch(t *testing.T) {
	f := newConsoleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAgent(ctx, &domain.Agent{
		ID: "agent-1", WorkspaceID: "ws-1", Name: "mailer", KeyHash: "x", CreatedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodPost, "/v1/agents/agent-1/block", "mallory", []string{"ws-2"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/agents/agent-1/block", "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	a, err := f.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentBlocked, a.Status)

	rec = f.do(t, http.MethodPost, "/v1/agents/agent-1/quarantine", "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	ids, err := f.store.AgentIDsByStatus(ctx, domain.AgentQuarantined)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, ids)

	rec = f.do(t, http.MethodPost, "/v1/agents/agent-1/release", "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/agents/agent-1", "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"active"`)
	assert.NotContains(t, rec.Body.String(), "key_hash")
}

func TestConsole_Rules(t *testing.T) {
	f := newConsoleFixture(t)
	tool := "send_email"

	rec := f.do(t, http.MethodPost, "/v1/rules", "alice", []string{"ws-1"}, service.RuleInput{
		WorkspaceID: "ws-1", Effect: domain.EffectAllow, ToolName: &tool, Priority: 50,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created domain.PolicyRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, domain.ActionAny, created.ActionClass)
	assert.Equal(t, domain.RuleSourceAuthored, created.Source)
	assert.True(t, created.Enabled)
	assert.Equal(t, []string{"ws-1"}, f.signals.workspaces)

	rec = f.do(t, http.MethodPost, "/v1/rules", "alice", []string{"ws-1"}, service.RuleInput{
		WorkspaceID: "ws-1", Effect: "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/rules", "alice", []string{"ws-1"}, service.RuleInput{
		WorkspaceID: "ws-1", Effect: domain.EffectDeny, Priority: 101,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/rules", "mallory", []string{"ws-2"}, service.RuleInput{
		WorkspaceID: "ws-1", Effect: domain.EffectAllow,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/rules?workspace_id=ws-1", "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []domain.PolicyRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, created.ID, rules[0].ID)

	rec = f.do(t, http.MethodGet, "/v1/rules", "alice", []string{"ws-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/rules/"+created.ID+"?workspace_id=ws-2", "alice", []string{"ws-1", "ws-2"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/rules/"+created.ID+"?workspace_id=ws-1", "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"ws-1", "ws-1"}, f.signals.workspaces)

	left, err := f.store.ListRules(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestConsole_RequestTrail(t *testing.T) {
	f := newConsoleFixture(t)
	app := f.pending(t, "ws-1")
	require.NoError(t, f.store.WriteBatch(context.Background(), []audit.OutcomeEvent{{
		ID: uuid.New().String(), RequestID: app.RequestID, AgentID: "agent-1", UpstreamID: "up-1",
		ToolName: "send_email", Status: audit.OutcomeForwarded, DurationMs: 12, Timestamp: time.Now(),
	}}))

	rec := f.do(t, http.MethodGet, "/v1/requests/"+app.RequestID, "alice", []string{"ws-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail service.RequestTrail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.NotNil(t, trail.Request)
	assert.Equal(t, domain.DecisionApprovalRequired, trail.Request.Decision)
	require.Len(t, trail.Outcomes, 1)
	assert.Equal(t, audit.OutcomeForwarded, trail.Outcomes[0].Status)

	rec = f.do(t, http.MethodGet, "/v1/requests/"+app.RequestID, "mallory", []string{"ws-2"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/requests/missing", "alice", []string{"ws-1"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
