package approval_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/domain"
	"github.com/xela07ax/latchgate/internal/policy"
	"github.com/xela07ax/latchgate/internal/repository/sqlite"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu       sync.Mutex
	created  int
	resolved []domain.ApprovalStatus
	policies []string
}

func (n *recordingNotifier) ApprovalCreated(context.Context, *domain.ApprovalRequest, *domain.Request) {
	n.mu.Lock()
	n.created++
	n.mu.Unlock()
}

func (n *recordingNotifier) ApprovalResolved(_ context.Context, a *domain.ApprovalRequest) {
	n.mu.Lock()
	n.resolved = append(n.resolved, a.Status)
	n.mu.Unlock()
}

func (n *recordingNotifier) PolicyUpdated(_ context.Context, ws string) {
	n.mu.Lock()
	n.policies = append(n.policies, ws)
	n.mu.Unlock()
}

type fixture struct {
	store    *sqlite.Store
	ledger   *approval.Ledger
	clock    *clock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "latch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	l := approval.NewLedger(store, n, approval.Config{
		Window:   5 * time.Minute,
		TokenTTL: 2 * time.Minute,
		Now:      clk.Now,
	}, zap.NewNop())
	return &fixture{store: store, ledger: l, clock: clk, notifier: n}
}

// request пишет исходную аудит-запись, как это делает движок перед заведением заявки.
func (f *fixture) request(t *testing.T, hash string) *domain.Request {
	t.Helper()
	req := &domain.Request{
		ID:          uuid.New().String(),
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		UpstreamID:  "up-1",
		ToolName:    "send_email",
		ActionClass: domain.ActionSend,
		ArgsHash:    "args-" + hash,
		RequestHash: hash,
		Decision:    domain.DecisionApprovalRequired,
		CreatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.store.InsertRequest(context.Background(), req))
	return req
}

func fp(hash string) domain.Fingerprint {
	return domain.Fingerprint{WorkspaceID: "ws-1", AgentID: "agent-1", RequestHash: hash}
}

func TestLedger_ApproveRetrieveConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.ledger.Create(ctx, f.request(t, "h1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, app.Status)

	res, err := f.ledger.RetrieveToken(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Status)
	assert.False(t, res.TokenAvailable)

	tok, err := f.ledger.Approve(ctx, app.ID, "alice")
	require.NoError(t, err)
	assert.Nil(t, tok.RawToken, "оператор не видит секрет")

	res, err = f.ledger.RetrieveToken(ctx, app.ID)
	require.NoError(t, err)
	require.True(t, res.TokenAvailable)
	assert.Equal(t, domain.StatusApproved, res.Status)
	raw := res.Token

	again, err := f.ledger.RetrieveToken(ctx, app.ID)
	require.NoError(t, err)
	assert.False(t, again.TokenAvailable)
	assert.Empty(t, again.Token)
	assert.Equal(t, approval.ReasonTokenRetrieved, again.Reason)

	_, err = f.ledger.Consume(ctx, raw, fp("other"))
	assert.ErrorIs(t, err, domain.ErrTokenInvalid, "чужой отпечаток")

	consumed, err := f.ledger.Consume(ctx, raw, fp("h1"))
	require.NoError(t, err)
	assert.Equal(t, app.ID, consumed.ID)

	_, err = f.ledger.Consume(ctx, raw, fp("h1"))
	assert.ErrorIs(t, err, domain.ErrTokenInvalid, "повторное погашение")

	assert.Equal(t, 1, f.notifier.created)
	assert.Equal(t, []domain.ApprovalStatus{domain.StatusApproved}, f.notifier.resolved)
}

func TestLedger_ConcurrentRetrieveDeliversOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.ledger.Create(ctx, f.request(t, "h1"))
	require.NoError(t, err)
	_, err = f.ledger.Approve(ctx, app.ID, "alice")
	require.NoError(t, err)

	const pollers = 16
	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
		start     = make(chan struct{})
	)
	for range pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.ledger.RetrieveToken(ctx, app.ID)
			if assert.NoError(t, err) && res.TokenAvailable {
				delivered.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, delivered.Load())
}

func TestLedger_ConcurrentResolutionSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.ledger.Create(ctx, f.request(t, "h1"))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.ledger.Approve(ctx, app.ID, "alice")
			} else {
				err = f.ledger.Deny(ctx, app.ID, "bob", approval.DenyOptions{})
			}
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidState)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestLedger_LazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.ledger.Create(ctx, f.request(t, "h1"))
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)

	got, err := f.ledger.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)

	_, err = f.ledger.Approve(ctx, app.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	err = f.ledger.Deny(ctx, app.ID, "alice", approval.DenyOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	stored, err := f.store.GetApproval(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status, "истечение закоммичено")

	pending, err := f.ledger.List(ctx, domain.ApprovalFilter{Status: domain.StatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLedger_TokenUnusableAfterRedeemWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.ledger.Create(ctx, f.request(t, "h1"))
	require.NoError(t, err)
	_, err = f.ledger.Approve(ctx, app.ID, "alice")
	require.NoError(t, err)

	res, err := f.ledger.RetrieveToken(ctx, app.ID)
	require.NoError(t, err)
	require.True(t, res.TokenAvailable)

	f.clock.Advance(2 * time.Minute)

	_, err = f.ledger.Consume(ctx, res.Token, fp("h1"))
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func TestLedger_RetrieveAfterRedeemWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.ledger.Create(ctx, f.request(t, "h1"))
	require.NoError(t, err)
	_, err = f.ledger.Approve(ctx, app.ID, "alice")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)

	res, err := f.ledger.RetrieveToken(ctx, app.ID)
	require.NoError(t, err)
	assert.False(t, res.TokenAvailable)
	assert.Equal(t, approval.ReasonRedeemWindowElapsed, res.Reason)
}

func TestLedger_DenyPersistsRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request(t, "h1")
	app, err := f.ledger.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Deny(ctx, app.ID, "alice", approval.DenyOptions{
		Reason:        "  not today ",
		PersistAsRule: true,
	}))

	res, err := f.ledger.RetrieveToken(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDenied, res.Status)
	assert.Equal(t, "not today", res.Reason)

	rules, err := f.store.ListRules(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	rule := rules[0]
	assert.Equal(t, domain.EffectDeny, rule.Effect)
	assert.Equal(t, domain.RuleSourceDenial, rule.Source)
	assert.Equal(t, domain.MaxPriority, rule.Priority)
	require.NotNil(t, rule.UpstreamID)
	require.NotNil(t, rule.ToolName)
	assert.Equal(t, req.UpstreamID, *rule.UpstreamID)
	assert.Equal(t, req.ToolName, *rule.ToolName)
	assert.Equal(t, []string{"ws-1"}, f.notifier.policies)
}

func TestLedger_PersistedDenyOutranksAuthoredAllow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tool := "send_email"
	require.NoError(t, f.store.CreateRule(ctx, &domain.PolicyRule{
		ID:          uuid.New().String(),
		WorkspaceID: "ws-1",
		Effect:      domain.EffectAllow,
		ActionClass: domain.ActionAny,
		ToolName:    &tool,
		Priority:    10,
		Enabled:     true,
		Source:      domain.RuleSourceAuthored,
		CreatedAt:   f.clock.Now(),
	}))

	req := f.request(t, "h1")
	app, err := f.ledger.Create(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Deny(ctx, app.ID, "alice", approval.DenyOptions{PersistAsRule: true}))

	rules, err := f.store.ListRules(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	out := policy.Match(&domain.Call{
		WorkspaceID: "ws-1",
		AgentID:     req.AgentID,
		UpstreamID:  req.UpstreamID,
		ToolName:    req.ToolName,
		ActionClass: req.ActionClass,
	}, rules, policy.DefaultDefaults())
	assert.Equal(t, domain.DecisionDenied, out.Decision)
	require.NotNil(t, out.Rule)
	assert.Equal(t, domain.RuleSourceDenial, out.Rule.Source)
}

func TestLedger_DenyDefaultsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.ledger.Create(ctx, f.request(t, "h1"))
	require.NoError(t, err)
	require.NoError(t, f.ledger.Deny(ctx, app.ID, "alice", approval.DenyOptions{}))

	got, err := f.ledger.Get(ctx, app.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DenialReason)
	assert.NotEmpty(t, *got.DenialReason)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, "alice", *got.ResolvedBy)

	rules, err := f.store.ListRules(ctx, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestLedger_UnknownApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.ledger.Approve(ctx, "missing", "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.ledger.RetrieveToken(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.ledger.Consume(ctx, "", fp("h1"))
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}
