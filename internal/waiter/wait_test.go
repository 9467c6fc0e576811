package waiter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/latchgate/internal/approval"
	"github.com/xela07ax/latchgate/internal/domain"
)

// scriptedPoller отдает ответы по очереди, последний повторяет бесконечно.
type scriptedPoller struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	res *approval.Retrieval
	err error
}

func (p *scriptedPoller) Status(ctx context.Context, id string) (*approval.Retrieval, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.calls++
	return p.steps[i].res, p.steps[i].err
}

func (p *scriptedPoller) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func pending() step {
	return step{res: &approval.Retrieval{Status: domain.StatusPending}}
}

func TestWaitForApproval_Approved(t *testing.T) {
	p := &scriptedPoller{steps: []step{
		pending(),
		pending(),
		{res: &approval.Retrieval{Status: domain.StatusApproved, Token: "lat_abc", TokenAvailable: true}},
	}}

	res, err := WaitForApproval(context.Background(), p, "a1", time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, "lat_abc", res.Token)
	assert.True(t, res.TokenAvailable)
	assert.Equal(t, 3, p.Calls())
}

func TestWaitForApproval_ApprovedTokenAlreadyTaken(t *testing.T) {
	p := &scriptedPoller{steps: []step{
		{res: &approval.Retrieval{Status: domain.StatusApproved, Reason: approval.ReasonTokenRetrieved}},
	}}

	res, err := WaitForApproval(context.Background(), p, "a1", time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.False(t, res.TokenAvailable)
	assert.Empty(t, res.Token)
}

func TestWaitForApproval_DeniedAndExpired(t *testing.T) {
	p := &scriptedPoller{steps: []step{
		{res: &approval.Retrieval{Status: domain.StatusDenied, Reason: "too risky"}},
	}}
	res, err := WaitForApproval(context.Background(), p, "a1", time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, "too risky", res.Reason)

	p = &scriptedPoller{steps: []step{{res: &approval.Retrieval{Status: domain.StatusExpired}}}}
	res, err = WaitForApproval(context.Background(), p, "a1", time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, res.Outcome)
}

func TestWaitForApproval_TimesOut(t *testing.T) {
	p := &scriptedPoller{steps: []step{pending()}}

	start := time.Now()
	res, err := WaitForApproval(context.Background(), p, "a1", 50*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Less(t, time.Since(start), time.Second)
	// фиксированный интервал: никакого busy-spin
	assert.LessOrEqual(t, p.Calls(), 8)
}

func TestWaitForApproval_TransientErrorsRetried(t *testing.T) {
	p := &scriptedPoller{steps: []step{
		{err: errors.New("connection reset")},
		{err: &StatusError{Code: http.StatusBadGateway}},
		{res: &approval.Retrieval{Status: domain.StatusDenied}},
	}}

	res, err := WaitForApproval(context.Background(), p, "a1", time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, 3, p.Calls())
}

func TestWaitForApproval_PermanentErrorReturned(t *testing.T) {
	p := &scriptedPoller{steps: []step{{err: &StatusError{Code: http.StatusNotFound, Message: "approval not found"}}}}

	_, err := WaitForApproval(context.Background(), p, "a1", time.Second, 5*time.Millisecond)
	var sErr *StatusError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, http.StatusNotFound, sErr.Code)
	assert.Equal(t, 1, p.Calls())
}

func TestWaitForApproval_CallerCancellation(t *testing.T) {
	p := &scriptedPoller{steps: []step{pending()}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := WaitForApproval(ctx, p, "a1", time.Minute, 5*time.Millisecond)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not stop after cancellation")
	}

	calls := p.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, p.Calls(), "polling must stop after cancellation")
}

func TestClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/approvals/a1", r.URL.Path)
		if r.Header.Get("X-Agent-Key") != "agent.secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid agent key"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"approval_id":"a1","status":"approved","expires_at":"2026-01-01T00:00:00Z","token":"lat_x","token_available":true}`)
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL+"/", "agent.secret", nil).Status(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, res.Status)
	assert.Equal(t, "lat_x", res.Token)
	assert.True(t, res.TokenAvailable)

	_, err = NewClient(srv.URL, "agent.wrong", nil).Status(context.Background(), "a1")
	var sErr *StatusError
	require.ErrorAs(t, err, &sErr)
	assert.True(t, sErr.Permanent())
	assert.Equal(t, "invalid agent key", sErr.Message)
}
