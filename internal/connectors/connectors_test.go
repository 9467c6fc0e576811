package connectors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/latchgate/internal/domain"
	"go.uber.org/zap"
)

func TestHTTPConnector_RelaysResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tools/call", req["method"])
		params := req["params"].(map[string]any)
		assert.Equal(t, "send_email", params["name"])
		assert.Equal(t, "secret", r.Header.Get("X-Upstream-Auth"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"ok"}]}}`)
	}))
	defer srv.Close()

	c := NewHTTPConnector(srv.URL, map[string]string{"X-Upstream-Auth": "secret"}, nil)
	res, err := c.Call(context.Background(), "send_email", json.RawMessage(`{"to":"a@b.c"}`))
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.JSONEq(t, `{"content":[{"type":"text","text":"ok"}]}`, string(res.Result))
}

func TestHTTPConnector_RelaysUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"mailbox full"}}`)
	}))
	defer srv.Close()

	res, err := NewHTTPConnector(srv.URL, nil, nil).Call(context.Background(), "send_email", nil)
	require.NoError(t, err)
	require.True(t, res.Failed())
	assert.JSONEq(t, `{"code":-32000,"message":"mailbox full"}`, string(res.Error))
}

func TestHTTPConnector_EventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"n\":1}}\n\n")
	}))
	defer srv.Close()

	res, err := NewHTTPConnector(srv.URL, nil, nil).Call(context.Background(), "count", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res.Result))
}

func TestHTTPConnector_Throttle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPConnector(srv.URL, nil, nil).Call(context.Background(), "x", nil)
	var tErr *ThrottleError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, 7*time.Second, tErr.RetryAfter)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Second, parseRetryAfter("", now))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Second, parseRetryAfter("soon", now))
}

func TestReliabilityWrapper_RetriesThrottled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer srv.Close()

	w := NewReliabilityWrapper(NewHTTPConnector(srv.URL, nil, nil), ReliabilityOptions{Name: "up"})
	res, err := w.Call(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res.Result))
	assert.Equal(t, int32(2), calls.Load())
}

func TestReliabilityWrapper_DoesNotRetryDeliveredCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewReliabilityWrapper(NewHTTPConnector(srv.URL, nil, nil), ReliabilityOptions{Name: "up"})
	_, err := w.Call(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReliabilityWrapper_OpensCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var opened atomic.Bool
	w := NewReliabilityWrapper(NewHTTPConnector(srv.URL, nil, nil), ReliabilityOptions{
		Name: "up",
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				opened.Store(true)
			}
		},
	})

	for i := 0; i < 6; i++ {
		_, err := w.Call(context.Background(), "x", nil)
		require.Error(t, err)
	}
	_, err := w.Call(context.Background(), "x", nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, opened.Load())
}

func TestStaticConnector(t *testing.T) {
	c := &StaticConnector{Responses: map[string]json.RawMessage{"ping": json.RawMessage(`{"pong":true}`)}}

	res, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(res.Result))

	res, err = c.Call(context.Background(), "send_email", json.RawMessage(`{"to":"x"}`))
	require.NoError(t, err)
	var out struct {
		StructuredContent struct {
			Tool      string         `json:"tool"`
			Arguments map[string]any `json:"arguments"`
			Simulated bool           `json:"simulated"`
		} `json:"structuredContent"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, "send_email", out.StructuredContent.Tool)
	assert.True(t, out.StructuredContent.Simulated)
	assert.Equal(t, "x", out.StructuredContent.Arguments["to"])
}

func TestRegistry_ReusesAndRebuilds(t *testing.T) {
	r := NewRegistry(RegistryOptions{}, zap.NewNop())
	defer r.Close()

	up := &domain.Upstream{ID: "u1", Connection: domain.Connection{Transport: domain.TransportStatic}}
	p1, err := r.For(up)
	require.NoError(t, err)
	p2, err := r.For(up)
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	up.Connection = domain.Connection{Transport: domain.TransportHTTP, URL: "http://127.0.0.1:1/mcp"}
	p3, err := r.For(up)
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)

	_, err = r.For(&domain.Upstream{ID: "u2", Connection: domain.Connection{Transport: "smtp"}})
	require.Error(t, err)
	_, err = r.For(&domain.Upstream{ID: "u3", Connection: domain.Connection{Transport: domain.TransportHTTP}})
	require.Error(t, err)
}
