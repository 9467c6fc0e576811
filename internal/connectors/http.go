package connectors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Лимит тела ответа upstream
const maxResponseBytes = 8 << 20

// HTTPConnector: upstream, говорящий JSON-RPC поверх HTTP (MCP streamable HTTP).
type HTTPConnector struct {
	url     string
	headers map[string]string
	client  *http.Client
	seq     atomic.Int64
}

func NewHTTPConnector(url string, headers map[string]string, client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPConnector{url: url, headers: headers, client: client}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (c *HTTPConnector) Call(ctx context.Context, tool string, args json.RawMessage) (*Result, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  "tools/call",
		Params: map[string]any{
			"name":      tool,
			"arguments": args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, &DialError{Cause: err}
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Cause:      fmt.Errorf("upstream status %d", resp.StatusCode),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	payload, err := readPayload(resp)
	if err != nil {
		return nil, err
	}

	var out rpcResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	if len(out.Error) > 0 && !bytes.Equal(out.Error, []byte("null")) {
		return &Result{Error: out.Error}, nil
	}
	if len(out.Result) == 0 {
		return nil, errors.New("upstream response has neither result nor error")
	}
	return &Result{Result: out.Result}, nil
}

// readPayload достает JSON-RPC ответ из тела: обычный JSON или первое data-событие SSE.
func readPayload(resp *http.Response) ([]byte, error) {
	body := io.LimitReader(resp.Body, maxResponseBytes)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read upstream response: %w", err)
		}
		return b, nil
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64<<10), maxResponseBytes)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data != "" {
				return []byte(data), nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read upstream event stream: %w", err)
	}
	return nil, errors.New("upstream event stream closed without a response")
}

// parseRetryAfter понимает оба формата заголовка: секунды и HTTP-дату.
func parseRetryAfter(v string, now time.Time) time.Duration {
	const fallback = time.Second
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
