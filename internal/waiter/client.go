package waiter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xela07ax/latchgate/internal/approval"
)

// StatusError: шлюз ответил не 200. Code помогает отличить окончательные отказы (401/404) от временных.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("approval status: http %d: %s", e.Code, e.Message)
}

// Permanent: повторять бессмысленно: ключ не подходит или заявки нет.
func (e *StatusError) Permanent() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusNotFound || e.Code == http.StatusForbidden
}

// Client опрашивает GET /v1/approvals/{id} на шлюзе от имени агента.
type Client struct {
	baseURL  string
	agentKey string
	http     *http.Client
}

func NewClient(baseURL, agentKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		agentKey: agentKey,
		http:     httpClient,
	}
}

func (c *Client) Status(ctx context.Context, approvalID string) (*approval.Retrieval, error) {
	endpoint := c.baseURL + "/v1/approvals/" + url.PathEscape(approvalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("X-Agent-Key", c.agentKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("approval status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		return nil, &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	var out approval.Retrieval
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}
