package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"targetline/internal/domain"
)

// Client is an ExecutionClient speaking the execution service's HTTP API.
type Client struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient creates a client for the execution service at baseURL.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		AuthToken: authToken,
		Timeout:   30 * time.Second,
	}
}

// APIError is returned when the service responds with an unexpected status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("execution service error (status %d): %s", e.StatusCode, e.Body)
}

type rejectionBody struct {
	ReasonCode string `json:"reason_code"`
	Message    string `json:"message"`
}

type taskStateBody struct {
	TaskID string               `json:"task_id"`
	Status domain.HandoffStatus `json:"status"`
	Result *domain.TaskResult   `json:"result,omitempty"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, data, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, data, nil
}

// Submit posts a task definition. A 409 means the task id is already known
// and counts as success. A 4xx carrying a reason code is a RejectedError.
func (c *Client) Submit(ctx context.Context, def domain.TaskDefinition) error {
	status, data, err := c.do(ctx, http.MethodPost, "/v1/tasks", def, nil)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return nil
	case status == http.StatusTooManyRequests:
		return &RejectedError{ReasonCode: domain.ReasonResourceUnavailable, Message: "service is at capacity"}
	case status >= 400 && status < 500:
		var rej rejectionBody
		if jsonErr := json.Unmarshal(data, &rej); jsonErr == nil && rej.ReasonCode != "" {
			return &RejectedError{ReasonCode: rej.ReasonCode, Message: rej.Message}
		}
		return &RejectedError{ReasonCode: domain.ReasonInvalidTask, Message: strings.TrimSpace(string(data))}
	default:
		return &APIError{StatusCode: status, Body: string(data)}
	}
}

// Poll fetches the current state of a task.
func (c *Client) Poll(ctx context.Context, taskID string) (domain.HandoffStatus, *domain.TaskResult, error) {
	var state taskStateBody
	status, data, err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &state)
	if err != nil {
		return "", nil, err
	}
	if status < 200 || status >= 300 {
		return "", nil, &APIError{StatusCode: status, Body: string(data)}
	}
	if !state.Status.Valid() {
		return "", nil, fmt.Errorf("service reported unknown task status %q", state.Status)
	}
	return state.Status, state.Result, nil
}
