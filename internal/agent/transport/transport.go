// Package transport is the HTTP client for the server running inside each
// agent container. Agents are addressed by container DNS name on the agent
// network; every outbound call carries the agent's MCP key.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
)

const (
	healthTimeout  = 5 * time.Second
	fileOpsTimeout = 30 * time.Second
	taskTimeout    = 10 * time.Minute

	// agentPort is the in-container server port.
	agentPort = 8080

	// maxLoggedBody truncates payloads before they are logged.
	maxLoggedBody  = 15 * 1024
	truncationMark = "...[truncated]"

	// connection resets on idempotent reads are retried; mutations are
	// delivered at most once, and 5xx responses are never retried.
	maxRetries = 2
)

// Error kinds surfaced by the transport.
var (
	// ErrNotReachable means the agent container did not answer at all.
	ErrNotReachable = errors.New("agent not reachable")
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("agent request timed out")
)

// RequestError is a non-2xx response from the agent.
type RequestError struct {
	Status int
	Detail string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("agent request failed: status=%d detail=%s", e.Status, e.Detail)
}

// TaskRequest is the body of POST /task.
type TaskRequest struct {
	Message     string `json:"message"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// TaskMetadata carries the agent's self-reported usage metrics.
type TaskMetadata struct {
	InputTokens   int     `json:"input_tokens"`
	ContextWindow int     `json:"context_window"`
	CostUSD       float64 `json:"cost_usd"`
}

// TaskResponse is the agent's reply to POST /task.
type TaskResponse struct {
	Response     string            `json:"response"`
	Metadata     *TaskMetadata     `json:"metadata,omitempty"`
	ExecutionLog []json.RawMessage `json:"execution_log,omitempty"`
}

// HealthResponse is the agent's reply to GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// InjectRequest is the body of POST /credentials/inject.
type InjectRequest struct {
	Files map[string]string `json:"files"`
}

// InjectResponse reports which files the agent wrote.
type InjectResponse struct {
	Status       string   `json:"status"`
	FilesWritten []string `json:"files_written"`
}

// ReadResponse is the agent's reply to GET /credentials/read.
type ReadResponse struct {
	Files map[string]string `json:"files"`
}

// Client talks to agent containers.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger

	// baseURL overrides DNS addressing; used by tests against httptest.
	baseURL string
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL routes all calls to a fixed base URL instead of per-agent DNS.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// NewClient creates an agent transport client.
func NewClient(log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		// Per-call timeouts are set via context; the client itself has none.
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "agent_transport")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) agentURL(agentName, path string) string {
	if c.baseURL != "" {
		return c.baseURL + path
	}
	return fmt.Sprintf("http://%s:%d%s", agentName, agentPort, path)
}

// Health checks the agent's readiness endpoint.
func (c *Client) Health(ctx context.Context, agentName, mcpKey string) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.call(ctx, agentName, mcpKey, http.MethodGet, "/health", nil, &out, healthTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// Task submits one blocking LLM turn to the agent. This is the long call of
// the system; the context should already carry cancellation from the
// terminate path.
func (c *Client) Task(ctx context.Context, agentName, mcpKey string, req *TaskRequest) (*TaskResponse, error) {
	var out TaskResponse
	if err := c.call(ctx, agentName, mcpKey, http.MethodPost, "/task", req, &out, taskTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// InjectCredentials writes credential files inside the agent container.
func (c *Client) InjectCredentials(ctx context.Context, agentName, mcpKey string, files map[string]string) (*InjectResponse, error) {
	var out InjectResponse
	err := c.call(ctx, agentName, mcpKey, http.MethodPost, "/credentials/inject", &InjectRequest{Files: files}, &out, fileOpsTimeout)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadCredentials reads credential files back from the agent container.
func (c *Client) ReadCredentials(ctx context.Context, agentName, mcpKey string, paths []string) (*ReadResponse, error) {
	var out ReadResponse
	path := "/credentials/read?paths=" + url.QueryEscape(strings.Join(paths, ","))
	if err := c.call(ctx, agentName, mcpKey, http.MethodGet, path, nil, &out, fileOpsTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// Relay forwards an opaque JSON endpoint (dashboard, metrics, git) without
// interpreting the payload.
func (c *Client) Relay(ctx context.Context, agentName, mcpKey, method, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, agentName, mcpKey, method, path, nil, &out, fileOpsTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, agentName, mcpKey, method, path string, body, out interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	// A reset after the agent accepted a mutation is indistinguishable from
	// one before it; retrying would dispatch the same work twice.
	attempts := 1
	if method == http.MethodGet {
		attempts = maxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		respBody, err := c.doOnce(ctx, agentName, mcpKey, method, path, payload)
		if err == nil {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode agent response: %w", err)
			}
			return nil
		}
		lastErr = err
		if !isConnectionReset(err) {
			break
		}
		c.logger.Debug("retrying after connection reset",
			zap.String("agent_name", agentName),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
		)
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, agentName, mcpKey, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.agentURL(agentName, path), reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mcpKey != "" {
		req.Header.Set("Authorization", "Bearer "+mcpKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		if isConnectionReset(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNotReachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Status: resp.StatusCode,
			Detail: Truncate(string(respBody)),
		}
	}
	return respBody, nil
}

// Truncate caps a payload for logging.
func Truncate(s string) string {
	if len(s) <= maxLoggedBody {
		return s
	}
	return s[:maxLoggedBody] + truncationMark
}

func isConnectionReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return errors.Is(netErr.Err, syscall.ECONNRESET)
	}
	return false
}
