package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/logger"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(logger.Default(), WithBaseURL(srv.URL))
}

func TestHealth(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "Bearer trinity_mcp_abc", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
	}))

	resp, err := client.Health(context.Background(), "research-agent", "trinity_mcp_abc")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestTask(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task", r.URL.Path)
		var req TaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarize the repo", req.Message)
		assert.Equal(t, "exec-1", req.ExecutionID)

		json.NewEncoder(w).Encode(TaskResponse{
			Response: "done",
			Metadata: &TaskMetadata{InputTokens: 1200, ContextWindow: 200000, CostUSD: 0.04},
			ExecutionLog: []json.RawMessage{
				json.RawMessage(`{"tool":"bash","args":"ls"}`),
			},
		})
	}))

	resp, err := client.Task(context.Background(), "research-agent", "k", &TaskRequest{
		Message:     "summarize the repo",
		ExecutionID: "exec-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Response)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, 1200, resp.Metadata.InputTokens)
	assert.Len(t, resp.ExecutionLog, 1)
}

func TestRequestErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "agent blew up", http.StatusInternalServerError)
	}))

	_, err := client.Task(context.Background(), "research-agent", "k", &TaskRequest{Message: "hi"})
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusInternalServerError, reqErr.Status)
	assert.Contains(t, reqErr.Detail, "agent blew up")
	assert.Equal(t, int32(1), calls.Load(), "5xx responses must not be retried")
}

func TestNotReachable(t *testing.T) {
	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := NewClient(logger.Default(), WithBaseURL(srv.URL))

	_, err := client.Health(context.Background(), "research-agent", "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReachable))
}

func TestReadCredentials(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/credentials/read", r.URL.Path)
		assert.Equal(t, ".env,.mcp.json", r.URL.Query().Get("paths"))
		json.NewEncoder(w).Encode(ReadResponse{Files: map[string]string{".env": "K=v\n"}})
	}))

	resp, err := client.ReadCredentials(context.Background(), "research-agent", "k", []string{".env", ".mcp.json"})
	require.NoError(t, err)
	assert.Equal(t, "K=v\n", resp.Files[".env"])
}

func TestInjectCredentials(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InjectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		written := make([]string, 0, len(req.Files))
		for path := range req.Files {
			written = append(written, path)
		}
		json.NewEncoder(w).Encode(InjectResponse{Status: "ok", FilesWritten: written})
	}))

	resp, err := client.InjectCredentials(context.Background(), "research-agent", "k", map[string]string{
		".env": "OPENAI_API_KEY=x\n",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{".env"}, resp.FilesWritten)
}

// resetServer accepts TCP connections and immediately resets them, counting
// each accept.
func resetServer(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var conns atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			conn.(*net.TCPConn).SetLinger(0)
			conn.Close()
		}
	}()
	return "http://" + ln.Addr().String(), &conns
}

func TestHealthRetriedAfterConnectionReset(t *testing.T) {
	addr, conns := resetServer(t)
	client := NewClient(logger.Default(), WithBaseURL(addr))

	_, err := client.Health(context.Background(), "research-agent", "k")
	require.Error(t, err)
	assert.Equal(t, int32(maxRetries+1), conns.Load(), "reads retry through resets")
}

func TestTaskNotRetriedAfterConnectionReset(t *testing.T) {
	addr, conns := resetServer(t)
	client := NewClient(logger.Default(), WithBaseURL(addr))

	_, err := client.Task(context.Background(), "research-agent", "k", &TaskRequest{Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), conns.Load(), "a task turn is delivered at most once")
}

func TestRelayPassesPayloadThrough(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dashboard/summary", r.URL.Path)
		w.Write([]byte(`{"widgets":[{"id":1}]}`))
	}))

	raw, err := client.Relay(context.Background(), "research-agent", "k", http.MethodGet, "/dashboard/summary")
	require.NoError(t, err)
	assert.JSONEq(t, `{"widgets":[{"id":1}]}`, string(raw))
}

func TestTruncate(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, Truncate(short))

	long := strings.Repeat("x", maxLoggedBody+100)
	out := Truncate(long)
	assert.Len(t, out, maxLoggedBody+len(truncationMark))
	assert.True(t, strings.HasSuffix(out, truncationMark))
}
