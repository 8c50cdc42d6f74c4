package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/agent/permissions"
	"github.com/trinity/trinity/internal/agent/store"
	"github.com/trinity/trinity/internal/agent/transport"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/orchestrator/executor"
	"github.com/trinity/trinity/internal/orchestrator/locks"
	"github.com/trinity/trinity/internal/orchestrator/queue"
	"github.com/trinity/trinity/internal/schedule"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

type allAgents struct{}

func (allAgents) Exists(context.Context, string) (bool, error) { return true, nil }

type env struct {
	router    *gin.Engine
	perms     *permissions.Resolver
	schedules *schedule.Service
	backend   locks.Backend
	release   chan struct{}
	started   chan struct{}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transport.TaskRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Message == "block" {
			started <- struct{}{}
			<-release
		}
		json.NewEncoder(w).Encode(transport.TaskResponse{Response: "done"})
	}))
	t.Cleanup(agentSrv.Close)

	conn, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	schedStore, err := schedule.NewStore(conn, conn)
	require.NoError(t, err)
	schedules := schedule.NewService(schedStore, allAgents{}, logger.Default())

	perms, err := permissions.NewResolver(conn, conn, "trinity-system", logger.Default())
	require.NoError(t, err)

	agents, err := store.New(conn, conn)
	require.NoError(t, err)
	for _, name := range []string{"research-agent", "agent-a", "agent-b"} {
		require.NoError(t, agents.Create(context.Background(), &store.AgentRecord{
			Name:          name,
			OwnerUsername: "alice",
		}))
	}

	backend := locks.NewMemoryBackend()
	q := queue.NewExecutionQueue(backend, queue.Config{MaxQueueSize: 1, ExecutionTTL: time.Minute}, logger.Default())
	tr := transport.NewClient(logger.Default(), transport.WithBaseURL(agentSrv.URL))
	exec := executor.New(q, tr, schedules, nil, nil, logger.Default())

	handler := NewHandler(exec, perms, schedules, logger.Default())
	router := gin.New()
	authed := router.Group("/api/v1")
	authed.Use(func(c *gin.Context) { c.Set(httpmw.ContextUserKey, "alice") })
	internal := router.Group("/api/v1")
	internal.Use(func(c *gin.Context) {
		if agent := c.GetHeader("X-Test-Agent"); agent != "" {
			c.Set(httpmw.ContextAgentKey, agent)
		}
	})
	handler.RegisterRoutes(authed, internal)

	return &env{router: router, perms: perms, schedules: schedules, backend: backend, release: release, started: started}
}

func (e *env) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestChatReturnsResult(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/api/v1/agents/research-agent/chat", v1.TaskRequest{Message: "hi"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result v1.TaskResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "done", result.Response)
	assert.Equal(t, string(v1.ExecutionSuccess), result.Status)
}

func TestChatBusyReturns409(t *testing.T) {
	e := newEnv(t)
	defer close(e.release)

	go e.do(http.MethodPost, "/api/v1/agents/research-agent/chat", v1.TaskRequest{Message: "block"}, nil)
	<-e.started

	rec := e.do(http.MethodPost, "/api/v1/agents/research-agent/chat", v1.TaskRequest{Message: "hi"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "AGENT_BUSY")
}

func TestTaskQueuesWhenBusy(t *testing.T) {
	e := newEnv(t)
	defer close(e.release)

	go e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "block"}, nil)
	<-e.started

	rec := e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "queued work"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, float64(1), resp["position"])
}

func TestTaskQueueFullReturns429(t *testing.T) {
	e := newEnv(t)
	defer close(e.release)

	go e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "block"}, nil)
	<-e.started

	// MaxQueueSize is 1: the first waiter fits, the second is rejected.
	rec := e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "one"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "two"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "QUEUE_FULL")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestQueueStatusAndClear(t *testing.T) {
	e := newEnv(t)
	defer close(e.release)

	go e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "block"}, nil)
	<-e.started
	e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "waiting"}, nil)

	rec := e.do(http.MethodGet, "/api/v1/agents/research-agent/queue", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status v1.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.IsBusy)
	assert.Equal(t, 1, status.QueueLength)

	rec = e.do(http.MethodPost, "/api/v1/agents/research-agent/queue/clear", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dropped":1`)
}

func TestQueueReleaseIdleReturns404(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/agents/idle-agent/queue/release", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminateIdleReturns404(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/agents/idle-agent/terminate", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerScheduleRunsNow(t *testing.T) {
	e := newEnv(t)

	sched, err := e.schedules.Create(context.Background(), "research-agent", &v1.CreateScheduleRequest{
		Name:           "daily digest",
		CronExpression: "0 9 * * *",
		Message:        "compile the digest",
	})
	require.NoError(t, err)

	rec := e.do(http.MethodPost, "/api/v1/agents/research-agent/schedules/"+sched.ID+"/trigger", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result v1.TaskResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "done", result.Response)

	history, err := e.schedules.History(context.Background(), "research-agent", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "manual", history[0].TriggeredBy)

	// The run is attributed to the schedule, not just the agent.
	linked, err := e.schedules.ScheduleHistory(context.Background(), "research-agent", sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, v1.ExecutionSuccess, linked[0].Status)
}

func TestTerminateExecutionByID(t *testing.T) {
	e := newEnv(t)
	defer close(e.release)

	go e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "block"}, nil)
	<-e.started

	rec := e.do(http.MethodGet, "/api/v1/agents/research-agent/queue", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status v1.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.CurrentExecution)
	id := status.CurrentExecution.ID

	rec = e.do(http.MethodPost, "/api/v1/agents/research-agent/executions/"+id+"/terminate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"terminated"`)
	assert.Contains(t, rec.Body.String(), id)
}

func TestTerminateFinishedExecution(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/api/v1/agents/research-agent/chat", v1.TaskRequest{Message: "hi"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	history, err := e.schedules.History(context.Background(), "research-agent", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)

	rec = e.do(http.MethodPost, "/api/v1/agents/research-agent/executions/"+history[0].ID+"/terminate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already_finished")

	rec = e.do(http.MethodPost, "/api/v1/agents/research-agent/executions/no-such-id/terminate", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunningExecutionsListsFleet(t *testing.T) {
	e := newEnv(t)
	defer close(e.release)

	rec := e.do(http.MethodGet, "/api/v1/executions/running", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"executions":[]`)

	go e.do(http.MethodPost, "/api/v1/agents/research-agent/task", v1.TaskRequest{Message: "block"}, nil)
	<-e.started

	rec = e.do(http.MethodGet, "/api/v1/executions/running", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Executions []*v1.ScheduleExecution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, "research-agent", resp.Executions[0].AgentName)
	assert.Equal(t, v1.ExecutionRunning, resp.Executions[0].Status)
}

func TestTriggerUnknownScheduleReturns404(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/agents/research-agent/schedules/no-such-id/trigger", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentDispatchRequiresPermission(t *testing.T) {
	e := newEnv(t)

	headers := map[string]string{"X-Test-Agent": "agent-a"}
	rec := e.do(http.MethodPost, "/api/v1/internal/agents/agent-b/task", v1.TaskRequest{Message: "hi"}, headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, e.perms.Grant(context.Background(), "agent-a", "agent-b"))
	rec = e.do(http.MethodPost, "/api/v1/internal/agents/agent-b/task", v1.TaskRequest{Message: "hi"}, headers)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentDispatchWithoutIdentity(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/internal/agents/agent-b/task", v1.TaskRequest{Message: "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
