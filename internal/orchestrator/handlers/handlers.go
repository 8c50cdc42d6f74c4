// Package handlers exposes the execution surface: task and chat submission,
// termination, and queue administration.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trinity/trinity/internal/agent/permissions"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/orchestrator/executor"
	"github.com/trinity/trinity/internal/orchestrator/queue"
	"github.com/trinity/trinity/internal/schedule"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Handler wires the executor into HTTP.
type Handler struct {
	executor    *executor.Executor
	permissions *permissions.Resolver
	schedules   *schedule.Service
	logger      *logger.Logger
}

// NewHandler creates the execution handler.
func NewHandler(exec *executor.Executor, perms *permissions.Resolver, schedules *schedule.Service, log *logger.Logger) *Handler {
	return &Handler{executor: exec, permissions: perms, schedules: schedules, logger: log}
}

// RegisterRoutes registers execution routes. User-facing submission lives on
// the authenticated group; agent-to-agent dispatch lives on the internal
// group where the caller identity comes from its MCP key.
func (h *Handler) RegisterRoutes(authed, internal *gin.RouterGroup) {
	authed.POST("/agents/:name/task", h.task)
	authed.POST("/agents/:name/chat", h.chat)
	authed.POST("/agents/:name/terminate", h.terminate)
	authed.POST("/agents/:name/executions/:id/terminate", h.terminateExecution)
	authed.GET("/agents/:name/queue", h.queueStatus)
	authed.POST("/agents/:name/queue/clear", h.queueClear)
	authed.POST("/agents/:name/queue/release", h.queueRelease)
	authed.POST("/agents/:name/schedules/:id/trigger", h.triggerSchedule)
	authed.GET("/executions/running", h.runningExecutions)

	internal.POST("/internal/agents/:name/task", h.agentTask)
}

// task submits asynchronous work: when the agent is busy the execution joins
// the wait list instead of failing.
func (h *Handler) task(c *gin.Context) {
	h.submit(c, v1.SourceUser, "", true)
}

// chat is the interactive path: it never queues, a busy agent is a 409
// carrying the current execution.
func (h *Handler) chat(c *gin.Context) {
	h.submit(c, v1.SourceUser, "", false)
}

// agentTask is agent-to-agent dispatch, gated by the permission graph.
func (h *Handler) agentTask(c *gin.Context) {
	sourceAgent := httpmw.CurrentAgent(c)
	if sourceAgent == "" {
		httpmw.RespondError(c, h.logger, apperrors.Unauthorized("agent identity required"))
		return
	}

	target := c.Param("name")
	allowed, err := h.permissions.CanDispatch(c.Request.Context(), sourceAgent, target)
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.InternalError("permission check", err))
		return
	}
	if !allowed {
		httpmw.RespondError(c, h.logger, apperrors.Forbidden("agent is not permitted to dispatch to this target"))
		return
	}

	h.submit(c, v1.SourceAgent, sourceAgent, true)
}

func (h *Handler) submit(c *gin.Context, source v1.ExecutionSource, sourceAgent string, defaultWait bool) {
	var req v1.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}

	wait := defaultWait || req.WaitIfBusy

	exec := &v1.Execution{
		ID:           uuid.New().String(),
		AgentName:    c.Param("name"),
		Source:       source,
		SourceAgent:  sourceAgent,
		SourceUserID: httpmw.CurrentUser(c),
		Message:      req.Message,
		Status:       v1.ExecutionQueued,
		QueuedAt:     time.Now().UTC(),
	}

	sub, err := h.executor.Submit(c.Request.Context(), exec, wait)
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}

	if sub.State == queue.SubmitQueued {
		c.JSON(http.StatusAccepted, gin.H{
			"execution_id": exec.ID,
			"status":       string(v1.ExecutionQueued),
			"position":     sub.Position,
		})
		return
	}
	c.JSON(http.StatusOK, sub.Result)
}

// respondSubmitError adds the Retry-After header for queue-full rejections
// before the generic error mapping.
func (h *Handler) respondSubmitError(c *gin.Context, err error) {
	if appErr, ok := apperrors.As(err); ok && appErr.Code == apperrors.ErrCodeQueueFull && appErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	httpmw.RespondError(c, h.logger, err)
}

// triggerSchedule runs a schedule now, outside its cron slot. The run goes
// through the same pipeline as a cron fire but records a manual source, and
// next_run_at is left untouched.
func (h *Handler) triggerSchedule(c *gin.Context) {
	sched, err := h.schedules.Get(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	exec := &v1.Execution{
		ID:           uuid.New().String(),
		AgentName:    sched.AgentName,
		Source:       v1.SourceManual,
		SourceUserID: httpmw.CurrentUser(c),
		ScheduleID:   sched.ID,
		Message:      sched.Message,
		Status:       v1.ExecutionQueued,
		QueuedAt:     time.Now().UTC(),
	}

	sub, err := h.executor.Submit(c.Request.Context(), exec, true)
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}

	if sub.State == queue.SubmitQueued {
		c.JSON(http.StatusAccepted, gin.H{
			"execution_id": exec.ID,
			"status":       string(v1.ExecutionQueued),
			"position":     sub.Position,
		})
		return
	}
	c.JSON(http.StatusOK, sub.Result)
}

func (h *Handler) terminate(c *gin.Context) {
	terminated, err := h.executor.Terminate(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	if !terminated {
		httpmw.RespondError(c, h.logger, apperrors.NotFound("running execution", c.Param("name")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated": true})
}

// terminateExecution terminates one execution by ID. Terminating an
// execution that already has a recorded outcome is not an error; the
// response says which case applied.
func (h *Handler) terminateExecution(c *gin.Context) {
	status, err := h.executor.TerminateExecution(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": c.Param("id"),
		"status":       status,
	})
}

// runningExecutions lists every execution currently marked running across
// the fleet.
func (h *Handler) runningExecutions(c *gin.Context) {
	running, err := h.schedules.Running(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": running})
}

func (h *Handler) queueStatus(c *gin.Context) {
	status, err := h.executor.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) queueClear(c *gin.Context) {
	dropped, err := h.executor.ClearQueue(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dropped": dropped})
}

func (h *Handler) queueRelease(c *gin.Context) {
	released, err := h.executor.ForceRelease(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}
