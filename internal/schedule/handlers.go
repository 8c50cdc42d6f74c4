package schedule

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Handler provides the HTTP surface for schedules and execution history.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a schedule handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes registers schedule routes on the authenticated group.
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup) {
	authed.POST("/agents/:name/schedules", h.create)
	authed.GET("/agents/:name/schedules", h.list)
	authed.GET("/agents/:name/schedules/:id", h.get)
	authed.PUT("/agents/:name/schedules/:id", h.update)
	authed.DELETE("/agents/:name/schedules/:id", h.delete)
	authed.GET("/agents/:name/schedules/:id/executions", h.scheduleHistory)
	authed.GET("/agents/:name/executions", h.history)
	authed.GET("/executions/:id", h.getExecution)
}

func (h *Handler) create(c *gin.Context) {
	var req v1.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	sched, err := h.service.Create(c.Request.Context(), c.Param("name"), &req)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (h *Handler) list(c *gin.Context) {
	schedules, err := h.service.List(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (h *Handler) get(c *gin.Context) {
	sched, err := h.service.Get(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (h *Handler) update(c *gin.Context) {
	var req v1.UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	sched, err := h.service.Update(c.Request.Context(), c.Param("name"), c.Param("id"), &req)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("name"), c.Param("id")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) history(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := h.service.History(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (h *Handler) scheduleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := h.service.ScheduleHistory(c.Request.Context(), c.Param("name"), c.Param("id"), limit)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (h *Handler) getExecution(c *gin.Context) {
	execution, err := h.service.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, execution)
}
