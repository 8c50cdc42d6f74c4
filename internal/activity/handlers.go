package activity

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Handler provides the HTTP surface for the activity timeline.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates an activity handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes registers reads on the authenticated group and the track
// and complete endpoints on the internal group. The internal group is bound
// to the agent network and carries no user auth; agents report their own
// progress through it.
func (h *Handler) RegisterRoutes(authed, internal *gin.RouterGroup) {
	authed.GET("/agents/:name/activities", h.list)
	internal.POST("/internal/activities/track", h.track)
	internal.POST("/internal/activities/:id/complete", h.complete)
}

func (h *Handler) track(c *gin.Context) {
	var req v1.TrackActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	activity, err := h.service.Track(c.Request.Context(), &req)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, activity)
}

func (h *Handler) complete(c *gin.Context) {
	var req v1.CompleteActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	activity, err := h.service.Complete(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, activity)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	activities, err := h.service.List(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": activities})
}
