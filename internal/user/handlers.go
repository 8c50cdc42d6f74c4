package user

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Handler wires accounts and token issuance into HTTP.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates the user handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes registers routes. Token issuance is public; account
// management requires authentication.
func (h *Handler) RegisterRoutes(public, authed *gin.RouterGroup) {
	public.POST("/token", h.token)

	authed.GET("/users/me", h.me)
	authed.GET("/users", h.list)
	authed.POST("/users", h.create)
}

func (h *Handler) token(c *gin.Context) {
	var req v1.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	resp, err := h.service.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) me(c *gin.Context) {
	account, err := h.service.Get(c.Request.Context(), httpmw.CurrentUser(c))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) list(c *gin.Context) {
	if err := h.requireAdmin(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	users, err := h.service.List(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) create(c *gin.Context) {
	if err := h.requireAdmin(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	var req v1.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	account, err := h.service.Register(c.Request.Context(), &req)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (h *Handler) requireAdmin(c *gin.Context) error {
	account, err := h.service.Get(c.Request.Context(), httpmw.CurrentUser(c))
	if err != nil {
		return apperrors.Unauthorized("unknown caller")
	}
	if !account.IsAdmin {
		return apperrors.Forbidden("admin privileges required")
	}
	return nil
}
