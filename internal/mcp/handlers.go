package mcp

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Handler provides the HTTP surface for MCP keys.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates an MCP key handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes registers the key management routes on the authenticated
// group and validate on the public group (it authenticates by token).
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup, public *gin.RouterGroup) {
	authed.POST("/mcp/keys", h.mint)
	authed.GET("/mcp/keys", h.list)
	authed.POST("/mcp/keys/:id/revoke", h.revoke)
	public.POST("/mcp/validate", h.validate)
}

func (h *Handler) mint(c *gin.Context) {
	var req v1.MintMCPKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}

	// System scope is never mintable through the public API.
	if v1.MCPKeyScope(req.Scope) == v1.MCPScopeSystem {
		httpmw.RespondError(c, h.logger, apperrors.Forbidden("system-scoped keys cannot be minted via the API"))
		return
	}

	resp, err := h.service.Mint(c.Request.Context(), httpmw.CurrentUser(c), req.AgentName, v1.MCPKeyScope(req.Scope))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) list(c *gin.Context) {
	keys, err := h.service.List(c.Request.Context(), httpmw.CurrentUser(c))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) revoke(c *gin.Context) {
	if err := h.service.Revoke(c.Request.Context(), httpmw.CurrentUser(c), c.Param("id")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) validate(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		httpmw.RespondError(c, h.logger, apperrors.Unauthorized("missing bearer token"))
		return
	}

	resp, err := h.service.Validate(c.Request.Context(), token)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	if !resp.Valid {
		c.JSON(http.StatusUnauthorized, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
