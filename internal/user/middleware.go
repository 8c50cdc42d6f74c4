package user

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// KeyValidator validates agent bearer keys.
type KeyValidator interface {
	Validate(ctx context.Context, token string) (*v1.ValidateMCPKeyResponse, error)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// JWTAuth authenticates user requests with a bearer JWT and sets the
// username on the request context.
func JWTAuth(svc *Service, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			httpmw.RespondError(c, log, apperrors.Unauthorized("missing bearer token"))
			c.Abort()
			return
		}
		identity, err := svc.ParseToken(token)
		if err != nil {
			httpmw.RespondError(c, log, err)
			c.Abort()
			return
		}
		c.Set(httpmw.ContextUserKey, identity.Username)
		c.Set(httpmw.ContextScopeKey, "user")
		c.Next()
	}
}

// AgentKeyAuth authenticates agent callbacks with an MCP key and sets the
// agent identity on the request context.
func AgentKeyAuth(keys KeyValidator, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			httpmw.RespondError(c, log, apperrors.Unauthorized("missing agent key"))
			c.Abort()
			return
		}
		result, err := keys.Validate(c.Request.Context(), token)
		if err != nil || !result.Valid {
			httpmw.RespondError(c, log, apperrors.Unauthorized("invalid agent key"))
			c.Abort()
			return
		}
		c.Set(httpmw.ContextUserKey, result.User)
		c.Set(httpmw.ContextScopeKey, string(result.Scope))
		if result.AgentName != "" {
			c.Set(httpmw.ContextAgentKey, result.AgentName)
		}
		c.Next()
	}
}
