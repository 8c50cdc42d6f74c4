package httpmw

import "github.com/gin-gonic/gin"

// Gin context keys set by the auth middleware.
const (
	// ContextUserKey holds the authenticated username.
	ContextUserKey = "auth_username"
	// ContextScopeKey holds the auth scope ("user" or "system") when the
	// request authenticated with an MCP key.
	ContextScopeKey = "auth_scope"
	// ContextAgentKey holds the calling agent's name for agent-scoped keys.
	ContextAgentKey = "auth_agent"
)

// CurrentUser returns the authenticated username, empty when unauthenticated.
func CurrentUser(c *gin.Context) string {
	return c.GetString(ContextUserKey)
}

// CurrentScope returns the auth scope of the request.
func CurrentScope(c *gin.Context) string {
	return c.GetString(ContextScopeKey)
}

// CurrentAgent returns the calling agent name, empty for user requests.
func CurrentAgent(c *gin.Context) string {
	return c.GetString(ContextAgentKey)
}
