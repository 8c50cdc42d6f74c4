package v1

import "time"

// MCPKeyScope distinguishes user-scoped keys from the privileged system scope.
type MCPKeyScope string

const (
	MCPScopeUser   MCPKeyScope = "user"
	MCPScopeSystem MCPKeyScope = "system"
)

// MCPKey is the metadata view of a minted key. The token itself is returned
// exactly once at mint time; only its hash and display prefix are stored.
type MCPKey struct {
	ID          string      `json:"id"`
	Owner       string      `json:"owner"`
	AgentName   string      `json:"agent_name,omitempty"` // empty for user-scoped keys
	Scope       MCPKeyScope `json:"scope"`
	TokenPrefix string      `json:"token_prefix"` // first characters, for display
	Revoked     bool        `json:"revoked"`
	CreatedAt   time.Time   `json:"created_at"`
}

// MintMCPKeyRequest is the payload for POST /mcp/keys.
type MintMCPKeyRequest struct {
	AgentName string `json:"agent_name,omitempty"`
	Scope     string `json:"scope,omitempty"` // defaults to "user"
}

// MintMCPKeyResponse carries the one-time plaintext token.
type MintMCPKeyResponse struct {
	Key   MCPKey `json:"key"`
	Token string `json:"token"`
}

// ValidateMCPKeyResponse is the (user, agent, scope) triple for a valid token.
type ValidateMCPKeyResponse struct {
	Valid     bool        `json:"valid"`
	User      string      `json:"user,omitempty"`
	AgentName string      `json:"agent_name,omitempty"`
	Scope     MCPKeyScope `json:"scope,omitempty"`
}
