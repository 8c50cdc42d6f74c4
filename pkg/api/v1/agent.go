package v1

import "time"

// ContainerStatus is the normalized container state of an agent.
// Raw engine states (exited, dead, created) collapse to STOPPED.
type ContainerStatus string

const (
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusStopped ContainerStatus = "stopped"
	ContainerStatusError   ContainerStatus = "error"
)

// Resources defines the container resource limits applied to an agent.
type Resources struct {
	CPUs   float64 `json:"cpus"`
	Memory string  `json:"memory"` // e.g. "2g", "512m"
}

// Agent represents a supervised agent container enriched with control-plane state.
type Agent struct {
	Name             string          `json:"name"`
	OwnerUsername    string          `json:"owner_username"`
	TemplateID       string          `json:"template_id"` // "github:owner/repo" or "local:<name>"
	IsSystem         bool            `json:"is_system"`
	AutonomyEnabled  bool            `json:"autonomy_enabled"`
	ReadOnlyMode     bool            `json:"read_only_mode"`
	ReadOnlyPatterns []string        `json:"read_only_patterns,omitempty"`
	UsePlatformKey   bool            `json:"use_platform_api_key"`
	SSHPort          int             `json:"ssh_port"`
	Resources        Resources       `json:"resources"`
	Status           ContainerStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

// CreateAgentRequest is the payload for POST /agents.
type CreateAgentRequest struct {
	Name        string            `json:"name" binding:"required,max=63"`
	Template    string            `json:"template,omitempty"`
	Resources   *Resources        `json:"resources,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Autonomy    *bool             `json:"autonomy_enabled,omitempty"`
}

// UpdateAgentRequest is the payload for PATCH /agents/{name}.
type UpdateAgentRequest struct {
	AutonomyEnabled  *bool    `json:"autonomy_enabled,omitempty"`
	ReadOnlyMode     *bool    `json:"read_only_mode,omitempty"`
	ReadOnlyPatterns []string `json:"read_only_patterns,omitempty"`
	UsePlatformKey   *bool    `json:"use_platform_api_key,omitempty"`
}

// AgentStats is a single-shot resource usage sample for an agent container.
type AgentStats struct {
	AgentName   string    `json:"agent_name"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	SampledAt   time.Time `json:"sampled_at"`
}

// PermissionSet is the permission view for one agent.
type PermissionSet struct {
	AgentName       string   `json:"agent_name"`
	AvailableAgents []string `json:"available_agents"` // targets this agent may dispatch to
	InboundAgents   []string `json:"inbound_agents"`   // agents allowed to dispatch to this one
}
