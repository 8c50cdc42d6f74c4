package docker

import (
	"strconv"
	"time"
)

// Container labels are the source of truth for the agent index: listing
// agents queries the engine by label and never consults the state store.
// The store only holds what labels cannot (ownership, permissions,
// schedules).
const (
	LabelPlatform  = "trinity.platform" // always "agent"
	LabelAgentName = "trinity.agent-name"
	LabelAgentType = "trinity.agent-type"
	LabelCreated   = "trinity.created"
	LabelSSHPort   = "trinity.ssh-port"
	LabelTemplate  = "trinity.template"
	LabelIsSystem  = "trinity.is-system"

	PlatformValue = "agent"
)

// AgentLabels builds the label set for a new agent container.
func AgentLabels(agentName, agentType, template string, sshPort int, isSystem bool) map[string]string {
	labels := map[string]string{
		LabelPlatform:  PlatformValue,
		LabelAgentName: agentName,
		LabelAgentType: agentType,
		LabelCreated:   time.Now().UTC().Format(time.RFC3339),
		LabelSSHPort:   strconv.Itoa(sshPort),
		LabelTemplate:  template,
	}
	if isSystem {
		labels[LabelIsSystem] = "true"
	}
	return labels
}

// AgentFilter is the label filter that selects all agent containers.
func AgentFilter() map[string]string {
	return map[string]string{LabelPlatform: PlatformValue}
}
