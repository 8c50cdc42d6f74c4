package v1

import "time"

// ActivityType classifies a timeline event.
type ActivityType string

const (
	ActivityScheduleStart      ActivityType = "schedule_start"
	ActivityScheduleEnd        ActivityType = "schedule_end"
	ActivityToolCall           ActivityType = "tool_call"
	ActivityChatStart          ActivityType = "chat_start"
	ActivityChatEnd            ActivityType = "chat_end"
	ActivityExecutionCancelled ActivityType = "execution_cancelled"
	ActivityAgentCollaboration ActivityType = "agent_collaboration"
	ActivityAgentCreated       ActivityType = "agent_created"
	ActivityAgentDeleted       ActivityType = "agent_deleted"
)

// ActivityState is the progress state of an activity.
type ActivityState string

const (
	ActivityStarted   ActivityState = "started"
	ActivityCompleted ActivityState = "completed"
	ActivityFailed    ActivityState = "failed"
)

// Activity is a structured timeline event for an agent.
type Activity struct {
	ID                 string                 `json:"id"`
	AgentName          string                 `json:"agent_name"`
	ActivityType       ActivityType           `json:"activity_type"`
	ActivityState      ActivityState          `json:"activity_state"`
	ParentActivityID   string                 `json:"parent_activity_id,omitempty"`
	TriggeredBy        string                 `json:"triggered_by"`
	RelatedExecutionID string                 `json:"related_execution_id,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
	Error              string                 `json:"error,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

// TrackActivityRequest is the payload for POST /internal/activities/track.
type TrackActivityRequest struct {
	AgentName          string                 `json:"agent_name" binding:"required"`
	ActivityType       string                 `json:"activity_type" binding:"required"`
	TriggeredBy        string                 `json:"triggered_by,omitempty"`
	ParentActivityID   string                 `json:"parent_activity_id,omitempty"`
	RelatedExecutionID string                 `json:"related_execution_id,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
}

// CompleteActivityRequest is the payload for POST /internal/activities/{id}/complete.
type CompleteActivityRequest struct {
	State string `json:"state,omitempty"` // completed (default) or failed
	Error string `json:"error,omitempty"`
}
