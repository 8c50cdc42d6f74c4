package v1

import "time"

// Schedule is a cron-driven task definition bound to one agent.
type Schedule struct {
	ID             string     `json:"id"`
	AgentName      string     `json:"agent_name"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"` // standard 5-field syntax
	Message        string     `json:"message"`
	Timezone       string     `json:"timezone"` // IANA name, e.g. "Europe/Berlin"
	Enabled        bool       `json:"enabled"`
	Description    string     `json:"description,omitempty"` // human-readable cron rendering
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreateScheduleRequest is the payload for POST /agents/{name}/schedules.
type CreateScheduleRequest struct {
	Name           string `json:"name" binding:"required,max=200"`
	CronExpression string `json:"cron_expression" binding:"required"`
	Message        string `json:"message" binding:"required"`
	Timezone       string `json:"timezone,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

// UpdateScheduleRequest is the payload for PUT /agents/{name}/schedules/{id}.
type UpdateScheduleRequest struct {
	Name           *string `json:"name,omitempty" binding:"omitempty,max=200"`
	CronExpression *string `json:"cron_expression,omitempty"`
	Message        *string `json:"message,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
}

// ScheduleExecution is the persisted outcome of one execution, scheduled or ad-hoc.
type ScheduleExecution struct {
	ID           string          `json:"id"`
	ScheduleID   *string         `json:"schedule_id,omitempty"` // nil for ad-hoc triggers
	AgentName    string          `json:"agent_name"`
	Status       ExecutionStatus `json:"status"`
	Message      string          `json:"message"`
	Response     string          `json:"response,omitempty"`
	Error        string          `json:"error,omitempty"`
	TriggeredBy  string          `json:"triggered_by"` // user | schedule | agent | system | manual
	ContextUsed  int             `json:"context_used,omitempty"`
	ContextMax   int             `json:"context_max,omitempty"`
	Cost         float64         `json:"cost,omitempty"`
	ToolCalls    string          `json:"tool_calls_json,omitempty"`
	ExecutionLog string          `json:"execution_log_json,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
}
