package v1

import "time"

// ExecutionSource identifies what submitted an execution.
type ExecutionSource string

const (
	SourceUser     ExecutionSource = "user"
	SourceSchedule ExecutionSource = "schedule"
	SourceManual   ExecutionSource = "manual" // user-triggered run of a schedule
	SourceAgent    ExecutionSource = "agent"
	SourceSystem   ExecutionSource = "system"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionSuccess    ExecutionStatus = "success"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionTerminated ExecutionStatus = "terminated"
)

// Execution is the in-flight queue record for one call against an agent's
// task endpoint. The authoritative outcome lives in ScheduleExecution.
type Execution struct {
	ID           string          `json:"id"`
	AgentName    string          `json:"agent_name"`
	Source       ExecutionSource `json:"source"`
	SourceAgent  string          `json:"source_agent,omitempty"`
	SourceUserID string          `json:"source_user_id,omitempty"`
	ScheduleID   string          `json:"schedule_id,omitempty"`
	Message      string          `json:"message"`
	Status       ExecutionStatus `json:"status"`
	QueuedAt     time.Time       `json:"queued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
}

// QueueStatus is an observability snapshot of one agent's execution queue.
type QueueStatus struct {
	AgentName        string       `json:"agent_name"`
	IsBusy           bool         `json:"is_busy"`
	CurrentExecution *Execution   `json:"current_execution,omitempty"`
	QueueLength      int          `json:"queue_length"`
	QueuedExecutions []*Execution `json:"queued_executions"`
}

// TaskRequest is the payload for POST /agents/{name}/task and /chat.
type TaskRequest struct {
	Message    string `json:"message" binding:"required"`
	WaitIfBusy bool   `json:"wait_if_busy"`
}

// TaskResult is the response for a completed execution.
type TaskResult struct {
	ExecutionID string         `json:"execution_id"`
	Response    string         `json:"response"`
	Status      string         `json:"status"`
	Metadata    *TaskMetadata  `json:"metadata,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	ToolCalls   []ToolCallInfo `json:"tool_calls,omitempty"`
}

// TaskMetadata carries observability fields reported by the agent runtime.
type TaskMetadata struct {
	InputTokens   int     `json:"input_tokens"`
	ContextWindow int     `json:"context_window"`
	CostUSD       float64 `json:"cost_usd"`
}

// ToolCallInfo is one tool invocation from an execution log.
type ToolCallInfo struct {
	Tool      string `json:"tool"`
	Input     string `json:"input,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
