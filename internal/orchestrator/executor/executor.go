// Package executor runs the dispatch pipeline: claim the agent's slot, call
// the agent's task endpoint, record the sanitized outcome, then release the
// slot and dispatch the promoted waiter.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/agent/transport"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/orchestrator/queue"
	"github.com/trinity/trinity/internal/sanitize"
	"github.com/trinity/trinity/internal/schedule"
	v1 "github.com/trinity/trinity/pkg/api/v1"
	ws "github.com/trinity/trinity/pkg/websocket"
)

// ActivityTracker records timeline events for executions. Satisfied by the
// activity service.
type ActivityTracker interface {
	Track(ctx context.Context, req *v1.TrackActivityRequest) (*v1.Activity, error)
	Complete(ctx context.Context, id string, req *v1.CompleteActivityRequest) (*v1.Activity, error)
}

// KeyProvider resolves the bearer key used for calls into an agent
// container. A nil provider sends unauthenticated requests.
type KeyProvider interface {
	OutboundKey(ctx context.Context, agentName string) (string, error)
}

// ProcessSignaler interrupts the LLM process inside an agent's container.
// Satisfied by the lifecycle manager. A nil signaler limits terminate to
// cancelling the transport call and releasing the slot.
type ProcessSignaler interface {
	InterruptAgentProcess(ctx context.Context, agentName string) error
}

// Submission is the outcome of a submit: either the execution ran to
// completion now (Result set) or it joined the wait list (Position set).
type Submission struct {
	State    queue.SubmitState
	Position int
	Result   *v1.TaskResult
}

// Executor coordinates the execution pipeline.
type Executor struct {
	queue      *queue.ExecutionQueue
	transport  *transport.Client
	schedules  *schedule.Service
	activities ActivityTracker
	keys       KeyProvider
	signaler   ProcessSignaler
	events     bus.EventBus
	logger     *logger.Logger

	// cancels maps agent name to the cancel func of its in-process run so
	// terminate can interrupt the transport call.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates the executor.
func New(q *queue.ExecutionQueue, tr *transport.Client, schedules *schedule.Service, activities ActivityTracker, keys KeyProvider, log *logger.Logger) *Executor {
	return &Executor{
		queue:      q,
		transport:  tr,
		schedules:  schedules,
		activities: activities,
		keys:       keys,
		logger:     log.WithFields(zap.String("component", "executor")),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// SetEventBus enables execution lifecycle broadcasts on the queue subject.
// A nil bus keeps the executor silent.
func (e *Executor) SetEventBus(events bus.EventBus) {
	e.events = events
}

// SetProcessSignaler enables in-container process interruption on terminate.
func (e *Executor) SetProcessSignaler(signaler ProcessSignaler) {
	e.signaler = signaler
}

// publish pushes one lifecycle event for the gateway to fan out. Broadcast
// failures never affect the execution itself.
func (e *Executor) publish(eventType, agentName string, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["agent_name"] = agentName

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.events.Publish(ctx, bus.SubjectQueue, bus.NewEvent(eventType, "executor", data)); err != nil {
		e.logger.Debug("event publish failed",
			zap.String("event_type", eventType),
			zap.String("agent_name", agentName),
			zap.Error(err),
		)
	}
}

// Submit queues or runs an execution. When the slot is free the call blocks
// until the agent answers and returns the final result; when busy it either
// joins the wait list (waitIfBusy) or fails with AgentBusy.
func (e *Executor) Submit(ctx context.Context, exec *v1.Execution, waitIfBusy bool) (*Submission, error) {
	outcome, err := e.queue.Submit(ctx, exec, waitIfBusy)
	if err != nil {
		return nil, err
	}

	if outcome.State == queue.SubmitQueued {
		e.publish(ws.EventExecutionQueued, exec.AgentName, map[string]interface{}{
			"execution_id": exec.ID,
			"position":     outcome.Position,
		})
		return &Submission{State: queue.SubmitQueued, Position: outcome.Position}, nil
	}

	result := e.run(ctx, outcome.Execution)
	return &Submission{State: queue.SubmitRunning, Result: result}, nil
}

// Terminate interrupts the agent's running execution. The container's LLM
// process is signalled first, then the in-process cancel aborts the transport
// call and the pipeline records the terminated outcome; when the run belongs
// to another process only the slot is released.
func (e *Executor) Terminate(ctx context.Context, agentName string) (bool, error) {
	if e.signaler != nil {
		if err := e.signaler.InterruptAgentProcess(ctx, agentName); err != nil {
			e.logger.Warn("agent process interrupt failed",
				zap.String("agent_name", agentName), zap.Error(err))
		}
	}

	e.mu.Lock()
	cancel, inProcess := e.cancels[agentName]
	e.mu.Unlock()

	if inProcess {
		cancel()
		e.logger.Info("running execution cancelled", zap.String("agent_name", agentName))
		return true, nil
	}

	return e.queue.ForceRelease(ctx, agentName)
}

// TerminateExecution terminates one specific execution by ID. It returns
// "terminated" when the running execution was interrupted and
// "already_finished" when the execution has a recorded terminal outcome.
func (e *Executor) TerminateExecution(ctx context.Context, agentName, executionID string) (string, error) {
	status, err := e.queue.GetStatus(ctx, agentName)
	if err != nil {
		return "", err
	}

	if status.CurrentExecution == nil || status.CurrentExecution.ID != executionID {
		rec, err := e.schedules.GetExecution(ctx, executionID)
		if err != nil {
			return "", err
		}
		if rec.AgentName != agentName {
			return "", apperrors.NotFound("execution", executionID)
		}
		if rec.CompletedAt != nil {
			return "already_finished", nil
		}
		return "", apperrors.NotFound("running execution", executionID)
	}

	exec := status.CurrentExecution
	e.mu.Lock()
	_, inProcess := e.cancels[agentName]
	e.mu.Unlock()

	terminated, err := e.Terminate(ctx, agentName)
	if err != nil {
		return "", err
	}
	if !terminated {
		return "", apperrors.NotFound("running execution", executionID)
	}

	// A force-released run belongs to another process; its pipeline cannot
	// record the outcome, so close the history row here.
	if !inProcess {
		if err := e.schedules.RecordCompletion(ctx, executionID, schedule.ExecutionOutcome{
			Status: v1.ExecutionTerminated,
			Error:  "execution terminated",
		}); err != nil && !apperrors.IsNotFound(err) {
			e.logger.Error("record terminated outcome failed",
				zap.String("execution_id", executionID), zap.Error(err))
		}
		e.trackCancelled(ctx, exec)
	}
	return string(v1.ExecutionTerminated), nil
}

// run executes against the agent with the slot already held. The slot is
// always released afterwards, and a promoted waiter is dispatched in the
// background.
func (e *Executor) run(ctx context.Context, exec *v1.Execution) *v1.TaskResult {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[exec.AgentName] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.cancels, exec.AgentName)
		e.mu.Unlock()
		cancel()
		e.releaseAndPromote(exec.AgentName)
	}()

	started := time.Now()
	e.publish(ws.EventExecutionStarted, exec.AgentName, map[string]interface{}{
		"execution_id": exec.ID,
		"source":       string(exec.Source),
	})

	// Recording failures must not lose the execution itself.
	if _, err := e.schedules.RecordStart(ctx, schedule.ExecutionStart{
		ExecutionID: exec.ID,
		ScheduleID:  exec.ScheduleID,
		AgentName:   exec.AgentName,
		Message:     exec.Message,
		TriggeredBy: string(exec.Source),
	}); err != nil {
		e.logger.Error("record execution start failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}

	activityID := e.trackStart(ctx, exec)

	key := e.outboundKey(ctx, exec.AgentName)
	resp, taskErr := e.transport.Task(runCtx, exec.AgentName, key, &transport.TaskRequest{
		Message:     exec.Message,
		ExecutionID: exec.ID,
	})

	durationMs := time.Since(started).Milliseconds()
	result := &v1.TaskResult{
		ExecutionID: exec.ID,
		DurationMs:  durationMs,
	}
	outcome := schedule.ExecutionOutcome{DurationMs: durationMs}

	switch {
	case taskErr == nil:
		result.Status = string(v1.ExecutionSuccess)
		result.Response = sanitize.String(resp.Response)
		if resp.Metadata != nil {
			result.Metadata = &v1.TaskMetadata{
				InputTokens:   resp.Metadata.InputTokens,
				ContextWindow: resp.Metadata.ContextWindow,
				CostUSD:       resp.Metadata.CostUSD,
			}
			outcome.ContextUsed = resp.Metadata.InputTokens
			outcome.ContextMax = resp.Metadata.ContextWindow
			outcome.Cost = resp.Metadata.CostUSD
		}
		result.ToolCalls = extractToolCalls(resp.ExecutionLog)
		outcome.Status = v1.ExecutionSuccess
		outcome.Response = result.Response
		outcome.ExecutionLog = sanitizeExecutionLog(resp.ExecutionLog)
		outcome.ToolCalls = marshalToolCalls(result.ToolCalls)

	case runCtx.Err() == context.Canceled:
		result.Status = string(v1.ExecutionTerminated)
		outcome.Status = v1.ExecutionTerminated
		outcome.Error = "execution terminated"
		e.trackCancelled(ctx, exec)

	default:
		result.Status = string(v1.ExecutionFailed)
		outcome.Status = v1.ExecutionFailed
		outcome.Error = sanitize.String(taskErr.Error())
		e.logger.Warn("task call failed",
			zap.String("agent_name", exec.AgentName),
			zap.String("execution_id", exec.ID),
			zap.Error(taskErr),
		)
	}

	if err := e.schedules.RecordCompletion(ctx, exec.ID, outcome); err != nil {
		e.logger.Error("record execution completion failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.trackEnd(ctx, exec, activityID, outcome)
	e.publish(ws.EventExecutionCompleted, exec.AgentName, map[string]interface{}{
		"execution_id": exec.ID,
		"status":       result.Status,
		"duration_ms":  durationMs,
	})

	return result
}

// releaseAndPromote frees the slot and dispatches the promoted waiter on a
// fresh background context so the promotion outlives the submitter's request.
// Waiters past the wait timeout are closed out as failed instead of dispatched.
func (e *Executor) releaseAndPromote(agentName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	promoted, expired, err := e.queue.Complete(ctx, agentName)
	for _, exp := range expired {
		e.expireWaiter(ctx, exp)
	}
	if err != nil {
		e.logger.Error("slot release failed", zap.String("agent_name", agentName), zap.Error(err))
		return
	}
	if promoted == nil {
		return
	}

	e.logger.Info("dispatching promoted execution",
		zap.String("agent_name", agentName),
		zap.String("execution_id", promoted.ID),
	)
	go func() {
		runCtx, runCancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer runCancel()
		e.run(runCtx, promoted)
	}()
}

// expireWaiter records the timeout of a queued execution that was never
// promoted, so the history shows why the message went unanswered.
func (e *Executor) expireWaiter(ctx context.Context, exec *v1.Execution) {
	timeoutErr := apperrors.QueueTimeout(exec.AgentName, exec.ID)
	e.logger.Warn("queued execution timed out", zap.Error(timeoutErr))

	if _, err := e.schedules.RecordStart(ctx, schedule.ExecutionStart{
		ExecutionID: exec.ID,
		ScheduleID:  exec.ScheduleID,
		AgentName:   exec.AgentName,
		Message:     exec.Message,
		TriggeredBy: string(exec.Source),
	}); err != nil {
		e.logger.Error("record expired execution failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	if err := e.schedules.RecordCompletion(ctx, exec.ID, schedule.ExecutionOutcome{
		Status: v1.ExecutionFailed,
		Error:  "queue_timeout",
	}); err != nil {
		e.logger.Error("record expired execution failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.publish(ws.EventExecutionCompleted, exec.AgentName, map[string]interface{}{
		"execution_id": exec.ID,
		"status":       string(v1.ExecutionFailed),
		"error":        "queue_timeout",
	})
}

func (e *Executor) outboundKey(ctx context.Context, agentName string) string {
	if e.keys == nil {
		return ""
	}
	key, err := e.keys.OutboundKey(ctx, agentName)
	if err != nil {
		e.logger.Warn("outbound key lookup failed",
			zap.String("agent_name", agentName), zap.Error(err))
		return ""
	}
	return key
}

func (e *Executor) trackStart(ctx context.Context, exec *v1.Execution) string {
	if e.activities == nil {
		return ""
	}
	activityType := v1.ActivityChatStart
	switch exec.Source {
	case v1.SourceSchedule, v1.SourceManual:
		activityType = v1.ActivityScheduleStart
	case v1.SourceAgent:
		activityType = v1.ActivityAgentCollaboration
	}

	activity, err := e.activities.Track(ctx, &v1.TrackActivityRequest{
		AgentName:          exec.AgentName,
		ActivityType:       string(activityType),
		TriggeredBy:        string(exec.Source),
		RelatedExecutionID: exec.ID,
	})
	if err != nil {
		e.logger.Warn("activity track failed", zap.String("execution_id", exec.ID), zap.Error(err))
		return ""
	}
	return activity.ID
}

// trackCancelled records the cancellation on the agent's timeline.
func (e *Executor) trackCancelled(ctx context.Context, exec *v1.Execution) {
	if e.activities == nil {
		return
	}
	if _, err := e.activities.Track(ctx, &v1.TrackActivityRequest{
		AgentName:          exec.AgentName,
		ActivityType:       string(v1.ActivityExecutionCancelled),
		TriggeredBy:        string(exec.Source),
		RelatedExecutionID: exec.ID,
	}); err != nil {
		e.logger.Warn("activity track failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

func (e *Executor) trackEnd(ctx context.Context, exec *v1.Execution, activityID string, outcome schedule.ExecutionOutcome) {
	if e.activities == nil || activityID == "" {
		return
	}
	req := &v1.CompleteActivityRequest{State: string(v1.ActivityCompleted)}
	if outcome.Status != v1.ExecutionSuccess {
		req.State = string(v1.ActivityFailed)
		req.Error = outcome.Error
	}
	if _, err := e.activities.Complete(ctx, activityID, req); err != nil {
		e.logger.Warn("activity complete failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

// extractToolCalls pulls tool invocations out of the agent's execution log.
// Entries without a tool field are ignored.
func extractToolCalls(log []json.RawMessage) []v1.ToolCallInfo {
	var calls []v1.ToolCallInfo
	for _, entry := range log {
		var parsed struct {
			Tool      string `json:"tool"`
			Input     string `json:"input"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(entry, &parsed); err != nil || parsed.Tool == "" {
			continue
		}
		calls = append(calls, v1.ToolCallInfo{
			Tool:      parsed.Tool,
			Input:     sanitize.String(parsed.Input),
			Timestamp: parsed.Timestamp,
		})
	}
	return calls
}

func sanitizeExecutionLog(log []json.RawMessage) string {
	if len(log) == 0 {
		return ""
	}
	raw, err := json.Marshal(log)
	if err != nil {
		return ""
	}
	return string(sanitize.JSON(raw))
}

func marshalToolCalls(calls []v1.ToolCallInfo) string {
	if len(calls) == 0 {
		return ""
	}
	raw, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Status exposes the queue snapshot for the HTTP layer.
func (e *Executor) Status(ctx context.Context, agentName string) (*v1.QueueStatus, error) {
	return e.queue.GetStatus(ctx, agentName)
}

// ClearQueue drops all waiters for an agent.
func (e *Executor) ClearQueue(ctx context.Context, agentName string) (int, error) {
	dropped, err := e.queue.ClearQueue(ctx, agentName)
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		e.publish(ws.EventQueueCleared, agentName, map[string]interface{}{
			"dropped": dropped,
		})
	}
	return dropped, nil
}

// ForceRelease evicts a stuck running slot without touching the wait list.
func (e *Executor) ForceRelease(ctx context.Context, agentName string) (bool, error) {
	released, err := e.queue.ForceRelease(ctx, agentName)
	if err != nil {
		return false, err
	}
	if !released {
		return false, apperrors.NotFound("running execution", agentName)
	}
	return true, nil
}
