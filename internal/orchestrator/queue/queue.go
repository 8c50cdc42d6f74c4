// Package queue enforces at-most-one-running execution per agent.
//
// The single-slot guarantee holds process-wide (across workers and
// schedulers) because the claim is an atomic SetNX on the shared lock
// backend, not process memory. The slot TTL is a safety valve: if the
// control plane dies between claiming and completing, the slot becomes
// reclaimable after EXECUTION_TTL.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/orchestrator/locks"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

const (
	runningKeyPrefix = "trinity:running:"
	queueKeyPrefix   = "trinity:queue:"
)

// SubmitState describes the outcome of a submit.
type SubmitState string

const (
	// SubmitRunning means the execution claimed the slot and should be
	// dispatched by the caller now.
	SubmitRunning SubmitState = "running"
	// SubmitQueued means the execution is on the wait list; it will be
	// returned by a later Complete call for dispatch.
	SubmitQueued SubmitState = "queued"
)

// SubmitOutcome is the result of a successful submit.
type SubmitOutcome struct {
	State     SubmitState
	Position  int // 1-based wait list position, 0 when running
	Execution *v1.Execution
}

// Config holds queue tuning.
type Config struct {
	MaxQueueSize int
	ExecutionTTL time.Duration
	// WaitTimeout bounds how long a waiter may sit on the wait list before
	// promotion. Waiters past the deadline are expired instead of promoted.
	WaitTimeout time.Duration
}

// ExecutionQueue is the per-agent single-slot dispatcher with a bounded
// FIFO wait list, backed by the shared lock backend.
type ExecutionQueue struct {
	backend locks.Backend
	config  Config
	logger  *logger.Logger
}

// NewExecutionQueue creates a queue over the given backend.
func NewExecutionQueue(backend locks.Backend, cfg Config, log *logger.Logger) *ExecutionQueue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 3
	}
	if cfg.ExecutionTTL <= 0 {
		cfg.ExecutionTTL = 10 * time.Minute
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Minute
	}
	return &ExecutionQueue{
		backend: backend,
		config:  cfg,
		logger:  log.WithFields(zap.String("component", "execution_queue")),
	}
}

func runningKey(agent string) string { return runningKeyPrefix + agent }
func queueKey(agent string) string   { return queueKeyPrefix + agent }

// Submit attempts to claim the agent's slot for exec. When the slot is held:
// with waitIfBusy the execution joins the wait list (bounded), otherwise an
// AgentBusy error carrying the current execution is returned.
//
// Backend failures fail closed with QueueUnavailable; the agent is unaffected.
func (q *ExecutionQueue) Submit(ctx context.Context, exec *v1.Execution, waitIfBusy bool) (*SubmitOutcome, error) {
	now := time.Now().UTC()
	if exec.QueuedAt.IsZero() {
		exec.QueuedAt = now
	}
	exec.Status = v1.ExecutionRunning
	exec.StartedAt = &now

	payload, err := json.Marshal(exec)
	if err != nil {
		return nil, apperrors.InternalError("marshal execution", err)
	}

	claimed, err := q.backend.SetNX(ctx, runningKey(exec.AgentName), string(payload), q.config.ExecutionTTL)
	if err != nil {
		return nil, apperrors.QueueUnavailable(err)
	}
	if claimed {
		q.logger.Debug("slot claimed",
			zap.String("agent_name", exec.AgentName),
			zap.String("execution_id", exec.ID),
			zap.String("source", string(exec.Source)),
		)
		return &SubmitOutcome{State: SubmitRunning, Execution: exec}, nil
	}

	// Slot is held. Undo the optimistic running stamp.
	exec.Status = v1.ExecutionQueued
	exec.StartedAt = nil

	if !waitIfBusy {
		current, _ := q.currentExecution(ctx, exec.AgentName)
		return nil, apperrors.AgentBusy(exec.AgentName, current)
	}

	length, err := q.backend.LLen(ctx, queueKey(exec.AgentName))
	if err != nil {
		return nil, apperrors.QueueUnavailable(err)
	}
	if length >= int64(q.config.MaxQueueSize) {
		retryAfter := q.retryAfterSeconds(ctx, exec.AgentName)
		return nil, apperrors.QueueFull(exec.AgentName, int(length), retryAfter)
	}

	payload, err = json.Marshal(exec)
	if err != nil {
		return nil, apperrors.InternalError("marshal execution", err)
	}
	if err := q.backend.LPush(ctx, queueKey(exec.AgentName), string(payload)); err != nil {
		return nil, apperrors.QueueUnavailable(err)
	}

	position := int(length) + 1
	q.logger.Debug("execution queued",
		zap.String("agent_name", exec.AgentName),
		zap.String("execution_id", exec.ID),
		zap.Int("position", position),
	)
	return &SubmitOutcome{State: SubmitQueued, Position: position, Execution: exec}, nil
}

// Complete releases the agent's slot and promotes the oldest waiter that is
// still within WaitTimeout. Waiters queued longer than that are returned as
// expired so the caller can record their timeout. The promoted execution has
// already claimed the slot when returned; the caller is responsible for
// actually dispatching it.
func (q *ExecutionQueue) Complete(ctx context.Context, agentName string) (promoted *v1.Execution, expired []*v1.Execution, err error) {
	if err := q.backend.Del(ctx, runningKey(agentName)); err != nil {
		return nil, nil, apperrors.QueueUnavailable(err)
	}

	now := time.Now().UTC()
	for {
		raw, ok, err := q.backend.RPop(ctx, queueKey(agentName))
		if err != nil {
			return nil, expired, apperrors.QueueUnavailable(err)
		}
		if !ok {
			return nil, expired, nil // agent is idle
		}

		var waiter v1.Execution
		if err := json.Unmarshal([]byte(raw), &waiter); err != nil {
			return nil, expired, apperrors.InternalError("unmarshal queued execution", err)
		}

		if !waiter.QueuedAt.IsZero() && now.Sub(waiter.QueuedAt) > q.config.WaitTimeout {
			q.logger.Info("waiter expired",
				zap.String("agent_name", agentName),
				zap.String("execution_id", waiter.ID),
				zap.Duration("waited", now.Sub(waiter.QueuedAt)),
			)
			expired = append(expired, &waiter)
			continue
		}

		waiter.Status = v1.ExecutionRunning
		waiter.StartedAt = &now

		payload, err := json.Marshal(&waiter)
		if err != nil {
			return nil, expired, apperrors.InternalError("marshal promoted execution", err)
		}
		if err := q.backend.Set(ctx, runningKey(agentName), string(payload), q.config.ExecutionTTL); err != nil {
			return nil, expired, apperrors.QueueUnavailable(err)
		}

		q.logger.Debug("waiter promoted",
			zap.String("agent_name", agentName),
			zap.String("execution_id", waiter.ID),
		)
		return &waiter, expired, nil
	}
}

// GetStatus returns an observability snapshot of the agent's queue.
func (q *ExecutionQueue) GetStatus(ctx context.Context, agentName string) (*v1.QueueStatus, error) {
	status := &v1.QueueStatus{
		AgentName:        agentName,
		QueuedExecutions: []*v1.Execution{},
	}

	current, err := q.currentExecution(ctx, agentName)
	if err != nil {
		return nil, err
	}
	if current != nil {
		status.IsBusy = true
		status.CurrentExecution = current
	}

	raws, err := q.backend.LRange(ctx, queueKey(agentName), 0, -1)
	if err != nil {
		return nil, apperrors.QueueUnavailable(err)
	}
	// LRange returns newest first (LPUSH order); reverse so the slice is
	// ordered by promotion time, oldest waiter first.
	for i := len(raws) - 1; i >= 0; i-- {
		var exec v1.Execution
		if err := json.Unmarshal([]byte(raws[i]), &exec); err != nil {
			q.logger.Warn("skipping malformed queued execution",
				zap.String("agent_name", agentName), zap.Error(err))
			continue
		}
		status.QueuedExecutions = append(status.QueuedExecutions, &exec)
	}
	status.QueueLength = len(status.QueuedExecutions)

	return status, nil
}

// ClearQueue drops all waiters. It never evicts the running slot.
func (q *ExecutionQueue) ClearQueue(ctx context.Context, agentName string) (int, error) {
	length, err := q.backend.LLen(ctx, queueKey(agentName))
	if err != nil {
		return 0, apperrors.QueueUnavailable(err)
	}
	if err := q.backend.Del(ctx, queueKey(agentName)); err != nil {
		return 0, apperrors.QueueUnavailable(err)
	}
	if length > 0 {
		q.logger.Info("queue cleared",
			zap.String("agent_name", agentName),
			zap.Int64("dropped", length),
		)
	}
	return int(length), nil
}

// ForceRelease evicts the running slot without promoting a waiter. It is the
// administrative emergency break for containers that died mid-execution.
func (q *ExecutionQueue) ForceRelease(ctx context.Context, agentName string) (bool, error) {
	_, existed, err := q.backend.Get(ctx, runningKey(agentName))
	if err != nil {
		return false, apperrors.QueueUnavailable(err)
	}
	if !existed {
		return false, nil
	}
	if err := q.backend.Del(ctx, runningKey(agentName)); err != nil {
		return false, apperrors.QueueUnavailable(err)
	}
	q.logger.Warn("running slot force-released", zap.String("agent_name", agentName))
	return true, nil
}

// RemainingTTL returns the remaining lifetime of the agent's running slot.
func (q *ExecutionQueue) RemainingTTL(ctx context.Context, agentName string) (time.Duration, error) {
	ttl, err := q.backend.TTL(ctx, runningKey(agentName))
	if err != nil {
		return 0, apperrors.QueueUnavailable(err)
	}
	return ttl, nil
}

func (q *ExecutionQueue) currentExecution(ctx context.Context, agentName string) (*v1.Execution, error) {
	raw, ok, err := q.backend.Get(ctx, runningKey(agentName))
	if err != nil {
		return nil, apperrors.QueueUnavailable(err)
	}
	if !ok {
		return nil, nil
	}
	var exec v1.Execution
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		return nil, apperrors.InternalError(fmt.Sprintf("unmarshal running execution for %s", agentName), err)
	}
	return &exec, nil
}

func (q *ExecutionQueue) retryAfterSeconds(ctx context.Context, agentName string) int {
	ttl, err := q.backend.TTL(ctx, runningKey(agentName))
	if err != nil || ttl <= 0 {
		return 0
	}
	secs := int(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}
