package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/orchestrator/locks"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

func newTestQueue(t *testing.T) *ExecutionQueue {
	t.Helper()
	return NewExecutionQueue(locks.NewMemoryBackend(), Config{
		MaxQueueSize: 3,
		ExecutionTTL: 10 * time.Minute,
	}, logger.Default())
}

func newExec(id, agent string, source v1.ExecutionSource) *v1.Execution {
	return &v1.Execution{
		ID:        id,
		AgentName: agent,
		Source:    source,
		Message:   "test message " + id,
		QueuedAt:  time.Now().UTC(),
	}
}

func TestSubmitClaimsIdleSlot(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	outcome, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)
	assert.Equal(t, SubmitRunning, outcome.State)
	assert.Equal(t, v1.ExecutionRunning, outcome.Execution.Status)
	require.NotNil(t, outcome.Execution.StartedAt)

	status, err := q.GetStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, status.IsBusy)
	require.NotNil(t, status.CurrentExecution)
	assert.Equal(t, "e1", status.CurrentExecution.ID)
	assert.Equal(t, 0, status.QueueLength)
}

func TestSubmitBusyNoWait(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)

	_, err = q.Submit(ctx, newExec("e2", "alpha", v1.SourceUser), false)
	require.Error(t, err)
	assert.True(t, apperrors.IsAgentBusy(err))

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	current, ok := appErr.Detail.(*v1.Execution)
	require.True(t, ok, "busy error must carry the running execution")
	assert.Equal(t, "e1", current.ID)
}

func TestSubmitQueuesFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)

	for i, id := range []string{"e2", "e3", "e4"} {
		outcome, err := q.Submit(ctx, newExec(id, "alpha", v1.SourceSchedule), true)
		require.NoError(t, err)
		assert.Equal(t, SubmitQueued, outcome.State)
		assert.Equal(t, i+1, outcome.Position)
		assert.Equal(t, v1.ExecutionQueued, outcome.Execution.Status)
	}

	status, err := q.GetStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 3, status.QueueLength)
	assert.Equal(t, "e2", status.QueuedExecutions[0].ID, "oldest waiter listed first")
	assert.Equal(t, "e4", status.QueuedExecutions[2].ID)
}

func TestSubmitQueueFull(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)
	for _, id := range []string{"e2", "e3", "e4"} {
		_, err := q.Submit(ctx, newExec(id, "alpha", v1.SourceUser), true)
		require.NoError(t, err)
	}

	// Fourth waiter exceeds MAX_QUEUE_SIZE and must not mutate the queue.
	_, err = q.Submit(ctx, newExec("e5", "alpha", v1.SourceUser), true)
	require.Error(t, err)
	assert.True(t, apperrors.IsQueueFull(err))

	appErr, _ := apperrors.As(err)
	assert.Greater(t, appErr.RetryAfter, 0, "retry-after derived from slot TTL")

	status, err := q.GetStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 3, status.QueueLength)
}

func TestCompletePromotesInOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)
	for _, id := range []string{"e2", "e3"} {
		_, err := q.Submit(ctx, newExec(id, "alpha", v1.SourceUser), true)
		require.NoError(t, err)
	}

	promoted, expired, err := q.Complete(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Empty(t, expired)
	assert.Equal(t, "e2", promoted.ID)
	assert.Equal(t, v1.ExecutionRunning, promoted.Status)
	require.NotNil(t, promoted.StartedAt)

	status, err := q.GetStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, status.IsBusy)
	assert.Equal(t, "e2", status.CurrentExecution.ID)
	assert.Equal(t, 1, status.QueueLength)

	promoted, _, err = q.Complete(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "e3", promoted.ID)

	promoted, _, err = q.Complete(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, promoted, "empty queue completes to idle")

	status, err = q.GetStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, status.IsBusy)
}

func TestSubmitAfterCompleteRuns(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)
	_, _, err = q.Complete(ctx, "alpha")
	require.NoError(t, err)

	outcome, err := q.Submit(ctx, newExec("e2", "alpha", v1.SourceUser), false)
	require.NoError(t, err)
	assert.Equal(t, SubmitRunning, outcome.State)
}

func TestAgentsAreIndependent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		agent := fmt.Sprintf("agent-%d", i)
		outcome, err := q.Submit(ctx, newExec("e", agent, v1.SourceUser), false)
		require.NoError(t, err)
		assert.Equal(t, SubmitRunning, outcome.State)
	}
}

func TestClearQueueKeepsRunningSlot(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)
	for _, id := range []string{"e2", "e3"} {
		_, err := q.Submit(ctx, newExec(id, "alpha", v1.SourceUser), true)
		require.NoError(t, err)
	}

	dropped, err := q.ClearQueue(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	status, err := q.GetStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, status.IsBusy, "clear must not evict the running slot")
	assert.Equal(t, 0, status.QueueLength)
}

func TestForceRelease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Idle agent: no-op.
	existed, err := q.ForceRelease(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)

	existed, err = q.ForceRelease(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, existed)

	status, err := q.GetStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, status.IsBusy)
}

func TestCompleteExpiresStaleWaiters(t *testing.T) {
	q := NewExecutionQueue(locks.NewMemoryBackend(), Config{
		MaxQueueSize: 3,
		ExecutionTTL: 10 * time.Minute,
		WaitTimeout:  50 * time.Millisecond,
	}, logger.Default())
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)

	stale := newExec("e2", "alpha", v1.SourceUser)
	stale.QueuedAt = time.Now().UTC().Add(-time.Minute)
	_, err = q.Submit(ctx, stale, true)
	require.NoError(t, err)

	fresh := newExec("e3", "alpha", v1.SourceUser)
	_, err = q.Submit(ctx, fresh, true)
	require.NoError(t, err)

	promoted, expired, err := q.Complete(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "e2", expired[0].ID)
	require.NotNil(t, promoted)
	assert.Equal(t, "e3", promoted.ID, "stale waiter skipped, next in line promoted")
}

func TestCompleteAllWaitersExpired(t *testing.T) {
	q := NewExecutionQueue(locks.NewMemoryBackend(), Config{
		MaxQueueSize: 3,
		ExecutionTTL: 10 * time.Minute,
		WaitTimeout:  50 * time.Millisecond,
	}, logger.Default())
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)

	stale := newExec("e2", "alpha", v1.SourceUser)
	stale.QueuedAt = time.Now().UTC().Add(-time.Minute)
	_, err = q.Submit(ctx, stale, true)
	require.NoError(t, err)

	promoted, expired, err := q.Complete(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, promoted)
	require.Len(t, expired, 1)

	status, err := q.GetStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, status.IsBusy, "expiring every waiter leaves the agent idle")
}

func TestSlotTTLExpiryReclaims(t *testing.T) {
	q := NewExecutionQueue(locks.NewMemoryBackend(), Config{
		MaxQueueSize: 3,
		ExecutionTTL: 20 * time.Millisecond,
	}, logger.Default())
	ctx := context.Background()

	_, err := q.Submit(ctx, newExec("e1", "alpha", v1.SourceUser), false)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	outcome, err := q.Submit(ctx, newExec("e2", "alpha", v1.SourceUser), false)
	require.NoError(t, err)
	assert.Equal(t, SubmitRunning, outcome.State, "expired slot must be reclaimable")
}
