package activity

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/events/bus"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

func newTestService(t *testing.T) (*Service, bus.EventBus) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store, err := NewStore(conn, conn)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	return NewService(store, eventBus, logger.Default()), eventBus
}

func TestTrackAndComplete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	started, err := svc.Track(ctx, &v1.TrackActivityRequest{
		AgentName:    "research-agent",
		ActivityType: string(v1.ActivityScheduleStart),
		TriggeredBy:  "schedule",
		Details:      map[string]interface{}{"schedule_name": "morning digest"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ActivityStarted, started.ActivityState)
	assert.Equal(t, "morning digest", started.Details["schedule_name"])

	done, err := svc.Complete(ctx, started.ID, &v1.CompleteActivityRequest{})
	require.NoError(t, err)
	assert.Equal(t, v1.ActivityCompleted, done.ActivityState)
	require.NotNil(t, done.CompletedAt)
}

func TestCompleteFailedState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	started, err := svc.Track(ctx, &v1.TrackActivityRequest{
		AgentName:    "research-agent",
		ActivityType: string(v1.ActivityToolCall),
	})
	require.NoError(t, err)

	done, err := svc.Complete(ctx, started.ID, &v1.CompleteActivityRequest{
		State: string(v1.ActivityFailed),
		Error: "tool crashed",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ActivityFailed, done.ActivityState)
	assert.Equal(t, "tool crashed", done.Error)
}

func TestCompleteRejectsBadState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	started, err := svc.Track(ctx, &v1.TrackActivityRequest{
		AgentName:    "research-agent",
		ActivityType: string(v1.ActivityToolCall),
	})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, started.ID, &v1.CompleteActivityRequest{State: "exploded"})
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeValidationError, appErr.Code)
}

func TestCompleteUnknownActivity(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Complete(context.Background(), "nope", &v1.CompleteActivityRequest{})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, typ := range []v1.ActivityType{v1.ActivityChatStart, v1.ActivityToolCall, v1.ActivityChatEnd} {
		_, err := svc.Track(ctx, &v1.TrackActivityRequest{
			AgentName:    "research-agent",
			ActivityType: string(typ),
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	activities, err := svc.List(ctx, "research-agent", 2)
	require.NoError(t, err)
	require.Len(t, activities, 2)
	assert.Equal(t, v1.ActivityChatEnd, activities[0].ActivityType)
}

func TestTrackBroadcastsOnBus(t *testing.T) {
	svc, eventBus := newTestService(t)

	var mu sync.Mutex
	var received []*bus.Event
	sub, err := eventBus.Subscribe(bus.SubjectActivity, func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	started, err := svc.Track(context.Background(), &v1.TrackActivityRequest{
		AgentName:    "research-agent",
		ActivityType: string(v1.ActivityChatStart),
	})
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), started.ID, &v1.CompleteActivityRequest{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	// Delivery is per-goroutine, so assert on the set rather than order.
	mu.Lock()
	defer mu.Unlock()
	types := map[string]bool{}
	for _, event := range received {
		types[event.Type] = true
		assert.Equal(t, "research-agent", event.Data["agent_name"])
	}
	assert.True(t, types[EventActivityStarted])
	assert.True(t, types[EventActivityCompleted])
}

func TestDeleteForAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Track(ctx, &v1.TrackActivityRequest{
		AgentName:    "research-agent",
		ActivityType: string(v1.ActivityChatStart),
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteForAgent(ctx, "research-agent"))

	activities, err := svc.List(ctx, "research-agent", 10)
	require.NoError(t, err)
	assert.Empty(t, activities)
}
