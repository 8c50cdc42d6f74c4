package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/logger"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SubjectActivity, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("activity.created", "test", map[string]interface{}{"agent_name": "alpha"})
	require.NoError(t, b.Publish(context.Background(), SubjectActivity, event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "activity.created", got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusSubjectIsolation(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe(SubjectQueue, func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectActivity, NewEvent("a", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), SubjectQueue, NewEvent("b", "test", nil)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "b"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 4)
	sub, err := b.Subscribe(SubjectActivity, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), SubjectActivity, NewEvent("x", "test", nil)))

	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.NoError(t, b.Publish(context.Background(), SubjectActivity, NewEvent("x", "test", nil)))
}
