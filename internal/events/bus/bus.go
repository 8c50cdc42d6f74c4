// Package bus provides the event bus used for activity broadcast between
// scheduler workers and the WebSocket gateway.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects.
const (
	SubjectActivity = "trinity.activity"
	SubjectQueue    = "trinity.queue"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus is the interface both the in-memory and NATS buses implement.
// Delivery is best-effort; consumers reconcile ordering by timestamp.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
