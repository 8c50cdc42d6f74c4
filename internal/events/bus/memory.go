package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
)

// MemoryEventBus implements EventBus in process memory. It is used in
// single-node deployments and in tests; semantics match the NATS bus for
// exact-subject subscriptions.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        bool
	logger        *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	handler EventHandler
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "memory_bus")),
	}
}

// Publish delivers the event to all exact-subject subscribers. Handlers run
// in their own goroutine so a slow consumer cannot stall the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	subs := make([]*memorySubscription, len(b.subscriptions[subject]))
	copy(subs, b.subscriptions[subject])
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}

	for _, sub := range subs {
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Warn("event handler failed",
					zap.String("subject", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err),
				)
			}
		}(sub)
	}
	return nil
}

// Subscribe registers a handler for a subject.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub := &memorySubscription{bus: b, subject: subject, handler: handler}

	b.mu.Lock()
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// Close drops all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
