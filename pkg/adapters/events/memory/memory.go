package memory

import (
	"context"
	"sync"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// Bus is an in-process event bus. Delivery is synchronous and in
// subscription order, which keeps tests deterministic; handler errors are
// swallowed so one observer cannot fail a run.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]ports.EventHandler
	closed      bool
}

// New creates an in-memory event bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]ports.EventHandler),
	}
}

// Publish delivers an event to every subscriber of the topic.
func (b *Bus) Publish(ctx context.Context, topic string, event domain.Event) error {
	b.mu.RLock()
	handlers := make([]ports.EventHandler, len(b.subscribers[topic]))
	copy(handlers, b.subscribers[topic])
	b.mu.RUnlock()

	for _, handler := range handlers {
		_ = handler(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], handler)
	return nil
}

// Close drops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = make(map[string][]ports.EventHandler)
	b.closed = true
	return nil
}
