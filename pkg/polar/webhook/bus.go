package webhook

import (
	"context"
	"fmt"
	"sync"
)

// Listener reacts to dispatched events. A returned error aborts the delivery.
type Listener interface {
	Handle(ctx context.Context, e Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e Event) error

func (f ListenerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// On returns a listener invoked only for events of type T.
func On[T Event](fn func(ctx context.Context, e T) error) Listener {
	return ListenerFunc(func(ctx context.Context, e Event) error {
		if ev, ok := e.(T); ok {
			return fn(ctx, ev)
		}
		return nil
	})
}

// Publisher delivers events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus delivers events synchronously to its listeners in subscription order.
// The first listener error stops delivery and is returned.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates a bus with the given listeners.
func NewBus(listeners ...Listener) *Bus {
	return &Bus{listeners: listeners}
}

// Subscribe appends a listener.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish implements Publisher.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		if err := l.Handle(ctx, e); err != nil {
			return fmt.Errorf("listener failed on %s: %w", e.Name(), err)
		}
	}
	return nil
}
