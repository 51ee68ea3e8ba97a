package indexer

import (
	"context"
	"fmt"
	"sync"

	"starkscope/internal/model"
)

// Handler processes one decoded event.
type Handler func(ctx context.Context, ev model.DecodedEvent) error

// Registry maps "<source>:<event>" names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// On registers h for eventName and returns the registry for chaining. Handlers run in
// registration order.
func (r *Registry) On(eventName string, h Handler) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventName] = append(r.handlers[eventName], h)
	return r
}

// Names lists the registered event names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch runs the handlers registered for ev.EventName.
func (r *Registry) Dispatch(ctx context.Context, ev model.DecodedEvent) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	handlers := r.handlers[ev.EventName]
	r.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return fmt.Errorf("handler %s (block %d, log %d): %w", ev.EventName, ev.BlockNumber, ev.LogIndex, err)
		}
	}
	return nil
}
