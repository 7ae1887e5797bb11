// Package dispatch maps event types to the handlers that consume them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"courier/internal/outbox/ledger"
	"courier/internal/outbox/models"
)

// ErrHandlerNotRegistered is returned for event types with no handler. Such
// events can never succeed, so the poller fails them without retrying.
var ErrHandlerNotRegistered = errors.New("handler not registered")

// Handler consumes one event type. Name identifies the handler in the
// consumption ledger and must stay stable across releases.
type Handler interface {
	Name() string
	Handle(ctx context.Context, e *models.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, e *models.Event) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, e *models.Event) error { return h.Fn(ctx, e) }

// Registry is the dispatch table. Handlers of one type run in registration
// order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.EventType][]Handler)}
}

// Register adds h for each of the given types. A handler name may appear only
// once per type.
func (r *Registry) Register(h Handler, types ...models.EventType) error {
	if h == nil || h.Name() == "" {
		return errors.New("handler must have a name")
	}
	if len(types) == 0 {
		return fmt.Errorf("handler %s registered for no event types", h.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		for _, existing := range r.handlers[t] {
			if existing.Name() == h.Name() {
				return fmt.Errorf("handler %s already registered for %s", h.Name(), t)
			}
		}
	}
	for _, t := range types {
		r.handlers[t] = append(r.handlers[t], h)
	}
	return nil
}

// Handlers returns the handlers for t, or ErrHandlerNotRegistered.
func (r *Registry) Handlers(t models.EventType) ([]Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[t]
	if len(hs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, t)
	}
	return slices.Clone(hs), nil
}

// Types returns the registered event types.
func (r *Registry) Types() []models.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.EventType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Validate checks that every one of the given types has a handler.
func (r *Registry) Validate(types ...models.EventType) error {
	var errs []error
	for _, t := range types {
		if _, err := r.Handlers(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Guarded wraps h so that each event reaches it at most once successfully,
// tracked in the consumption ledger under h's name. Handlers that write to the
// database must be guarded: the ledger's savepoint is what undoes a failed
// run's partial writes.
func Guarded(l *ledger.Ledger, h Handler) Handler {
	return guarded{ledger: l, next: h}
}

type guarded struct {
	ledger *ledger.Ledger
	next   Handler
}

func (g guarded) Name() string { return g.next.Name() }

func (g guarded) Handle(ctx context.Context, e *models.Event) error {
	return g.ledger.Run(ctx, e.ID, g.next.Name(), func(ctx context.Context) error {
		return g.next.Handle(ctx, e)
	})
}
