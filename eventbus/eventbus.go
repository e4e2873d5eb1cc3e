// Package eventbus provides the in-process publish/subscribe core used by the
// workflow engine and the cross-server layer.
//
// Delivery is best-effort and synchronous: Publish invokes every handler
// registered for the exact event type, in registration order, then every
// observer. Handler failures are logged and never reach the publisher.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// EventPayload is the unit published on the bus. The underscore-prefixed
// fields mark an event as a cross-server envelope.
type EventPayload struct {
	EventType     string         `json:"eventType"`
	SourceServer  string         `json:"sourceServer"`
	TargetServers []string       `json:"targetServers,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	ProgramID     string         `json:"programId,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	CrossServer        bool     `json:"_crossServer,omitempty"`
	CrossServerTargets []string `json:"_targetServers,omitempty"`
}

// Clone returns a copy whose slices and top-level maps are not shared.
func (e EventPayload) Clone() EventPayload {
	out := e
	out.TargetServers = slices.Clone(e.TargetServers)
	out.CrossServerTargets = slices.Clone(e.CrossServerTargets)
	out.Data = maps.Clone(e.Data)
	out.Metadata = maps.Clone(e.Metadata)
	return out
}

// Handler processes one event.
type Handler func(ctx context.Context, event EventPayload) error

// Subscription is the token returned by Subscribe and Observe. It identifies
// exactly one registration.
type Subscription struct {
	id        uint64
	eventType string
	observer  bool
}

// EventType returns the event type the subscription was registered for.
// It is empty for observers.
func (s Subscription) EventType() string { return s.eventType }

// Valid reports whether the token came from a registration.
func (s Subscription) Valid() bool { return s.id != 0 }

type registration struct {
	id      uint64
	handler Handler
}

// Bus is an in-process event bus. The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[string][]registration
	observers []registration
	nextID    atomic.Uint64
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]registration),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events whose type equals eventType.
func (b *Bus) Subscribe(eventType string, handler Handler) Subscription {
	id := b.nextID.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], registration{id: id, handler: handler})
	return Subscription{id: id, eventType: eventType}
}

// Observe registers handler for every published event regardless of type.
// Observers run after the type handlers.
func (b *Bus) Observe(handler Handler) Subscription {
	id := b.nextID.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, registration{id: id, handler: handler})
	return Subscription{id: id, observer: true}
}

// Unsubscribe removes exactly the registration identified by sub. It reports
// whether a registration was removed.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	if !sub.Valid() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.observer {
		before := len(b.observers)
		b.observers = slices.DeleteFunc(b.observers, func(r registration) bool { return r.id == sub.id })
		return len(b.observers) != before
	}

	regs := b.handlers[sub.eventType]
	before := len(regs)
	regs = slices.DeleteFunc(regs, func(r registration) bool { return r.id == sub.id })
	if len(regs) == 0 {
		delete(b.handlers, sub.eventType)
	} else {
		b.handlers[sub.eventType] = regs
	}
	return len(regs) != before
}

// Publish delivers event to every matching handler and observer. It returns
// the number of handlers that completed without error.
func (b *Bus) Publish(ctx context.Context, event EventPayload) int {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.mu.RLock()
	regs := slices.Clone(b.handlers[event.EventType])
	regs = append(regs, b.observers...)
	b.mu.RUnlock()

	delivered := 0
	for _, r := range regs {
		if err := b.invoke(ctx, r, event); err != nil {
			b.logger.Error("Event handler failed", "eventType", event.EventType, "subscription", r.id, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Bus) invoke(ctx context.Context, r registration, event EventPayload) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	// Each handler gets its own copy so one cannot mutate what the next sees.
	return r.handler(ctx, event.Clone())
}

// HandlerCount returns the number of handlers registered for eventType.
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// EventTypes returns the event types that currently have handlers.
func (b *Bus) EventTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Clear removes every handler and observer.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]registration)
	b.observers = nil
}
