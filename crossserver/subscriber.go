package crossserver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/eventflow/eventbus"
)

// Handler processes a cross-server event that passed every filter.
type Handler func(ctx context.Context, ev eventbus.EventPayload) error

// SubscribeOptions narrows a subscription.
type SubscribeOptions struct {
	// ProgramIDs, when set, drops events whose program id is set and not
	// listed. Events without a program id still pass.
	ProgramIDs []string
}

type subscription struct {
	id         string
	eventTypes []string
	wildcard   bool
	programIDs []string
	handler    Handler
	tokens     []eventbus.Subscription
}

// Subscriber receives cross-server events on behalf of one server.
type Subscriber struct {
	serverID string
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// NewSubscriber creates a subscriber for serverID on bus.
func NewSubscriber(serverID string, bus *eventbus.Bus, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		serverID: serverID,
		bus:      bus,
		logger:   slog.Default(),
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers handler for eventTypes and returns the subscription
// id. A list containing "*" matches every event type.
func (s *Subscriber) Subscribe(eventTypes []string, handler Handler, opts SubscribeOptions) string {
	sub := &subscription{
		id:         uuid.NewString(),
		eventTypes: dedupe(eventTypes),
		wildcard:   slices.Contains(eventTypes, Wildcard),
		programIDs: slices.Clone(opts.ProgramIDs),
		handler:    handler,
	}

	dispatch := func(ctx context.Context, ev eventbus.EventPayload) error {
		return s.dispatch(ctx, sub, ev)
	}
	if sub.wildcard {
		sub.tokens = append(sub.tokens, s.bus.Observe(dispatch))
	} else {
		for _, et := range sub.eventTypes {
			sub.tokens = append(sub.tokens, s.bus.Subscribe(et, dispatch))
		}
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	s.logger.Debug("Cross-server subscription added", "subscription", sub.id, "eventTypes", sub.eventTypes)
	return sub.id
}

// SubscribeAll registers handler for every cross-server event.
func (s *Subscriber) SubscribeAll(handler Handler, opts SubscribeOptions) string {
	return s.Subscribe([]string{Wildcard}, handler, opts)
}

// SubscribeToEntityEvents registers handler for the created, updated and
// deleted events of entityType.
func (s *Subscriber) SubscribeToEntityEvents(entityType string, handler Handler, opts SubscribeOptions) string {
	return s.Subscribe(EntityEventTypes(entityType), handler, opts)
}

// SubscribeToProgramEvents registers handler for program lifecycle events.
func (s *Subscriber) SubscribeToProgramEvents(handler Handler, opts SubscribeOptions) string {
	return s.Subscribe(ProgramEventTypes, handler, opts)
}

// Unsubscribe detaches every bus handler of the subscription and forgets it.
func (s *Subscriber) Unsubscribe(id string) bool {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	for _, tok := range sub.tokens {
		s.bus.Unsubscribe(tok)
	}
	return true
}

// ClearAll removes every subscription held by s.
func (s *Subscriber) ClearAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Unsubscribe(id)
	}
}

// Count returns the number of live subscriptions.
func (s *Subscriber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// accepts applies the filters in order: cross-server tag, target allow-list,
// event type, program scope.
func (s *Subscriber) accepts(sub *subscription, ev eventbus.EventPayload) bool {
	if !IsCrossServer(ev) {
		return false
	}
	if !AddressedTo(ev, s.serverID) {
		return false
	}
	if !sub.wildcard && !slices.Contains(sub.eventTypes, ev.EventType) {
		return false
	}
	if len(sub.programIDs) > 0 && ev.ProgramID != "" && !slices.Contains(sub.programIDs, ev.ProgramID) {
		return false
	}
	return true
}

// dispatch never returns the handler's error to the bus.
func (s *Subscriber) dispatch(ctx context.Context, sub *subscription, ev eventbus.EventPayload) (err error) {
	if !s.accepts(sub, ev) {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscription handler panic: %v", rec)
		}
		if err != nil {
			s.logger.Error("Cross-server handler failed", "subscription", sub.id, "eventType", ev.EventType, "error", err)
			err = nil
		}
	}()
	return sub.handler(ctx, ev)
}
