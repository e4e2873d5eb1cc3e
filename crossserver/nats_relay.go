package crossserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/GoCodeAlone/eventflow/eventbus"
)

// ErrRelayNotConnected is returned by Forward before Connect succeeds.
var ErrRelayNotConnected = errors.New("crossserver: nats relay not connected")

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "eventflow.events"

// NATSRelay fans broadcast events out to other servers through NATS and
// republishes their events on the local bus.
type NATSRelay struct {
	url      string
	prefix   string
	serverID string
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSRelay creates a relay; Connect must be called before use.
func NewNATSRelay(url, prefix, serverID string, bus *eventbus.Bus, logger *slog.Logger) *NATSRelay {
	if url == "" {
		url = nats.DefaultURL
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRelay{url: url, prefix: prefix, serverID: serverID, bus: bus, logger: logger}
}

// Subject returns the subject events of eventType are published on.
func (r *NATSRelay) Subject(eventType string) string {
	return r.prefix + "." + eventType
}

// Connect dials NATS and subscribes to every event subject.
func (r *NATSRelay) Connect(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	conn, err := nats.Connect(r.url, nats.Name(r.serverID))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", r.url, err)
	}
	sub, err := conn.Subscribe(r.prefix+".>", r.handle)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s.>: %w", r.prefix, err)
	}
	r.conn = conn
	r.sub = sub
	r.logger.Info("NATS relay connected", "url", r.url, "prefix", r.prefix)
	return nil
}

// Forward publishes ev on its subject.
func (r *NATSRelay) Forward(_ context.Context, ev eventbus.EventPayload) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn == nil {
		return ErrRelayNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := conn.Publish(r.Subject(ev.EventType), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventType, err)
	}
	return nil
}

// Ping reports whether the relay holds a live connection.
func (r *NATSRelay) Ping(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return ErrRelayNotConnected
	}
	if !r.conn.IsConnected() {
		return fmt.Errorf("nats connection %s", r.conn.Status())
	}
	return nil
}

// handle republishes events from other servers. Events this server sent are
// dropped since the bus has already seen them.
func (r *NATSRelay) handle(msg *nats.Msg) {
	var ev eventbus.EventPayload
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		r.logger.Error("Error decoding relayed event", "subject", msg.Subject, "error", err)
		return
	}
	if ev.SourceServer == r.serverID {
		return
	}
	ev.CrossServer = true
	r.bus.Publish(context.Background(), ev)
}

// Close unsubscribes and drains the connection.
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	err := r.conn.Drain()
	r.conn = nil
	r.sub = nil
	return err
}
