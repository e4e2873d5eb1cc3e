package crossserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/eventflow/eventbus"
)

const maxEventBody = 1 << 20

// Deduplicator reports whether an event id is new. *store.MemorySeenStore
// and *store.RedisSeenStore satisfy this interface.
type Deduplicator interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// Receiver accepts events pushed by peers and republishes them on the local
// bus. Received events are never forwarded again.
type Receiver struct {
	bus    *eventbus.Bus
	logger *slog.Logger
	dedupe Deduplicator
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithDeduplicator drops events whose publisher-assigned id was already
// received. Events without an id are always accepted.
func WithDeduplicator(d Deduplicator) ReceiverOption {
	return func(rc *Receiver) { rc.dedupe = d }
}

// NewReceiver creates a receiver publishing onto bus.
func NewReceiver(bus *eventbus.Bus, logger *slog.Logger, opts ...ReceiverOption) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	rc := &Receiver{bus: bus, logger: logger}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// RegisterRoutes registers the receive endpoint on mux.
func (rc *Receiver) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST "+ReceivePath, rc)
}

// ServeHTTP handles POST /api/events/receive.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var ev eventbus.EventPayload
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event payload"})
		return
	}
	if ev.EventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "eventType is required"})
		return
	}
	if ev.SourceServer == "" {
		ev.SourceServer = r.Header.Get(SourceHeader)
	}
	ev.CrossServer = true

	if id := EventID(ev); id != "" && rc.dedupe != nil {
		first, err := rc.dedupe.FirstSeen(r.Context(), id)
		if err != nil {
			rc.logger.Warn("Event deduplication unavailable", "event", id, "error", err)
		} else if !first {
			rc.logger.Debug("Duplicate cross-server event dropped", "eventType", ev.EventType, "event", id)
			writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true, "eventType": ev.EventType})
			return
		}
	}

	n := rc.bus.Publish(r.Context(), ev)
	rc.logger.Debug("Cross-server event received", "eventType", ev.EventType, "source", ev.SourceServer, "handlers", n)
	writeJSON(w, http.StatusAccepted, map[string]any{"received": true, "eventType": ev.EventType})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
