package api

import (
	"net/http"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
	"github.com/GoCodeAlone/eventflow/crossserver"
	"github.com/GoCodeAlone/eventflow/eventbus"
)

// EventsHandler publishes events on behalf of API callers.
type EventsHandler struct {
	publisher *crossserver.Publisher
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(p *crossserver.Publisher) *EventsHandler {
	return &EventsHandler{publisher: p}
}

type publishResponse struct {
	EventID   string `json:"eventId"`
	Broadcast bool   `json:"broadcast"`
}

// Publish handles POST /api/events. With targetServers the event is pushed
// to those peers and the delivery status is returned; otherwise it is
// broadcast locally and 202 is returned.
func (h *EventsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var ev eventbus.EventPayload
	if err := decodeBody(r, &ev); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if ev.EventType == "" {
		WriteError(w, http.StatusBadRequest, "eventType is required")
		return
	}
	// The publisher is always the authenticated caller.
	ev.UserID, _ = rbac.UserIDFromContext(r.Context())
	if ev.ProgramID == "" {
		ev.ProgramID = rbac.ProgramIDFromContext(r.Context())
	}
	// Callers cannot forge relay bookkeeping.
	ev.CrossServer = false
	ev.CrossServerTargets = nil

	if targets := ev.TargetServers; len(targets) > 0 {
		ev.TargetServers = nil
		status := h.publisher.PublishTo(r.Context(), targets, ev)
		code := http.StatusOK
		if len(status.Delivered) == 0 {
			code = http.StatusBadGateway
		}
		WriteJSON(w, code, status)
		return
	}

	id := h.publisher.Publish(r.Context(), ev)
	WriteJSON(w, http.StatusAccepted, publishResponse{EventID: id, Broadcast: true})
}
