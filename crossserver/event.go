// Package crossserver distributes bus events between peer servers: tagged
// broadcast on the local bus, direct HTTP push to registered peers and an
// optional NATS relay.
package crossserver

import (
	"slices"
	"time"

	"github.com/GoCodeAlone/eventflow/eventbus"
)

// ReceivePath is the peer endpoint that accepts pushed events.
const ReceivePath = "/api/events/receive"

// SourceHeader carries the sending server id on pushed events.
const SourceHeader = "X-Source-Server"

// Wildcard matches every event type in a subscription.
const Wildcard = "*"

// MetadataEventID is the metadata key holding the publisher-assigned event id.
const MetadataEventID = "eventId"

// DeliveryStatus reports the outcome of a targeted publish. Delivered and
// Failed are disjoint and keep the caller's target order.
type DeliveryStatus struct {
	EventID   string            `json:"eventId"`
	Delivered []string          `json:"delivered"`
	Failed    []string          `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Tag marks ev as a cross-server event restricted to targets (nil means
// unrestricted).
func Tag(ev eventbus.EventPayload, targets []string) eventbus.EventPayload {
	ev.CrossServer = true
	ev.CrossServerTargets = slices.Clone(targets)
	return ev
}

// IsCrossServer reports whether ev carries the cross-server tag.
func IsCrossServer(ev eventbus.EventPayload) bool {
	return ev.CrossServer
}

// AddressedTo reports whether ev may be handled by serverID: either it has no
// target allow-list or serverID is on it.
func AddressedTo(ev eventbus.EventPayload, serverID string) bool {
	return len(ev.CrossServerTargets) == 0 || slices.Contains(ev.CrossServerTargets, serverID)
}

// EventID returns the publisher-assigned id, if any.
func EventID(ev eventbus.EventPayload) string {
	if ev.Metadata == nil {
		return ""
	}
	id, _ := ev.Metadata[MetadataEventID].(string)
	return id
}

// EntityEventTypes returns the created/updated/deleted event types for an
// entity.
func EntityEventTypes(entityType string) []string {
	return []string{
		entityType + "_created",
		entityType + "_updated",
		entityType + "_deleted",
	}
}

// ProgramEventTypes are the event types emitted for program lifecycle changes.
var ProgramEventTypes = []string{
	"program_created",
	"program_updated",
	"program_deleted",
	"program_status_changed",
	"program_milestone_reached",
}
