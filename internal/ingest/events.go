// Package ingest turns a raw broker message into the queued events the
// broadcaster loop applies to state (spec §4.3/§4.4). The ingest handler
// itself never mutates device, route or history state directly; it only
// updates counters, the seen maps and the message-origin cache.
package ingest

import "github.com/jarv/meshmap/internal/model"

// EventType tags the queued event's kind.
type EventType string

const (
	EventDeviceName      EventType = "device_name"
	EventDeviceRole      EventType = "device_role"
	EventDeviceSeen      EventType = "device_seen"
	EventDeviceRemove    EventType = "device_remove"
	EventRoute           EventType = "route"
	EventDevicePosition  EventType = "device_position"
	EventOverridesReload EventType = "overrides_reload"
)

// Event is the single union of everything the broadcaster consumes from
// the queue, in enqueue order.
type Event struct {
	Type EventType

	DeviceID string
	TS       float64

	// device_name
	Name string

	// device_role
	Role       model.Role
	RoleSource string

	// device_seen
	BrokerSeen bool

	// device_remove
	RemoveReason string

	// device_position
	Position model.Device

	// route
	Route model.Route
}
