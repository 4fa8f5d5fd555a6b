// Package model defines the entities that make up the live network view:
// devices, trails, routes, heat events, and the history/neighbor graphs.
package model

// Role tags a device's function in the mesh, per the wire format's 1/2/3
// device-role values.
type Role string

const (
	RoleCompanion Role = "companion"
	RoleRepeater  Role = "repeater"
	RoleRoom      Role = "room"
)

// RoleCode returns the numeric wire code for a role (1=companion,
// 2=repeater, 3=room), defaulting to companion for anything unrecognized.
func RoleCode(r Role) int {
	switch r {
	case RoleRepeater:
		return 2
	case RoleRoom:
		return 3
	default:
		return 1
	}
}

// Device is a known mesh node, keyed by its opaque device id (typically a
// public key). Coordinates must lie within the configured map radius and
// must not be the (0,0) sentinel.
type Device struct {
	DeviceID string  `json:"device_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	TS       float64 `json:"ts"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	RSSI     *float64 `json:"rssi,omitempty"`
	SNR      *float64 `json:"snr,omitempty"`
	Name     string   `json:"name,omitempty"`
	Role     Role     `json:"role,omitempty"`
	RawTopic string   `json:"raw_topic,omitempty"`
}

// TrailPoint is one (lat, lon, ts) sample in a device's trail.
type TrailPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	TS  float64 `json:"ts"`
}

// RouteMode classifies how a route's polyline was derived.
type RouteMode string

const (
	RouteModePath   RouteMode = "path"
	RouteModeFanout RouteMode = "fanout"
	RouteModeDirect RouteMode = "direct"
)

// Point is a single (lat, lon) coordinate pair used by routes and history.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Route is an ephemeral polyline recording one packet's inferred path.
type Route struct {
	ID          string    `json:"id"`
	Points      []Point   `json:"points"`
	PointIDs    []string  `json:"point_ids,omitempty"` // one device id per point
	Hashes      []string  `json:"hashes,omitempty"`
	Mode        RouteMode `json:"route_mode"`
	TS          float64   `json:"ts"`
	ExpiresAt   float64   `json:"expires_at"`
	OriginID    string    `json:"origin_id,omitempty"`
	ReceiverID  string    `json:"receiver_id,omitempty"`
	PayloadType *int      `json:"payload_type,omitempty"`
	RouteType   *int      `json:"route_type,omitempty"`
	MessageHash string    `json:"message_hash,omitempty"`
	SNRValues   []float64 `json:"snr_values,omitempty"`
	Topic       string    `json:"topic,omitempty"`
}

// HeatEvent is a single weighted point sample appended alongside every
// route point, pruned by age.
type HeatEvent struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	TS     float64 `json:"ts"`
	Weight float64 `json:"weight"`
}

// HistorySample is one recent-event sample kept in an edge's bounded ring.
type HistorySample struct {
	TS          float64 `json:"ts"`
	MessageHash string  `json:"message_hash,omitempty"`
	PayloadType *int    `json:"payload_type,omitempty"`
	OriginID    string  `json:"origin_id,omitempty"`
	ReceiverID  string  `json:"receiver_id,omitempty"`
	RouteMode   string  `json:"route_mode,omitempty"`
	Topic       string  `json:"topic,omitempty"`
}

// HistoryEdge is an undirected, coordinate-keyed edge with a rolling count
// of segments currently inside the retention window.
type HistoryEdge struct {
	ID     string          `json:"id"`
	A      Point           `json:"a"`
	B      Point           `json:"b"`
	Count  int             `json:"count"`
	LastTS float64         `json:"last_ts"`
	Recent []HistorySample `json:"recent"`
}

// HistorySegment is one journal record: a single recorded route edge
// traversal, held in an ordered deque keyed by ts and appended to the
// journal file.
type HistorySegment struct {
	TS          float64 `json:"ts"`
	A           Point   `json:"a"`
	B           Point   `json:"b"`
	AID         string  `json:"a_id,omitempty"`
	BID         string  `json:"b_id,omitempty"`
	MessageHash string  `json:"message_hash,omitempty"`
	PayloadType *int    `json:"payload_type,omitempty"`
	OriginID    string  `json:"origin_id,omitempty"`
	ReceiverID  string  `json:"receiver_id,omitempty"`
	RouteMode   string  `json:"route_mode,omitempty"`
	Topic       string  `json:"topic,omitempty"`
}

// MessageOrigin caches the first transmitter/receiver seen for a
// message-hash, used to infer route origin from rx-only evidence.
type MessageOrigin struct {
	OriginID  string
	FirstRx   string
	Receivers map[string]struct{}
	LastTouch float64
}

// NeighborEdge is a directed (src, dst) edge used for peer statistics.
type NeighborEdge struct {
	Count    int
	LastSeen float64
	Manual   bool
}

// DebugEntry captures one ingest decision for the debug ring.
type DebugEntry struct {
	TS           float64
	Topic        string
	Result       string
	FoundPath    string
	DecoderMeta  map[string]any
	RoleTargetID string
	PacketHash   string
	Direction    string
	ParseError   string
	OriginID     string
	PayloadPrev  string
}

// StatusEntry captures a /status topic receipt for the status ring.
type StatusEntry struct {
	TS          float64
	Topic       string
	DeviceName  string
	DeviceRole  string
	OriginID    string
	PayloadPrev string
}
