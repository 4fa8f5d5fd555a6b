package broadcast

import "github.com/jarv/meshmap/internal/model"

type updateFrame struct {
	Type   string            `json:"type"`
	Device model.Device      `json:"device"`
	Trail  []model.TrailPoint `json:"trail"`
}

type deviceSeenFrame struct {
	Type       string  `json:"type"`
	DeviceID   string  `json:"device_id"`
	LastSeenTS float64 `json:"last_seen_ts"`
	MQTTSeenTS float64 `json:"mqtt_seen_ts,omitempty"`
}

type staleFrame struct {
	Type      string   `json:"type"`
	DeviceIDs []string `json:"device_ids"`
}

type routeFrame struct {
	Type  string     `json:"type"`
	Route model.Route `json:"route"`
}

type historyEdgesFrame struct {
	Type  string              `json:"type"`
	Edges []*model.HistoryEdge `json:"edges"`
}

type historyEdgesRemoveFrame struct {
	Type    string   `json:"type"`
	EdgeIDs []string `json:"edge_ids"`
}
