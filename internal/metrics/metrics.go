// Package metrics declares the prometheus collectors exported on /metrics
// alongside the query surface, grounded on the route-beacon ingester's
// internal/metrics package.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshmap_packets_received_total",
			Help: "Total broker messages received.",
		},
	)

	PacketsParsedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshmap_packets_parsed_total",
			Help: "Broker messages that yielded a parsed position.",
		},
	)

	PacketsUnparsedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshmap_packets_unparsed_total",
			Help: "Broker messages that produced no position.",
		},
	)

	DecodeResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshmap_decode_result_total",
			Help: "Payload-probe results by result code (json, text, packet_blob, hex, base64, binary, none, filtered_zero_coords, filtered_radius, direct_blocked, direct_zero_coords).",
		},
		[]string{"result"},
	)

	DecodeSubprocessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshmap_decode_subprocess_duration_seconds",
			Help:    "External decoder subprocess latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshmap_connected_clients",
			Help: "Currently connected map websocket clients.",
		},
	)

	DevicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshmap_devices_total",
			Help: "Currently known devices.",
		},
	)

	RoutesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshmap_routes_active",
			Help: "Currently active (non-expired) routes.",
		},
	)

	HistoryEdgesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshmap_history_edges_active",
			Help: "Currently active history edges.",
		},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default prometheus registry. Safe to
// call more than once; only the first call registers anything.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PacketsReceivedTotal,
			PacketsParsedTotal,
			PacketsUnparsedTotal,
			DecodeResultTotal,
			DecodeSubprocessDuration,
			ConnectedClients,
			DevicesTotal,
			RoutesActive,
			HistoryEdgesActive,
		)
	})
}
