package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jarv/meshmap/internal/config"
	"github.com/jarv/meshmap/internal/decoder"
	"github.com/jarv/meshmap/internal/geo"
	"github.com/jarv/meshmap/internal/metrics"
	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/store"
)

// Handler runs on the broker callback goroutine. It never mutates
// device/route/history state directly; every state change it decides on
// is sent as an Event to the queue for the broadcaster loop to apply
// (spec §4.3). The broker client delivers messages with ordering disabled,
// so HandleMessage calls may overlap; the Stats, Store and queue it touches
// are each safe for concurrent use.
type Handler struct {
	cfg     *config.Config
	derived *config.Derived
	probe   *decoder.Engine
	st      *store.Store
	stats   *Stats
	queue   chan<- Event
	now     func() time.Time
}

// New builds a Handler. now defaults to time.Now when nil (tests may
// substitute a deterministic clock).
func New(cfg *config.Config, derived *config.Derived, probe *decoder.Engine, st *store.Store, stats *Stats, queue chan<- Event, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{cfg: cfg, derived: derived, probe: probe, st: st, stats: stats, queue: queue, now: now}
}

// HandleMessage implements the fixed eight-step ingest procedure.
func (h *Handler) HandleMessage(ctx context.Context, topic string, payload []byte) {
	ts := float64(h.now().Unix())
	h.stats.RecordReceived(topic, ts)
	metrics.PacketsReceivedTotal.Inc()

	topicDeviceID, hasTopicDevice := decoder.DeviceIDFromTopic(topic)

	// Step 2: online tracking is independent of whether the payload parses.
	if hasTopicDevice && decoder.TopicMarksOnline(topic, h.derived.OnlineSuffixes) {
		h.st.MarkSeen(topicDeviceID, ts, true)
		if _, known := h.st.Device(topicDeviceID); known {
			if h.st.ShouldBroadcastSeen(topicDeviceID, ts, h.cfg.Broker.SeenBroadcastMinInterval) {
				h.enqueue(Event{Type: EventDeviceSeen, DeviceID: topicDeviceID, TS: ts, BrokerSeen: true})
			}
		}
	}

	pos, dbg := h.probe.Probe(ctx, topic, payload)

	// Step 3: reject zero/out-of-radius positions; evict out-of-radius hits.
	deviceIDHint := dbg.Pubkey
	if deviceIDHint == "" {
		deviceIDHint = topicDeviceID
	}
	if pos != nil {
		if geo.IsZero(pos.Lat, pos.Lon) {
			dbg.Result = "filtered_zero_coords"
			pos = nil
		} else if !geo.WithinRadius(h.cfg.Filter.MapStartLat, h.cfg.Filter.MapStartLon, pos.Lat, pos.Lon, h.cfg.Filter.RadiusKM) {
			dbg.Result = "filtered_radius"
			if deviceIDHint != "" {
				h.enqueue(Event{Type: EventDeviceRemove, DeviceID: deviceIDHint, RemoveReason: "radius"})
			}
			pos = nil
		}
	}

	// Step 4: role-target-id prefers the decoded pubkey over the topic origin.
	originID := dbg.OriginID
	if originID == "" {
		originID = topicDeviceID
	}
	roleTargetID := originID
	if dbg.Pubkey != "" {
		roleTargetID = dbg.Pubkey
	}

	// Step 5: debug + status ring entries.
	debugEntry := model.DebugEntry{
		TS: ts, Topic: topic, Result: dbg.Result, FoundPath: dbg.FoundPath,
		DecoderMeta: dbg.DecoderMeta, RoleTargetID: roleTargetID,
		PacketHash: dbg.PacketHash, Direction: dbg.Direction,
		ParseError: dbg.ParseError, OriginID: originID, PayloadPrev: dbg.PayloadPrev,
	}
	h.stats.AppendDebug(debugEntry)
	if strings.HasSuffix(topic, "/status") {
		deviceRole := ""
		if dbg.HasRole {
			deviceRole = string(dbg.DeviceRole)
		}
		h.stats.AppendStatus(model.StatusEntry{
			TS: ts, Topic: topic, DeviceName: dbg.DeviceName, DeviceRole: deviceRole,
			OriginID: originID, PayloadPrev: dbg.PayloadPrev,
		})
	}
	h.stats.RecordResult(dbg.Result)
	metrics.DecodeResultTotal.WithLabelValues(dbg.Result).Inc()

	// Step 6: name/role changes, independent of whether a position parsed.
	if dbg.DeviceName != "" && originID != "" {
		if existing, _ := h.st.DeviceNameFor(originID); existing != dbg.DeviceName {
			h.enqueue(Event{Type: EventDeviceName, DeviceID: originID, TS: ts, Name: dbg.DeviceName})
		}
	}
	if dbg.HasRole && roleTargetID != "" {
		if existing, src, ok := h.st.DeviceRole(roleTargetID); (!ok || existing != dbg.DeviceRole) && src != "override" {
			h.enqueue(Event{Type: EventDeviceRole, DeviceID: roleTargetID, TS: ts, Role: dbg.DeviceRole, RoleSource: "decoded"})
		}
	}

	// Step 7: build and enqueue a route event.
	if route, ok := h.buildRoute(topic, originID, topicDeviceID, dbg, ts); ok {
		h.enqueue(Event{Type: EventRoute, Route: route, TS: ts})
	}

	// Step 8: device-position event on a successful parse.
	if pos == nil {
		h.stats.RecordUnparsed()
		metrics.PacketsUnparsedTotal.Inc()
		return
	}
	h.stats.RecordParsed(topic, ts)
	metrics.PacketsParsedTotal.Inc()

	// The decoded pubkey, when present, identifies the device more
	// precisely than the topic-derived id (spec §4.1, §4.3 step 4).
	devID := deviceIDHint
	if devID == "" {
		devID = originID
	}
	if devID == "" {
		return
	}
	dev := model.Device{
		DeviceID: devID, Lat: pos.Lat, Lon: pos.Lon, TS: ts,
		Heading: pos.Heading, Speed: pos.Speed, RSSI: pos.RSSI, SNR: pos.SNR,
		Name: dbg.DeviceName, RawTopic: topic,
	}
	if dbg.HasRole {
		dev.Role = dbg.DeviceRole
	}
	h.enqueue(Event{Type: EventDevicePosition, DeviceID: dev.DeviceID, TS: ts, Position: dev})
}

func (h *Handler) enqueue(e Event) {
	h.queue <- e
}

// buildRoute implements §4.4's route-event construction: message-origin
// cache update, then at most one emission in path/fanout/direct preference
// order.
func (h *Handler) buildRoute(topic, originID, receiverID string, dbg decoder.DebugInfo, ts float64) (model.Route, bool) {
	messageHash := dbg.MessageHash
	if messageHash == "" {
		messageHash = dbg.PacketHash
	}
	payloadType, routeType := dbg.PayloadType, dbg.RouteType
	isTx := dbg.Direction == "tx"
	isRx := dbg.Direction == "rx"

	// The decoded pubkey is the most precise origin evidence available.
	routeOriginID := dbg.Pubkey

	if messageHash != "" {
		originForTx := originID
		if originForTx == "" {
			originForTx = receiverID
		}
		mo := h.st.TouchMessageOrigin(messageHash, isTx, isRx, originForTx, receiverID, ts)
		if routeOriginID == "" && mo.OriginID != "" {
			routeOriginID = mo.OriginID
		}
		if routeOriginID == "" && isRx && mo.FirstRx != "" && receiverID != "" && receiverID != mo.FirstRx {
			routeOriginID = mo.FirstRx
		}
	}
	if routeOriginID == "" {
		routeOriginID = originID
	}

	inRoutePayloadTypes := false
	if payloadType != nil {
		_, inRoutePayloadTypes = h.derived.RoutePayloadTypes[*payloadType]
	}

	// Path hashes come from the decoder's pathHashes, falling back to the
	// raw path header for forwarded (routeType 0/1) non-trace payloads.
	pathHashes := dbg.PathHashes
	if len(pathHashes) == 0 && len(dbg.PathHeader) > 0 {
		pt := -1
		if payloadType != nil {
			pt = *payloadType
		}
		if pt != 8 && pt != 9 && routeType != nil && (*routeType == 0 || *routeType == 1) {
			pathHashes = dbg.PathHeader
		}
	}

	// Path mode.
	if len(pathHashes) > 0 && inRoutePayloadTypes {
		id := messageHash
		if id == "" {
			origin := routeOriginID
			if origin == "" {
				origin = "route"
			}
			id = fmt.Sprintf("%s-%d", origin, int64(ts*1000))
		}
		return model.Route{
			ID:   id,
			Mode: model.RouteModePath, TS: ts, OriginID: routeOriginID, ReceiverID: receiverID,
			PayloadType: payloadType, RouteType: routeType, MessageHash: messageHash,
			SNRValues: dbg.SNRValues, Topic: topic, Hashes: pathHashes,
		}, true
	}

	// Fanout mode.
	if messageHash != "" && routeOriginID != "" && receiverID != "" && isRx && strings.HasSuffix(topic, "/packets") {
		return model.Route{
			ID:   fmt.Sprintf("%s-%s", messageHash, receiverID),
			Mode: model.RouteModeFanout, TS: ts, OriginID: routeOriginID, ReceiverID: receiverID,
			PayloadType: payloadType, RouteType: routeType, MessageHash: messageHash, Topic: topic,
		}, true
	}

	// Direct mode (last resort).
	if isRx && strings.HasSuffix(topic, "/packets") && routeOriginID != "" && receiverID != "" &&
		routeOriginID != receiverID && inRoutePayloadTypes {
		idSuffix := messageHash
		if idSuffix == "" {
			idSuffix = uuid.NewString()
		}
		return model.Route{
			ID:   fmt.Sprintf("direct-%s", idSuffix),
			Mode: model.RouteModeDirect, TS: ts, OriginID: routeOriginID, ReceiverID: receiverID,
			PayloadType: payloadType, RouteType: routeType, MessageHash: messageHash, Topic: topic,
		}, true
	}

	return model.Route{}, false
}
