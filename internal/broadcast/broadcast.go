// Package broadcast is the single-writer event-queue consumer: it applies
// every ingest.Event to the live store and history engine, then fans the
// resulting frames out to connected clients (spec §4.5).
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jarv/meshmap/internal/config"
	"github.com/jarv/meshmap/internal/geo"
	"github.com/jarv/meshmap/internal/history"
	"github.com/jarv/meshmap/internal/ingest"
	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/persistence"
	"github.com/jarv/meshmap/internal/store"
	"github.com/jarv/meshmap/internal/topology"
)

// ClientSink fans a pre-serialized frame out to every connected client,
// best-effort, per spec §4.5. wsclient.Registry satisfies this.
type ClientSink interface {
	Broadcast(frame []byte)
}

// Engine owns the goroutine that applies queued events to devices, trails,
// routes, and history (spec §5); the reaper evicts and prunes the same state
// from its own goroutine through the store's and history engine's locked
// methods. It is driven by Run, which must only ever
// be called from one goroutine at a time.
type Engine struct {
	cfg     *config.Config
	derived *config.Derived
	st      *store.Store
	hist    *history.Engine
	clients ClientSink
	now     func() time.Time
}

// New builds an Engine. now defaults to time.Now when nil.
func New(cfg *config.Config, derived *config.Derived, st *store.Store, hist *history.Engine, clients ClientSink, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, derived: derived, st: st, hist: hist, clients: clients, now: now}
}

// Run drains queue until it is closed or ctx is cancelled, applying each
// event in arrival order.
func (e *Engine) Run(ctx context.Context, queue <-chan ingest.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queue:
			if !ok {
				return
			}
			e.Handle(ev)
		}
	}
}

// Handle applies a single event. Exported so tests can drive it
// synchronously.
func (e *Engine) Handle(ev ingest.Event) {
	switch ev.Type {
	case ingest.EventDeviceName:
		e.handleDeviceName(ev)
	case ingest.EventDeviceRole:
		e.handleDeviceRole(ev)
	case ingest.EventDeviceSeen:
		e.handleDeviceSeen(ev)
	case ingest.EventDeviceRemove:
		e.handleDeviceRemove(ev)
	case ingest.EventRoute:
		e.handleRoute(ev)
	case ingest.EventDevicePosition:
		e.handleDevicePosition(ev)
	case ingest.EventOverridesReload:
		e.handleOverridesReload()
	}
}

// handleOverridesReload reapplies the role-overrides and neighbor-overrides
// files on top of live state, triggered by a filesystem change (spec §6
// External interfaces, hot reload).
func (e *Engine) handleOverridesReload() {
	for id, role := range persistence.LoadRoleOverrides(e.cfg.Storage.RoleOverridesFile) {
		e.st.SetDeviceRole(id, role, "override")
	}
	ts := float64(e.now().Unix())
	for _, nb := range persistence.LoadNeighborOverrides(e.cfg.Storage.NeighborOverridesFile) {
		e.st.SetManualNeighbor(nb.Src, nb.Dst, ts)
	}
}

func (e *Engine) handleDeviceName(ev ingest.Event) {
	e.st.SetDeviceName(ev.DeviceID, ev.Name)
	e.broadcastDeviceUpdate(ev.DeviceID)
}

func (e *Engine) handleDeviceRole(ev ingest.Event) {
	e.st.SetDeviceRole(ev.DeviceID, ev.Role, ev.RoleSource)
	e.broadcastDeviceUpdate(ev.DeviceID)
}

func (e *Engine) broadcastDeviceUpdate(deviceID string) {
	dev, ok := e.st.Device(deviceID)
	if !ok {
		return
	}
	e.send(updateFrame{Type: "update", Device: dev, Trail: e.st.Trail(deviceID)})
}

func (e *Engine) handleDeviceSeen(ev ingest.Event) {
	if _, ok := e.st.Device(ev.DeviceID); !ok {
		return
	}
	e.st.MarkSeen(ev.DeviceID, ev.TS, ev.BrokerSeen)
	frame := deviceSeenFrame{Type: "device_seen", DeviceID: ev.DeviceID, LastSeenTS: ev.TS}
	if ev.BrokerSeen {
		frame.MQTTSeenTS = ev.TS
	}
	e.send(frame)
}

func (e *Engine) handleDeviceRemove(ev ingest.Event) {
	if e.evict(ev.DeviceID) {
		e.send(staleFrame{Type: "stale", DeviceIDs: []string{ev.DeviceID}})
	}
}

// evict implements spec §4.5's evict(device-id): remove from every derived
// map, mark dirty, and rebuild the hash map if the device was present.
func (e *Engine) evict(deviceID string) bool {
	removed := e.st.Evict(deviceID)
	if removed {
		e.st.RebuildHashMap()
	}
	return removed
}

func (e *Engine) handleDevicePosition(ev ingest.Event) {
	d := ev.Position
	if !geo.WithinRadius(e.cfg.Filter.MapStartLat, e.cfg.Filter.MapStartLon, d.Lat, d.Lon, e.cfg.Filter.RadiusKM) {
		e.handleDeviceRemove(ingest.Event{DeviceID: d.DeviceID})
		return
	}

	_, existed := e.st.Device(d.DeviceID)
	if d.Name == "" {
		if name, ok := e.st.DeviceNameFor(d.DeviceID); ok {
			d.Name = name
		}
	} else {
		e.st.SetDeviceName(d.DeviceID, d.Name)
	}
	if d.Role == "" {
		if role, _, ok := e.st.DeviceRole(d.DeviceID); ok {
			d.Role = role
		}
	} else {
		e.st.SetDeviceRole(d.DeviceID, d.Role, "decoded")
	}

	e.st.UpsertDevice(d, e.cfg.Filter.TrailLen)
	e.st.MarkSeen(d.DeviceID, float64(e.now().Unix()), false)
	if !existed {
		e.st.RebuildHashMap()
	}
	e.broadcastDeviceUpdate(d.DeviceID)
}

func (e *Engine) handleRoute(ev ingest.Event) {
	r := ev.Route
	hm := e.st.HashMap()
	devices := e.st.Devices()

	res, ok := topology.ResolvePath(r.Hashes, r.OriginID, r.ReceiverID, r.TS, e.cfg.Filter.RoutePathMaxLen, hm, devices)
	if !ok {
		// A path that resolved to nothing still draws as a direct link when
		// both endpoints are known; a failed fanout keeps its mode.
		res, ok = topology.ResolveFallback(r.OriginID, r.ReceiverID, devices)
		if !ok {
			return
		}
		if r.Mode != model.RouteModeFanout {
			r.Mode = model.RouteModeDirect
		}
	}
	if !topology.WithinRadius(res.Points, e.cfg.Filter.MapStartLat, e.cfg.Filter.MapStartLon, e.cfg.Filter.RadiusKM) {
		return
	}

	ts := r.TS
	if ts == 0 {
		ts = float64(e.now().Unix())
	}
	r.Points = res.Points
	r.PointIDs = res.PointIDs
	r.Hashes = res.UsedHashes
	r.TS = ts
	r.ExpiresAt = ts + e.cfg.Retention.RouteTTLSeconds

	e.st.InsertRoute(r)
	if e.cfg.Retention.HeatTTLSeconds > 0 {
		for _, p := range res.Points {
			e.st.AppendHeat(model.HeatEvent{Lat: p.Lat, Lon: p.Lon, TS: ts, Weight: 0.7})
		}
	}
	for i := 0; i < len(res.PointIDs)-1; i++ {
		a, b := res.PointIDs[i], res.PointIDs[i+1]
		if a != "" && b != "" && a != b {
			e.st.RecordNeighborPair(a, b, ts)
		}
	}

	updated, removed := e.hist.Record(r, e.now())

	e.send(routeFrame{Type: "route", Route: r})
	if len(updated) > 0 {
		e.send(historyEdgesFrame{Type: "history_edges", Edges: updated})
	}
	if len(removed) > 0 {
		e.send(historyEdgesRemoveFrame{Type: "history_edges_remove", EdgeIDs: removed})
	}
}

func (e *Engine) send(v any) {
	if e.clients == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("broadcast: marshaling frame", "err", err)
		return
	}
	e.clients.Broadcast(data)
}
