package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jarv/meshmap/internal/config"
	"github.com/jarv/meshmap/internal/history"
	"github.com/jarv/meshmap/internal/ingest"
	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/store"
)

type fakeSink struct{ frames []map[string]any }

func (f *fakeSink) Broadcast(frame []byte) {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		panic(err)
	}
	f.frames = append(f.frames, m)
}

func (f *fakeSink) framesOfType(t string) []map[string]any {
	var out []map[string]any
	for _, m := range f.frames {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

func testEngine(t *testing.T) (*Engine, *store.Store, *fakeSink) {
	t.Helper()
	cfg := config.Config{}
	cfg.Filter.RadiusKM = 0
	cfg.Filter.TrailLen = 10
	cfg.Filter.RoutePathMaxLen = 12
	cfg.Retention.RouteTTLSeconds = 300
	cfg.Retention.HeatTTLSeconds = 600
	derived, err := cfg.Derive()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	hist, err := history.New(history.Config{
		Enabled:      true,
		WindowHours:  1,
		SampleLimit:  5,
		RadiusKM:     0,
		AllowedModes: map[string]struct{}{"path": {}, "fanout": {}, "direct": {}},
	})
	if err != nil {
		t.Fatalf("history.New: %v", err)
	}
	st := store.New()
	sink := &fakeSink{}
	clock := func() time.Time { return time.Unix(1000, 0) }
	return New(&cfg, derived, st, hist, sink, clock), st, sink
}

func TestHandleDeviceName_UpdatesAndBroadcastsFullFrame(t *testing.T) {
	e, st, sink := testEngine(t)
	st.UpsertDevice(model.Device{DeviceID: "aa000001", Lat: 1, Lon: 1, TS: 1}, 10)

	e.Handle(ingest.Event{Type: ingest.EventDeviceName, DeviceID: "aa000001", Name: "Node A"})

	dev, _ := st.Device("aa000001")
	if dev.Name != "Node A" {
		t.Fatalf("got name %q", dev.Name)
	}
	frames := sink.framesOfType("update")
	if len(frames) != 1 {
		t.Fatalf("expected one update frame, got %d", len(frames))
	}
}

func TestHandleDeviceRemove_EvictsAndBroadcastsStale(t *testing.T) {
	e, st, sink := testEngine(t)
	st.UpsertDevice(model.Device{DeviceID: "aa000001", Lat: 1, Lon: 1, TS: 1}, 10)
	st.RebuildHashMap()

	e.Handle(ingest.Event{Type: ingest.EventDeviceRemove, DeviceID: "aa000001"})

	if _, ok := st.Device("aa000001"); ok {
		t.Fatal("expected device to be evicted")
	}
	if len(sink.framesOfType("stale")) != 1 {
		t.Fatalf("expected one stale frame, got %+v", sink.frames)
	}
	if _, ok := st.HashMap().Resolve("AA", 0); ok {
		t.Fatal("expected hash map to no longer resolve the evicted device")
	}
}

func TestHandleDevicePosition_OutOfRadiusEvictsInsteadOfUpserting(t *testing.T) {
	e, st, sink := testEngine(t)
	e.cfg.Filter.RadiusKM = 1
	e.cfg.Filter.MapStartLat = 0
	e.cfg.Filter.MapStartLon = 0
	st.UpsertDevice(model.Device{DeviceID: "aa000001", Lat: 0, Lon: 0, TS: 1}, 10)

	e.Handle(ingest.Event{Type: ingest.EventDevicePosition, DeviceID: "aa000001", Position: model.Device{DeviceID: "aa000001", Lat: 50, Lon: 50, TS: 2}})

	if _, ok := st.Device("aa000001"); ok {
		t.Fatal("expected out-of-radius position to evict the device")
	}
	if len(sink.framesOfType("stale")) != 1 {
		t.Fatalf("expected a stale frame, got %+v", sink.frames)
	}
}

func TestHandleDevicePosition_NewDeviceRebuildsHashMapAndBroadcasts(t *testing.T) {
	e, st, sink := testEngine(t)

	e.Handle(ingest.Event{Type: ingest.EventDevicePosition, DeviceID: "aa000001", Position: model.Device{DeviceID: "aa000001", Lat: 1, Lon: 1, TS: 2}})

	if _, ok := st.Device("aa000001"); !ok {
		t.Fatal("expected device to be upserted")
	}
	if id, ok := st.HashMap().Resolve("AA", 2); !ok || id != "aa000001" {
		t.Fatalf("expected hash map to resolve the new device, got %q %v", id, ok)
	}
	if len(sink.framesOfType("update")) != 1 {
		t.Fatalf("expected one update frame, got %+v", sink.frames)
	}
}

func TestHandleRoute_ResolvesPathAndRecordsHistory(t *testing.T) {
	e, st, sink := testEngine(t)
	st.UpsertDevice(model.Device{DeviceID: "aa000001", Lat: 1, Lon: 1, TS: 1}, 10)
	st.UpsertDevice(model.Device{DeviceID: "bb000002", Lat: 2, Lon: 2, TS: 1}, 10)
	st.RebuildHashMap()

	route := model.Route{
		ID: "path-1", Mode: model.RouteModePath, TS: 100,
		OriginID: "aa000001", ReceiverID: "bb000002", Hashes: []string{"AA", "BB"},
	}
	e.Handle(ingest.Event{Type: ingest.EventRoute, Route: route})

	if len(sink.framesOfType("route")) != 1 {
		t.Fatalf("expected one route frame, got %+v", sink.frames)
	}
	if len(sink.framesOfType("history_edges")) != 1 {
		t.Fatalf("expected one history_edges frame, got %+v", sink.frames)
	}
	routes := st.Routes(0)
	if len(routes) != 1 {
		t.Fatalf("expected route to be inserted, got %d", len(routes))
	}
	if len(st.Heat()) != 2 {
		t.Fatalf("expected a heat event per point, got %d", len(st.Heat()))
	}
	inbound, outbound := st.NeighborCounts("bb000002")
	if inbound["aa000001"] != 1 || outbound["aa000001"] != 1 {
		t.Fatalf("expected a bidirectional neighbor edge, got in=%v out=%v", inbound, outbound)
	}
}

func TestHandleRoute_UnresolvablePathFallsBackToDirect(t *testing.T) {
	e, st, sink := testEngine(t)
	st.UpsertDevice(model.Device{DeviceID: "aa000001", Lat: 1, Lon: 1, TS: 1}, 10)
	st.UpsertDevice(model.Device{DeviceID: "bb000002", Lat: 2, Lon: 2, TS: 1}, 10)
	st.RebuildHashMap()

	// A hash list over the configured max is rejected outright, so the
	// route must degrade to an origin->receiver link.
	over := make([]string, 13)
	for i := range over {
		over[i] = "EE"
	}
	route := model.Route{
		ID: "m1", Mode: model.RouteModePath, TS: 100,
		OriginID: "aa000001", ReceiverID: "bb000002", Hashes: over,
	}
	e.Handle(ingest.Event{Type: ingest.EventRoute, Route: route})

	frames := sink.framesOfType("route")
	if len(frames) != 1 {
		t.Fatalf("expected one route frame, got %+v", sink.frames)
	}
	got := frames[0]["route"].(map[string]any)
	if got["route_mode"] != "direct" {
		t.Fatalf("got mode %v", got["route_mode"])
	}
	if pts := got["points"].([]any); len(pts) != 2 {
		t.Fatalf("got %d points", len(pts))
	}
}

func TestHandleDeviceSeen_BroadcastsMQTTSeenTS(t *testing.T) {
	e, st, sink := testEngine(t)
	st.UpsertDevice(model.Device{DeviceID: "aa000001", Lat: 1, Lon: 1, TS: 1}, 10)

	e.Handle(ingest.Event{Type: ingest.EventDeviceSeen, DeviceID: "aa000001", TS: 123, BrokerSeen: true})

	frames := sink.framesOfType("device_seen")
	if len(frames) != 1 {
		t.Fatalf("expected one device_seen frame, got %+v", sink.frames)
	}
	if frames[0]["last_seen_ts"] != 123.0 || frames[0]["mqtt_seen_ts"] != 123.0 {
		t.Fatalf("got frame %+v", frames[0])
	}
}

func TestHandleRoute_RejectsWhenNoResolvablePoints(t *testing.T) {
	e, _, sink := testEngine(t)
	route := model.Route{ID: "direct-1", Mode: model.RouteModeDirect, TS: 100, OriginID: "unknown-a", ReceiverID: "unknown-b"}

	e.Handle(ingest.Event{Type: ingest.EventRoute, Route: route})

	if len(sink.frames) != 0 {
		t.Fatalf("expected no frames for an unresolvable route, got %+v", sink.frames)
	}
}
