package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jarv/meshmap/internal/config"
	"github.com/jarv/meshmap/internal/decoder"
	"github.com/jarv/meshmap/internal/store"
)

func testHandler(t *testing.T) (*Handler, <-chan Event) {
	t.Helper()
	cfg := config.Config{}
	cfg.Direct.Mode = "any"
	cfg.Filter.RadiusKM = 0
	cfg.Broker.OnlineSuffixes = []string{"/status"}
	cfg.Broker.SeenBroadcastMinInterval = 30
	cfg.Routing.RoutePayloadTypes = "3,4"
	derived, err := cfg.Derive()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	probe := decoder.NewEngine(&cfg, derived, nil)
	st := store.New()
	stats := NewStats(10, 10)
	queue := make(chan Event, 32)
	clock := func() time.Time { return time.Unix(1000, 0) }
	h := New(&cfg, derived, probe, st, stats, queue, clock)
	return h, queue
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHandleMessage_ParsedPositionEnqueuesDevicePosition(t *testing.T) {
	h, queue := testHandler(t)
	h.HandleMessage(context.Background(), "msh/US/2/json/mqtt/!abcd1234/data", []byte(`{"lat": 42.36, "lon": -71.05}`))

	events := drain(t, queue)
	var found bool
	for _, e := range events {
		if e.Type == EventDevicePosition {
			found = true
			if e.Position.Lat != 42.36 || e.Position.Lon != -71.05 {
				t.Fatalf("got position %+v", e.Position)
			}
		}
	}
	if !found {
		t.Fatalf("expected a device_position event, got %+v", events)
	}
}

func TestHandleMessage_ZeroCoordsAreFiltered(t *testing.T) {
	h, queue := testHandler(t)
	h.HandleMessage(context.Background(), "msh/US/2/json/mqtt/!abcd1234/data", []byte(`{"lat": 0, "lon": 0}`))

	events := drain(t, queue)
	for _, e := range events {
		if e.Type == EventDevicePosition {
			t.Fatalf("did not expect a device_position event for zero coordinates, got %+v", events)
		}
	}
}

func TestHandleMessage_StatusTopicMarksOnline(t *testing.T) {
	h, queue := testHandler(t)
	h.HandleMessage(context.Background(), "msh/US/2/json/mqtt/!abcd1234/status", []byte(`{}`))
	drain(t, queue)

	if _, ok := h.st.Seen("2"); !ok {
		t.Fatal("expected topic-implied device id to be marked seen")
	}
}

func TestHandleMessage_FanoutRouteFromCachedTxOrigin(t *testing.T) {
	h, queue := testHandler(t)
	// The blob never decodes (no external decoder), so the message hash
	// falls back to the payload's packet hash, identical for both receipts.
	payload := []byte(`{"direction": "tx", "hex": "00112233445566778899aabb"}`)
	h.HandleMessage(context.Background(), "msh/US/TX1/json/mqtt/!abcd/packets", payload)
	events := drain(t, queue)
	for _, e := range events {
		if e.Type == EventRoute {
			t.Fatalf("did not expect a route event for the tx sighting, got %+v", e.Route)
		}
	}

	rxPayload := []byte(`{"direction": "rx", "hex": "00112233445566778899aabb"}`)
	h.HandleMessage(context.Background(), "msh/US/RX2/json/mqtt/!abcd/packets", rxPayload)
	events = drain(t, queue)
	var route *Event
	for i, e := range events {
		if e.Type == EventRoute {
			route = &events[i]
		}
	}
	if route == nil {
		t.Fatalf("expected a fanout route event, got %+v", events)
	}
	if route.Route.Mode != "fanout" {
		t.Fatalf("got mode %q", route.Route.Mode)
	}
	if route.Route.OriginID != "TX1" || route.Route.ReceiverID != "RX2" {
		t.Fatalf("got origin %q receiver %q", route.Route.OriginID, route.Route.ReceiverID)
	}
	if route.Route.ID != route.Route.MessageHash+"-RX2" {
		t.Fatalf("got route id %q", route.Route.ID)
	}
}

func TestHandleMessage_NameHintWithoutPositionEnqueuesNameEvent(t *testing.T) {
	h, queue := testHandler(t)
	h.HandleMessage(context.Background(), "msh/US/2/json/mqtt/!abcd/status", []byte(`{"name": "Hilltop"}`))
	events := drain(t, queue)
	var found bool
	for _, e := range events {
		if e.Type == EventDeviceName {
			found = true
			if e.DeviceID != "2" || e.Name != "Hilltop" {
				t.Fatalf("got name event %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("expected a device_name event, got %+v", events)
	}
}

func TestHandleMessage_StatsCountReceived(t *testing.T) {
	h, queue := testHandler(t)
	h.HandleMessage(context.Background(), "msh/US/2/json/mqtt/!abcd1234/data", []byte(`{}`))
	drain(t, queue)
	if h.stats.ReceivedTotal != 1 {
		t.Fatalf("got received total %d", h.stats.ReceivedTotal)
	}
	if h.stats.UnparsedTotal != 1 {
		t.Fatalf("got unparsed total %d", h.stats.UnparsedTotal)
	}
}
