package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarv/meshmap/internal/model"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Enabled:         true,
		JournalPath:     filepath.Join(dir, "history.jsonl"),
		WindowHours:     1,
		MaxSegments:     100,
		SampleLimit:     3,
		CompactInterval: time.Minute,
		RadiusKM:        0, // disabled for tests
	}
}

func payloadType(n int) *int { return &n }

func TestRecord_CreatesEdgeAndAppendsJournal(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	now := time.Unix(1000, 0)
	route := model.Route{
		Points:      []model.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
		PointIDs:    []string{"a", "b"},
		Mode:        model.RouteModePath,
		TS:          float64(now.Unix()),
		PayloadType: payloadType(3),
	}
	updated, removed := e.Record(route, now)
	if len(updated) != 1 {
		t.Fatalf("got %d updated edges", len(updated))
	}
	if len(removed) != 0 {
		t.Fatalf("got unexpected removed: %v", removed)
	}
	if updated[0].Count != 1 {
		t.Fatalf("got count %d", updated[0].Count)
	}

	data, err := os.ReadFile(cfg.JournalPath)
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected journal to have content")
	}
}

func TestRecord_RejectsModeNotAllowed(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowedModes = map[string]struct{}{"path": {}}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	route := model.Route{
		Points: []model.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
		Mode:   model.RouteModeFanout,
	}
	updated, _ := e.Record(route, time.Unix(1000, 0))
	if len(updated) != 0 {
		t.Fatal("expected fanout mode to be rejected by the path-only allowlist")
	}
}

func TestRecord_RejectsPayloadTypeNotAllowed(t *testing.T) {
	cfg := testConfig(t)
	cfg.PayloadTypes = map[int]struct{}{4: {}}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	route := model.Route{
		Points:      []model.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
		Mode:        model.RouteModePath,
		PayloadType: payloadType(3),
	}
	updated, _ := e.Record(route, time.Unix(1000, 0))
	if len(updated) != 0 {
		t.Fatal("expected payload type 3 to be rejected when only 4 is allowed")
	}
}

func TestPrune_DecrementsAndRemovesEdge(t *testing.T) {
	cfg := testConfig(t)
	cfg.WindowHours = 1.0 / 3600 // 1 second window
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	early := time.Unix(1000, 0)
	route := model.Route{
		Points:      []model.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
		Mode:        model.RouteModePath,
		TS:          float64(early.Unix()),
		PayloadType: payloadType(3),
	}
	e.Record(route, early)

	later := time.Unix(1100, 0)
	_, removed := e.Prune(later, false)
	if len(removed) != 1 {
		t.Fatalf("expected the aged-out edge to be removed, got %v", removed)
	}
}

func TestEdgeKey_CanonicalizesOrder(t *testing.T) {
	k1, _, _ := edgeKey(model.Point{Lat: 2, Lon: 2}, model.Point{Lat: 1, Lon: 1})
	k2, _, _ := edgeKey(model.Point{Lat: 1, Lon: 1}, model.Point{Lat: 2, Lon: 2})
	if k1 != k2 {
		t.Fatalf("expected canonical key regardless of input order: %q vs %q", k1, k2)
	}
}
