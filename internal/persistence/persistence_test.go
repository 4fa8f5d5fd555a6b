package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/store"
)

func TestLoad_MissingFileReturnsEmptySnapshot(t *testing.T) {
	cfg := Config{StateFile: filepath.Join(t.TempDir(), "absent.json"), TrailLen: 10}
	snap, err := Load(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Devices) != 0 {
		t.Fatalf("expected no devices, got %d", len(snap.Devices))
	}
}

func TestLoad_DropsZeroAndOutOfRadiusDevices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	doc := document{
		Version: 1,
		Devices: map[string]model.Device{
			"good": {DeviceID: "good", Lat: 42.36, Lon: -71.05, TS: 1},
			"zero": {DeviceID: "zero", Lat: 0, Lon: 0, TS: 1},
			"far":  {DeviceID: "far", Lat: 10, Lon: 10, TS: 1},
		},
		DeviceNames: map[string]string{"good": "Node Good", "zero": "Node Zero"},
	}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg := Config{StateFile: path, CenterLat: 42.36, CenterLon: -71.05, RadiusKM: 50, TrailLen: 10}
	snap, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := snap.Devices["good"]; !ok {
		t.Fatal("expected the in-radius device to survive")
	}
	if _, ok := snap.Devices["zero"]; ok {
		t.Fatal("expected the zero-coordinate device to be dropped")
	}
	if _, ok := snap.Devices["far"]; ok {
		t.Fatal("expected the out-of-radius device to be dropped")
	}
	if _, ok := snap.DeviceNames["zero"]; ok {
		t.Fatal("expected dropped device's name to be cleaned up too")
	}
}

func TestLoad_RoleOverridesTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	overridesPath := filepath.Join(dir, "roles.json")

	doc := document{
		Devices:           map[string]model.Device{"a": {DeviceID: "a", Lat: 1, Lon: 1, TS: 1}},
		DeviceRoles:       map[string]string{"a": "companion"},
		DeviceRoleSources: map[string]string{"a": "decoded"},
	}
	data, _ := json.Marshal(doc)
	os.WriteFile(statePath, data, 0o644)
	os.WriteFile(overridesPath, []byte(`{"a": "repeater"}`), 0o644)

	cfg := Config{StateFile: statePath, RoleOverridesFile: overridesPath, RadiusKM: 0, TrailLen: 10}
	snap, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.DeviceRoles["a"] != model.RoleRepeater {
		t.Fatalf("got role %q, want override to win", snap.DeviceRoles["a"])
	}
	if snap.DeviceRoleSrc["a"] != "override" {
		t.Fatalf("got source %q", snap.DeviceRoleSrc["a"])
	}
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	snap := store.Snapshot{
		Devices:       map[string]model.Device{"a": {DeviceID: "a", Lat: 1, Lon: 1, TS: 1}},
		Trails:        map[string][]model.TrailPoint{"a": {{Lat: 1, Lon: 1, TS: 1}}},
		Seen:          map[string]float64{"a": 1},
		DeviceNames:   map[string]string{"a": "Node A"},
		DeviceRoles:   map[string]model.Role{"a": model.RoleRepeater},
		DeviceRoleSrc: map[string]string{"a": "decoded"},
	}
	if err := Save(path, snap, time.Unix(1000, 0)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := Config{StateFile: path, RadiusKM: 0, TrailLen: 10}
	loaded, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := loaded.Devices["a"]; !ok {
		t.Fatal("expected device to round-trip")
	}
	if loaded.DeviceRoles["a"] != model.RoleRepeater {
		t.Fatalf("got role %q", loaded.DeviceRoles["a"])
	}
	if loaded.DeviceRoleSrc["a"] != "decoded" {
		t.Fatalf("got source %q", loaded.DeviceRoleSrc["a"])
	}
}
