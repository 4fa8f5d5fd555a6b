// Package persistence saves and loads the map service's state snapshot and
// device-role overrides file, writing the snapshot atomically via tmp+rename
// (spec §4.8).
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio"
	"github.com/jarv/meshmap/internal/decoder"
	"github.com/jarv/meshmap/internal/geo"
	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/store"
)

const snapshotVersion = 1

// document is the on-disk shape of the state snapshot file.
type document struct {
	Version           int                            `json:"version"`
	SavedAt           float64                        `json:"saved_at"`
	Devices           map[string]model.Device        `json:"devices"`
	Trails            map[string][]model.TrailPoint  `json:"trails"`
	SeenDevices       map[string]float64             `json:"seen_devices"`
	DeviceNames       map[string]string              `json:"device_names"`
	DeviceRoles       map[string]string              `json:"device_roles"`
	DeviceRoleSources map[string]string              `json:"device_role_sources"`
}

// Config carries the filesystem locations and geo filters the loader needs.
type Config struct {
	StateFile            string
	RoleOverridesFile    string
	CenterLat, CenterLon float64
	RadiusKM             float64
	TrailLen             int
}

// LoadRoleOverrides reads the secondary role-overrides file, normalizing
// each value and skipping anything that doesn't parse as a known role.
// A missing or unreadable file yields an empty map, not an error.
func LoadRoleOverrides(path string) map[string]model.Role {
	out := map[string]model.Role{}
	if path == "" {
		return out
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		if role, ok := decoder.NormalizeRole(v); ok {
			out[k] = role
		}
	}
	return out
}

// Load reads the state snapshot file (if present), drops invalid entries
// per the loader's rules, applies role overrides last, and returns a Store
// Snapshot ready for store.LoadSnapshot.
func Load(cfg Config) (store.Snapshot, error) {
	snap := store.Snapshot{
		Devices:       map[string]model.Device{},
		Trails:        map[string][]model.TrailPoint{},
		Seen:          map[string]float64{},
		DeviceNames:   map[string]string{},
		DeviceRoles:   map[string]model.Role{},
		DeviceRoleSrc: map[string]string{},
	}

	data, err := os.ReadFile(cfg.StateFile)
	if os.IsNotExist(err) {
		applyRoleOverrides(cfg, &snap)
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("persistence: reading state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return snap, fmt.Errorf("persistence: parsing state file: %w", err)
	}

	dropped := map[string]struct{}{}
	for id, d := range doc.Devices {
		if geo.IsZero(d.Lat, d.Lon) || !geo.WithinRadius(cfg.CenterLat, cfg.CenterLon, d.Lat, d.Lon, cfg.RadiusKM) {
			dropped[id] = struct{}{}
			continue
		}
		snap.Devices[id] = d
	}

	for id, trail := range doc.Trails {
		if _, isDropped := dropped[id]; isDropped {
			continue
		}
		var filtered []model.TrailPoint
		for _, pt := range trail {
			if geo.IsZero(pt.Lat, pt.Lon) || !geo.WithinRadius(cfg.CenterLat, cfg.CenterLon, pt.Lat, pt.Lon, cfg.RadiusKM) {
				continue
			}
			filtered = append(filtered, pt)
		}
		if len(filtered) > 0 && cfg.TrailLen > 0 {
			snap.Trails[id] = filtered
		}
	}

	for id, ts := range doc.SeenDevices {
		if _, isDropped := dropped[id]; isDropped {
			continue
		}
		snap.Seen[id] = ts
	}

	for id, name := range doc.DeviceNames {
		if _, isDropped := dropped[id]; isDropped {
			continue
		}
		if name != "" {
			snap.DeviceNames[id] = name
		}
	}

	for id, source := range doc.DeviceRoleSources {
		if _, isDropped := dropped[id]; isDropped {
			continue
		}
		if source != "" {
			snap.DeviceRoleSrc[id] = source
		}
	}

	for id, roleStr := range doc.DeviceRoles {
		if _, isDropped := dropped[id]; isDropped {
			continue
		}
		source := snap.DeviceRoleSrc[id]
		if source != "decoded" && source != "override" {
			continue
		}
		if role, ok := decoder.NormalizeRole(roleStr); ok {
			snap.DeviceRoles[id] = role
		}
	}

	applyRoleOverrides(cfg, &snap)

	for id, d := range snap.Devices {
		if d.Name == "" {
			if name, ok := snap.DeviceNames[id]; ok {
				d.Name = name
				snap.Devices[id] = d
			}
		}
		if role, ok := snap.DeviceRoles[id]; ok {
			d.Role = role
			snap.Devices[id] = d
		}
	}

	return snap, nil
}

func applyRoleOverrides(cfg Config, snap *store.Snapshot) {
	overrides := LoadRoleOverrides(cfg.RoleOverridesFile)
	for id, role := range overrides {
		snap.DeviceRoles[id] = role
		snap.DeviceRoleSrc[id] = "override"
	}
}

// NeighborOverride is one manual src->dst edge from the neighbor-overrides
// file (spec §6 External interfaces).
type NeighborOverride struct {
	Src string
	Dst string
}

// LoadNeighborOverrides reads the neighbor-overrides file, a JSON array of
// {"src":"...","dst":"..."} pairs. A missing or unreadable file yields an
// empty slice, not an error, matching LoadRoleOverrides.
func LoadNeighborOverrides(path string) []NeighborOverride {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var raw []struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make([]NeighborOverride, 0, len(raw))
	for _, r := range raw {
		if r.Src == "" || r.Dst == "" {
			continue
		}
		out = append(out, NeighborOverride{Src: r.Src, Dst: r.Dst})
	}
	return out
}

// Save serializes a snapshot and writes it atomically to path. Trails for
// devices no longer present are dropped so the document stays referentially
// consistent.
func Save(path string, snap store.Snapshot, now time.Time) error {
	for id := range snap.Trails {
		if _, ok := snap.Devices[id]; !ok {
			delete(snap.Trails, id)
		}
	}
	roleSources := snap.DeviceRoleSrc
	roles := make(map[string]string, len(snap.DeviceRoles))
	for id, r := range snap.DeviceRoles {
		roles[id] = string(r)
	}
	doc := document{
		Version:           snapshotVersion,
		SavedAt:           float64(now.Unix()),
		Devices:           snap.Devices,
		Trails:            snap.Trails,
		SeenDevices:       snap.Seen,
		DeviceNames:       snap.DeviceNames,
		DeviceRoles:       roles,
		DeviceRoleSources: roleSources,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("persistence: marshaling state: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persistence: writing state file: %w", err)
	}
	return nil
}
