// Package topology resolves a packet's path-hash sequence (or an
// origin/receiver hint pair) into a polyline of known device coordinates.
package topology

import (
	"math"
	"sort"

	"github.com/jarv/meshmap/internal/decoder"
	"github.com/jarv/meshmap/internal/geo"
	"github.com/jarv/meshmap/internal/model"
)

// HashMap maps a two-hex-digit node-hash (the wire format's device-id
// prefix) to the unique device carrying it, or marks the hash collided
// when more than one device shares it. Rebuilt whenever the device set
// changes (spec: hash→device map).
type HashMap struct {
	unique   map[string]string
	collided map[string][]model.Device
}

// BuildHashMap groups devices by their two-hex-digit id prefix.
func BuildHashMap(devices map[string]model.Device) *HashMap {
	byHash := map[string][]model.Device{}
	for _, d := range devices {
		hash, ok := decoder.NodeHashFromDeviceID(d.DeviceID)
		if !ok {
			continue
		}
		byHash[hash] = append(byHash[hash], d)
	}
	hm := &HashMap{unique: map[string]string{}, collided: map[string][]model.Device{}}
	for hash, candidates := range byHash {
		if len(candidates) == 1 {
			hm.unique[hash] = candidates[0].DeviceID
			continue
		}
		// Deterministic tie-breaking for equal last-seen deltas.
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].DeviceID < candidates[j].DeviceID })
		hm.collided[hash] = candidates
	}
	return hm
}

// Resolve returns the device id a node-hash maps to. When the hash is
// collided, it disambiguates by choosing the candidate (among those with
// non-zero coordinates) whose last-seen ts is closest to packetTS.
func (hm *HashMap) Resolve(hash string, packetTS float64) (string, bool) {
	if id, ok := hm.unique[hash]; ok {
		return id, true
	}
	candidates, ok := hm.collided[hash]
	if !ok {
		return "", false
	}
	var best model.Device
	bestDelta := math.Inf(1)
	found := false
	for _, c := range candidates {
		if geo.IsZero(c.Lat, c.Lon) {
			continue
		}
		delta := math.Abs(c.TS - packetTS)
		if delta < bestDelta {
			bestDelta = delta
			best = c
			found = true
		}
	}
	if !found {
		return "", false
	}
	return best.DeviceID, true
}
