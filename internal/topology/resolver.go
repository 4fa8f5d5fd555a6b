package topology

import (
	"strings"

	"github.com/jarv/meshmap/internal/decoder"
	"github.com/jarv/meshmap/internal/geo"
	"github.com/jarv/meshmap/internal/model"
)

// Resolved is a polyline with the device id of each point, aligned index for
// index (hops that do not resolve to a device are skipped, so every point has
// an id), and the node-hashes that actually contributed a point.
type Resolved struct {
	Points     []model.Point
	PointIDs   []string
	UsedHashes []string
}

// ResolvePath turns a packet's path-hash list plus origin/receiver hints
// into a polyline, per the normalize/orient/resolve/bracket procedure.
// Returns ok=false if fewer than two points remain.
func ResolvePath(hashes []string, originID, receiverID string, ts float64, maxPathLen int, hm *HashMap, devices map[string]model.Device) (Resolved, bool) {
	norm := make([]string, 0, len(hashes))
	for _, h := range hashes {
		nh, ok := decoder.NormalizeNodeHash(strings.TrimSpace(h))
		if !ok {
			continue
		}
		norm = append(norm, nh)
	}
	if maxPathLen > 0 && len(norm) > maxPathLen {
		return Resolved{}, false
	}
	if len(norm) == 0 {
		return ResolveFallback(originID, receiverID, devices)
	}

	norm = orient(norm, originID, receiverID)

	var points []model.Point
	var ids []string
	var used []string
	lastID := ""
	for _, hash := range norm {
		id, ok := hm.Resolve(hash, ts)
		if !ok {
			continue
		}
		if id == lastID {
			continue
		}
		dev, ok := devices[id]
		if !ok || geo.IsZero(dev.Lat, dev.Lon) {
			continue
		}
		points = append(points, model.Point{Lat: dev.Lat, Lon: dev.Lon})
		ids = append(ids, id)
		used = append(used, hash)
		lastID = id
	}

	if dev, ok := resolvableDevice(originID, devices); ok {
		op := model.Point{Lat: dev.Lat, Lon: dev.Lon}
		if len(points) == 0 || points[0] != op {
			points = append([]model.Point{op}, points...)
			ids = append([]string{dev.DeviceID}, ids...)
		} else {
			ids[0] = dev.DeviceID
		}
	}
	if dev, ok := resolvableDevice(receiverID, devices); ok {
		rp := model.Point{Lat: dev.Lat, Lon: dev.Lon}
		if len(points) == 0 || points[len(points)-1] != rp {
			points = append(points, rp)
			ids = append(ids, dev.DeviceID)
		} else {
			ids[len(ids)-1] = dev.DeviceID
		}
	}

	if len(points) < 2 {
		return Resolved{}, false
	}
	return Resolved{Points: points, PointIDs: ids, UsedHashes: used}, true
}

// orient reverses the hash list when the receiver-hash sits first (but
// not last), or the origin-hash sits last (but not first), so path hops
// read origin-to-receiver.
func orient(hashes []string, originID, receiverID string) []string {
	if len(hashes) < 2 {
		return hashes
	}
	receiverHash, hasReceiver := decoder.NodeHashFromDeviceID(receiverID)
	originHash, hasOrigin := decoder.NodeHashFromDeviceID(originID)

	first, last := hashes[0], hashes[len(hashes)-1]
	if hasReceiver && first == receiverHash && last != receiverHash {
		return reversed(hashes)
	}
	if hasOrigin && last == originHash && first != originHash {
		return reversed(hashes)
	}
	return hashes
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// ResolveFallback returns a two-point polyline from origin/receiver alone,
// used when no path-hash list is present or path resolution came up short.
func ResolveFallback(originID, receiverID string, devices map[string]model.Device) (Resolved, bool) {
	origin, ok1 := resolvableDevice(originID, devices)
	receiver, ok2 := resolvableDevice(receiverID, devices)
	if !ok1 || !ok2 || origin.DeviceID == receiver.DeviceID {
		return Resolved{}, false
	}
	a := model.Point{Lat: origin.Lat, Lon: origin.Lon}
	b := model.Point{Lat: receiver.Lat, Lon: receiver.Lon}
	if a == b {
		return Resolved{}, false
	}
	return Resolved{
		Points:   []model.Point{a, b},
		PointIDs: []string{origin.DeviceID, receiver.DeviceID},
	}, true
}

func resolvableDevice(id string, devices map[string]model.Device) (model.Device, bool) {
	if id == "" {
		return model.Device{}, false
	}
	dev, ok := devices[id]
	if !ok || geo.IsZero(dev.Lat, dev.Lon) {
		return model.Device{}, false
	}
	return dev, true
}

// WithinRadius reports whether every point of a resolved polyline lies
// within the configured map radius; any point outside disqualifies the
// whole route.
func WithinRadius(points []model.Point, centerLat, centerLon, radiusKM float64) bool {
	for _, p := range points {
		if !geo.WithinRadius(centerLat, centerLon, p.Lat, p.Lon, radiusKM) {
			return false
		}
	}
	return true
}
