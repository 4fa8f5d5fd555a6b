// Package store holds the live network state: devices, trails, routes,
// heat events, neighbor graph, and the derived hash→device map. It performs
// no I/O. Devices, trails, routes, heat and neighbors are mutated by the
// broadcaster and reaper; the seen maps and message-origin cache are also
// updated from the ingest handler on the broker goroutine (spec §3, §5).
package store

import (
	"sync"

	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/topology"
)

// Store is the live state shared by the broadcaster, reaper, ingest handler
// and HTTP handlers. Every method takes the store's lock, so each call is
// safe from any goroutine.
type Store struct {
	mu sync.RWMutex

	devices        map[string]model.Device
	trails         map[string][]model.TrailPoint
	seen           map[string]float64 // last-seen ts, any evidence
	brokerSeen     map[string]float64 // last broker-online ts
	lastBroadcast  map[string]float64 // last device-seen broadcast ts
	deviceNames    map[string]string
	deviceRoles    map[string]model.Role
	deviceRoleSrc  map[string]string // e.g. "decoded" | "override"

	routes map[string]model.Route
	heat   []model.HeatEvent

	neighbors map[neighborKey]model.NeighborEdge

	messageOrigins map[string]model.MessageOrigin

	hashMap *topology.HashMap
	dirty   bool
}

type neighborKey struct{ src, dst string }

// New returns an empty Store.
func New() *Store {
	return &Store{
		devices:       map[string]model.Device{},
		trails:        map[string][]model.TrailPoint{},
		seen:          map[string]float64{},
		brokerSeen:    map[string]float64{},
		lastBroadcast: map[string]float64{},
		deviceNames:   map[string]string{},
		deviceRoles:   map[string]model.Role{},
		deviceRoleSrc: map[string]string{},
		routes:        map[string]model.Route{},
		neighbors:     map[neighborKey]model.NeighborEdge{},
		messageOrigins: map[string]model.MessageOrigin{},
		hashMap:       topology.BuildHashMap(nil),
	}
}

// Dirty reports whether state has changed since the last successful save;
// the persistence saver polls this.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

func (s *Store) markDirty() { s.dirty = true }

// ClearDirty resets the dirty flag after a successful save.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// HashMap returns the current hash→device map snapshot pointer. Safe to
// call from any goroutine; the pointer itself is only ever swapped, never
// mutated in place.
func (s *Store) HashMap() *topology.HashMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hashMap
}

// RebuildHashMap recomputes the hash→device map from the current device set.
func (s *Store) RebuildHashMap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashMap = topology.BuildHashMap(s.devices)
}

// UpsertDevice records or replaces a device and appends to its trail,
// truncating to trailLen.
func (s *Store) UpsertDevice(d model.Device, trailLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.DeviceID] = d
	if trailLen <= 0 {
		delete(s.trails, d.DeviceID)
		s.markDirty()
		return
	}
	trail := append(s.trails[d.DeviceID], model.TrailPoint{Lat: d.Lat, Lon: d.Lon, TS: d.TS})
	if len(trail) > trailLen {
		trail = trail[len(trail)-trailLen:]
	}
	s.trails[d.DeviceID] = trail
	s.markDirty()
}

// SetDeviceName updates a device's name, both on the live record (if
// present) and the standalone name map used by persistence.
func (s *Store) SetDeviceName(deviceID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceNames[deviceID] = name
	if d, ok := s.devices[deviceID]; ok {
		d.Name = name
		s.devices[deviceID] = d
	}
	s.markDirty()
}

// SetDeviceRole updates a device's role, tagging its source ("decoded" for
// a role taken from a payload, "override" for a manual override file entry). Override sources
// take precedence and are never clobbered by a decoded role.
func (s *Store) SetDeviceRole(deviceID string, role model.Role, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceRoleSrc[deviceID] == "override" && source != "override" {
		return
	}
	s.deviceRoles[deviceID] = role
	s.deviceRoleSrc[deviceID] = source
	if d, ok := s.devices[deviceID]; ok {
		d.Role = role
		s.devices[deviceID] = d
	}
	s.markDirty()
}

// Device returns a device by id.
func (s *Store) Device(deviceID string) (model.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	return d, ok
}

// DeviceNameFor returns the tracked name for a device id, which survives
// even when no live device record exists yet.
func (s *Store) DeviceNameFor(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.deviceNames[deviceID]
	return name, ok
}

// DeviceRole returns the tracked role and source for a device id.
func (s *Store) DeviceRole(deviceID string) (model.Role, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.deviceRoles[deviceID]
	return r, s.deviceRoleSrc[deviceID], ok
}

// Devices returns a snapshot copy of every known device, keyed by id.
func (s *Store) Devices() map[string]model.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Device, len(s.devices))
	for k, v := range s.devices {
		out[k] = v
	}
	return out
}

// Trail returns a copy of a device's trail.
func (s *Store) Trail(deviceID string) []model.TrailPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.trails[deviceID]
	out := make([]model.TrailPoint, len(t))
	copy(out, t)
	return out
}

// Trails returns a snapshot copy of every device's trail.
func (s *Store) Trails() map[string][]model.TrailPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.TrailPoint, len(s.trails))
	for k, v := range s.trails {
		cp := make([]model.TrailPoint, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// MarkSeen records last-seen evidence for a device id, independent of
// whether the payload parsed (spec §4.3 step 2).
func (s *Store) MarkSeen(deviceID string, ts float64, broker bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[deviceID] = ts
	if broker {
		s.brokerSeen[deviceID] = ts
	}
}

// ShouldBroadcastSeen reports whether enough time has passed since the
// last device-seen broadcast for deviceID to enqueue another one, and
// records ts as the new last-broadcast time if so.
func (s *Store) ShouldBroadcastSeen(deviceID string, ts, minInterval float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastBroadcast[deviceID]
	if ok && ts-last < minInterval {
		return false
	}
	s.lastBroadcast[deviceID] = ts
	return true
}

// Seen returns the last-seen ts for deviceID.
func (s *Store) Seen(deviceID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.seen[deviceID]
	return ts, ok
}

// Evict removes a device and all its derived state, per spec §4.5's
// evict(device-id). Returns true if the device was present.
func (s *Store) Evict(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.devices[deviceID]
	delete(s.devices, deviceID)
	delete(s.trails, deviceID)
	delete(s.seen, deviceID)
	delete(s.brokerSeen, deviceID)
	delete(s.lastBroadcast, deviceID)
	if existed {
		s.markDirty()
	}
	return existed
}

// InsertRoute stores a resolved route.
func (s *Store) InsertRoute(r model.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.ID] = r
}

// Routes returns a snapshot copy of every non-expired route as of now.
func (s *Store) Routes(now float64) []model.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Route, 0, len(s.routes))
	for _, r := range s.routes {
		if r.ExpiresAt > now {
			out = append(out, r)
		}
	}
	return out
}

// RemoveRoute deletes a route by id.
func (s *Store) RemoveRoute(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, id)
}

// PruneRoutes removes every route for which keep returns false, invoking
// onRemove for each. keep and onRemove run under the store's lock, so they
// must not call back into the store.
func (s *Store) PruneRoutes(keep func(model.Route) bool, onRemove func(model.Route)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.routes {
		if !keep(r) {
			delete(s.routes, id)
			onRemove(r)
		}
	}
}

// AppendHeat appends a heat event.
func (s *Store) AppendHeat(e model.HeatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heat = append(s.heat, e)
}

// Heat returns a snapshot copy of all heat events.
func (s *Store) Heat() []model.HeatEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.HeatEvent, len(s.heat))
	copy(out, s.heat)
	return out
}

// PruneHeat drops heat events older than minTS.
func (s *Store) PruneHeat(minTS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.heat[:0]
	for _, e := range s.heat {
		if e.TS >= minTS {
			kept = append(kept, e)
		}
	}
	s.heat = kept
}

// SetManualNeighbor marks the (src, dst) and (dst, src) edges as manual,
// exempting them from PruneNeighbors, per a neighbor-overrides file entry
// applied at startup or on an overrides hot reload.
func (s *Store) SetManualNeighbor(src, dst string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range []neighborKey{{src, dst}, {dst, src}} {
		e := s.neighbors[k]
		e.Manual = true
		e.LastSeen = ts
		s.neighbors[k] = e
	}
}

// RecordNeighborPair increments the (src, dst) and (dst, src) edges for a
// consecutive path pair.
func (s *Store) RecordNeighborPair(src, dst string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range []neighborKey{{src, dst}, {dst, src}} {
		e := s.neighbors[k]
		e.Count++
		e.LastSeen = ts
		s.neighbors[k] = e
	}
}

// PruneNeighbors drops non-manual edges last seen before minTS.
func (s *Store) PruneNeighbors(minTS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.neighbors {
		if !e.Manual && e.LastSeen < minTS {
			delete(s.neighbors, k)
		}
	}
}

// NeighborCounts returns inbound (edges ending at id) and outbound (edges
// starting at id) totals, per peer, for the peers query.
func (s *Store) NeighborCounts(id string) (inbound, outbound map[string]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inbound = map[string]int{}
	outbound = map[string]int{}
	for k, e := range s.neighbors {
		if k.dst == id {
			inbound[k.src] += e.Count
		}
		if k.src == id {
			outbound[k.dst] += e.Count
		}
	}
	return inbound, outbound
}

// TouchMessageOrigin updates the message-origin cache for a message hash:
// a tx sighting records the origin, an rx sighting records the receiver and
// pins first-rx. A sighting with no direction only refreshes last-touch.
func (s *Store) TouchMessageOrigin(hash string, isTx, isRx bool, originID, receiverID string, ts float64) model.MessageOrigin {
	s.mu.Lock()
	defer s.mu.Unlock()
	mo, ok := s.messageOrigins[hash]
	if !ok {
		mo = model.MessageOrigin{Receivers: map[string]struct{}{}}
	}
	if isTx && originID != "" {
		mo.OriginID = originID
	}
	if isRx && receiverID != "" {
		mo.Receivers[receiverID] = struct{}{}
		if mo.FirstRx == "" {
			mo.FirstRx = receiverID
		}
	}
	mo.LastTouch = ts
	s.messageOrigins[hash] = mo
	return mo
}

// PruneMessageOrigins drops entries whose last-touch is older than minTS.
func (s *Store) PruneMessageOrigins(minTS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.messageOrigins {
		if v.LastTouch < minTS {
			delete(s.messageOrigins, k)
		}
	}
}

// PruneSeen drops last-seen entries older than minTS.
func (s *Store) PruneSeen(minTS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ts := range s.seen {
		if ts < minTS {
			delete(s.seen, k)
			delete(s.brokerSeen, k)
		}
	}
}

// Snapshot is an immutable copy of the full persisted state, used by the
// persistence and query layers.
type Snapshot struct {
	Devices       map[string]model.Device
	Trails        map[string][]model.TrailPoint
	Seen          map[string]float64
	DeviceNames   map[string]string
	DeviceRoles   map[string]model.Role
	DeviceRoleSrc map[string]string
}

// ExportSnapshot copies the persisted fields of the store.
func (s *Store) ExportSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Devices:       make(map[string]model.Device, len(s.devices)),
		Trails:        make(map[string][]model.TrailPoint, len(s.trails)),
		Seen:          make(map[string]float64, len(s.seen)),
		DeviceNames:   make(map[string]string, len(s.deviceNames)),
		DeviceRoles:   make(map[string]model.Role, len(s.deviceRoles)),
		DeviceRoleSrc: make(map[string]string, len(s.deviceRoleSrc)),
	}
	for k, v := range s.devices {
		snap.Devices[k] = v
	}
	for k, v := range s.trails {
		cp := make([]model.TrailPoint, len(v))
		copy(cp, v)
		snap.Trails[k] = cp
	}
	for k, v := range s.seen {
		snap.Seen[k] = v
	}
	for k, v := range s.deviceNames {
		snap.DeviceNames[k] = v
	}
	for k, v := range s.deviceRoles {
		snap.DeviceRoles[k] = v
	}
	for k, v := range s.deviceRoleSrc {
		snap.DeviceRoleSrc[k] = v
	}
	return snap
}

// LoadSnapshot replaces the persisted fields of the store wholesale; used
// once at startup after the persistence loader has filtered invalid entries.
func (s *Store) LoadSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = snap.Devices
	s.trails = snap.Trails
	s.seen = snap.Seen
	s.deviceNames = snap.DeviceNames
	s.deviceRoles = snap.DeviceRoles
	s.deviceRoleSrc = snap.DeviceRoleSrc
	if s.devices == nil {
		s.devices = map[string]model.Device{}
	}
	if s.trails == nil {
		s.trails = map[string][]model.TrailPoint{}
	}
	if s.seen == nil {
		s.seen = map[string]float64{}
	}
	if s.deviceNames == nil {
		s.deviceNames = map[string]string{}
	}
	if s.deviceRoles == nil {
		s.deviceRoles = map[string]model.Role{}
	}
	if s.deviceRoleSrc == nil {
		s.deviceRoleSrc = map[string]string{}
	}
	s.hashMap = topology.BuildHashMap(s.devices)
}
