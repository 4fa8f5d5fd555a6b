// Package reaper runs the periodic TTL sweeps over devices, routes, heat,
// message-origin cache, neighbor edges, and the seen map (spec §4.6). It
// runs on its own goroutine beside the broadcaster and reaches the shared
// store and history engine only through their locked methods.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jarv/meshmap/internal/geo"
	"github.com/jarv/meshmap/internal/history"
	"github.com/jarv/meshmap/internal/metrics"
	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/store"
)

// ClientSink fans a pre-serialized frame out to every connected client.
type ClientSink interface {
	Broadcast(frame []byte)
}

// Config is the subset of retention configuration the reaper needs.
type Config struct {
	Interval                time.Duration
	DeviceTTLSeconds        float64
	HeatTTLSeconds          float64
	MessageOriginTTLSeconds float64
}

// Engine runs the sweep loop.
type Engine struct {
	cfg     Config
	st      *store.Store
	hist    *history.Engine
	clients ClientSink
	now     func() time.Time
}

// New builds an Engine. now defaults to time.Now when nil.
func New(cfg Config, st *store.Store, hist *history.Engine, clients ClientSink, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Engine{cfg: cfg, st: st, hist: hist, clients: clients, now: now}
}

// Run ticks Sweep at the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep runs one pass of every TTL check, in the order spec §4.6 lists them.
func (e *Engine) Sweep() {
	now := e.now()
	nowUnix := float64(now.Unix())

	e.sweepStaleDevices(nowUnix)
	e.sweepZeroCoordRoutes()
	e.sweepExpiredRoutes(nowUnix)
	e.sweepHistory(now)

	if e.cfg.HeatTTLSeconds > 0 {
		e.st.PruneHeat(nowUnix - e.cfg.HeatTTLSeconds)
	}
	if e.cfg.MessageOriginTTLSeconds > 0 {
		e.st.PruneMessageOrigins(nowUnix - e.cfg.MessageOriginTTLSeconds)
	}
	if e.cfg.DeviceTTLSeconds > 0 {
		e.st.PruneNeighbors(nowUnix - e.cfg.DeviceTTLSeconds)
	}

	seenCutoff := 86400.0
	if e.cfg.DeviceTTLSeconds > 0 {
		seenCutoff = e.cfg.DeviceTTLSeconds * 3
		if seenCutoff < 900 {
			seenCutoff = 900
		}
	}
	e.st.PruneSeen(nowUnix - seenCutoff)

	metrics.DevicesTotal.Set(float64(len(e.st.Devices())))
	metrics.RoutesActive.Set(float64(len(e.st.Routes(nowUnix))))
	if e.hist != nil {
		metrics.HistoryEdgesActive.Set(float64(len(e.hist.Edges())))
	}
}

func (e *Engine) sweepStaleDevices(nowUnix float64) {
	if e.cfg.DeviceTTLSeconds <= 0 {
		return
	}
	var staleIDs []string
	for id, d := range e.st.Devices() {
		if nowUnix-d.TS > e.cfg.DeviceTTLSeconds {
			staleIDs = append(staleIDs, id)
		}
	}
	if len(staleIDs) == 0 {
		return
	}
	for _, id := range staleIDs {
		e.st.Evict(id)
	}
	e.st.RebuildHashMap()
	e.send(staleFrame{Type: "stale", DeviceIDs: staleIDs})
}

func (e *Engine) sweepZeroCoordRoutes() {
	var removedIDs []string
	e.st.PruneRoutes(
		func(r model.Route) bool { return !hasZeroPoint(r) },
		func(r model.Route) { removedIDs = append(removedIDs, r.ID) },
	)
	if len(removedIDs) > 0 {
		e.send(routeRemoveFrame{Type: "route_remove", RouteIDs: removedIDs})
	}
}

func (e *Engine) sweepExpiredRoutes(nowUnix float64) {
	var removedIDs []string
	e.st.PruneRoutes(
		func(r model.Route) bool { return r.ExpiresAt > nowUnix },
		func(r model.Route) { removedIDs = append(removedIDs, r.ID) },
	)
	if len(removedIDs) > 0 {
		e.send(routeRemoveFrame{Type: "route_remove", RouteIDs: removedIDs})
	}
}

func (e *Engine) sweepHistory(now time.Time) {
	if e.hist == nil {
		return
	}
	updated, removed := e.hist.Prune(now, false)
	if len(updated) > 0 {
		e.send(historyEdgesFrame{Type: "history_edges", Edges: updated})
	}
	if len(removed) > 0 {
		e.send(historyEdgesRemoveFrame{Type: "history_edges_remove", EdgeIDs: removed})
	}
}

func hasZeroPoint(r model.Route) bool {
	for _, p := range r.Points {
		if geo.IsZero(p.Lat, p.Lon) {
			return true
		}
	}
	return false
}

func (e *Engine) send(v any) {
	if e.clients == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("reaper: marshaling frame", "err", err)
		return
	}
	e.clients.Broadcast(data)
}

type staleFrame struct {
	Type      string   `json:"type"`
	DeviceIDs []string `json:"device_ids"`
}

type routeRemoveFrame struct {
	Type     string   `json:"type"`
	RouteIDs []string `json:"route_ids"`
}

type historyEdgesFrame struct {
	Type  string                `json:"type"`
	Edges []*model.HistoryEdge `json:"edges"`
}

type historyEdgesRemoveFrame struct {
	Type    string   `json:"type"`
	EdgeIDs []string `json:"edge_ids"`
}
