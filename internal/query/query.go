// Package query implements the read-only HTTP/websocket surface the core
// exposes to map clients: the initial/pull snapshot, a delta node query,
// per-device peer stats, and the live event websocket (spec §4.9, §6 Query
// endpoints, Client frames).
package query

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jarv/meshmap/internal/config"
	"github.com/jarv/meshmap/internal/history"
	"github.com/jarv/meshmap/internal/model"
	"github.com/jarv/meshmap/internal/store"
	"github.com/jarv/meshmap/internal/wsclient"
)

const wsWriteTimeout = 10 * time.Second

// Server wires the live store, history engine, and client registry into the
// HTTP handlers the outer app mounts.
type Server struct {
	cfg      *config.Config
	derived  *config.Derived
	st       *store.Store
	hist     *history.Engine
	registry *wsclient.Registry
	now      func() time.Time
}

// New builds a query Server. now defaults to time.Now when nil.
func New(cfg *config.Config, derived *config.Derived, st *store.Store, hist *history.Engine, registry *wsclient.Registry, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{cfg: cfg, derived: derived, st: st, hist: hist, registry: registry, now: now}
}

// snapshotPayload is the shape shared by the initial websocket frame and the
// /snapshot pull endpoint (spec §4.9, §6).
type snapshotPayload struct {
	Type                string                         `json:"type,omitempty"`
	Devices             map[string]model.Device        `json:"devices"`
	Trails              map[string][]model.TrailPoint  `json:"trails"`
	Routes              []model.Route                  `json:"routes"`
	HistoryEdges        []*model.HistoryEdge            `json:"history_edges"`
	HistoryWindowSeconds float64                        `json:"history_window_seconds"`
	Heat                []model.HeatEvent              `json:"heat"`
	Update              any                             `json:"update,omitempty"`
	ServerTime          float64                         `json:"server_time,omitempty"`
}

func (s *Server) buildSnapshot() snapshotPayload {
	nowUnix := float64(s.now().Unix())
	return snapshotPayload{
		Devices:              s.st.Devices(),
		Trails:               s.st.Trails(),
		Routes:               s.st.Routes(nowUnix),
		HistoryEdges:         s.historyEdges(),
		HistoryWindowSeconds: s.cfg.Retention.HistoryHours * 3600,
		Heat:                 s.st.Heat(),
	}
}

func (s *Server) historyEdges() []*model.HistoryEdge {
	if s.hist == nil {
		return nil
	}
	return s.hist.Edges()
}

// RegisterRoutes mounts every handler onto mux, gated by the production
// bearer-token middleware when enabled (spec §6 Query endpoints).
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /snapshot", s.auth(http.HandlerFunc(s.handleSnapshot)))
	mux.Handle("GET /api/nodes", s.auth(http.HandlerFunc(s.handleNodes)))
	mux.Handle("GET /peers/{deviceID}", s.auth(http.HandlerFunc(s.handlePeers)))
	mux.Handle("GET /ws", s.auth(http.HandlerFunc(s.handleWebSocket)))
}

// auth gates a handler behind the configured bearer token when production
// mode is enabled; websocket clients may present it via query or header
// (spec §6).
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Prod.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token != s.cfg.Prod.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.buildSnapshot()
	snap.ServerTime = float64(s.now().Unix())
	writeJSON(w, snap)
}

// nodeView is the flat /api/nodes response shape (spec §4.9, §9's
// format=flat|list|legacy|v1 note).
type nodeView struct {
	DeviceID string  `json:"device_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	LastSeen float64 `json:"last_seen"`
	Role     int     `json:"role"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("mode")
	var since float64
	if v := q.Get("updated_since"); v != "" {
		since, _ = strconv.ParseFloat(v, 64)
	}
	delta := mode == "delta" || mode == "updates" || mode == "since"

	devices := s.st.Devices()
	out := make([]nodeView, 0, len(devices))
	for _, d := range devices {
		if delta && d.TS < since {
			continue
		}
		out = append(out, nodeView{
			DeviceID: d.DeviceID, Lat: d.Lat, Lon: d.Lon,
			LastSeen: d.TS, Role: model.RoleCode(d.Role),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	if q.Get("format") == "flat" || q.Get("format") == "list" || q.Get("format") == "legacy" || q.Get("format") == "v1" {
		writeJSON(w, out)
		return
	}
	writeJSON(w, struct {
		Nodes []nodeView `json:"nodes"`
	}{Nodes: out})
}

// peerCount is one entry of the /peers response's top-N list.
type peerCount struct {
	DeviceID string `json:"device_id"`
	Count    int    `json:"count"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceID")
	limit := 8
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 50 {
		limit = 50
	}

	inbound, outbound := s.st.NeighborCounts(deviceID)
	devices := s.st.Devices()

	filterExcluded := func(counts map[string]int) []peerCount {
		out := make([]peerCount, 0, len(counts))
		for peerID, count := range counts {
			if name := devices[peerID].Name; name != "" {
				if _, excluded := s.derived.OnlineForceNames[strings.ToLower(name)]; excluded {
					continue
				}
			}
			out = append(out, peerCount{DeviceID: peerID, Count: count})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Count != out[j].Count {
				return out[i].Count > out[j].Count
			}
			return out[i].DeviceID < out[j].DeviceID
		})
		if len(out) > limit {
			out = out[:limit]
		}
		return out
	}

	writeJSON(w, struct {
		DeviceID string      `json:"device_id"`
		Inbound  []peerCount `json:"inbound"`
		Outbound []peerCount `json:"outbound"`
	}{DeviceID: deviceID, Inbound: filterExcluded(inbound), Outbound: filterExcluded(outbound)})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.registry.Add(conn)
	defer s.registry.Remove(conn)

	snap := s.buildSnapshot()
	snap.Type = "snapshot"
	if data, err := json.Marshal(snap); err == nil {
		writeCtx, cancel := context.WithTimeout(r.Context(), wsWriteTimeout)
		_ = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
	}

	// Inbound frames are discarded; only disconnects matter. No read
	// deadline: an idle client stays connected.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
