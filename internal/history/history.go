// Package history records undirected edges derived from route segments and
// maintains a line-delimited journal file of every recorded segment,
// compacted in place as old segments age out (spec §4.7).
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"

	"github.com/jarv/meshmap/internal/geo"
	"github.com/jarv/meshmap/internal/model"
)

// Config is the subset of configuration the history engine needs.
type Config struct {
	Enabled         bool
	JournalPath     string
	Gzip            bool // store the journal as concatenated gzip members, per segment batch
	WindowHours     float64
	MaxSegments     int
	SampleLimit     int
	CompactInterval time.Duration
	PayloadTypes    map[int]struct{} // empty set = all types allowed
	AllowedModes    map[string]struct{}
	CenterLat       float64
	CenterLon       float64
	RadiusKM        float64
}

// Engine is the in-memory edge/segment store plus journal writer. All
// methods are safe for concurrent use, though the design assumes a single
// caller (the broadcaster/reaper loop).
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	segs  []model.HistorySegment // ordered oldest-first; popped from the front on prune
	edges map[string]*model.HistoryEdge
	dirty bool // compact-needed flag, set by any prune
	lastC time.Time
	file  *os.File
}

// New opens (creating if necessary) the journal file for append and
// returns a ready Engine. A disabled or path-less config returns a usable
// no-op Engine.
func New(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg, edges: map[string]*model.HistoryEdge{}}
	if !cfg.Enabled || cfg.JournalPath == "" {
		return e, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
		return nil, fmt.Errorf("history: creating journal dir: %w", err)
	}
	f, err := os.OpenFile(cfg.JournalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: opening journal: %w", err)
	}
	e.file = f
	return e, nil
}

// Close releases the journal file handle.
func (e *Engine) Close() error {
	if e.file == nil {
		return nil
	}
	return e.file.Close()
}

// Load replays the journal file into memory, dropping malformed or
// expired entries (marking the engine dirty so the next compaction
// rewrites them out).
func (e *Engine) Load(now time.Time) error {
	if !e.cfg.Enabled || e.cfg.JournalPath == "" {
		return nil
	}
	f, err := os.Open(e.cfg.JournalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("history: opening journal for load: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if e.cfg.Gzip {
		gr, err := gzip.NewReader(f)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("history: opening gzip journal: %w", err)
		}
		defer gr.Close()
		r = gr
	}

	cutoff := now.Add(-time.Duration(e.cfg.WindowHours * float64(time.Hour))).Unix()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	e.mu.Lock()
	defer e.mu.Unlock()
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var seg model.HistorySegment
		if err := json.Unmarshal(line, &seg); err != nil {
			e.dirty = true
			continue
		}
		if seg.TS < float64(cutoff) {
			e.dirty = true
			continue
		}
		aPt, aOK := normalizePoint(seg.A, e.cfg)
		bPt, bOK := normalizePoint(seg.B, e.cfg)
		if !aOK || !bOK {
			e.dirty = true
			continue
		}
		key, first, second := edgeKey(aPt, bPt)
		seg.A, seg.B = first, second
		e.segs = append(e.segs, seg)
		e.applyEdge(key, first, second, seg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("history: scanning journal: %w", err)
	}
	if e.cfg.MaxSegments > 0 && len(e.segs) > e.cfg.MaxSegments {
		e.pruneLocked(now, true)
	}
	return nil
}

// Record appends the segments implied by a route's polyline (one per
// consecutive point pair), gated by the history payload-type and
// route-mode allowlists. Returns the edges changed and any removed by a
// forced size prune.
func (e *Engine) Record(route model.Route, now time.Time) ([]*model.HistoryEdge, []string) {
	if !e.allowed(route) {
		return nil, nil
	}
	if len(route.Points) < 2 {
		return nil, nil
	}

	ts := route.TS
	if ts == 0 {
		ts = float64(now.Unix())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	updatedKeys := map[string]struct{}{}
	var newEntries []model.HistorySegment

	for i := 0; i < len(route.Points)-1; i++ {
		aPt, aOK := normalizePoint(route.Points[i], e.cfg)
		bPt, bOK := normalizePoint(route.Points[i+1], e.cfg)
		if !aOK || !bOK {
			continue
		}
		var aID, bID string
		if i < len(route.PointIDs)-1 {
			aID, bID = route.PointIDs[i], route.PointIDs[i+1]
		}
		key, first, second := edgeKey(aPt, bPt)
		seg := model.HistorySegment{
			TS: ts, A: first, B: second, AID: aID, BID: bID,
			MessageHash: route.MessageHash, PayloadType: route.PayloadType,
			OriginID: route.OriginID, ReceiverID: route.ReceiverID,
			RouteMode: string(route.Mode), Topic: route.Topic,
		}
		newEntries = append(newEntries, seg)
		e.applyEdge(key, first, second, seg)
		updatedKeys[key] = struct{}{}
	}

	if len(newEntries) == 0 {
		return nil, nil
	}

	e.segs = append(e.segs, newEntries...)
	e.appendJournal(newEntries)

	updated := make([]*model.HistoryEdge, 0, len(updatedKeys))
	for k := range updatedKeys {
		if edge, ok := e.edges[k]; ok {
			updated = append(updated, edge)
		}
	}

	var removed []string
	if e.cfg.MaxSegments > 0 && len(e.segs) > e.cfg.MaxSegments {
		extraUpdated, extraRemoved := e.pruneLocked(now, true)
		updated = append(updated, extraUpdated...)
		removed = append(removed, extraRemoved...)
	}
	return updated, removed
}

// Edges returns a snapshot copy of every currently-active edge, used by the
// initial/pull snapshot (spec §4.9).
func (e *Engine) Edges() []*model.HistoryEdge {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.HistoryEdge, 0, len(e.edges))
	for _, edge := range e.edges {
		cp := *edge
		cp.Recent = append([]model.HistorySample(nil), edge.Recent...)
		out = append(out, &cp)
	}
	return out
}

// Prune drops segments older than the retention window (or, if
// forceLimit, down to max-segments), decrementing the affected edges and
// removing any whose count reaches zero.
func (e *Engine) Prune(now time.Time, forceLimit bool) ([]*model.HistoryEdge, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pruneLocked(now, forceLimit)
}

func (e *Engine) pruneLocked(now time.Time, forceLimit bool) ([]*model.HistoryEdge, []string) {
	if !e.cfg.Enabled || len(e.segs) == 0 {
		return nil, nil
	}
	cutoff := float64(now.Unix()) - e.cfg.WindowHours*3600
	updated := map[string]*model.HistoryEdge{}
	var removed []string

	for len(e.segs) > 0 {
		seg := e.segs[0]
		if !forceLimit && seg.TS >= cutoff {
			break
		}
		if forceLimit && e.cfg.MaxSegments > 0 && len(e.segs) <= e.cfg.MaxSegments {
			break
		}
		e.segs = e.segs[1:]

		aPt, aOK := normalizePoint(seg.A, e.cfg)
		bPt, bOK := normalizePoint(seg.B, e.cfg)
		if !aOK || !bOK {
			e.dirty = true
			continue
		}
		key, _, _ := edgeKey(aPt, bPt)
		edge, ok := e.edges[key]
		if !ok {
			e.dirty = true
			continue
		}
		edge.Count--
		kept := edge.Recent[:0]
		for _, s := range edge.Recent {
			if s.TS >= cutoff {
				kept = append(kept, s)
			}
		}
		edge.Recent = kept
		if edge.Count <= 0 {
			delete(e.edges, key)
			removed = append(removed, key)
		} else {
			updated[key] = edge
		}
		e.dirty = true
	}

	out := make([]*model.HistoryEdge, 0, len(updated))
	for _, v := range updated {
		out = append(out, v)
	}
	return out, removed
}

// CompactIfDue rewrites the journal atomically (tmp + rename) if the
// compact-dirty flag is set and the configured interval has elapsed.
func (e *Engine) CompactIfDue(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.Enabled || e.cfg.JournalPath == "" || !e.dirty {
		return nil
	}
	if !e.lastC.IsZero() && now.Sub(e.lastC) < e.cfg.CompactInterval {
		return nil
	}

	var buf []byte
	for _, seg := range e.segs {
		line, err := json.Marshal(seg)
		if err != nil {
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if e.cfg.Gzip {
		var err error
		if buf, err = gzipBytes(buf); err != nil {
			return fmt.Errorf("history: gzipping compacted journal: %w", err)
		}
	}
	if err := renameio.WriteFile(e.cfg.JournalPath, buf, 0o644); err != nil {
		return fmt.Errorf("history: compacting journal: %w", err)
	}
	e.lastC = now
	e.dirty = false
	return nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// appendJournal writes entries to the open journal file. When Gzip is set,
// each call's batch is written as its own gzip member; gzip.Reader decodes
// concatenated members transparently (spec §6 Storage, history_file_gzip).
func (e *Engine) appendJournal(entries []model.HistorySegment) {
	if e.file == nil {
		return
	}
	var raw []byte
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		raw = append(raw, line...)
		raw = append(raw, '\n')
	}
	if len(raw) == 0 {
		return
	}
	if e.cfg.Gzip {
		gz, err := gzipBytes(raw)
		if err != nil {
			return
		}
		raw = gz
	}
	if _, err := e.file.Write(raw); err != nil {
		return
	}
}

func (e *Engine) applyEdge(key string, a, b model.Point, seg model.HistorySegment) {
	edge, ok := e.edges[key]
	if !ok {
		edge = &model.HistoryEdge{ID: key, A: a, B: b}
		e.edges[key] = edge
	}
	edge.Count++
	if seg.TS > edge.LastTS {
		edge.LastTS = seg.TS
	}
	sample := model.HistorySample{
		TS: seg.TS, MessageHash: seg.MessageHash, PayloadType: seg.PayloadType,
		OriginID: seg.OriginID, ReceiverID: seg.ReceiverID, RouteMode: seg.RouteMode, Topic: seg.Topic,
	}
	recent := append(edge.Recent, sample)
	sort.Slice(recent, func(i, j int) bool { return recent[i].TS > recent[j].TS })
	if limit := e.cfg.SampleLimit; limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}
	edge.Recent = recent
}

func (e *Engine) allowed(route model.Route) bool {
	if !e.cfg.Enabled || e.cfg.WindowHours <= 0 {
		return false
	}
	if len(e.cfg.AllowedModes) > 0 {
		if _, ok := e.cfg.AllowedModes[string(route.Mode)]; !ok {
			return false
		}
	}
	if len(e.cfg.PayloadTypes) == 0 {
		return true
	}
	if route.PayloadType == nil {
		return false
	}
	_, ok := e.cfg.PayloadTypes[*route.PayloadType]
	return ok
}

func normalizePoint(p model.Point, cfg Config) (model.Point, bool) {
	if geo.IsZero(p.Lat, p.Lon) {
		return model.Point{}, false
	}
	if !geo.WithinRadius(cfg.CenterLat, cfg.CenterLon, p.Lat, p.Lon, cfg.RadiusKM) {
		return model.Point{}, false
	}
	return model.Point{Lat: geo.Round6(p.Lat), Lon: geo.Round6(p.Lon)}, true
}

// edgeKey canonicalizes an undirected edge: endpoints sorted
// lexicographically, joined as "<lat1>,<lon1>|<lat2>,<lon2>".
func edgeKey(a, b model.Point) (string, model.Point, model.Point) {
	first, second := a, b
	if pointLess(b, a) {
		first, second = b, a
	}
	key := fmt.Sprintf("%.6f,%.6f|%.6f,%.6f", first.Lat, first.Lon, second.Lat, second.Lon)
	return key, first, second
}

func pointLess(a, b model.Point) bool {
	if a.Lat != b.Lat {
		return a.Lat < b.Lat
	}
	return a.Lon < b.Lon
}
