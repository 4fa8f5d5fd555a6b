package ingest

import (
	"sync"

	"github.com/jarv/meshmap/internal/model"
)

// Stats is the broker-thread-mutated, any-thread-read counters and bounded
// rings (spec §5: "counters, rings, seen maps, message-origin cache ...
// updated directly from the broker thread"). A mutex makes every access
// concurrency-safe.
type Stats struct {
	mu sync.Mutex

	ReceivedTotal   int64
	ParsedTotal     int64
	UnparsedTotal   int64
	LastRxTS        float64
	LastRxTopic     string
	LastParsedTS    float64
	LastParsedTopic string

	TopicCounts  map[string]int64
	ResultCounts map[string]int64

	debugRing  []model.DebugEntry
	debugCap   int
	statusRing []model.StatusEntry
	statusCap  int
}

// NewStats builds a Stats with bounded debug/status rings.
func NewStats(debugCap, statusCap int) *Stats {
	return &Stats{
		TopicCounts:  map[string]int64{},
		ResultCounts: map[string]int64{},
		debugCap:     debugCap,
		statusCap:    statusCap,
	}
}

// RecordReceived bumps the received-total and per-topic counters.
func (s *Stats) RecordReceived(topic string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReceivedTotal++
	s.LastRxTS = ts
	s.LastRxTopic = topic
	s.TopicCounts[topic]++
}

// RecordParsed marks a successfully parsed message.
func (s *Stats) RecordParsed(topic string, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ParsedTotal++
	s.LastParsedTS = ts
	s.LastParsedTopic = topic
}

// RecordUnparsed marks a message that produced no position.
func (s *Stats) RecordUnparsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UnparsedTotal++
}

// RecordResult bumps the counter for a decoder result code.
func (s *Stats) RecordResult(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResultCounts[result]++
}

// AppendDebug pushes a debug-ring entry, evicting the oldest once full.
func (s *Stats) AppendDebug(e model.DebugEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugRing = append(s.debugRing, e)
	if s.debugCap > 0 && len(s.debugRing) > s.debugCap {
		s.debugRing = s.debugRing[len(s.debugRing)-s.debugCap:]
	}
}

// AppendStatus pushes a status-ring entry, evicting the oldest once full.
func (s *Stats) AppendStatus(e model.StatusEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusRing = append(s.statusRing, e)
	if s.statusCap > 0 && len(s.statusRing) > s.statusCap {
		s.statusRing = s.statusRing[len(s.statusRing)-s.statusCap:]
	}
}

// DebugEntries returns a snapshot copy of the debug ring, newest last.
func (s *Stats) DebugEntries() []model.DebugEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DebugEntry, len(s.debugRing))
	copy(out, s.debugRing)
	return out
}

// StatusEntries returns a snapshot copy of the status ring, newest last.
func (s *Stats) StatusEntries() []model.StatusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StatusEntry, len(s.statusRing))
	copy(out, s.statusRing)
	return out
}
