package decoder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/jarv/meshmap/internal/config"
	"github.com/jarv/meshmap/internal/model"
)

// ParsedPosition is a successfully probed location plus the optional motion
// and signal fields found alongside it.
type ParsedPosition struct {
	Lat     float64
	Lon     float64
	Heading *float64
	Speed   *float64
	RSSI    *float64
	SNR     *float64
}

// DebugInfo records how Probe reached its result and every hint it found on
// the way there. It is populated even when no position was found: route
// construction and name/role updates only need the hints, not a position.
type DebugInfo struct {
	Result      string // "json" | "text" | "packet_blob" | "hex" | "base64" | "binary" | "direct_blocked" | "direct_zero_coords" | "none"
	FoundPath   string
	DecoderMeta map[string]any
	ParseError  string
	PayloadPrev string

	Direction  string // "tx" | "rx" | ""
	PacketHash string
	OriginID   string

	DeviceName string
	DeviceRole model.Role
	HasRole    bool

	// Decoder packet metadata, present when the external decoder returned
	// ok regardless of whether it carried a usable location.
	Pubkey      string
	PayloadType *int
	RouteType   *int
	PathHashes  []string
	PathHeader  []string
	MessageHash string
	SNRValues   []float64
}

// Engine holds the configuration and optional external decoder a Probe call
// needs.
type Engine struct {
	cfg      *config.Config
	derived  *config.Derived
	external *ExternalDecoder
}

// NewEngine builds a probe Engine. external may be nil when the decoder is
// disabled or failed its readiness probe.
func NewEngine(cfg *config.Config, derived *config.Derived, external *ExternalDecoder) *Engine {
	return &Engine{cfg: cfg, derived: derived, external: external}
}

// Probe runs the fixed payload search order: JSON lat/lon, inline text
// coordinates, packet-blob search via the external decoder, raw hex, base64,
// and finally a binary heuristic fallback to raw hex. Direct coordinates
// found in JSON or text are gated by the configured direct-coordinate
// policy.
func (e *Engine) Probe(ctx context.Context, topic string, payload []byte) (*ParsedPosition, DebugInfo) {
	dbg := DebugInfo{PayloadPrev: safePreview(payload, e.cfg.Decoder.PayloadPreviewMax)}

	var doc any
	isJSON := json.Unmarshal(payload, &doc) == nil && doc != nil

	if isJSON {
		if name, ok := extractDeviceName(doc, topic); ok {
			dbg.DeviceName = name
		}
		if role, ok := extractDeviceRole(doc); ok {
			dbg.DeviceRole, dbg.HasRole = role, true
		}
		if dir, ok := findStringKey(doc, []string{"direction", "dir"}); ok {
			dbg.Direction = strings.ToLower(dir)
		}
		if origin, ok := findStringKey(doc, []string{"origin_id", "originId"}); ok {
			dbg.OriginID = origin
		}
	}

	if isJSON {
		if lat, lon, ok := findLatLonInJSON(doc); ok {
			if pos, ok := e.acceptDirect(topic, doc, lat, lon, &dbg, "json"); ok {
				return pos, dbg
			}
		}
	}

	text := string(payload)
	candidates := []string{text}
	if isJSON {
		candidates = stringsFromJSON(doc)
	}
	for _, leaf := range candidates {
		if lat, lon, ok := findLatLonInText(leaf); ok {
			if pos, ok := e.acceptDirect(topic, doc, lat, lon, &dbg, "text"); ok {
				return pos, dbg
			}
			continue
		}
		if decoded, ok := maybeBase64DecodeToText(strings.TrimSpace(leaf)); ok {
			if lat, lon, ok := findLatLonInText(decoded); ok {
				if pos, ok := e.acceptDirect(topic, doc, lat, lon, &dbg, "text"); ok {
					return pos, dbg
				}
			}
		}
	}

	if isJSON {
		if hx, path, ok := findPacketBlobHex(doc); ok {
			dbg.FoundPath = path
			dbg.PacketHash = packetHash(hx)
			if pos := e.decodeHex(ctx, hx, &dbg); pos != nil {
				dbg.Result = "packet_blob"
				return pos, dbg
			}
		}
	} else {
		trimmed := strings.TrimSpace(text)
		switch {
		case looksLikeHex(trimmed):
			hx := strings.ToLower(trimmed)
			dbg.PacketHash = packetHash(hx)
			if pos := e.decodeHex(ctx, hx, &dbg); pos != nil {
				dbg.Result = "hex"
				return pos, dbg
			}
		default:
			if hx, ok := tryBase64ToHex(trimmed); ok {
				dbg.PacketHash = packetHash(hx)
				if pos := e.decodeHex(ctx, hx, &dbg); pos != nil {
					dbg.Result = "base64"
					return pos, dbg
				}
			} else if isProbablyBinary(payload) && len(payload) >= 10 {
				hx := hex.EncodeToString(payload)
				dbg.PacketHash = packetHash(hx)
				if pos := e.decodeHex(ctx, hx, &dbg); pos != nil {
					dbg.Result = "binary"
					return pos, dbg
				}
			}
		}
	}

	if dbg.Result == "" {
		dbg.Result = "none"
	}
	return nil, dbg
}

// acceptDirect applies the direct-coordinate policy and zero-coordinate
// filter to a coordinate pair found in JSON or text, recording the
// distinguishing result code on rejection.
func (e *Engine) acceptDirect(topic string, doc any, lat, lon float64, dbg *DebugInfo, result string) (*ParsedPosition, bool) {
	if !e.directCoordAllowed(topic, doc) {
		if dbg.Result == "" {
			dbg.Result = "direct_blocked"
		}
		return nil, false
	}
	if coordsAreZero(lat, lon) && !e.cfg.Direct.AllowZero {
		if dbg.Result == "" {
			dbg.Result = "direct_zero_coords"
		}
		return nil, false
	}
	if !validLatLon(lat, lon) {
		return nil, false
	}
	dbg.Result = result
	pos := &ParsedPosition{
		Lat:     lat,
		Lon:     lon,
		Heading: findFloatKey(doc, "heading"),
		Speed:   findFloatKey(doc, "speed"),
		RSSI:    findFloatKey(doc, "rssi"),
		SNR:     findFloatKey(doc, "snr"),
	}
	return pos, true
}

// decodeHex submits hex to the external decoder and copies everything the
// decoded packet carries into dbg. A position is returned only when the
// packet included an acceptable location; the route metadata survives in dbg
// either way.
func (e *Engine) decodeHex(ctx context.Context, hx string, dbg *DebugInfo) *ParsedPosition {
	if e.external == nil || !e.external.Ready() {
		return nil
	}
	pkt, err := e.external.Decode(ctx, hx)
	if err != nil {
		dbg.ParseError = err.Error()
		return nil
	}

	dbg.PayloadType = pkt.PayloadType
	dbg.RouteType = pkt.RouteType
	dbg.PathHashes = pkt.PathHashes
	dbg.MessageHash = pkt.MessageHash
	dbg.SNRValues = pkt.SNRValues
	for _, raw := range pkt.Path {
		if nh, ok := NormalizeNodeHash(raw); ok {
			dbg.PathHeader = append(dbg.PathHeader, nh)
		}
	}

	meta := map[string]any{
		"deviceRole":  pkt.DeviceRole,
		"payloadType": pkt.PayloadType,
		"routeType":   pkt.RouteType,
		"messageHash": pkt.MessageHash,
	}
	if pkt.Location != nil {
		meta["location"] = map[string]any{
			"lat": pkt.Location.Lat, "lon": pkt.Location.Lon,
			"name": pkt.Location.Name, "pubkey": pkt.Location.Pubkey,
		}
		dbg.Pubkey = pkt.Location.Pubkey
		if pkt.Location.Name != "" {
			dbg.DeviceName = pkt.Location.Name
		}
	}
	dbg.DecoderMeta = meta
	if role, ok := roleFromDecoderMeta(meta); ok {
		dbg.DeviceRole, dbg.HasRole = role, true
	}

	if pkt.Location == nil {
		dbg.ParseError = "decoder returned no location"
		return nil
	}
	lat, lon := pkt.Location.Lat, pkt.Location.Lon
	if coordsAreZero(lat, lon) && !e.cfg.Direct.AllowZero {
		dbg.ParseError = "decoded zero coordinates rejected"
		return nil
	}
	if !validLatLon(lat, lon) {
		dbg.ParseError = "decoded coordinates out of range"
		return nil
	}
	return &ParsedPosition{Lat: lat, Lon: lon}
}

// directCoordAllowed implements the configured direct-coordinate policy:
// off never accepts a directly-embedded coordinate, any always does, topic
// requires the topic to match the configured regex, and strict requires
// both the topic match and an explicit location-hint key in the document.
func (e *Engine) directCoordAllowed(topic string, doc any) bool {
	switch e.cfg.Direct.Mode {
	case "off":
		return false
	case "any":
		return true
	case "topic":
		return e.derived.DirectCoordTopicRe != nil && e.derived.DirectCoordTopicRe.MatchString(topic)
	case "strict":
		topicMatch := e.derived.DirectCoordTopicRe != nil && e.derived.DirectCoordTopicRe.MatchString(topic)
		return topicMatch && hasLocationHints(doc)
	default:
		return false
	}
}

// packetHash derives the fallback message hash for a packet: sha256 of the
// raw bytes, truncated to eight hex digits.
func packetHash(hx string) string {
	raw, err := hex.DecodeString(hx)
	if err != nil {
		raw = []byte(hx)
	}
	sum := sha256.Sum256(raw)
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}
