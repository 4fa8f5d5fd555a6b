// Package config builds the immutable configuration record the rest of the
// service is wired from. Loading follows the same layered pattern the
// route-beacon ingester uses: a YAML file overlaid by environment variables,
// defaults filled in before unmarshal, then validated once.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the complete, immutable configuration record built once at
// startup (spec §4.1 Config).
type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Broker   BrokerConfig   `koanf:"broker"`
	Storage  StorageConfig  `koanf:"storage"`
	Retention RetentionConfig `koanf:"retention"`
	Filter   FilterConfig   `koanf:"filter"`
	Routing  RoutingConfig  `koanf:"routing"`
	Direct   DirectCoordConfig `koanf:"direct_coords"`
	Decoder  DecoderConfig  `koanf:"decoder"`
	Prod     ProdConfig     `koanf:"production"`
}

type ServiceConfig struct {
	HTTPListen string `koanf:"http_listen"`
	LogLevel   string `koanf:"log_level"`
	LogFormat  string `koanf:"log_format"` // text|json
}

type BrokerConfig struct {
	Host                     string   `koanf:"host"`
	Port                     int      `koanf:"port"`
	Username                 string   `koanf:"username"`
	Password                 string   `koanf:"password"`
	TLS                      bool     `koanf:"tls"`
	TLSInsecure              bool     `koanf:"tls_insecure"`
	CACert                   string   `koanf:"ca_cert"`
	Transport                string   `koanf:"transport"` // tcp|websockets
	WSPath                   string   `koanf:"ws_path"`
	ClientID                 string   `koanf:"client_id"`
	Topics                   []string `koanf:"topics"`
	OnlineSuffixes           []string `koanf:"online_suffixes"`
	OnlineForceNames         []string `koanf:"online_force_names"`
	SeenBroadcastMinInterval float64  `koanf:"seen_broadcast_min_interval_seconds"`
}

type StorageConfig struct {
	StateDir              string  `koanf:"state_dir"`
	StateFile             string  `koanf:"state_file"`
	RoleOverridesFile     string  `koanf:"role_overrides_file"`
	NeighborOverridesFile string  `koanf:"neighbor_overrides_file"`
	HistoryFile           string  `koanf:"history_file"`
	HistoryFileGzip       bool    `koanf:"history_file_gzip"`
	SaveIntervalSeconds   float64 `koanf:"save_interval_seconds"`
}

type RetentionConfig struct {
	DeviceTTLSeconds         float64 `koanf:"device_ttl_seconds"`
	RouteTTLSeconds          float64 `koanf:"route_ttl_seconds"`
	HeatTTLSeconds           float64 `koanf:"heat_ttl_seconds"`
	MessageOriginTTLSeconds  float64 `koanf:"message_origin_ttl_seconds"`
	HistoryHours             float64 `koanf:"history_hours"`
	HistoryMaxSegments       int     `koanf:"history_max_segments"`
	HistoryCompactIntervalS  float64 `koanf:"history_compact_interval_seconds"`
	HistorySampleLimit       int     `koanf:"history_sample_limit"`
}

type FilterConfig struct {
	MapStartLat     float64 `koanf:"map_start_lat"`
	MapStartLon     float64 `koanf:"map_start_lon"`
	MapStartZoom    float64 `koanf:"map_start_zoom"`
	RadiusKM        float64 `koanf:"radius_km"`
	TrailLen        int     `koanf:"trail_len"`
	RoutePathMaxLen int     `koanf:"route_path_max_len"`
}

type RoutingConfig struct {
	RoutePayloadTypes       string `koanf:"route_payload_types"`
	HistoryPayloadTypes     string `koanf:"history_payload_types"`
	HistoryAllowedModes     string `koanf:"history_allowed_modes"`
	HistoryEnabled          bool   `koanf:"history_enabled"`
}

type DirectCoordConfig struct {
	Mode       string `koanf:"mode"` // off|any|topic|strict
	TopicRegex string `koanf:"topic_regex"`
	AllowZero  bool   `koanf:"allow_zero"`
}

type DecoderConfig struct {
	Enabled           bool    `koanf:"enabled"`
	Runtime           string  `koanf:"runtime"`
	ScriptPath        string  `koanf:"script_path"`
	AppDir            string  `koanf:"app_dir"`
	TimeoutSeconds    float64 `koanf:"timeout_seconds"`
	PayloadPreviewMax int     `koanf:"payload_preview_max"`
	DebugPayloadMax   int     `koanf:"debug_payload_max"`
	DebugRingSize     int     `koanf:"debug_ring_size"`
	StatusRingSize    int     `koanf:"status_ring_size"`
	MaxConcurrent     int     `koanf:"max_concurrent"`
	MaxPerSecond      float64 `koanf:"max_per_second"`
}

type ProdConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   string `koanf:"token"`
}

// Derived holds values computed once from Config that every hot path needs
// (parsed sets, compiled regex) so they aren't recomputed per packet.
type Derived struct {
	RoutePayloadTypes   map[int]struct{}
	HistoryPayloadTypes map[int]struct{}
	HistoryAllowedModes map[string]struct{}
	OnlineSuffixes      map[string]struct{}
	OnlineForceNames    map[string]struct{}
	DirectCoordTopicRe  *regexp.Regexp
}

// Load builds a Config from an optional YAML file overlaid with
// MESHMAP_-prefixed environment variables, applies defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("MESHMAP_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MESHMAP_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Broker.Topics) == 1 && strings.Contains(cfg.Broker.Topics[0], ",") {
		cfg.Broker.Topics = splitCSV(cfg.Broker.Topics[0])
	}
	if len(cfg.Broker.OnlineSuffixes) == 1 && strings.Contains(cfg.Broker.OnlineSuffixes[0], ",") {
		cfg.Broker.OnlineSuffixes = splitCSV(cfg.Broker.OnlineSuffixes[0])
	}
	if len(cfg.Broker.OnlineForceNames) == 1 && strings.Contains(cfg.Broker.OnlineForceNames[0], ",") {
		cfg.Broker.OnlineForceNames = splitCSV(cfg.Broker.OnlineForceNames[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			HTTPListen: ":8787",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Broker: BrokerConfig{
			Host:                     "localhost",
			Port:                     1883,
			Transport:                "tcp",
			WSPath:                   "/mqtt",
			ClientID:                 "meshmap",
			Topics:                   []string{"msh/#"},
			OnlineSuffixes:           []string{"/status"},
			SeenBroadcastMinInterval: 30,
		},
		Storage: StorageConfig{
			StateDir:            "./state",
			StateFile:           "./state/state.json",
			HistoryFile:         "./state/history.jsonl",
			SaveIntervalSeconds: 5,
		},
		Retention: RetentionConfig{
			DeviceTTLSeconds:        900,
			RouteTTLSeconds:         300,
			HeatTTLSeconds:          600,
			MessageOriginTTLSeconds: 120,
			HistoryHours:            168,
			HistoryMaxSegments:      200000,
			HistoryCompactIntervalS: 60,
			HistorySampleLimit:      5,
		},
		Filter: FilterConfig{
			MapStartZoom:    10,
			RadiusKM:        50,
			TrailLen:        50,
			RoutePathMaxLen: 12,
		},
		Routing: RoutingConfig{
			RoutePayloadTypes:   "3,4",
			HistoryPayloadTypes: "3,4",
			HistoryAllowedModes: "path,fanout,direct",
			HistoryEnabled:      true,
		},
		Direct: DirectCoordConfig{
			Mode:       "topic",
			TopicRegex: `(?i)gps|position|location`,
		},
		Decoder: DecoderConfig{
			Runtime:           "node",
			TimeoutSeconds:    3,
			PayloadPreviewMax: 200,
			DebugPayloadMax:   400,
			DebugRingSize:     200,
			StatusRingSize:    100,
			MaxConcurrent:     4,
			MaxPerSecond:      50,
		},
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("config: broker.host is required")
	}
	if c.Broker.Transport != "tcp" && c.Broker.Transport != "websockets" {
		return fmt.Errorf("config: broker.transport must be tcp or websockets (got %q)", c.Broker.Transport)
	}
	if len(c.Broker.Topics) == 0 {
		return fmt.Errorf("config: broker.topics is required")
	}
	if c.Storage.StateFile == "" {
		return fmt.Errorf("config: storage.state_file is required")
	}
	if c.Storage.SaveIntervalSeconds < 1 {
		return fmt.Errorf("config: storage.save_interval_seconds must be >= 1")
	}
	switch c.Direct.Mode {
	case "off", "any", "topic", "strict":
	default:
		return fmt.Errorf("config: direct_coords.mode must be one of off/any/topic/strict (got %q)", c.Direct.Mode)
	}
	if c.Direct.TopicRegex != "" {
		if _, err := regexp.Compile(c.Direct.TopicRegex); err != nil {
			return fmt.Errorf("config: direct_coords.topic_regex invalid: %w", err)
		}
	}
	if c.Decoder.Enabled {
		if c.Decoder.ScriptPath == "" {
			return fmt.Errorf("config: decoder.script_path is required when decoder.enabled")
		}
		if c.Decoder.TimeoutSeconds <= 0 {
			return fmt.Errorf("config: decoder.timeout_seconds must be > 0")
		}
	}
	if c.Prod.Enabled && c.Prod.Token == "" {
		return fmt.Errorf("config: production.token is required when production.enabled")
	}
	return nil
}

// Derive computes the parsed sets and compiled regex used on every hot path.
func (c *Config) Derive() (*Derived, error) {
	d := &Derived{
		RoutePayloadTypes:   parseIntSet(c.Routing.RoutePayloadTypes),
		HistoryPayloadTypes: parseIntSet(c.Routing.HistoryPayloadTypes),
		HistoryAllowedModes: parseStringSet(c.Routing.HistoryAllowedModes),
		OnlineSuffixes:      sliceToSet(c.Broker.OnlineSuffixes),
		OnlineForceNames:    sliceToSetLower(c.Broker.OnlineForceNames),
	}
	if c.Direct.TopicRegex != "" {
		re, err := regexp.Compile(c.Direct.TopicRegex)
		if err != nil {
			return nil, fmt.Errorf("compiling direct_coords.topic_regex: %w", err)
		}
		d.DirectCoordTopicRe = re
	}
	return d, nil
}

func parseIntSet(csv string) map[int]struct{} {
	out := map[int]struct{}{}
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out[n] = struct{}{}
	}
	return out
}

func parseStringSet(csv string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}

func sliceToSet(items []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func sliceToSetLower(items []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, it := range items {
		out[strings.ToLower(strings.TrimSpace(it))] = struct{}{}
	}
	return out
}

// DeviceTTL, RouteTTL etc as time.Duration convenience accessors.
func (c *Config) DeviceTTL() time.Duration { return secs(c.Retention.DeviceTTLSeconds) }
func (c *Config) RouteTTL() time.Duration  { return secs(c.Retention.RouteTTLSeconds) }
func (c *Config) HeatTTL() time.Duration   { return secs(c.Retention.HeatTTLSeconds) }
func (c *Config) MessageOriginTTL() time.Duration {
	return secs(c.Retention.MessageOriginTTLSeconds)
}
func (c *Config) DecoderTimeout() time.Duration { return secs(c.Decoder.TimeoutSeconds) }
func (c *Config) SaveInterval() time.Duration   { return secs(c.Storage.SaveIntervalSeconds) }
func (c *Config) HistoryCompactInterval() time.Duration {
	return secs(c.Retention.HistoryCompactIntervalS)
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
