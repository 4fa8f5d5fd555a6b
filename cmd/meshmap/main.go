// Command meshmap is the service entrypoint: it loads configuration, wires
// every internal package together, runs until signaled, and shuts down
// cleanly (spec §5 Concurrency & Resource Model).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jarv/meshmap/internal/broadcast"
	"github.com/jarv/meshmap/internal/broker"
	"github.com/jarv/meshmap/internal/config"
	"github.com/jarv/meshmap/internal/decoder"
	"github.com/jarv/meshmap/internal/history"
	"github.com/jarv/meshmap/internal/ingest"
	"github.com/jarv/meshmap/internal/logging"
	"github.com/jarv/meshmap/internal/metrics"
	"github.com/jarv/meshmap/internal/overrides"
	"github.com/jarv/meshmap/internal/persistence"
	"github.com/jarv/meshmap/internal/query"
	"github.com/jarv/meshmap/internal/reaper"
	"github.com/jarv/meshmap/internal/store"
	"github.com/jarv/meshmap/internal/wsclient"
)

func main() {
	fs := flag.NewFlagSet("meshmap", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}

	logging.Setup(os.Stdout, cfg.Service.LogFormat, cfg.Service.LogLevel)

	derived, err := cfg.Derive()
	if err != nil {
		slog.Error("deriving config", "err", err)
		os.Exit(1)
	}

	metrics.Register()

	if err := run(cfg, derived); err != nil {
		slog.Error("meshmap exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, derived *config.Derived) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New()

	persistCfg := persistence.Config{
		StateFile:         cfg.Storage.StateFile,
		RoleOverridesFile: cfg.Storage.RoleOverridesFile,
		CenterLat:         cfg.Filter.MapStartLat,
		CenterLon:         cfg.Filter.MapStartLon,
		RadiusKM:          cfg.Filter.RadiusKM,
		TrailLen:          cfg.Filter.TrailLen,
	}
	snap, err := persistence.Load(persistCfg)
	if err != nil {
		slog.Warn("loading state snapshot, starting empty", "err", err)
	} else {
		st.LoadSnapshot(snap)
	}

	now := time.Now
	for _, nb := range persistence.LoadNeighborOverrides(cfg.Storage.NeighborOverridesFile) {
		st.SetManualNeighbor(nb.Src, nb.Dst, float64(now().Unix()))
	}

	hist, err := history.New(history.Config{
		Enabled:         cfg.Routing.HistoryEnabled,
		JournalPath:     cfg.Storage.HistoryFile,
		Gzip:            cfg.Storage.HistoryFileGzip,
		WindowHours:     cfg.Retention.HistoryHours,
		MaxSegments:     cfg.Retention.HistoryMaxSegments,
		SampleLimit:     cfg.Retention.HistorySampleLimit,
		CompactInterval: cfg.HistoryCompactInterval(),
		PayloadTypes:    derived.HistoryPayloadTypes,
		AllowedModes:    derived.HistoryAllowedModes,
		CenterLat:       cfg.Filter.MapStartLat,
		CenterLon:       cfg.Filter.MapStartLon,
		RadiusKM:        cfg.Filter.RadiusKM,
	})
	if err != nil {
		return fmt.Errorf("opening history journal: %w", err)
	}
	defer hist.Close()
	if err := hist.Load(now()); err != nil {
		slog.Warn("loading history journal", "err", err)
	}

	var externalDecoder *decoder.ExternalDecoder
	if cfg.Decoder.Enabled {
		externalDecoder = decoder.NewExternalDecoder(
			cfg.Decoder.Runtime, cfg.Decoder.ScriptPath, cfg.Decoder.AppDir,
			cfg.DecoderTimeout(), cfg.Decoder.MaxConcurrent, cfg.Decoder.MaxPerSecond,
		)
		if err := externalDecoder.Probe(); err != nil {
			slog.Warn("external decoder unavailable, continuing without packet_blob/hex decoding", "err", err)
		}
	}
	probe := decoder.NewEngine(cfg, derived, externalDecoder)

	registry := wsclient.NewRegistry()

	queue := make(chan ingest.Event, 4096)
	stats := ingest.NewStats(cfg.Decoder.DebugRingSize, cfg.Decoder.StatusRingSize)
	handler := ingest.New(cfg, derived, probe, st, stats, queue, now)

	broadcaster := broadcast.New(cfg, derived, st, hist, registry, now)
	reapEngine := reaper.New(reaper.Config{
		Interval:                5 * time.Second,
		DeviceTTLSeconds:        cfg.Retention.DeviceTTLSeconds,
		HeatTTLSeconds:          cfg.Retention.HeatTTLSeconds,
		MessageOriginTTLSeconds: cfg.Retention.MessageOriginTTLSeconds,
	}, st, hist, registry, now)

	brokerClient, err := broker.New(cfg.Broker, func(topic string, payload []byte) {
		handler.HandleMessage(ctx, topic, payload)
	})
	if err != nil {
		return fmt.Errorf("building broker client: %w", err)
	}
	if err := brokerClient.Start(); err != nil {
		slog.Warn("broker connect failed, will keep retrying in background", "err", err)
	}
	defer brokerClient.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	query.New(cfg, derived, st, hist, registry, now).RegisterRoutes(mux)

	httpServer := &http.Server{Addr: cfg.Service.HTTPListen, Handler: mux}
	httpErrCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.Service.HTTPListen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	go broadcaster.Run(ctx, queue)
	go reapEngine.Run(ctx)
	go savePeriodically(ctx, cfg, st, now)
	go compactPeriodically(ctx, cfg, hist, now)
	go overrides.Watch(ctx.Done(), cfg.Storage.RoleOverridesFile, cfg.Storage.NeighborOverridesFile, queue)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("http server failed", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if err := persistence.Save(cfg.Storage.StateFile, st.ExportSnapshot(), now()); err != nil {
		slog.Error("final state save failed", "err", err)
	}
	return nil
}

// savePeriodically persists the state snapshot on the configured interval,
// skipping the write entirely when nothing has changed since the last save
// (spec §4.8).
func savePeriodically(ctx context.Context, cfg *config.Config, st *store.Store, now func() time.Time) {
	ticker := time.NewTicker(cfg.SaveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !st.Dirty() {
				continue
			}
			if err := persistence.Save(cfg.Storage.StateFile, st.ExportSnapshot(), now()); err != nil {
				slog.Error("periodic state save failed", "err", err)
				continue
			}
			st.ClearDirty()
		}
	}
}

// compactPeriodically runs the history journal's compaction pass on the
// configured interval (spec §4.7).
func compactPeriodically(ctx context.Context, cfg *config.Config, hist *history.Engine, now func() time.Time) {
	ticker := time.NewTicker(cfg.HistoryCompactInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hist.CompactIfDue(now()); err != nil {
				slog.Error("history compaction failed", "err", err)
			}
		}
	}
}
