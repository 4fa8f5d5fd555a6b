package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jarv/meshmap/internal/metrics"
)

// DecodedPacket is the JSON contract returned by the external decoder
// subprocess on its standard output.
type DecodedPacket struct {
	OK          bool             `json:"ok"`
	Location    *DecodedLocation `json:"location"`
	PayloadType *int             `json:"payloadType"`
	RouteType   *int             `json:"routeType"`
	PathHashes  []string         `json:"pathHashes"`
	MessageHash string           `json:"messageHash"`
	SNRValues   []float64        `json:"snrValues"`
	Path        []any            `json:"path"`
	DeviceRole  any              `json:"deviceRole"`
}

// DecodedLocation is the decoder's location{} sub-object.
type DecodedLocation struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Name   string  `json:"name"`
	Pubkey string  `json:"pubkey"`
}

// ExternalDecoder invokes a foreign-subprocess binary decoder once per
// packet: `<runtime> <script-path> <hex>`, one-shot, no persistent pipe,
// per spec §4.1/§6.
type ExternalDecoder struct {
	runtime    string
	scriptPath string
	appDir     string
	timeout    time.Duration
	limiter    *rate.Limiter
	sem        chan struct{}

	ready       atomic.Bool
	unavailable atomic.Bool
}

// NewExternalDecoder constructs an adaptor. Probe must be called once
// before Decode to latch readiness.
func NewExternalDecoder(runtime, scriptPath, appDir string, timeout time.Duration, maxConcurrent int, maxPerSecond float64) *ExternalDecoder {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxPerSecond <= 0 {
		maxPerSecond = 1
	}
	return &ExternalDecoder{
		runtime:    runtime,
		scriptPath: scriptPath,
		appDir:     appDir,
		timeout:    timeout,
		limiter:    rate.NewLimiter(rate.Limit(maxPerSecond), maxConcurrent),
		sem:        make(chan struct{}, maxConcurrent),
	}
}

// Probe verifies the runtime, the script, and (implicitly) the decoder
// library exist, and latches ready/unavailable for the process lifetime.
func (d *ExternalDecoder) Probe() error {
	if _, err := exec.LookPath(d.runtime); err != nil {
		d.unavailable.Store(true)
		return fmt.Errorf("decoder runtime %q not found: %w", d.runtime, err)
	}
	if _, err := os.Stat(d.scriptPath); err != nil {
		d.unavailable.Store(true)
		return fmt.Errorf("decoder script %q not found: %w", d.scriptPath, err)
	}
	d.ready.Store(true)
	return nil
}

// Ready reports whether Probe succeeded.
func (d *ExternalDecoder) Ready() bool { return d.ready.Load() }

// Unavailable reports whether Probe latched the decoder unavailable.
func (d *ExternalDecoder) Unavailable() bool { return d.unavailable.Load() }

// Decode submits hex to the external decoder and parses its JSON stdout.
// Failure (non-zero exit, empty/non-JSON output, timeout) is returned as an
// error; callers must treat that as debug-only and continue the pipeline.
func (d *ExternalDecoder) Decode(ctx context.Context, hex string) (*DecodedPacket, error) {
	if !d.ready.Load() {
		return nil, fmt.Errorf("decoder not ready")
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("decoder rate limiter: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, d.runtime, d.scriptPath, hex)
	cmd.Dir = d.appDir

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	start := time.Now()
	err := cmd.Run()
	metrics.DecodeSubprocessDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("decoder subprocess failed: %w", err)
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, fmt.Errorf("decoder produced empty output")
	}

	var pkt DecodedPacket
	if err := json.Unmarshal(out, &pkt); err != nil {
		return nil, fmt.Errorf("decoder produced non-JSON output: %w", err)
	}
	if !pkt.OK {
		return nil, fmt.Errorf("decoder reported ok=false")
	}
	return &pkt, nil
}
