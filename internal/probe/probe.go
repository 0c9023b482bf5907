// Package probe measures TCP connect latency against configured targets.
// Results are stored for trend inspection; a failed probe is data, not an
// error.
package probe

import (
	"context"
	"net"
	"time"

	"github.com/panelwarden/panelwarden/internal/clock"
	"github.com/panelwarden/panelwarden/internal/metrics"
	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentProbes = 4

// Runner sweeps a target list, one TCP connect per target.
type Runner struct {
	store   storage.Store
	clk     clock.Clock
	log     zerolog.Logger
	timeout time.Duration
}

// NewRunner builds a Runner with a per-target connect timeout.
func NewRunner(store storage.Store, clk clock.Clock, log zerolog.Logger, timeout time.Duration) *Runner {
	return &Runner{store: store, clk: clk, log: log, timeout: timeout}
}

// Sweep probes every target. The returned error covers storage problems only;
// unreachable targets are recorded as failed results.
func (r *Runner) Sweep(ctx context.Context, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			result := r.probe(ctx, target)
			status := "ok"
			if !result.OK {
				status = "failed"
				r.log.Warn().Str("target", target).Str("error", result.Error).Msg("probe failed")
			} else {
				r.log.Debug().Str("target", target).Float64("latency_ms", result.LatencyMS).Msg("probe ok")
			}
			metrics.ProbeRuns.WithLabelValues(target, status).Inc()
			return r.store.RecordProbe(result)
		})
	}
	return g.Wait()
}

func (r *Runner) probe(ctx context.Context, target string) storage.ProbeResult {
	result := storage.ProbeResult{Target: target, At: r.clk.Now()}

	dialer := net.Dialer{Timeout: r.timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	conn.Close()

	result.OK = true
	result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	return result
}
