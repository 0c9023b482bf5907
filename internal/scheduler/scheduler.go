// Package scheduler owns the daemon's control loop: one tick reconciles every
// squad, runs whichever gated maintenance jobs are due, and finishes with the
// expiry notification scan. A stage failure or panic is contained to that
// stage; the loop itself only stops on context cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/panelwarden/panelwarden/internal/alert"
	"github.com/panelwarden/panelwarden/internal/backup"
	"github.com/panelwarden/panelwarden/internal/clock"
	"github.com/panelwarden/panelwarden/internal/config"
	"github.com/panelwarden/panelwarden/internal/gate"
	"github.com/panelwarden/panelwarden/internal/metrics"
	"github.com/panelwarden/panelwarden/internal/notify"
	"github.com/panelwarden/panelwarden/internal/panel"
	"github.com/panelwarden/panelwarden/internal/probe"
	"github.com/panelwarden/panelwarden/internal/reconcile"
	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/panelwarden/panelwarden/internal/sysmetrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	jobProbes  = "probes"
	jobBackup  = "backup"
	jobMetrics = "metrics"

	minMetricsInterval = 30 * time.Second
)

// Deps are the collaborators the orchestrator drives each tick.
type Deps struct {
	Store      storage.Store
	Panel      panel.Client
	Reconciler *reconcile.Reconciler
	Notifier   *notify.ExpiryNotifier
	Alerts     *alert.Engine
	Gate       *gate.JobGate
	Prober     *probe.Runner
	Backup     *backup.Service
	Sink       notify.Sink
	Clock      clock.Clock
	Sources    []sysmetrics.Source
}

// Orchestrator runs the periodic control loop plus the metrics and health
// HTTP servers.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	log  zerolog.Logger
}

// New wires an Orchestrator.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps, log: log}
}

// Run starts the tick loop and HTTP servers and blocks until ctx is cancelled
// or a server fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.loop(gctx)
	})

	if o.cfg.MetricsEnabled {
		g.Go(func() error {
			return o.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return o.serveHealth(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loop ticks immediately, then on the configured interval.
func (o *Orchestrator) loop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one full pass: reconcile, gated jobs, expiry scan.
func (o *Orchestrator) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	o.runStage(ctx, "reconcile", func(ctx context.Context) error {
		res := o.deps.Reconciler.SyncAll(ctx)
		if res.Total() > 0 || res.Failed > 0 {
			o.log.Info().Int("updated", res.Updated).Int("deleted", res.Deleted).
				Int("orphaned", res.Orphaned).Int("relinked", res.Relinked).
				Int("failed", res.Failed).Msg("reconcile pass complete")
		}
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.runStage(gctx, jobProbes, o.maybeRunProbes)
		return nil
	})
	g.Go(func() error {
		o.runStage(gctx, jobBackup, o.maybeRunBackup)
		return nil
	})
	g.Go(func() error {
		o.runStage(gctx, jobMetrics, o.maybeCollectMetrics)
		return nil
	})
	_ = g.Wait()

	if o.deps.Sink.Available() {
		o.runStage(ctx, "notify", o.deps.Notifier.Scan)
	} else {
		o.log.Debug().Msg("notification sink unavailable, expiry scan skipped")
	}
}

// runStage executes one stage with panic containment.
func (o *Orchestrator) runStage(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("stage", name).Interface("panic", r).Msg("stage panicked")
		}
	}()
	if err := fn(ctx); err != nil {
		o.log.Error().Err(err).Str("stage", name).Msg("stage failed")
	}
}

// maybeRunProbes sweeps probe targets when the probe interval has elapsed.
func (o *Orchestrator) maybeRunProbes(ctx context.Context) error {
	if len(o.cfg.ProbeTargets) == 0 {
		return nil
	}
	if !o.deps.Gate.IsDue(jobProbes, o.cfg.ProbeInterval) {
		return nil
	}
	if err := o.deps.Prober.Sweep(ctx, o.cfg.ProbeTargets); err != nil {
		metrics.JobRuns.WithLabelValues(jobProbes, "failed").Inc()
		return fmt.Errorf("probe sweep: %w", err)
	}
	o.deps.Gate.MarkRan(jobProbes)
	metrics.JobRuns.WithLabelValues(jobProbes, "ok").Inc()
	return nil
}

// maybeRunBackup creates a backup when the admin-configured day interval has
// elapsed. A non-positive interval disables backups.
func (o *Orchestrator) maybeRunBackup(ctx context.Context) error {
	days := o.settingInt("backup_interval_days", 1)
	if days <= 0 {
		return nil
	}
	if !o.deps.Gate.IsDue(jobBackup, time.Duration(days)*24*time.Hour) {
		return nil
	}
	if err := o.deps.Backup.Run(ctx); err != nil {
		metrics.JobRuns.WithLabelValues(jobBackup, "failed").Inc()
		return fmt.Errorf("backup: %w", err)
	}
	o.deps.Gate.MarkRan(jobBackup)
	metrics.JobRuns.WithLabelValues(jobBackup, "ok").Inc()
	return nil
}

// maybeCollectMetrics samples every configured source, stores the rows, feeds
// the alert engine, and prunes aged rows.
func (o *Orchestrator) maybeCollectMetrics(ctx context.Context) error {
	if !o.settingBool("monitoring_enabled", true) {
		return nil
	}
	interval := time.Duration(o.settingInt("monitoring_interval_sec", 300)) * time.Second
	if interval < minMetricsInterval {
		interval = minMetricsInterval
	}
	if !o.deps.Gate.IsDue(jobMetrics, interval) {
		return nil
	}

	thr := alert.Thresholds{
		CPU:      o.settingInt("monitoring_cpu_threshold", 90),
		Mem:      o.settingInt("monitoring_mem_threshold", 90),
		Disk:     o.settingInt("monitoring_disk_threshold", 90),
		Cooldown: time.Duration(o.settingInt("monitoring_alert_cooldown_sec", 3600)) * time.Second,
	}

	now := o.deps.Clock.Now()
	failed := 0
	for _, src := range o.deps.Sources {
		sample, err := src.Collector.Collect(ctx)
		if err != nil {
			failed++
			o.log.Warn().Err(err).Str("scope", src.Scope).Str("name", src.Name).
				Msg("metric collection failed")
			continue
		}
		row := sample.Row(src.Scope, src.Name, now)
		if err := o.deps.Store.InsertMetric(row); err != nil {
			failed++
			o.log.Error().Err(err).Str("name", src.Name).Msg("metric insert failed")
			continue
		}
		o.deps.Alerts.Evaluate(ctx, src.Scope, src.Name, row, thr)
	}

	o.pruneAged(now)

	if failed == len(o.deps.Sources) && failed > 0 {
		metrics.JobRuns.WithLabelValues(jobMetrics, "failed").Inc()
		return fmt.Errorf("all %d metric sources failed", failed)
	}
	o.deps.Gate.MarkRan(jobMetrics)
	metrics.JobRuns.WithLabelValues(jobMetrics, "ok").Inc()
	return nil
}

// pruneAged drops metric and probe rows past retention and refreshes the DB
// size gauge.
func (o *Orchestrator) pruneAged(now time.Time) {
	retention := time.Duration(o.settingInt("metrics_retention_days", 14)) * 24 * time.Hour
	cutoff := now.Add(-retention)

	if n, err := o.deps.Store.PruneMetrics(cutoff); err != nil {
		o.log.Warn().Err(err).Msg("metric prune failed")
	} else if n > 0 {
		o.log.Debug().Int("removed", n).Msg("aged metric rows pruned")
	}
	if n, err := o.deps.Store.PruneProbes(cutoff); err != nil {
		o.log.Warn().Err(err).Msg("probe prune failed")
	} else if n > 0 {
		o.log.Debug().Int("removed", n).Msg("aged probe rows pruned")
	}
	if size, err := o.deps.Store.SizeBytes(); err == nil {
		metrics.DBSizeBytes.Set(float64(size))
	}
}

// settingInt reads an integer admin setting, falling back on absent or
// unparseable values.
func (o *Orchestrator) settingInt(key string, def int) int {
	raw, err := o.deps.Store.GetSetting(key)
	if err != nil || strings.TrimSpace(raw) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}

// settingBool reads a boolean admin setting stored as "true"/"false".
func (o *Orchestrator) settingBool(key string, def bool) bool {
	raw, err := o.deps.Store.GetSetting(key)
	if err != nil || strings.TrimSpace(raw) == "" {
		return def
	}
	return strings.EqualFold(strings.TrimSpace(raw), "true")
}

// shutdownServer drains an HTTP server, bounded by the shutdown grace.
func (o *Orchestrator) shutdownServer(srv *http.Server) {
	sctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
}

// serveMetrics runs the Prometheus HTTP server.
func (o *Orchestrator) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    o.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		o.shutdownServer(srv)
	}()

	o.log.Info().Str("addr", o.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoints. readyz pings the panel.
func (o *Orchestrator) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := o.deps.Panel.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:    o.cfg.HealthAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		o.shutdownServer(srv)
	}()

	o.log.Info().Str("addr", o.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
