package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/panelwarden/panelwarden/internal/alert"
	"github.com/panelwarden/panelwarden/internal/backup"
	"github.com/panelwarden/panelwarden/internal/config"
	"github.com/panelwarden/panelwarden/internal/gate"
	"github.com/panelwarden/panelwarden/internal/notify"
	"github.com/panelwarden/panelwarden/internal/panel"
	"github.com/panelwarden/panelwarden/internal/probe"
	"github.com/panelwarden/panelwarden/internal/reconcile"
	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/panelwarden/panelwarden/internal/sysmetrics"
	"github.com/panelwarden/panelwarden/internal/testutil"
	"github.com/rs/zerolog"
)

type harness struct {
	orch    *Orchestrator
	cfg     *config.Config
	store   *testutil.MockStore
	panel   *testutil.MockPanel
	sink    *testutil.MockSink
	clk     *testutil.FakeClock
	dataDir string
}

func newHarness(t *testing.T, sources ...sysmetrics.Source) *harness {
	t.Helper()
	store := testutil.NewMockStore()
	mp := testutil.NewMockPanel()
	sink := testutil.NewMockSink()
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zerolog.Nop()
	dataDir := t.TempDir()

	cfg := &config.Config{
		TickInterval:  5 * time.Minute,
		ProbeInterval: 8 * time.Hour,
		ProbeTimeout:  time.Second,
		ShutdownGrace: time.Second,
		DataDir:       dataDir,
	}

	deps := Deps{
		Store:      store,
		Panel:      mp,
		Reconciler: reconcile.New(store, mp, clk, log),
		Notifier:   notify.NewExpiryNotifier(store, sink, clk, log),
		Alerts:     alert.NewEngine(store, sink, clk, log),
		Gate:       gate.New(clk),
		Prober:     probe.NewRunner(store, clk, log, cfg.ProbeTimeout),
		Backup:     backup.NewService(dataDir, store, sink, clk, log),
		Sink:       sink,
		Clock:      clk,
		Sources:    sources,
	}
	return &harness{
		orch:    New(cfg, deps, log),
		cfg:     cfg,
		store:   store,
		panel:   mp,
		sink:    sink,
		clk:     clk,
		dataDir: dataDir,
	}
}

// stubCollector returns a fixed sample or panics on demand.
type stubCollector struct {
	sample   sysmetrics.Sample
	panicked bool
	calls    int
}

func (c *stubCollector) Collect(ctx context.Context) (sysmetrics.Sample, error) {
	c.calls++
	if c.panicked {
		panic("collector blew up")
	}
	return c.sample, nil
}

func f64ptr(v float64) *float64 { return &v }

func TestTickReconcilesAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.store.UpsertSquad(storage.Squad{SquadID: "sq-1", HostName: "de-1"})

	expiry := h.clk.Now().Add(24*time.Hour + 30*time.Minute)
	h.store.RecordKey(storage.KeyRecord{
		UserID: 42, HostName: "de-1", Email: "user42_a@bot.local", ExpiresAt: expiry,
	})
	h.panel.AddAccount("sq-1", panel.Account{Email: "user42_a@bot.local", ExpiresAt: expiry})

	h.orch.Tick(context.Background())

	// The key survived the reconcile and the 24h warning was delivered.
	if got, _ := h.store.GetKeyByEmail("user42_a@bot.local"); got == nil {
		t.Fatal("matched key should survive the tick")
	}
	if got := len(h.sink.SentToUser(42)); got != 1 {
		t.Fatalf("expected one expiry notification, got %d", got)
	}
}

func TestNotifySkippedWhenSinkUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.RecordKey(storage.KeyRecord{
		UserID: 42, HostName: "de-1", Email: "user42_a@bot.local",
		ExpiresAt: h.clk.Now().Add(24*time.Hour + 30*time.Minute),
	})
	h.sink.SetAvailable(false)

	h.orch.Tick(context.Background())
	if got := len(h.sink.Sent()); got != 0 {
		t.Fatalf("unavailable sink must not be written to, got %d", got)
	}

	// The threshold was not consumed: once the sink is back the warning goes
	// out on the next tick.
	h.sink.SetAvailable(true)
	h.orch.Tick(context.Background())
	if got := len(h.sink.SentToUser(42)); got != 1 {
		t.Fatalf("notification should fire once the sink returns, got %d", got)
	}
}

func TestBackupRunsOnFirstTickAndGates(t *testing.T) {
	h := newHarness(t)
	if err := os.WriteFile(filepath.Join(h.dataDir, "panelwarden.db"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	h.orch.Tick(context.Background())
	entries, err := os.ReadDir(filepath.Join(h.dataDir, "backups"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one archive after first tick, got %d (err=%v)", len(entries), err)
	}

	// Within the day interval nothing new is created.
	h.clk.Advance(h.cfg.TickInterval)
	h.orch.Tick(context.Background())
	entries, _ = os.ReadDir(filepath.Join(h.dataDir, "backups"))
	if len(entries) != 1 {
		t.Fatalf("backup should be gated to its interval, got %d archives", len(entries))
	}

	// Past the interval it runs again.
	h.clk.Advance(24 * time.Hour)
	h.orch.Tick(context.Background())
	entries, _ = os.ReadDir(filepath.Join(h.dataDir, "backups"))
	if len(entries) != 2 {
		t.Fatalf("backup should run after its interval, got %d archives", len(entries))
	}
}

func TestBackupDisabledBySetting(t *testing.T) {
	h := newHarness(t)
	h.store.SetSetting("backup_interval_days", "0")

	h.orch.Tick(context.Background())
	if _, err := os.Stat(filepath.Join(h.dataDir, "backups")); !os.IsNotExist(err) {
		t.Fatal("backup_interval_days <= 0 must disable backups")
	}
}

func TestMetricsCollectionStoresAndAlerts(t *testing.T) {
	col := &stubCollector{sample: sysmetrics.Sample{CPUPercent: f64ptr(95)}}
	h := newHarness(t, sysmetrics.Source{Scope: "local", Name: "panel", Collector: col})
	h.store.UpsertUser(storage.UserRecord{ID: 1, Username: "root", IsAdmin: true})

	h.orch.Tick(context.Background())

	rows := h.store.Metrics()
	if len(rows) != 1 {
		t.Fatalf("expected one stored sample, got %d", len(rows))
	}
	if rows[0].Scope != "local" || rows[0].Name != "panel" {
		t.Errorf("sample identity: %+v", rows[0])
	}
	if got := len(h.sink.SentToUser(1)); got != 1 {
		t.Fatalf("CPU at 95%% should raise a critical alert, got %d messages", got)
	}
}

func TestMetricsCollectionGatedByInterval(t *testing.T) {
	col := &stubCollector{sample: sysmetrics.Sample{CPUPercent: f64ptr(10)}}
	h := newHarness(t, sysmetrics.Source{Scope: "local", Name: "panel", Collector: col})

	h.orch.Tick(context.Background())
	h.orch.Tick(context.Background())
	if col.calls != 1 {
		t.Fatalf("second tick inside the interval should not collect, calls=%d", col.calls)
	}

	h.clk.Advance(301 * time.Second)
	h.orch.Tick(context.Background())
	if col.calls != 2 {
		t.Fatalf("collection should resume after the interval, calls=%d", col.calls)
	}
}

func TestMonitoringDisabledBySetting(t *testing.T) {
	col := &stubCollector{sample: sysmetrics.Sample{CPUPercent: f64ptr(10)}}
	h := newHarness(t, sysmetrics.Source{Scope: "local", Name: "panel", Collector: col})
	h.store.SetSetting("monitoring_enabled", "false")

	h.orch.Tick(context.Background())
	if col.calls != 0 {
		t.Fatalf("monitoring_enabled=false must skip collection, calls=%d", col.calls)
	}
}

func TestStagePanicContained(t *testing.T) {
	col := &stubCollector{panicked: true}
	h := newHarness(t, sysmetrics.Source{Scope: "local", Name: "panel", Collector: col})

	// Must not propagate; the rest of the tick still runs.
	h.orch.Tick(context.Background())
	if col.calls != 1 {
		t.Fatalf("collector should have been invoked once, calls=%d", col.calls)
	}
}

func TestPruneUsesRetentionSetting(t *testing.T) {
	col := &stubCollector{sample: sysmetrics.Sample{CPUPercent: f64ptr(10)}}
	h := newHarness(t, sysmetrics.Source{Scope: "local", Name: "panel", Collector: col})

	// A sample 20 days old is past the 14-day default retention.
	h.store.InsertMetric(storage.MetricRow{
		Scope: "local", Name: "panel", At: h.clk.Now().Add(-20 * 24 * time.Hour),
	})

	h.orch.Tick(context.Background())

	for _, row := range h.store.Metrics() {
		if h.clk.Now().Sub(row.At) > 14*24*time.Hour {
			t.Fatalf("aged row survived pruning: %+v", row)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.cfg.MetricsEnabled = false
	h.cfg.HealthAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run should exit cleanly on cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
