package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/panelwarden/panelwarden/internal/alert"
	"github.com/panelwarden/panelwarden/internal/backup"
	"github.com/panelwarden/panelwarden/internal/clock"
	"github.com/panelwarden/panelwarden/internal/config"
	"github.com/panelwarden/panelwarden/internal/gate"
	"github.com/panelwarden/panelwarden/internal/logger"
	"github.com/panelwarden/panelwarden/internal/notify"
	"github.com/panelwarden/panelwarden/internal/panel"
	"github.com/panelwarden/panelwarden/internal/probe"
	"github.com/panelwarden/panelwarden/internal/reconcile"
	"github.com/panelwarden/panelwarden/internal/scheduler"
	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/panelwarden/panelwarden/internal/sysmetrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	// Local development convenience; production uses real env vars.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "panelwarden",
		Short: "Unattended reconciliation daemon for VPN panel credentials",
	}

	root.AddCommand(
		runCmd(),
		syncCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("panelwarden starting")

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	panelClient, err := panel.NewClient(context.Background(), panel.ClientConfig{
		BaseURL:      cfg.PanelURL,
		Username:     cfg.PanelUsername,
		Password:     cfg.PanelPassword,
		Token:        cfg.PanelToken,
		VerifyTLS:    cfg.PanelVerifyTLS,
		CACertPath:   cfg.PanelCACert,
		Timeout:      cfg.PanelHTTPTimeout,
		Debug:        cfg.PanelAPIDebug,
		ReauthMinGap: cfg.SessionReauthMinGap,
	}, log)
	if err != nil {
		return fmt.Errorf("init panel client: %w", err)
	}
	defer panelClient.Close()

	clk := clock.System()
	sink := notify.NewLogSink(log)

	localCol, err := sysmetrics.NewLocalCollector(cfg.DataDir)
	var sources []sysmetrics.Source
	if err != nil {
		log.Warn().Err(err).Msg("local metrics unavailable")
	} else {
		sources = append(sources, sysmetrics.Source{Scope: "local", Name: "panel", Collector: localCol})
	}

	orch := scheduler.New(cfg, scheduler.Deps{
		Store:      store,
		Panel:      panelClient,
		Reconciler: reconcile.New(store, panelClient, clk, log).WithDryRun(cfg.DryRun),
		Notifier:   notify.NewExpiryNotifier(store, sink, clk, log),
		Alerts:     alert.NewEngine(store, sink, clk, log),
		Gate:       gate.New(clk),
		Prober:     probe.NewRunner(store, clk, log, cfg.ProbeTimeout),
		Backup:     backup.NewService(cfg.DataDir, store, sink, clk, log),
		Sink:       sink,
		Clock:      clk,
		Sources:    sources,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("panel", cfg.PanelURL).Dur("tick", cfg.TickInterval).
		Bool("dry_run", cfg.DryRun).Msg("entering control loop")
	return orch.Run(ctx)
}

// syncCmd runs a single reconcile pass and exits.
func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a one-shot reconcile pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log := buildLogger(cfg)

			store, err := storage.NewBboltStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			panelClient, err := panel.NewClient(context.Background(), panel.ClientConfig{
				BaseURL:      cfg.PanelURL,
				Username:     cfg.PanelUsername,
				Password:     cfg.PanelPassword,
				Token:        cfg.PanelToken,
				VerifyTLS:    cfg.PanelVerifyTLS,
				CACertPath:   cfg.PanelCACert,
				Timeout:      cfg.PanelHTTPTimeout,
				Debug:        cfg.PanelAPIDebug,
				ReauthMinGap: cfg.SessionReauthMinGap,
			}, log)
			if err != nil {
				return err
			}
			defer panelClient.Close()

			rec := reconcile.New(store, panelClient, clock.System(), log).WithDryRun(cfg.DryRun)
			res := rec.SyncAll(context.Background())
			fmt.Printf("sync complete: updated=%d deleted=%d orphaned=%d relinked=%d failed=%d\n",
				res.Updated, res.Deleted, res.Orphaned, res.Relinked, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d squads failed to sync", res.Failed)
			}
			return nil
		},
	}
}

// healthcheckCmd exits 0 if the daemon's health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("panelwarden %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
