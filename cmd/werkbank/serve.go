package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/werkbank/internal/api"
	"github.com/p-arndt/werkbank/internal/cgroup"
	"github.com/p-arndt/werkbank/internal/config"
	"github.com/p-arndt/werkbank/internal/docker"
	"github.com/p-arndt/werkbank/internal/hooks"
	"github.com/p-arndt/werkbank/internal/lock"
	"github.com/p-arndt/werkbank/internal/logging"
	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/reaper"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
	"github.com/p-arndt/werkbank/internal/task"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to werkbank.yaml")
}

func monitorConfig(cfg *config.Config) resource.Config {
	r := cfg.Resources
	return resource.Config{
		System: resource.SystemLimits{MemoryMB: r.System.MemoryMB, Pids: r.System.Pids, DiskMB: r.System.DiskMB},
		Defaults: resource.Limits{
			MemoryMB:  r.Defaults.MemoryMB,
			CPUShares: r.Defaults.CPUShares,
			PidsLimit: r.Defaults.PidsLimit,
			DiskMB:    r.Defaults.DiskMB,
		},
		MemoryAdmitPct: r.MemoryAdmitPct,
		PidsAdmitPct:   r.PidsAdmitPct,
		Interval:       cfg.MonitorInterval(),
	}
}

func serve(cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	threshold, err := cfg.ChunkThresholdBytes()
	if err != nil {
		return err
	}
	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return err
	}
	snaps := persistence.NewSnapshotter(persistence.SnapshotterConfig{
		DataDir:        cfg.DataDir,
		ChunkThreshold: threshold,
		ChunkSize:      chunkSize,
	}, logging.WithComponent(logger, "snapshot"))
	persist := persistence.NewService(st, snaps, logging.WithComponent(logger, "persistence"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locks := lock.NewManager(lock.NewTable(logging.WithComponent(logger, "lock")), lock.ManagerConfig{
		MaxRetries:    cfg.Lock.MaxRetries,
		RetryBase:     time.Duration(cfg.Lock.RetryBaseMs) * time.Millisecond,
		RetryMax:      time.Duration(cfg.Lock.RetryMaxMs) * time.Millisecond,
		SweepInterval: cfg.SweepInterval(),
	}, logging.WithComponent(logger, "lock"))

	monitorLog := logging.WithComponent(logger, "resource")
	monitorOpts := []resource.Option{
		resource.WithAlertFunc(func(a resource.Alert) {
			if a.Firing {
				monitorLog.Warn("sandbox usage high", "sandbox_id", a.ID, "kind", a.Kind, "percentage", a.Percentage)
			} else {
				monitorLog.Info("sandbox usage recovered", "sandbox_id", a.ID, "kind", a.Kind, "percentage", a.Percentage)
			}
		}),
	}

	hookRegistry := hooks.NewRegistry(logging.WithComponent(logger, "hooks"))

	var (
		dc       *docker.Client
		sampling bool
	)
	switch cfg.Resources.StatsSource {
	case "docker":
		dc, err = docker.New()
		if err != nil {
			return err
		}
		defer dc.Close()
		if err := dc.Ping(ctx); err != nil {
			return fmt.Errorf("docker ping failed, is Docker running?: %w", err)
		}
		logger.Info("docker connection OK")
		monitorOpts = append(monitorOpts, resource.WithStatsSource(dc))
		sampling = true
	case "cgroup":
		if err := cgroup.DetectV2(); err != nil {
			return err
		}
		reader := cgroup.NewReader(cfg.Resources.CgroupRoot)
		monitorOpts = append(monitorOpts, resource.WithStatsSource(reader))
		sampling = true
	}

	monitor := resource.NewMonitor(monitorConfig(cfg), monitorLog, monitorOpts...)
	lifecycle := task.NewLifecycle(locks, st, persist, monitor, hookRegistry, logging.WithComponent(logger, "task"))

	rpr := reaper.New(lifecycle, persist, cfg.ReaperInterval(), cfg.SnapshotMaxAge(), logging.WithComponent(logger, "reaper"))
	if dc != nil {
		rpr.SetSandboxes(dc, monitor)
	}

	locks.StartCleanup(ctx)
	defer locks.StopCleanup()
	if sampling {
		monitor.Start(ctx)
		defer monitor.Stop()
	}
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, api.Services{
		Tasks:     lifecycle,
		Journal:   persist,
		Locks:     locks,
		Resources: monitor,
	}, logging.WithComponent(logger, "api"))

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // checkpoints of large workspaces
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("listening", "addr", cfg.Listen, "version", version)
	fmt.Fprintf(os.Stderr, "\n  werkbank ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	reportShutdownState(logger, locks, monitor)
	return nil
}

// reportShutdownState reports what was still held at shutdown.
func reportShutdownState(logger *slog.Logger, locks *lock.Manager, monitor *resource.Monitor) {
	stats := locks.Stats()
	if stats.TotalLocks > 0 {
		logger.Warn("locks still held at shutdown", "count", stats.TotalLocks)
	}
	if n := len(monitor.IDs()); n > 0 {
		logger.Info("sandboxes still tracked at shutdown", "count", n)
	}
}
