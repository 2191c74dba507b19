package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/kenyadata/gdpetl/internal/backup"
	"github.com/kenyadata/gdpetl/internal/dag"
	"github.com/kenyadata/gdpetl/internal/httpserver"
	"github.com/kenyadata/gdpetl/internal/metadb"
	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/scheduler"
)

type serverMode int

const (
	modeScheduler serverMode = iota
	modeWebserver
	modeStandalone
)

func (m serverMode) String() string {
	switch m {
	case modeScheduler:
		return "scheduler"
	case modeWebserver:
		return "webserver"
	default:
		return "standalone"
	}
}

func (m serverMode) schedules() bool { return m != modeWebserver }
func (m serverMode) serves() bool { return m != modeScheduler }
func (m serverMode) maintains() bool { return m == modeStandalone }

// runServer runs the long-lived components selected by mode until SIGINT or SIGTERM.
func runServer(cfg appConfig, mode serverMode) error {
	cleanupLogger := configureRuntimeLogger(cfg.LogFile, false)
	defer cleanupLogger()

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(30 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Runs left "running" by a crash can never finish.
	if n, err := a.meta.FailStaleRuns(ctx); err != nil {
		log.Printf("server: fail stale runs: %v", err)
	} else if n > 0 {
		log.Printf("server: marked %d interrupted runs as failed", n)
	}

	if cfg.AuthBackend == httpserver.AuthBasic && cfg.AdminPassword != "" {
		created, err := a.meta.EnsureUser(ctx, cfg.AdminUsername, cfg.AdminPassword, model.RoleAdmin)
		if err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}
		if created {
			log.Printf("server: created admin user %q", cfg.AdminUsername)
		}
	}

	if err := os.MkdirAll(cfg.DAGsDir, 0755); err != nil {
		return fmt.Errorf("failed to create dags dir: %w", err)
	}
	defs, err := a.loadDAGs()
	if err != nil {
		return err
	}

	sched, err := scheduler.New(a.runner, a.alerter, scheduler.Config{Executor: cfg.Executor})
	if err != nil {
		return err
	}
	if err := sched.Sync(defs); err != nil {
		log.Printf("server: %v", err)
	}
	if mode.schedules() {
		sched.Start()
	}
	// Stops the cron loop and waits for manual and scheduled runs.
	defer sched.Stop()

	if mode.maintains() {
		retentionCleaner := metadb.NewRetentionCleaner(a.meta, metadb.RetentionConfig{
			RetentionDays: cfg.RunRetention,
		})
		if retentionCleaner != nil {
			defer retentionCleaner.Stop()
		}

		backupManager, err := backup.NewManager(a.warehouse, backup.Config{
			Enabled:  cfg.BackupEnabled,
			Interval: cfg.BackupInterval,
			LocalDir: cfg.BackupLocalDir,
			KeepLast: cfg.BackupKeepLast,
		}, a.archive)
		if err != nil {
			return fmt.Errorf("failed to initialize backups: %w", err)
		}
		if backupManager != nil {
			defer backupManager.Stop()
		}
	}

	if mode.serves() {
		apiServer := httpserver.NewServer(httpserver.Config{
			Addr:        cfg.APIAddr,
			AuthBackend: cfg.AuthBackend,
		}, a.warehouse, a.meta, a.meta, sched)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	printStartupBanner(cfg, mode, sched.DAGs().Len(), string(a.meta.Dialect()))

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	if cfg.DAGWatch {
		g.Go(func() error {
			err := dag.Watch(gctx, cfg.DAGsDir, cfg.WatchDebounce, func() {
				defs, err := a.loadDAGs()
				if err != nil {
					log.Printf("dag: reload: %v", err)
					return
				}
				if err := sched.Sync(defs); err != nil {
					log.Printf("dag: reload: %v", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("dag: watcher stopped: %v", err)
			}
			return nil
		})
	}

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	cancel()
	signal.Stop(sigCh)
	return nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// configureRuntimeLogger sends the standard logger to path. With mirror set,
// lines also go to stderr.
func configureRuntimeLogger(path string, mirror bool) func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if path == "" {
		log.SetOutput(os.Stderr)
		return func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	var out io.Writer = f
	if mirror {
		out = io.MultiWriter(f, os.Stderr)
	}
	log.SetOutput(out)
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, mode serverMode, dagCount int, metaDialect string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	status := func(on bool, label, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	logo := cyan.Bold(true).Render(`
    ╔═╗╔╦╗╔═╗  ╔═╗╔╦╗╦
    ║ ╦ ║║╠═╝  ║╣  ║ ║
    ╚═╝═╩╝╩    ╚═╝ ╩ ╩═╝`)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version+" · "+mode.String()), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Pipeline"), "")
	lines = append(lines, status(mode.schedules(), "Scheduler", fmt.Sprintf("%d dags, %s executor", dagCount, cfg.Executor)))
	lines = append(lines, status(true, "DAGs", shortenPath(cfg.DAGsDir)))
	lines = append(lines, status(true, "Source", cfg.SourceURL))
	lines = append(lines, status(mode.serves(), "HTTP API", cfg.APIAddr+" (auth "+cfg.AuthBackend+")"))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Warehouse", dim.Render(shortenPath(cfg.WarehousePath))))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Metadata DB", dim.Render(metaDialect)))
	lines = append(lines, status(cfg.ExportEnabled, "Parquet", shortenPath(cfg.ExportDir)))
	lines = append(lines, status(cfg.BucketURL != "", "Object Store", cfg.BucketURL))
	lines = append(lines, status(mode.maintains() && cfg.BackupEnabled, "Snapshots", shortenPath(cfg.BackupLocalDir)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Log File", dim.Render(shortenPath(cfg.LogFile))))

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
