package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/kenyadata/gdpetl/internal/dag"
	"github.com/kenyadata/gdpetl/internal/metadb"
	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/scheduler"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const usageText = `Usage: gdpetl [-config file] <command> [flags]

Commands:
  db init          create warehouse and metadata tables
  users create     add an API user (-username, -password, -role)
  scheduler        run DAGs on their schedules
  webserver        serve the HTTP API
  standalone       scheduler, HTTP API, backups and retention in one process
  run              execute one DAG now (-dag name), exit 1 on failure
  version          print version information
`

func main() {
	var configPath string

	flag.StringVar(&configPath, "config", "", "config file (default ./"+defaultConfigFile+" when present)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		printVersion(os.Stdout)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := dispatch(cfg, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "gdpetl - Kenyan GDP ETL pipeline\n")
	fmt.Fprintf(w, "  Version:    %s\n", version)
	fmt.Fprintf(w, "  Commit:     %s\n", commit)
	fmt.Fprintf(w, "  Built:      %s\n", buildTime)
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
}

func dispatch(cfg appConfig, args []string) error {
	switch args[0] {
	case "db":
		if len(args) < 2 || args[1] != "init" {
			return errors.New("usage: gdpetl db init")
		}
		return runDBInit(cfg)
	case "users":
		if len(args) < 2 || args[1] != "create" {
			return errors.New("usage: gdpetl users create -username name -password secret [-role admin|viewer]")
		}
		return runUsersCreate(cfg, args[2:])
	case "scheduler":
		return runServer(cfg, modeScheduler)
	case "webserver":
		return runServer(cfg, modeWebserver)
	case "standalone":
		return runServer(cfg, modeStandalone)
	case "run":
		return runOnce(cfg, args[1:])
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usageText)
	}
}

func runDBInit(cfg appConfig) error {
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	current, pending, err := a.warehouse.MigrationStatus()
	if err != nil {
		return err
	}
	fmt.Printf("warehouse %s: schema version %d (%d pending)\n", cfg.WarehousePath, current, pending)
	fmt.Printf("metadata database (%s) ready\n", a.meta.Dialect())

	if cfg.AdminPassword != "" {
		created, err := a.meta.EnsureUser(ctx, cfg.AdminUsername, cfg.AdminPassword, model.RoleAdmin)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("created admin user %q\n", cfg.AdminUsername)
		}
	}
	return nil
}

func runUsersCreate(cfg appConfig, args []string) error {
	fs := flag.NewFlagSet("users create", flag.ContinueOnError)
	username := fs.String("username", cfg.AdminUsername, "user name")
	password := fs.String("password", cfg.AdminPassword, "password (at least 8 characters)")
	role := fs.String("role", string(model.RoleAdmin), "role: admin or viewer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.meta.CreateUser(ctx, *username, *password, model.Role(*role)); err != nil {
		if errors.Is(err, metadb.ErrUserExists) {
			return fmt.Errorf("user %q already exists", *username)
		}
		return err
	}
	fmt.Printf("created %s user %q\n", *role, *username)
	return nil
}

// runOnce executes one DAG with retries, outside any schedule.
func runOnce(cfg appConfig, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	name := fs.String("dag", model.DefaultDAGName, "DAG to run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cleanupLogger := configureRuntimeLogger(cfg.LogFile, true)
	defer cleanupLogger()

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	defs, err := a.loadDAGs()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	def, err := dag.NewSet(defs).Get(*name)
	if err != nil && *name == model.DefaultDAGName {
		// No DAG file yet: run the built-in definition with configured defaults.
		def, err = dag.Parse([]byte("name: "+model.DefaultDAGName+"\n"), cfg.dagDefaults())
	}
	if err != nil {
		return err
	}

	sched, err := scheduler.New(a.runner, a.alerter, scheduler.Config{Executor: cfg.Executor})
	if err != nil {
		return err
	}
	defer sched.Stop()
	run, err := sched.Execute(ctx, def, model.TriggerCLI)
	if err != nil {
		return err
	}
	fmt.Printf("run %s of %s succeeded: %d rows loaded into %s (fallback=%v)\n",
		run.ID, def.Name, run.RowsLoaded, def.Target.Table, run.UsedFallback)
	return nil
}
