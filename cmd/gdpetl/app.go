package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kenyadata/gdpetl/internal/alert"
	"github.com/kenyadata/gdpetl/internal/dag"
	"github.com/kenyadata/gdpetl/internal/duckdb"
	"github.com/kenyadata/gdpetl/internal/load"
	"github.com/kenyadata/gdpetl/internal/metadb"
	"github.com/kenyadata/gdpetl/internal/objectstore"
	"github.com/kenyadata/gdpetl/internal/pipeline"
	"github.com/kenyadata/gdpetl/internal/retry"
	"github.com/kenyadata/gdpetl/internal/source"
	"github.com/kenyadata/gdpetl/internal/validate"
)

// app holds the stores and the pipeline shared by every command.
type app struct {
	cfg       appConfig
	warehouse *duckdb.Store
	meta      *metadb.Store
	archive   objectstore.Store
	runner    *pipeline.Runner
	alerter   alert.Alerter
}

func openApp(ctx context.Context, cfg appConfig) (*app, error) {
	warehouse, err := duckdb.NewStore(cfg.WarehousePath, cfg.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	a := &app{cfg: cfg, warehouse: warehouse}

	a.meta, err = metadb.Open(cfg.MetadataDBURL, warehouse.DB())
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.meta.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if oc := cfg.objectStore(); oc.Enabled() {
		a.archive, err = objectstore.New(oc)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.archive.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("prepare object store: %w", err)
		}
	}

	a.alerter = alert.LogAlerter{}
	if cfg.AlertWebhookURL != "" {
		a.alerter = alert.Multi{alert.LogAlerter{}, alert.NewWebhook(cfg.AlertWebhookURL)}
	}

	client := source.NewClient(source.ClientConfig{
		APIKey:     cfg.SourceAPIKey,
		Timeout:    cfg.SourceTimeout,
		MaxRetries: cfg.SourceMaxRetries,
		RateLimit:  cfg.SourceRateLimit,
		UserAgent:  "gdpetl/" + version,
	})
	loadCfg := load.Config{
		Retry: retry.Policy{MaxAttempts: cfg.LoadRetries, InitialDelay: time.Second, MaxDelay: 30 * time.Second},
	}
	if cfg.ExportEnabled {
		loadCfg.ExportDir = cfg.ExportDir
		loadCfg.Archive = a.archive
	}
	a.runner = pipeline.NewRunner(
		source.NewExtractor(client, cfg.RawDir),
		load.New(warehouse, loadCfg),
		validate.New(warehouse),
		a.meta,
		pipeline.Config{
			TransformedDir: cfg.TransformedDir,
			Cleanup:        cfg.Cleanup,
			MinCounties:    cfg.MinCounties,
		},
	)
	return a, nil
}

// Close releases the metadata and warehouse connections.
func (a *app) Close() {
	if a.meta != nil {
		if err := a.meta.Close(); err != nil {
			log.Printf("metadb: close: %v", err)
		}
	}
	if a.warehouse != nil {
		if err := a.warehouse.Close(); err != nil {
			log.Printf("duckdb: close: %v", err)
		}
	}
}

// loadDAGs installs the example DAG when configured and reads the DAGs
// directory. Invalid files are logged and skipped.
func (a *app) loadDAGs() ([]*dag.Definition, error) {
	if a.cfg.LoadExamples {
		written, err := dag.WriteExample(a.cfg.DAGsDir)
		if err != nil {
			return nil, err
		}
		if written {
			log.Printf("dag: installed example %s into %s", dag.ExampleFileName, a.cfg.DAGsDir)
		}
	}
	defs, err := dag.LoadDir(a.cfg.DAGsDir, a.cfg.dagDefaults())
	if err != nil {
		if len(defs) == 0 && !isPartial(err) {
			return nil, err
		}
		log.Printf("dag: %v", err)
	}
	return defs, nil
}

// isPartial reports whether LoadDir failed on individual files rather than
// on the directory itself.
func isPartial(err error) bool {
	var joined interface{ Unwrap() []error }
	return errors.As(err, &joined)
}
