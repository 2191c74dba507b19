// Package load writes transformed rows into the warehouse and exports them
// as year-partitioned Parquet files.
package load

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/kenyadata/gdpetl/internal/duckdb"
	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/objectstore"
	"github.com/kenyadata/gdpetl/internal/retry"
	"github.com/kenyadata/gdpetl/internal/transform"
)

// Target names the warehouse table and how rows are written to it.
type Target struct {
	Table string // "dataset.table" or "table"
	Mode  model.LoadMode
}

// Config tunes the loader.
type Config struct {
	Retry retry.Policy
	// ExportDir enables Parquet export when non-empty.
	ExportDir string
	// Archive receives exported files when set.
	Archive objectstore.Store
}

// Result summarizes one load.
type Result struct {
	Table      string
	RowsLoaded int64
	Partitions []int
	Attempts   int
	Exported   []string
	Archived   []string
}

// Loader writes a transformed file into the warehouse.
type Loader struct {
	warehouse model.RowWriter
	cfg       Config
}

// New creates a loader over warehouse.
func New(warehouse model.RowWriter, cfg Config) *Loader {
	return &Loader{warehouse: warehouse, cfg: cfg}
}

// Load reads the transformed CSV at path, asserts the table schema and loads
// the rows. Transient warehouse errors are retried per the retry policy; a
// schema mismatch is not.
func (l *Loader) Load(ctx context.Context, path string, target Target, runID string) (*Result, error) {
	rows, err := transform.ReadCSV(path)
	if err != nil {
		return nil, fmt.Errorf("read transformed file: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read transformed file: %w", transform.ErrNoRows)
	}
	if target.Mode == "" {
		target.Mode = model.LoadReplacePartitions
	}

	res := &Result{Table: target.Table, Partitions: years(rows)}
	err = retry.Do(ctx, l.cfg.Retry, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		if err := l.warehouse.EnsureTable(ctx, target.Table); err != nil {
			return classify(err)
		}
		n, err := l.warehouse.LoadRows(ctx, target.Table, rows, model.LoadOptions{Mode: target.Mode, RunID: runID})
		if err != nil {
			log.Printf("load: attempt %d into %s failed: %v", attempt, target.Table, err)
			return classify(err)
		}
		res.RowsLoaded = n
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("load into %s: %w", target.Table, err)
	}
	log.Printf("load: %d rows into %s (%s, years %v, attempts %d)",
		res.RowsLoaded, target.Table, target.Mode, res.Partitions, res.Attempts)

	if l.cfg.ExportDir != "" {
		if err := l.export(ctx, rows, target, runID, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// classify marks errors that a retry cannot fix.
func classify(err error) error {
	switch {
	case errors.Is(err, duckdb.ErrSchemaMismatch),
		errors.Is(err, duckdb.ErrInvalidTableName),
		errors.Is(err, duckdb.ErrUnknownLoadMode),
		errors.Is(err, context.Canceled):
		return retry.Permanent(err)
	}
	return err
}

func years(rows []model.Row) []int {
	seen := make(map[int]bool)
	var out []int
	for _, r := range rows {
		if !seen[r.Year] {
			seen[r.Year] = true
			out = append(out, r.Year)
		}
	}
	sort.Ints(out)
	return out
}
