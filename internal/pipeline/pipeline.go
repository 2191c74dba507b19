// Package pipeline executes one run of a DAG: extract, transform, load and
// validate, in order, recording the run in the metadata store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenyadata/gdpetl/internal/dag"
	"github.com/kenyadata/gdpetl/internal/load"
	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/source"
	"github.com/kenyadata/gdpetl/internal/transform"
	"github.com/kenyadata/gdpetl/internal/validate"
)

// ErrRunInProgress is returned when the DAG already has a run executing.
var ErrRunInProgress = errors.New("pipeline: run already in progress")

// Stage names used in logs and error messages.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
	StageValidate  = "validate"
)

// Config holds the runner's directories and options.
type Config struct {
	TransformedDir string
	// Cleanup removes a run's intermediate files once it finishes,
	// whatever the outcome.
	Cleanup     bool
	MinCounties int
}

// Runner executes DAG runs.
type Runner struct {
	extractor *source.Extractor
	loader    *load.Loader
	validator *validate.Validator
	runs      model.RunStore
	cfg       Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner wires the stage implementations together.
func NewRunner(extractor *source.Extractor, loader *load.Loader, validator *validate.Validator, runs model.RunStore, cfg Config) *Runner {
	return &Runner{
		extractor: extractor,
		loader:    loader,
		validator: validator,
		runs:      runs,
		cfg:       cfg,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Runner) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// Running reports whether a run of the named DAG is executing.
func (r *Runner) Running(name string) bool {
	l := r.lockFor(name)
	if l.TryLock() {
		l.Unlock()
		return false
	}
	return true
}

// Run executes one attempt of def. It returns the recorded run, also on
// failure, and a non-nil error naming the failed stage.
func (r *Runner) Run(ctx context.Context, def *dag.Definition, trigger model.Trigger, attempt int) (*model.Run, error) {
	l := r.lockFor(def.Name)
	if !l.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, def.Name)
	}
	defer l.Unlock()

	run := &model.Run{
		ID:        uuid.NewString(),
		DAG:       def.Name,
		Trigger:   trigger,
		Attempt:   attempt,
		Status:    model.RunRunning,
		StartedAt: time.Now(),
	}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}
	log.Printf("pipeline: run %s of %s started (trigger=%s attempt=%d)", run.ID, def.Name, trigger, attempt)

	runErr := r.execute(ctx, def, run)
	if r.cfg.Cleanup {
		r.cleanup(run)
	}

	run.EndedAt = time.Now()
	if runErr != nil {
		run.Status = model.RunFailed
		run.Error = runErr.Error()
	} else {
		run.Status = model.RunSuccess
	}
	// Record the outcome even when ctx was canceled mid-run.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.runs.FinishRun(finishCtx, run); err != nil {
		log.Printf("pipeline: record run %s end: %v", run.ID, err)
	}

	if runErr != nil {
		log.Printf("pipeline: run %s of %s failed after %s: %v", run.ID, def.Name, run.Duration().Round(time.Millisecond), runErr)
		return run, runErr
	}
	log.Printf("pipeline: run %s of %s succeeded in %s: %d raw records, %d rows loaded, fallback=%v "+
		"(extract=%dms transform=%dms load=%dms validate=%dms)",
		run.ID, def.Name, run.Duration().Round(time.Millisecond), run.RowsExtracted, run.RowsLoaded, run.UsedFallback,
		run.ExtractMillis, run.TransformMillis, run.LoadMillis, run.ValidateMillis)
	return run, nil
}

// stage times fn into *millis and prefixes its error with the stage name.
func stage(name string, millis *int64, fn func() error) error {
	start := time.Now()
	err := fn()
	*millis = time.Since(start).Milliseconds()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Printf("pipeline: %s done in %dms", name, *millis)
	return nil
}

func (r *Runner) execute(ctx context.Context, def *dag.Definition, run *model.Run) error {
	var (
		extraction *source.Extraction
		report     transform.Report
		loaded     *load.Result
	)

	err := stage(StageExtract, &run.ExtractMillis, func() error {
		var err error
		extraction, err = r.extractor.Extract(ctx, def.Source.URL, run.ID)
		if err != nil {
			return err
		}
		run.RawPath = extraction.Path
		run.UsedFallback = extraction.UsedFallback
		if extraction.UsedFallback {
			log.Printf("pipeline: using fallback dataset: %v", extraction.FallbackReason)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = stage(StageTransform, &run.TransformMillis, func() error {
		f, err := os.Open(run.RawPath)
		if err != nil {
			return err
		}
		defer f.Close()

		records, err := source.ParseCSV(f)
		if err != nil {
			return err
		}
		run.RowsExtracted = len(records)

		res, err := transform.Transform(records, transform.Options{MinCounties: r.cfg.MinCounties})
		if err != nil {
			return err
		}
		report = res.Report
		for _, w := range report.Warnings {
			log.Printf("pipeline: transform warning: %s", w)
		}

		out := filepath.Join(r.cfg.TransformedDir, run.ID, transform.TransformedFileName)
		if err := transform.WriteCSV(out, res.Rows); err != nil {
			return err
		}
		run.TransformedPath = out
		return nil
	})
	if err != nil {
		return err
	}

	err = stage(StageLoad, &run.LoadMillis, func() error {
		var err error
		loaded, err = r.loader.Load(ctx, run.TransformedPath, load.Target{Table: def.Target.Table, Mode: def.Target.LoadMode}, run.ID)
		if loaded != nil {
			run.RowsLoaded = int(loaded.RowsLoaded)
		}
		return err
	})
	if err != nil {
		return err
	}

	return stage(StageValidate, &run.ValidateMillis, func() error {
		_, err := r.validator.Validate(ctx, def.Target.Table, validate.Window{
			Years:    loaded.Partitions,
			Counties: report.Counties,
			RunID:    run.ID,
		})
		return err
	})
}

// cleanup removes the run's raw and transformed directories.
func (r *Runner) cleanup(run *model.Run) {
	for _, p := range []string{run.RawPath, run.TransformedPath} {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("pipeline: cleanup %s: %v", dir, err)
		}
	}
}
