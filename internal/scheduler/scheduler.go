// Package scheduler runs DAGs on their cron schedules, retries failed runs
// and alerts when a DAG exhausts its attempts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/kenyadata/gdpetl/internal/alert"
	"github.com/kenyadata/gdpetl/internal/dag"
	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/pipeline"
	"github.com/kenyadata/gdpetl/internal/retry"
)

// Executor modes.
const (
	// ExecutorSequential runs one DAG at a time across the process.
	ExecutorSequential = "sequential"
	// ExecutorLocal lets different DAGs run concurrently.
	ExecutorLocal = "local"
)

// MaxRetryDelay caps the wait between attempts.
const MaxRetryDelay = time.Hour

// Runner executes a single attempt of a DAG.
type Runner interface {
	Run(ctx context.Context, def *dag.Definition, trigger model.Trigger, attempt int) (*model.Run, error)
	Running(name string) bool
}

// Config selects the executor mode.
type Config struct {
	Executor string
}

// Scheduler owns the cron jobs for a set of DAGs.
type Scheduler struct {
	runner  Runner
	alerter alert.Alerter
	cfg     Config
	cron    *gocron.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seq    sync.Mutex

	mu      sync.RWMutex
	dags    *dag.Set
	started bool
}

// New creates a scheduler. A nil alerter logs alerts.
func New(runner Runner, alerter alert.Alerter, cfg Config) (*Scheduler, error) {
	switch cfg.Executor {
	case "":
		cfg.Executor = ExecutorSequential
	case ExecutorSequential, ExecutorLocal:
	default:
		return nil, fmt.Errorf("unknown executor %q (want %s or %s)", cfg.Executor, ExecutorSequential, ExecutorLocal)
	}
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:  runner,
		alerter: alerter,
		cfg:     cfg,
		cron:    gocron.NewScheduler(time.UTC),
		ctx:     ctx,
		cancel:  cancel,
		dags:    dag.NewSet(nil),
	}, nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.StartAsync()
	log.Printf("scheduler: started (%s executor, %d dags)", s.cfg.Executor, s.dags.Len())
}

// Stop stops the cron loop, cancels in-flight runs and waits for them.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
	log.Printf("scheduler: stopped")
}

// Sync replaces every job with one per unpaused definition in defs.
func (s *Scheduler) Sync(defs []*dag.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cron.Clear()
	var errs []error
	for _, d := range defs {
		if d.Paused {
			log.Printf("scheduler: dag %s is paused", d.Name)
			continue
		}
		def := d
		_, err := s.cron.Cron(fmt.Sprintf("CRON_TZ=%s %s", def.Timezone, def.Schedule)).
			Tag(def.Name).
			SingletonMode().
			Do(func() { s.scheduled(def) })
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule dag %s: %w", def.Name, err))
			continue
		}
	}
	s.dags = dag.NewSet(defs)
	log.Printf("scheduler: synced %d dags (%d scheduled)", len(defs), len(s.cron.Jobs()))
	return errors.Join(errs...)
}

// DAGs returns the current definitions.
func (s *Scheduler) DAGs() *dag.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dags
}

// NextRun returns when the named DAG fires next, zero if it is not scheduled.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs, err := s.cron.FindJobsByTag(name)
	if err != nil || len(jobs) == 0 {
		return time.Time{}
	}
	return jobs[0].NextRun()
}

// Running reports whether a run of the named DAG is executing.
func (s *Scheduler) Running(name string) bool {
	return s.runner.Running(name)
}

func (s *Scheduler) scheduled(def *dag.Definition) {
	s.wg.Add(1)
	defer s.wg.Done()
	if _, err := s.Execute(s.ctx, def, model.TriggerScheduled); err != nil {
		log.Printf("scheduler: scheduled run of %s: %v", def.Name, err)
	}
}

// Trigger starts a manual run of the named DAG in the background. It fails
// fast when the DAG is unknown or already running.
func (s *Scheduler) Trigger(name string) error {
	def, err := s.DAGs().Get(name)
	if err != nil {
		return err
	}
	if s.runner.Running(name) {
		return fmt.Errorf("%w: %s", pipeline.ErrRunInProgress, name)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Execute(s.ctx, def, model.TriggerManual); err != nil {
			log.Printf("scheduler: manual run of %s: %v", name, err)
		}
	}()
	log.Printf("scheduler: triggered dag %s", name)
	return nil
}

// Execute runs def until an attempt succeeds or max_attempts is reached,
// waiting retry_delay (doubling, capped at an hour) between attempts. After
// the last failure an alert is sent and a *retry.ExhaustedError returned.
func (s *Scheduler) Execute(ctx context.Context, def *dag.Definition, trigger model.Trigger) (*model.Run, error) {
	if s.cfg.Executor == ExecutorSequential {
		s.seq.Lock()
		defer s.seq.Unlock()
	}

	attempts := def.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if attempts > dag.MaxAttemptsCap {
		attempts = dag.MaxAttemptsCap
	}
	policy := retry.Policy{MaxAttempts: attempts, InitialDelay: def.RetryDelay, MaxDelay: MaxRetryDelay}

	var (
		run  *model.Run
		last error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		var err error
		run, err = s.runner.Run(ctx, def, trigger, attempt)
		if err == nil {
			return run, nil
		}
		if errors.Is(err, pipeline.ErrRunInProgress) {
			return nil, err
		}
		last = err
		if attempt == attempts {
			break
		}

		delay := retry.Delay(policy, attempt)
		log.Printf("scheduler: %s attempt %d/%d failed, retrying in %s: %v", def.Name, attempt, attempts, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return run, fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
		case <-timer.C:
		}
	}

	a := alert.Alert{DAG: def.Name, Attempts: attempts, Error: last.Error(), At: time.Now()}
	if run != nil {
		a.RunID = run.ID
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := s.alerter.Send(alertCtx, a); err != nil {
		log.Printf("scheduler: send alert for %s: %v", def.Name, err)
	}
	return run, &retry.ExhaustedError{Attempts: attempts, Last: last}
}
