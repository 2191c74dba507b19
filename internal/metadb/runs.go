package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kenyadata/gdpetl/internal/model"
)

const runColumns = `id, dag, trigger_kind, attempt, status, started_at, ended_at, used_fallback,
	raw_path, transformed_path, rows_extracted, rows_loaded,
	extract_ms, transform_ms, load_ms, validate_ms, error_message`

// CreateRun inserts a run row. StartedAt defaults to now.
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" || run.DAG == "" {
		return errors.New("metadb: run id and dag are required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = model.RunRunning
	}
	_, err := s.exec(ctx, `INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DAG, string(run.Trigger), run.Attempt, string(run.Status),
		dbTime(run.StartedAt), nullTime(run.EndedAt), run.UsedFallback,
		run.RawPath, run.TransformedPath, run.RowsExtracted, run.RowsLoaded,
		run.ExtractMillis, run.TransformMillis, run.LoadMillis, run.ValidateMillis, run.Error,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun writes the final state of a run. EndedAt defaults to now.
func (s *Store) FinishRun(ctx context.Context, run *model.Run) error {
	if run.EndedAt.IsZero() {
		run.EndedAt = time.Now()
	}
	res, err := s.exec(ctx, `UPDATE pipeline_runs SET
		status = ?, ended_at = ?, used_fallback = ?, raw_path = ?, transformed_path = ?,
		rows_extracted = ?, rows_loaded = ?, extract_ms = ?, transform_ms = ?,
		load_ms = ?, validate_ms = ?, error_message = ?
		WHERE id = ?`,
		string(run.Status), dbTime(run.EndedAt), run.UsedFallback, run.RawPath, run.TransformedPath,
		run.RowsExtracted, run.RowsLoaded, run.ExtractMillis, run.TransformMillis,
		run.LoadMillis, run.ValidateMillis, run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrRunNotFound)
	}
	return nil
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. An empty dag lists all DAGs.
func (s *Store) ListRuns(ctx context.Context, dag string, limit int) ([]model.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	var args []any
	if dag != "" {
		query += ` WHERE dag = ?`
		args = append(args, dag)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// LastRun returns the newest run of dag, or nil when the DAG never ran.
func (s *Store) LastRun(ctx context.Context, dag string) (*model.Run, error) {
	runs, err := s.ListRuns(ctx, dag, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// DeleteRunsBefore removes finished runs that started before cutoff.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM pipeline_runs WHERE started_at < ? AND status <> ?`,
		dbTime(cutoff), string(model.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("delete runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}

// FailStaleRuns marks runs left in the running state by a previous process as failed.
func (s *Store) FailStaleRuns(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `UPDATE pipeline_runs SET status = ?, ended_at = ?, error_message = ?
		WHERE status = ?`,
		string(model.RunFailed), dbTime(time.Now()), "interrupted: process restarted", string(model.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	var (
		run             model.Run
		trigger, status string
		ended           sql.NullTime
	)
	err := sc.Scan(&run.ID, &run.DAG, &trigger, &run.Attempt, &status, &run.StartedAt, &ended,
		&run.UsedFallback, &run.RawPath, &run.TransformedPath, &run.RowsExtracted, &run.RowsLoaded,
		&run.ExtractMillis, &run.TransformMillis, &run.LoadMillis, &run.ValidateMillis, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Trigger = model.Trigger(trigger)
	run.Status = model.RunStatus(status)
	if ended.Valid {
		run.EndedAt = ended.Time
	}
	return &run, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(t), Valid: true}
}
