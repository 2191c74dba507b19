// Package validate runs post-load data quality checks against the warehouse.
package validate

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kenyadata/gdpetl/internal/duckdb"
)

// Warehouse is the query surface the validator needs.
type Warehouse interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Window is the slice of the table written by the current run.
type Window struct {
	Years []int
	// Counties is the expected number of distinct counties per year. Zero
	// means use the distinct count found in the window.
	Counties int
	RunID    string
}

// Check is the outcome of one validation rule.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Summary is the table-level overview stored in <table>_validation.
type Summary struct {
	TotalRows      int64   `json:"total_rows"`
	UniqueCounties int64   `json:"unique_counties"`
	EarliestYear   int     `json:"earliest_year"`
	LatestYear     int     `json:"latest_year"`
	AvgGDP         float64 `json:"avg_gdp"`
}

// Report collects the summary and every check.
type Report struct {
	Table   string  `json:"table"`
	Summary Summary `json:"summary"`
	Checks  []Check `json:"checks"`
}

// Error lists the failed checks of a validation.
type Error struct {
	Table  string
	Failed []Check
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Failed))
	for i, c := range e.Failed {
		parts[i] = c.Name + " (" + c.Detail + ")"
	}
	return fmt.Sprintf("validation of %s failed: %s", e.Table, strings.Join(parts, "; "))
}

// Validator checks loaded data.
type Validator struct {
	wh      Warehouse
	timeout time.Duration
}

// New creates a validator over wh.
func New(wh Warehouse) *Validator {
	return &Validator{wh: wh, timeout: time.Minute}
}

// Validate materializes the summary table, runs every check and records the
// outcomes in validation_results. A failed check yields *Error alongside the report.
func (v *Validator) Validate(ctx context.Context, table string, w Window) (*Report, error) {
	tn, err := duckdb.ParseTableName(table)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	rep := &Report{Table: tn.String()}
	if rep.Summary, err = v.summarize(ctx, tn); err != nil {
		return nil, err
	}

	checks := []func(context.Context, duckdb.TableName, Window) (Check, error){
		v.checkWindowRows,
		v.checkNoNulls,
		v.checkNoDuplicates,
		v.checkGrowthPrecision,
	}
	for _, fn := range checks {
		c, err := fn(ctx, tn, w)
		if err != nil {
			return nil, err
		}
		rep.Checks = append(rep.Checks, c)
	}

	v.record(ctx, tn, w.RunID, rep.Checks)

	var failed []Check
	for _, c := range rep.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	log.Printf("validate: %s rows=%d counties=%d years=%d-%d avg_gdp=%.2f failed=%d",
		tn, rep.Summary.TotalRows, rep.Summary.UniqueCounties, rep.Summary.EarliestYear,
		rep.Summary.LatestYear, rep.Summary.AvgGDP, len(failed))
	if len(failed) > 0 {
		return rep, &Error{Table: tn.String(), Failed: failed}
	}
	return rep, nil
}

func (v *Validator) summarize(ctx context.Context, tn duckdb.TableName) (Summary, error) {
	summary := tn.WithSuffix("_validation")
	ddl := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS
		SELECT
			COUNT(*) AS total_rows,
			COUNT(DISTINCT "County") AS unique_counties,
			MIN("Year") AS earliest_year,
			MAX("Year") AS latest_year,
			ROUND(AVG("Avg_GDP_Value"), 2) AS avg_gdp,
			current_timestamp AS validated_at
		FROM %s`, summary.Qualified(), tn.Qualified())
	if _, err := v.wh.ExecContext(ctx, ddl); err != nil {
		return Summary{}, fmt.Errorf("build %s: %w", summary, err)
	}

	var (
		s          Summary
		minY, maxY sql.NullInt64
		avg        sql.NullFloat64
	)
	err := v.wh.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT total_rows, unique_counties, earliest_year, latest_year, avg_gdp FROM %s`, summary.Qualified()),
	).Scan(&s.TotalRows, &s.UniqueCounties, &minY, &maxY, &avg)
	if err != nil {
		return Summary{}, fmt.Errorf("read %s: %w", summary, err)
	}
	s.EarliestYear, s.LatestYear, s.AvgGDP = int(minY.Int64), int(maxY.Int64), avg.Float64
	return s, nil
}

func (v *Validator) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := v.wh.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("validation query: %w", err)
	}
	return n, nil
}

func yearFilter(years []int) (string, []any) {
	if len(years) == 0 {
		return "", nil
	}
	args := make([]any, len(years))
	for i, y := range years {
		args[i] = y
	}
	return ` WHERE "Year" IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(years)), ", ") + `)`, args
}

func (v *Validator) checkWindowRows(ctx context.Context, tn duckdb.TableName, w Window) (Check, error) {
	where, args := yearFilter(w.Years)
	var rows, counties, years int64
	err := v.wh.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*), COUNT(DISTINCT "County"), COUNT(DISTINCT "Year") FROM %s%s`, tn.Qualified(), where),
		args...,
	).Scan(&rows, &counties, &years)
	if err != nil {
		return Check{}, fmt.Errorf("validation query: %w", err)
	}
	if w.Counties > 0 {
		counties = int64(w.Counties)
	}
	if len(w.Years) > 0 {
		years = int64(len(w.Years))
	}
	want := counties * years
	c := Check{Name: "window_row_count", Passed: rows == want && rows > 0}
	c.Detail = fmt.Sprintf("%d rows, want %d counties x %d years = %d", rows, counties, years, want)
	return c, nil
}

func (v *Validator) checkNoNulls(ctx context.Context, tn duckdb.TableName, _ Window) (Check, error) {
	n, err := v.count(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE
		"County" IS NULL OR "Year" IS NULL OR "Avg_GDP_Value" IS NULL OR
		"Avg_Population" IS NULL OR "Avg_Unemployment_Rate" IS NULL OR "GDP_Growth_Rate" IS NULL`, tn.Qualified()))
	if err != nil {
		return Check{}, err
	}
	return Check{Name: "no_nulls", Passed: n == 0, Detail: fmt.Sprintf("%d rows with NULLs", n)}, nil
}

func (v *Validator) checkNoDuplicates(ctx context.Context, tn duckdb.TableName, _ Window) (Check, error) {
	n, err := v.count(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM (
		SELECT "County", "Year" FROM %s GROUP BY "County", "Year" HAVING COUNT(*) > 1
	) d`, tn.Qualified()))
	if err != nil {
		return Check{}, err
	}
	return Check{Name: "unique_county_year", Passed: n == 0, Detail: fmt.Sprintf("%d duplicated (County, Year) keys", n)}, nil
}

func (v *Validator) checkGrowthPrecision(ctx context.Context, tn duckdb.TableName, _ Window) (Check, error) {
	n, err := v.count(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s
		WHERE ABS("GDP_Growth_Rate" * 100 - ROUND("GDP_Growth_Rate" * 100)) > 1e-6`, tn.Qualified()))
	if err != nil {
		return Check{}, err
	}
	return Check{Name: "growth_two_decimals", Passed: n == 0, Detail: fmt.Sprintf("%d growth rates with more than 2 decimals", n)}, nil
}

// record stores check outcomes; failures to record are logged, not fatal.
func (v *Validator) record(ctx context.Context, tn duckdb.TableName, runID string, checks []Check) {
	for _, c := range checks {
		if _, err := v.wh.ExecContext(ctx,
			`INSERT INTO validation_results (run_id, table_name, check_name, passed, detail) VALUES (?, ?, ?, ?, ?)`,
			runID, tn.String(), c.Name, c.Passed, c.Detail,
		); err != nil {
			log.Printf("validate: record %s: %v", c.Name, err)
			return
		}
	}
}
