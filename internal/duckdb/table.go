package duckdb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kenyadata/gdpetl/internal/model"
)

// ErrSchemaMismatch indicates an existing warehouse table whose columns do not
// match the transformed row layout.
var ErrSchemaMismatch = errors.New("duckdb: table schema mismatch")

// ErrUnknownLoadMode is returned for a load mode other than replace-partitions or append.
var ErrUnknownLoadMode = errors.New("duckdb: unknown load mode")

// ErrInvalidTableName indicates a table or dataset name that is not a plain identifier.
var ErrInvalidTableName = errors.New("duckdb: invalid table name")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// columnTypes lists the warehouse column DDL in model.RowColumns order.
var columnTypes = []string{
	"VARCHAR NOT NULL",
	"INTEGER NOT NULL",
	"DOUBLE NOT NULL",
	"DOUBLE NOT NULL",
	"DOUBLE NOT NULL",
	"DOUBLE NOT NULL",
}

// TableName is a warehouse table optionally qualified by its dataset (a DuckDB schema).
type TableName struct {
	Dataset string
	Table   string
}

// ParseTableName splits "dataset.table" or "table" and validates both parts.
func ParseTableName(name string) (TableName, error) {
	var tn TableName
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		tn.Table = parts[0]
	case 2:
		tn.Dataset, tn.Table = parts[0], parts[1]
	default:
		return tn, fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	if !identPattern.MatchString(tn.Table) {
		return tn, fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	if tn.Dataset != "" && !identPattern.MatchString(tn.Dataset) {
		return tn, fmt.Errorf("%w: dataset %q", ErrInvalidTableName, tn.Dataset)
	}
	return tn, nil
}

// Qualified returns the quoted SQL identifier for the table.
func (tn TableName) Qualified() string {
	if tn.Dataset == "" {
		return quoteIdent(tn.Table)
	}
	return quoteIdent(tn.Dataset) + "." + quoteIdent(tn.Table)
}

// String returns the unquoted dotted name.
func (tn TableName) String() string {
	if tn.Dataset == "" {
		return tn.Table
	}
	return tn.Dataset + "." + tn.Table
}

// WithSuffix returns a sibling table in the same dataset.
func (tn TableName) WithSuffix(suffix string) TableName {
	return TableName{Dataset: tn.Dataset, Table: tn.Table + suffix}
}

func (tn TableName) schemaName() string {
	if tn.Dataset == "" {
		return "main"
	}
	return tn.Dataset
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// EnsureTable creates the dataset schema and table when missing. An existing
// table must carry exactly the row columns, otherwise ErrSchemaMismatch is returned.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	tn, err := ParseTableName(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cols, err := s.tableColumns(ctx, tn)
	if err != nil {
		return err
	}
	if len(cols) > 0 {
		return assertColumns(tn, cols)
	}

	if tn.Dataset != "" {
		if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(tn.Dataset)); err != nil {
			return fmt.Errorf("create dataset %s: %w", tn.Dataset, err)
		}
	}

	defs := make([]string, len(model.RowColumns))
	for i, col := range model.RowColumns {
		defs[i] = quoteIdent(col) + " " + columnTypes[i]
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", tn.Qualified(), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", tn, err)
	}
	return nil
}

// TableColumns returns the column names of table in ordinal order, or nil
// when the table does not exist.
func (s *Store) TableColumns(ctx context.Context, table string) ([]string, error) {
	tn, err := ParseTableName(table)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.tableColumns(ctx, tn)
}

func (s *Store) tableColumns(ctx context.Context, tn TableName) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, tn.schemaName(), tn.Table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", tn, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("describe %s: %w", tn, err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func assertColumns(tn TableName, cols []string) error {
	if len(cols) != len(model.RowColumns) {
		return fmt.Errorf("%w: %s has columns %v, want %v", ErrSchemaMismatch, tn, cols, model.RowColumns)
	}
	for i, c := range cols {
		if !strings.EqualFold(c, model.RowColumns[i]) {
			return fmt.Errorf("%w: %s has columns %v, want %v", ErrSchemaMismatch, tn, cols, model.RowColumns)
		}
	}
	return nil
}

// LoadRows writes rows into table in a single transaction and records the
// batch in load_batches. In replace-partitions mode the years present in rows
// are deleted first, so reloading a window is idempotent.
func (s *Store) LoadRows(ctx context.Context, table string, rows []model.Row, opts model.LoadOptions) (int64, error) {
	tn, err := ParseTableName(table)
	if err != nil {
		return 0, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = model.LoadReplacePartitions
	}
	if mode != model.LoadReplacePartitions && mode != model.LoadAppend {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLoadMode, mode)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin load tx: %w", err)
	}
	defer tx.Rollback()

	years := partitionYears(rows)
	if mode == model.LoadReplacePartitions {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(years)), ", ")
		args := make([]any, len(years))
		for i, y := range years {
			args[i] = y
		}
		del := fmt.Sprintf(`DELETE FROM %s WHERE "Year" IN (%s)`, tn.Qualified(), placeholders)
		if _, err := tx.ExecContext(ctx, del, args...); err != nil {
			return 0, fmt.Errorf("clear partitions of %s: %w", tn, err)
		}
	}

	cols := make([]string, len(model.RowColumns))
	for i, c := range model.RowColumns {
		cols[i] = quoteIdent(c)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?)", tn.Qualified(), strings.Join(cols, ", ")))
	if err != nil {
		return 0, fmt.Errorf("prepare insert into %s: %w", tn, err)
	}
	defer stmt.Close()

	var loaded int64
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.County, r.Year, r.AvgGDPValue, r.AvgPopulation, r.AvgUnemploymentRate, r.GDPGrowthRate,
		); err != nil {
			return 0, fmt.Errorf("insert %s/%d into %s: %w", r.County, r.Year, tn, err)
		}
		loaded++
	}

	yearList := make([]string, len(years))
	for i, y := range years {
		yearList[i] = strconv.Itoa(y)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO load_batches (run_id, table_name, load_mode, years, row_count) VALUES (?, ?, ?, ?, ?)",
		opts.RunID, tn.String(), string(mode), strings.Join(yearList, ","), loaded,
	); err != nil {
		return 0, fmt.Errorf("record load batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit load into %s: %w", tn, err)
	}
	return loaded, nil
}

func partitionYears(rows []model.Row) []int {
	seen := make(map[int]bool)
	var years []int
	for _, r := range rows {
		if !seen[r.Year] {
			seen[r.Year] = true
			years = append(years, r.Year)
		}
	}
	sort.Ints(years)
	return years
}

// PartitionCount is the number of rows stored for one Year partition.
type PartitionCount struct {
	Year int   `json:"year"`
	Rows int64 `json:"rows"`
}

// Partitions returns per-year row counts of table in ascending year order.
func (s *Store) Partitions(ctx context.Context, table string) ([]PartitionCount, error) {
	tn, err := ParseTableName(table)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT "Year", COUNT(*) FROM %s GROUP BY "Year" ORDER BY "Year"`, tn.Qualified()))
	if err != nil {
		return nil, fmt.Errorf("partitions of %s: %w", tn, err)
	}
	defer rows.Close()

	var out []PartitionCount
	for rows.Next() {
		var p PartitionCount
		if err := rows.Scan(&p.Year, &p.Rows); err != nil {
			return nil, fmt.Errorf("partitions of %s: %w", tn, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadBatch is one recorded warehouse load.
type LoadBatch struct {
	RunID    string `json:"run_id"`
	Table    string `json:"table"`
	Mode     string `json:"load_mode"`
	Years    string `json:"years"`
	RowCount int64  `json:"row_count"`
}

// LoadBatches returns the most recent load batches for table, newest first.
func (s *Store) LoadBatches(ctx context.Context, table string, limit int) ([]LoadBatch, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, table_name, load_mode, years, row_count
		FROM load_batches WHERE table_name = ?
		ORDER BY loaded_at DESC LIMIT ?`, table, limit)
	if err != nil {
		return nil, fmt.Errorf("list load batches: %w", err)
	}
	defer rows.Close()

	var out []LoadBatch
	for rows.Next() {
		var b LoadBatch
		if err := rows.Scan(&b.RunID, &b.Table, &b.Mode, &b.Years, &b.RowCount); err != nil {
			return nil, fmt.Errorf("list load batches: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
