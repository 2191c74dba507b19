package duckdb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kenyadata/gdpetl/internal/model"
)

const testTable = "economic_data.kenyan_gdp"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRows() []model.Row {
	return []model.Row{
		{County: "Mombasa", Year: 2021, AvgGDPValue: 100, AvgPopulation: 1200000, AvgUnemploymentRate: 9.5, GDPGrowthRate: 0},
		{County: "Mombasa", Year: 2022, AvgGDPValue: 110, AvgPopulation: 1210000, AvgUnemploymentRate: 9.1, GDPGrowthRate: 10},
		{County: "Nairobi", Year: 2021, AvgGDPValue: 500, AvgPopulation: 4400000, AvgUnemploymentRate: 11.2, GDPGrowthRate: 0},
		{County: "Nairobi", Year: 2022, AvgGDPValue: 520.5, AvgPopulation: 4500000, AvgUnemploymentRate: 10.8, GDPGrowthRate: 4.1},
	}
}

func loadSample(t *testing.T, store *Store, rows []model.Row, mode model.LoadMode) int64 {
	t.Helper()
	ctx := context.Background()
	if err := store.EnsureTable(ctx, testTable); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	n, err := store.LoadRows(ctx, testTable, rows, model.LoadOptions{Mode: mode, RunID: "run-1"})
	if err != nil {
		t.Fatalf("LoadRows: %v", err)
	}
	return n
}

func countRows(t *testing.T, store *Store) int64 {
	t.Helper()
	var n int64
	if err := store.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+testTable).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestParseTableName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"kenyan_gdp", `"kenyan_gdp"`, false},
		{"economic_data.kenyan_gdp", `"economic_data"."kenyan_gdp"`, false},
		{"a.b.c", "", true},
		{"bad-name", "", true},
		{"x.1table", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		tn, err := ParseTableName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTableName(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && tn.Qualified() != tt.want {
			t.Errorf("ParseTableName(%q).Qualified() = %s, want %s", tt.in, tn.Qualified(), tt.want)
		}
	}
}

func TestEnsureTable_CreatesAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.EnsureTable(ctx, testTable); err != nil {
			t.Fatalf("EnsureTable #%d: %v", i+1, err)
		}
	}

	cols, err := store.TableColumns(ctx, testTable)
	if err != nil {
		t.Fatalf("TableColumns: %v", err)
	}
	if strings.Join(cols, ",") != strings.Join(model.RowColumns, ",") {
		t.Errorf("columns = %v, want %v", cols, model.RowColumns)
	}
}

func TestEnsureTable_SchemaMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.ExecContext(ctx, `CREATE SCHEMA economic_data`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := store.ExecContext(ctx, `CREATE TABLE economic_data.kenyan_gdp (County VARCHAR, GDP DOUBLE)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	err := store.EnsureTable(ctx, testTable)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("EnsureTable err = %v, want ErrSchemaMismatch", err)
	}
}

func TestLoadRows_ReplacePartitionsIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	if n := loadSample(t, store, sampleRows(), model.LoadReplacePartitions); n != 4 {
		t.Fatalf("first load = %d rows, want 4", n)
	}
	if n := loadSample(t, store, sampleRows(), model.LoadReplacePartitions); n != 4 {
		t.Fatalf("second load = %d rows, want 4", n)
	}
	if got := countRows(t, store); got != 4 {
		t.Errorf("table rows after reload = %d, want 4", got)
	}

	// A new year grows the table without touching earlier partitions.
	next := []model.Row{
		{County: "Mombasa", Year: 2023, AvgGDPValue: 115, GDPGrowthRate: 4.55},
		{County: "Nairobi", Year: 2023, AvgGDPValue: 530, GDPGrowthRate: 1.83},
	}
	loadSample(t, store, next, model.LoadReplacePartitions)
	if got := countRows(t, store); got != 6 {
		t.Errorf("table rows after new year = %d, want 6", got)
	}

	parts, err := store.Partitions(context.Background(), testTable)
	if err != nil {
		t.Fatalf("Partitions: %v", err)
	}
	want := []PartitionCount{{2021, 2}, {2022, 2}, {2023, 2}}
	if len(parts) != len(want) {
		t.Fatalf("partitions = %v, want %v", parts, want)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("partition[%d] = %v, want %v", i, parts[i], want[i])
		}
	}
}

func TestLoadRows_AppendDuplicates(t *testing.T) {
	store := newTestStore(t)

	loadSample(t, store, sampleRows(), model.LoadAppend)
	loadSample(t, store, sampleRows(), model.LoadAppend)
	if got := countRows(t, store); got != 8 {
		t.Errorf("table rows after two appends = %d, want 8", got)
	}
}

func TestLoadRows_RecordsBatch(t *testing.T) {
	store := newTestStore(t)
	loadSample(t, store, sampleRows(), "")

	batches, err := store.LoadBatches(context.Background(), testTable, 10)
	if err != nil {
		t.Fatalf("LoadBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	b := batches[0]
	if b.RunID != "run-1" || b.Mode != string(model.LoadReplacePartitions) || b.Years != "2021,2022" || b.RowCount != 4 {
		t.Errorf("unexpected batch %+v", b)
	}
}

func TestLoadRows_UnknownMode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.EnsureTable(ctx, testTable); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if _, err := store.LoadRows(ctx, testTable, sampleRows(), model.LoadOptions{Mode: "merge"}); err == nil {
		t.Fatal("expected error for unknown load mode")
	}
	if got := countRows(t, store); got != 0 {
		t.Errorf("rows after rejected load = %d, want 0", got)
	}
}

func TestExecuteQuery_SelectAllowed(t *testing.T) {
	store := newTestStore(t)
	loadSample(t, store, sampleRows(), model.LoadReplacePartitions)

	results, err := store.ExecuteQuery("SELECT COUNT(*) as cnt FROM economic_data.kenyan_gdp")
	if err != nil {
		t.Fatalf("ExecuteQuery SELECT: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("ExecuteQuery returned %d rows, want 1", len(results))
	}
}

func TestExecuteQuery_WithAllowed(t *testing.T) {
	store := newTestStore(t)
	loadSample(t, store, sampleRows(), model.LoadReplacePartitions)

	results, err := store.ExecuteQuery(`
		-- per county totals
		WITH c AS (SELECT County, SUM(Avg_GDP_Value) AS gdp FROM economic_data.kenyan_gdp GROUP BY County)
		SELECT * FROM c ORDER BY County`)
	if err != nil {
		t.Fatalf("ExecuteQuery WITH: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("ExecuteQuery WITH returned %d rows, want 2", len(results))
	}
}

func TestExecuteQuery_DMLRejected(t *testing.T) {
	store := newTestStore(t)

	rejected := []string{
		"INSERT INTO load_batches (run_id) VALUES ('x')",
		"UPDATE load_batches SET run_id = 'x'",
		"DELETE FROM load_batches",
		"DROP TABLE load_batches",
		"CREATE TABLE evil (id int)",
		"ALTER TABLE load_batches ADD COLUMN evil varchar",
		"TRUNCATE load_batches",
	}

	for _, sql := range rejected {
		if _, err := store.ExecuteQuery(sql); err == nil {
			t.Errorf("ExecuteQuery(%q) should have been rejected", sql)
		}
	}
}

func TestExecuteQuery_DuckDBKeywordsRejected(t *testing.T) {
	store := newTestStore(t)

	rejected := []struct {
		sql     string
		keyword string
	}{
		{"SELECT COPY(x, '/tmp/dump.csv') FROM load_batches", "COPY"},
		{"SELECT ATTACH FROM load_batches", "ATTACH"},
		{"SELECT LOAD FROM load_batches", "LOAD"},
		{"SELECT EXPORT FROM load_batches", "EXPORT"},
		{"SELECT INSTALL FROM load_batches", "INSTALL"},
		{"SELECT PRAGMA FROM load_batches", "PRAGMA"},
		{"SELECT SET FROM load_batches", "SET"},
		{"SELECT /* hidden */ CHECKPOINT FROM load_batches", "CHECKPOINT"},
	}

	for _, tt := range rejected {
		_, err := store.ExecuteQuery(tt.sql)
		if err == nil {
			t.Errorf("ExecuteQuery should reject %s keyword", tt.keyword)
			continue
		}
		if !strings.Contains(err.Error(), tt.keyword) {
			t.Errorf("ExecuteQuery error %q should mention keyword %s", err.Error(), tt.keyword)
		}
	}

	_, err := store.ExecuteQuery("SELECT * FROM load_batches; DROP TABLE load_batches")
	if err == nil || !strings.Contains(err.Error(), "semicolons") {
		t.Errorf("ExecuteQuery with semicolon err = %v, want semicolon rejection", err)
	}
}

func TestExecuteQuery_RestrictedSourcesRejected(t *testing.T) {
	store := newTestStore(t)

	rejected := []struct {
		sql  string
		want string
	}{
		{"SELECT username, password_hash FROM users", "restricted table"},
		{"SELECT * FROM main.\"Users\"", "restricted table"},
		{"SELECT error FROM pipeline_runs", "restricted table"},
		{"SELECT version FROM schema_migrations", "restricted table"},
		{"SELECT content FROM read_text('/proc/self/environ')", "filesystem"},
		{"SELECT * FROM read_blob('/etc/hostname')", "filesystem"},
		{"SELECT * FROM read_csv_auto('/etc/passwd')", "filesystem"},
		{"SELECT * FROM READ_PARQUET ('/tmp/x.parquet')", "filesystem"},
		{"SELECT * FROM read_json_objects('/tmp/x.json')", "filesystem"},
		{"SELECT * FROM glob('/root/*')", "filesystem"},
		{"SELECT * FROM '/tmp/secrets.csv'", "filesystem"},
		{"WITH g AS (SELECT 1 AS x) SELECT * FROM g JOIN '/tmp/y.parquet' ON true", "filesystem"},
	}
	for _, tt := range rejected {
		_, err := store.ExecuteQuery(tt.sql)
		if err == nil {
			t.Errorf("ExecuteQuery(%q) should have been rejected", tt.sql)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("ExecuteQuery(%q) error = %q, want it to mention %q", tt.sql, err.Error(), tt.want)
		}
	}

	allowed := []string{
		"SELECT COUNT(*) AS users_total FROM load_batches",
		"SELECT table_name FROM information_schema.tables WHERE table_name LIKE 'kenyan%'",
		"SELECT 'read_text' AS label",
	}
	for _, sql := range allowed {
		if _, err := store.ExecuteQuery(sql); err != nil {
			t.Errorf("ExecuteQuery(%q) = %v, want nil", sql, err)
		}
	}
}

func TestTableRowCountsAndSchema(t *testing.T) {
	store := newTestStore(t)
	loadSample(t, store, sampleRows(), model.LoadReplacePartitions)

	counts, err := store.TableRowCounts()
	if err != nil {
		t.Fatalf("TableRowCounts: %v", err)
	}
	if counts[testTable] != 4 {
		t.Errorf("counts[%s] = %d, want 4", testTable, counts[testTable])
	}
	if counts["load_batches"] != 1 {
		t.Errorf("counts[load_batches] = %d, want 1", counts["load_batches"])
	}

	desc := store.GetSchemaDescription()
	if !strings.Contains(desc, "Table 'economic_data.kenyan_gdp'") || !strings.Contains(desc, "GDP_Growth_Rate") {
		t.Errorf("schema description missing warehouse table: %s", desc)
	}
}
