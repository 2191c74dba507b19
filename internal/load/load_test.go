package load

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/kenyadata/gdpetl/internal/duckdb"
	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/objectstore"
	"github.com/kenyadata/gdpetl/internal/retry"
	"github.com/kenyadata/gdpetl/internal/transform"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}

func testRows() []model.Row {
	return []model.Row{
		{County: "Kisumu", Year: 2021, AvgGDPValue: 210.5, AvgPopulation: 1150000, AvgUnemploymentRate: 12.1},
		{County: "Kisumu", Year: 2022, AvgGDPValue: 220.25, AvgPopulation: 1160000, AvgUnemploymentRate: 11.8, GDPGrowthRate: 4.63},
		{County: "Nakuru", Year: 2021, AvgGDPValue: 300, AvgPopulation: 2160000, AvgUnemploymentRate: 8.4},
		{County: "Nakuru", Year: 2022, AvgGDPValue: 312, AvgPopulation: 2170000, AvgUnemploymentRate: 8.2, GDPGrowthRate: 4},
	}
}

func writeTransformed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), transform.TransformedFileName)
	if err := transform.WriteCSV(path, testRows()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	return path
}

func newWarehouse(t *testing.T) *duckdb.Store {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadIntoWarehouse(t *testing.T) {
	wh := newWarehouse(t)
	l := New(wh, Config{Retry: fastRetry})
	target := Target{Table: "economic_data.kenyan_gdp"}

	for i := 0; i < 2; i++ {
		res, err := l.Load(context.Background(), writeTransformed(t), target, "run-a")
		if err != nil {
			t.Fatalf("Load #%d: %v", i+1, err)
		}
		if res.RowsLoaded != 4 || res.Attempts != 1 {
			t.Errorf("Load #%d result = %+v", i+1, res)
		}
		if len(res.Partitions) != 2 || res.Partitions[0] != 2021 || res.Partitions[1] != 2022 {
			t.Errorf("partitions = %v", res.Partitions)
		}
	}

	parts, err := wh.Partitions(context.Background(), target.Table)
	if err != nil {
		t.Fatalf("Partitions: %v", err)
	}
	for _, p := range parts {
		if p.Rows != 2 {
			t.Errorf("year %d has %d rows after reload, want 2", p.Year, p.Rows)
		}
	}
}

type flakyWriter struct {
	failures int
	calls    int
	err      error
}

func (f *flakyWriter) EnsureTable(context.Context, string) error { return nil }

func (f *flakyWriter) LoadRows(_ context.Context, _ string, rows []model.Row, _ model.LoadOptions) (int64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	return int64(len(rows)), nil
}

func TestLoadRetriesTransientErrors(t *testing.T) {
	w := &flakyWriter{failures: 2, err: errors.New("io error: database is locked")}
	res, err := New(w, Config{Retry: fastRetry}).Load(context.Background(), writeTransformed(t), Target{Table: "kenyan_gdp"}, "r")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Attempts != 3 || w.calls != 3 {
		t.Errorf("attempts = %d calls = %d, want 3", res.Attempts, w.calls)
	}
}

func TestLoadGivesUpAfterPolicy(t *testing.T) {
	w := &flakyWriter{failures: 10, err: errors.New("transient")}
	_, err := New(w, Config{Retry: fastRetry}).Load(context.Background(), writeTransformed(t), Target{Table: "kenyan_gdp"}, "r")
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 3 {
		t.Fatalf("err = %v, want ExhaustedError after 3 attempts", err)
	}
}

func TestLoadSchemaMismatchIsPermanent(t *testing.T) {
	w := &flakyWriter{failures: 10, err: duckdb.ErrSchemaMismatch}
	_, err := New(w, Config{Retry: fastRetry}).Load(context.Background(), writeTransformed(t), Target{Table: "kenyan_gdp"}, "r")
	if !errors.Is(err, duckdb.ErrSchemaMismatch) {
		t.Fatalf("err = %v, want schema mismatch", err)
	}
	if w.calls != 1 {
		t.Errorf("calls = %d, want 1", w.calls)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := New(&flakyWriter{}, Config{}).Load(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), Target{Table: "t"}, "r")
	if err == nil {
		t.Fatal("expected error for missing transformed file")
	}
}

func TestPartitionPath(t *testing.T) {
	got := PartitionPath("economic_data.kenyan_gdp", 2022, "abc")
	if got != "kenyan_gdp/Year=2022/part-abc.parquet" {
		t.Errorf("PartitionPath = %q", got)
	}
}

func TestLoadExportsAndArchivesParquet(t *testing.T) {
	exportDir := t.TempDir()
	archiveDir := t.TempDir()
	l := New(newWarehouse(t), Config{
		Retry:     fastRetry,
		ExportDir: exportDir,
		Archive:   objectstore.NewLocal(archiveDir),
	})

	res, err := l.Load(context.Background(), writeTransformed(t), Target{Table: "economic_data.kenyan_gdp"}, "run-x")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Exported) != 2 || len(res.Archived) != 2 {
		t.Fatalf("exported %v archived %v, want 2 each", res.Exported, res.Archived)
	}
	if !strings.HasSuffix(res.Archived[1], "kenyan_gdp/Year=2022/part-run-x.parquet") {
		t.Errorf("archived uri = %q", res.Archived[1])
	}

	fr, err := local.NewLocalFileReader(filepath.Join(exportDir, "kenyan_gdp", "Year=2021", "part-run-x.parquet"))
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(ParquetRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	if n != 2 {
		t.Fatalf("parquet rows = %d, want 2", n)
	}
	got := make([]ParquetRow, n)
	if err := pr.Read(&got); err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if got[0].County != "Kisumu" || got[0].Year != 2021 || got[0].AvgGDPValue != 210.5 {
		t.Errorf("first parquet row = %+v", got[0])
	}
}

func TestLoadReplacesArchivedPartsFromEarlierRuns(t *testing.T) {
	archiveDir := t.TempDir()
	archive := objectstore.NewLocal(archiveDir)
	l := New(newWarehouse(t), Config{
		Retry:     fastRetry,
		ExportDir: t.TempDir(),
		Archive:   archive,
	})
	ctx := context.Background()
	target := Target{Table: "economic_data.kenyan_gdp"}

	// Unrelated objects under the partition survive pruning.
	if _, err := archive.UploadFile(ctx, writeTransformed(t), "kenyan_gdp/Year=2021/_SUCCESS"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	for _, run := range []string{"run-1", "run-2"} {
		if _, err := l.Load(ctx, writeTransformed(t), target, run); err != nil {
			t.Fatalf("Load %s: %v", run, err)
		}
	}

	keys, err := archive.List(ctx, "kenyan_gdp/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{
		"kenyan_gdp/Year=2021/_SUCCESS",
		"kenyan_gdp/Year=2021/part-run-2.parquet",
		"kenyan_gdp/Year=2022/part-run-2.parquet",
	}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("archived keys = %v, want %v", keys, want)
	}
}

func TestLoadAppendKeepsArchivedParts(t *testing.T) {
	archive := objectstore.NewLocal(t.TempDir())
	l := New(newWarehouse(t), Config{
		Retry:     fastRetry,
		ExportDir: t.TempDir(),
		Archive:   archive,
	})
	ctx := context.Background()
	target := Target{Table: "economic_data.kenyan_gdp", Mode: model.LoadAppend}

	for _, run := range []string{"run-1", "run-2"} {
		if _, err := l.Load(ctx, writeTransformed(t), target, run); err != nil {
			t.Fatalf("Load %s: %v", run, err)
		}
	}
	keys, err := archive.List(ctx, "kenyan_gdp/Year=2021/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("archived keys = %v, want parts from both runs", keys)
	}
}
