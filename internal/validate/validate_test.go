package validate

import (
	"context"
	"errors"
	"testing"

	"github.com/kenyadata/gdpetl/internal/duckdb"
	"github.com/kenyadata/gdpetl/internal/model"
)

const table = "economic_data.kenyan_gdp"

func loadedStore(t *testing.T) *duckdb.Store {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rows := []model.Row{
		{County: "Embu", Year: 2021, AvgGDPValue: 90, AvgPopulation: 600000, AvgUnemploymentRate: 7},
		{County: "Embu", Year: 2022, AvgGDPValue: 99, AvgPopulation: 610000, AvgUnemploymentRate: 6.9, GDPGrowthRate: 10},
		{County: "Meru", Year: 2021, AvgGDPValue: 150, AvgPopulation: 1500000, AvgUnemploymentRate: 9},
		{County: "Meru", Year: 2022, AvgGDPValue: 155.56, AvgPopulation: 1510000, AvgUnemploymentRate: 8.7, GDPGrowthRate: 3.7},
	}
	ctx := context.Background()
	if err := store.EnsureTable(ctx, table); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if _, err := store.LoadRows(ctx, table, rows, model.LoadOptions{RunID: "run-v"}); err != nil {
		t.Fatalf("LoadRows: %v", err)
	}
	return store
}

func TestValidatePasses(t *testing.T) {
	store := loadedStore(t)

	rep, err := New(store).Validate(context.Background(), table, Window{Years: []int{2021, 2022}, Counties: 2, RunID: "run-v"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	s := rep.Summary
	if s.TotalRows != 4 || s.UniqueCounties != 2 || s.EarliestYear != 2021 || s.LatestYear != 2022 {
		t.Errorf("summary = %+v", s)
	}
	if s.AvgGDP != 123.64 {
		t.Errorf("avg gdp = %v, want 123.64", s.AvgGDP)
	}
	if len(rep.Checks) != 4 {
		t.Fatalf("checks = %d, want 4", len(rep.Checks))
	}

	var total int64
	if err := store.QueryRowContext(context.Background(),
		`SELECT total_rows FROM economic_data.kenyan_gdp_validation`).Scan(&total); err != nil {
		t.Fatalf("read summary table: %v", err)
	}
	if total != 4 {
		t.Errorf("summary table total_rows = %d, want 4", total)
	}

	var recorded int64
	if err := store.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM validation_results WHERE run_id = 'run-v' AND passed`).Scan(&recorded); err != nil {
		t.Fatalf("read validation_results: %v", err)
	}
	if recorded != 4 {
		t.Errorf("recorded passing checks = %d, want 4", recorded)
	}
}

func TestValidateDetectsDuplicatesAndPrecision(t *testing.T) {
	store := loadedStore(t)
	ctx := context.Background()
	if _, err := store.ExecContext(ctx,
		`INSERT INTO economic_data.kenyan_gdp VALUES ('Embu', 2022, 99, 610000, 6.9, 10.123)`); err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}

	rep, err := New(store).Validate(ctx, table, Window{Years: []int{2021, 2022}, Counties: 2, RunID: "bad"})
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *validate.Error", err)
	}
	failed := map[string]bool{}
	for _, c := range verr.Failed {
		failed[c.Name] = true
	}
	for _, name := range []string{"window_row_count", "unique_county_year", "growth_two_decimals"} {
		if !failed[name] {
			t.Errorf("check %s should fail; failed = %v", name, failed)
		}
	}
	if failed["no_nulls"] {
		t.Error("no_nulls should pass")
	}
	if rep == nil || rep.Summary.TotalRows != 5 {
		t.Errorf("report should still carry the summary: %+v", rep)
	}
}

func TestValidateMissingCounty(t *testing.T) {
	store := loadedStore(t)
	_, err := New(store).Validate(context.Background(), table, Window{Years: []int{2021, 2022}, Counties: 47})
	var verr *Error
	if !errors.As(err, &verr) || len(verr.Failed) != 1 || verr.Failed[0].Name != "window_row_count" {
		t.Fatalf("err = %v, want only window_row_count to fail", err)
	}
}

func TestValidateInvalidTable(t *testing.T) {
	store := loadedStore(t)
	if _, err := New(store).Validate(context.Background(), "bad;name", Window{}); !errors.Is(err, duckdb.ErrInvalidTableName) {
		t.Fatalf("err = %v, want ErrInvalidTableName", err)
	}
}
