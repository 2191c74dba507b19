package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kenyadata/gdpetl/internal/dag"
	"github.com/kenyadata/gdpetl/internal/duckdb"
	"github.com/kenyadata/gdpetl/internal/metadb"
	"github.com/kenyadata/gdpetl/internal/model"
)

func testConfig(t *testing.T, sourceURL string) appConfig {
	t.Helper()
	dir := chdirTemp(t)
	t.Setenv("GDPETL_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("GDPETL_DAGS_DIR", filepath.Join(dir, "dags"))
	t.Setenv("GDPETL_SOURCE_URL", sourceURL)
	t.Setenv("GDPETL_SOURCE_MAX_RETRIES", "1")
	t.Setenv("GDPETL_RETRY_DELAY", "1ms")
	t.Setenv("GDPETL_ADMIN_PASSWORD", "change-me-now")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	return cfg
}

func openMeta(t *testing.T, cfg appConfig) (*duckdb.Store, *metadb.Store) {
	t.Helper()
	wh, err := duckdb.NewStore(cfg.WarehousePath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	meta, err := metadb.Open("", wh.DB())
	if err != nil {
		t.Fatalf("metadb.Open: %v", err)
	}
	return wh, meta
}

func TestDBInitCreatesAdmin(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/unused")

	if err := dispatch(cfg, []string{"db", "init"}); err != nil {
		t.Fatalf("db init: %v", err)
	}
	// A second init is a no-op.
	if err := dispatch(cfg, []string{"db", "init"}); err != nil {
		t.Fatalf("second db init: %v", err)
	}

	_, meta := openMeta(t, cfg)
	u, err := meta.Authenticate(context.Background(), "admin", "change-me-now")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.Role != model.RoleAdmin {
		t.Errorf("role = %q", u.Role)
	}
}

func TestUsersCreate(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/unused")

	args := []string{"users", "create", "-username", "analyst", "-password", "viewer-pass", "-role", "viewer"}
	if err := dispatch(cfg, args); err != nil {
		t.Fatalf("users create: %v", err)
	}
	err := dispatch(cfg, args)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate user err = %v", err)
	}

	_, meta := openMeta(t, cfg)
	users, err := meta.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Username != "analyst" || users[0].Role != model.RoleViewer {
		t.Errorf("users = %+v", users)
	}
}

func TestRunUsesFallbackWhenSourceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	cfg := testConfig(t, srv.URL)

	if err := dispatch(cfg, []string{"run"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	wh, meta := openMeta(t, cfg)
	counts, err := wh.TableRowCounts()
	if err != nil {
		t.Fatalf("TableRowCounts: %v", err)
	}
	if counts["economic_data.kenyan_gdp"] != 141 {
		t.Errorf("warehouse rows = %d, want 141", counts["economic_data.kenyan_gdp"])
	}

	last, err := meta.LastRun(context.Background(), model.DefaultDAGName)
	if err != nil || last == nil {
		t.Fatalf("LastRun = %v, %v", last, err)
	}
	if last.Status != model.RunSuccess || !last.UsedFallback || last.Trigger != model.TriggerCLI {
		t.Errorf("run = %+v", last)
	}

	// Intermediate files are removed by default.
	entries, _ := os.ReadDir(cfg.RawDir)
	if len(entries) != 0 {
		t.Errorf("raw dir has %d entries after cleanup", len(entries))
	}
	if _, err := os.Stat(cfg.LogFile); err != nil {
		t.Errorf("log file not written: %v", err)
	}
}

func TestRunUnknownDAG(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/unused")
	if err := dispatch(cfg, []string{"run", "-dag", "nope"}); err == nil {
		t.Error("expected error for unknown dag")
	}
}

func TestRunInstallsExampleDAG(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/unused")
	cfg.LoadExamples = true

	a, err := openApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	defs, err := a.loadDAGs()
	if err != nil {
		t.Fatalf("loadDAGs: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != model.DefaultDAGName {
		t.Fatalf("defs = %v", defs)
	}
	if _, err := os.Stat(filepath.Join(cfg.DAGsDir, dag.ExampleFileName)); err != nil {
		t.Errorf("example not installed: %v", err)
	}
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/unused")
	for _, args := range [][]string{{"frobnicate"}, {"db"}, {"users", "delete"}} {
		if err := dispatch(cfg, args); err == nil {
			t.Errorf("dispatch(%v) should fail", args)
		}
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	if !strings.Contains(buf.String(), "Version:    dev") {
		t.Errorf("version output = %q", buf.String())
	}
}
