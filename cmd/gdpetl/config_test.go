package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kenyadata/gdpetl/internal/model"
)

// chdirTemp runs the test from an empty directory so no gdpetl.yml is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.APIAddr != "0.0.0.0:8080" {
		t.Errorf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.WarehousePath != filepath.Join("data", "warehouse", "gdpetl.duckdb") {
		t.Errorf("WarehousePath = %q", cfg.WarehousePath)
	}
	if cfg.RawDir != filepath.Join("data", "raw") || cfg.TransformedDir != filepath.Join("data", "transformed") {
		t.Errorf("RawDir = %q TransformedDir = %q", cfg.RawDir, cfg.TransformedDir)
	}
	if cfg.LogFile != filepath.Join("data", "logs", "gdpetl.log") {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
	if cfg.Executor != "sequential" || cfg.AuthBackend != "none" || !cfg.Cleanup {
		t.Errorf("executor = %q auth = %q cleanup = %v", cfg.Executor, cfg.AuthBackend, cfg.Cleanup)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty without a file", cfg.ConfigPath)
	}

	d := cfg.dagDefaults()
	if d.Table != model.DefaultTable || d.Dataset != model.DefaultDataset || d.LoadMode != model.LoadReplacePartitions {
		t.Errorf("dag defaults = %+v", d)
	}
	if d.RetryDelay != 5*time.Minute || d.MaxAttempts != 3 {
		t.Errorf("retry defaults = %s x%d", d.RetryDelay, d.MaxAttempts)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GDPETL_EXECUTOR", "local")
	t.Setenv("GDPETL_API_PORT", "9090")
	t.Setenv("GOOGLE_PROJECT_ID", "kenya-econ")
	t.Setenv("BIGQUERY_DATASET", "econ")
	t.Setenv("BIGQUERY_TABLE", "gdp_by_county")
	t.Setenv("KNBS_API_URL", "https://knbs.example/gdp.csv")
	t.Setenv("KNBS_API_KEY", "legacy-key")
	t.Setenv("GDPETL_SOURCE_API_KEY", "new-key")
	t.Setenv("LOG_FILE", "/var/log/gdpetl.log")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Executor != "local" || cfg.APIAddr != "0.0.0.0:9090" {
		t.Errorf("executor = %q addr = %q", cfg.Executor, cfg.APIAddr)
	}
	if cfg.WarehouseProject != "kenya-econ" || cfg.WarehousePath != filepath.Join("data", "warehouse", "kenya-econ.duckdb") {
		t.Errorf("project = %q path = %q", cfg.WarehouseProject, cfg.WarehousePath)
	}
	if got := cfg.dagDefaults(); got.Dataset != "econ" || got.Table != "gdp_by_county" || got.SourceURL != "https://knbs.example/gdp.csv" {
		t.Errorf("dag defaults = %+v", got)
	}
	if cfg.SourceAPIKey != "new-key" {
		t.Errorf("SourceAPIKey = %q, prefixed name should win", cfg.SourceAPIKey)
	}
	if cfg.LogFile != "/var/log/gdpetl.log" {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yml")
	content := strings.Join([]string{
		"data-dir: /srv/gdpetl",
		"max-attempts: 2",
		"retry-delay: 30s",
		"auth-backend: basic",
		"export-enabled: true",
		"bucket-url: s3://archive/gdp",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q", cfg.ConfigPath)
	}
	if cfg.MaxAttempts != 2 || cfg.RetryDelay != 30*time.Second || cfg.AuthBackend != "basic" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ExportDir != "/srv/gdpetl/export" || cfg.BackupLocalDir != "/srv/gdpetl/backups" {
		t.Errorf("ExportDir = %q BackupLocalDir = %q", cfg.ExportDir, cfg.BackupLocalDir)
	}
	if !cfg.objectStore().Enabled() {
		t.Error("object store should be enabled by bucket-url")
	}

	if _, err := loadConfig(filepath.Join(dir, "missing.yml")); err == nil {
		t.Error("explicit missing config file should fail")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		env, value, want string
	}{
		{"GDPETL_API_PORT", "70000", "api-port"},
		{"GDPETL_EXECUTOR", "celery", "executor"},
		{"GDPETL_AUTH_BACKEND", "ldap", "auth-backend"},
		{"GDPETL_LOAD_MODE", "truncate", "load-mode"},
		{"GDPETL_MAX_ATTEMPTS", "5", "max-attempts"},
		{"GDPETL_TIMEZONE", "Mars/Olympus", "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			chdirTemp(t)
			t.Setenv(tt.env, tt.value)
			_, err := loadConfig("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
