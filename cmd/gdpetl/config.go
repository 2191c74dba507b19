package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kenyadata/gdpetl/internal/dag"
	"github.com/kenyadata/gdpetl/internal/httpserver"
	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/objectstore"
	"github.com/kenyadata/gdpetl/internal/scheduler"
)

const (
	defaultBindHost       = "0.0.0.0"
	defaultAPIPort        = 8080
	defaultConfigFile     = "gdpetl.yml"
	defaultProject        = "gdpetl"
	defaultQueryTimeout   = 30 * time.Second
	defaultRunRetention   = 90 // days, 0 = disabled
	defaultBackupInterval = 24 * time.Hour
	defaultBackupKeepLast = 7
	defaultSourceTimeout  = 30 * time.Second
	defaultSourceRetries  = 3
	defaultSourceRate     = 5.0
	defaultLoadRetries    = 3
	defaultWatchDebounce  = 500 * time.Millisecond
)

// envAliases maps config keys to extra environment variable names accepted
// for compatibility with existing deployments.
var envAliases = map[string][]string{
	"warehouse-project": {"GOOGLE_PROJECT_ID"},
	"warehouse-dataset": {"BIGQUERY_DATASET"},
	"warehouse-table":   {"BIGQUERY_TABLE"},
	"source-url":        {"KNBS_API_URL"},
	"source-api-key":    {"KNBS_API_KEY"},
	"log-file":          {"LOG_FILE"},
}

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DataDir        string        `mapstructure:"data-dir"`
	DAGsDir        string        `mapstructure:"dags-dir"`
	RawDir         string        `mapstructure:"raw-dir"`
	TransformedDir string        `mapstructure:"transformed-dir"`
	ExportDir      string        `mapstructure:"export-dir"`
	ExportEnabled  bool          `mapstructure:"export-enabled"`
	Cleanup        bool          `mapstructure:"cleanup"`
	LoadExamples   bool          `mapstructure:"load-examples"`
	DAGWatch       bool          `mapstructure:"dag-watch"`
	WatchDebounce  time.Duration `mapstructure:"dag-watch-debounce"`

	WarehouseProject string        `mapstructure:"warehouse-project"`
	WarehouseDataset string        `mapstructure:"warehouse-dataset"`
	WarehouseTable   string        `mapstructure:"warehouse-table"`
	WarehousePath    string        `mapstructure:"warehouse-path"`
	LoadMode         string        `mapstructure:"load-mode"`
	LoadRetries      int           `mapstructure:"load-retries"`
	QueryTimeout     time.Duration `mapstructure:"query-timeout"`
	MinCounties      int           `mapstructure:"min-counties"`

	SourceURL        string        `mapstructure:"source-url"`
	SourceAPIKey     string        `mapstructure:"source-api-key"`
	SourceTimeout    time.Duration `mapstructure:"source-timeout"`
	SourceMaxRetries int           `mapstructure:"source-max-retries"`
	SourceRateLimit  float64       `mapstructure:"source-rate-limit"`

	Schedule    string        `mapstructure:"schedule"`
	Timezone    string        `mapstructure:"timezone"`
	MaxAttempts int           `mapstructure:"max-attempts"`
	RetryDelay  time.Duration `mapstructure:"retry-delay"`
	Executor    string        `mapstructure:"executor"`

	MetadataDBURL string `mapstructure:"metadata-db-url"`
	RunRetention  int    `mapstructure:"run-retention"`

	APIPort       int    `mapstructure:"api-port"`
	APIAddr       string `mapstructure:"api-addr"`
	AuthBackend   string `mapstructure:"auth-backend"`
	AdminUsername string `mapstructure:"admin-username"`
	AdminPassword string `mapstructure:"admin-password"`

	AlertWebhookURL string `mapstructure:"alert-webhook-url"`

	BackupEnabled  bool          `mapstructure:"backup-enabled"`
	BackupInterval time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir string        `mapstructure:"backup-local-dir"`
	BackupKeepLast int           `mapstructure:"backup-keep-last"`

	BucketURL      string `mapstructure:"bucket-url"`
	S3Endpoint     string `mapstructure:"s3-endpoint"`
	S3Region       string `mapstructure:"s3-region"`
	S3AccessKey    string `mapstructure:"s3-access-key"`
	S3SecretKey    string `mapstructure:"s3-secret-key"`
	S3SessionToken string `mapstructure:"s3-session-token"`
	S3UseSSL       bool   `mapstructure:"s3-use-ssl"`

	LogFile    string `mapstructure:"log-file"`
	ConfigPath string `mapstructure:"-"` // not from config file
}

func (c appConfig) objectStore() objectstore.Config {
	return objectstore.Config{
		BucketURL:    c.BucketURL,
		Endpoint:     c.S3Endpoint,
		Region:       c.S3Region,
		AccessKey:    c.S3AccessKey,
		SecretKey:    c.S3SecretKey,
		SessionToken: c.S3SessionToken,
		UseSSL:       c.S3UseSSL,
	}
}

func (c appConfig) dagDefaults() dag.Defaults {
	return dag.Defaults{
		Schedule:    c.Schedule,
		Timezone:    c.Timezone,
		MaxAttempts: c.MaxAttempts,
		RetryDelay:  c.RetryDelay,
		SourceURL:   c.SourceURL,
		Dataset:     c.WarehouseDataset,
		Table:       c.WarehouseTable,
		LoadMode:    model.LoadMode(c.LoadMode),
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	v := viper.New()
	v.SetEnvPrefix("GDPETL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for key, aliases := range envAliases {
		names := append([]string{"GDPETL_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return cfg, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	v.SetDefault("data-dir", "data")
	v.SetDefault("dags-dir", "dags")
	v.SetDefault("raw-dir", "")
	v.SetDefault("transformed-dir", "")
	v.SetDefault("export-dir", "")
	v.SetDefault("export-enabled", false)
	v.SetDefault("cleanup", true)
	v.SetDefault("load-examples", false)
	v.SetDefault("dag-watch", true)
	v.SetDefault("dag-watch-debounce", defaultWatchDebounce)
	v.SetDefault("warehouse-project", defaultProject)
	v.SetDefault("warehouse-dataset", model.DefaultDataset)
	v.SetDefault("warehouse-table", model.DefaultTable)
	v.SetDefault("warehouse-path", "")
	v.SetDefault("load-mode", string(model.LoadReplacePartitions))
	v.SetDefault("load-retries", defaultLoadRetries)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("min-counties", model.DefaultMinCounties)
	v.SetDefault("source-url", model.DefaultSourceURL)
	v.SetDefault("source-api-key", "")
	v.SetDefault("source-timeout", defaultSourceTimeout)
	v.SetDefault("source-max-retries", defaultSourceRetries)
	v.SetDefault("source-rate-limit", defaultSourceRate)
	v.SetDefault("schedule", model.DefaultSchedule)
	v.SetDefault("timezone", model.DefaultTimezone)
	v.SetDefault("max-attempts", model.DefaultMaxAttempts)
	v.SetDefault("retry-delay", model.DefaultRetryDelay)
	v.SetDefault("executor", scheduler.ExecutorSequential)
	v.SetDefault("metadata-db-url", "")
	v.SetDefault("run-retention", defaultRunRetention)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("auth-backend", httpserver.AuthNone)
	v.SetDefault("admin-username", "admin")
	v.SetDefault("admin-password", "")
	v.SetDefault("alert-webhook-url", "")
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", "")
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("log-file", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(defaultConfigFile)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if configPath != "" || (!errors.As(err, &configFileNotFound) && !os.IsNotExist(err)) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.resolve(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolve validates enums and ranges and derives the paths left empty.
func (c *appConfig) resolve() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", c.APIPort)
	}
	switch c.Executor {
	case scheduler.ExecutorSequential, scheduler.ExecutorLocal:
	default:
		return fmt.Errorf("invalid executor %q: want %s or %s", c.Executor, scheduler.ExecutorSequential, scheduler.ExecutorLocal)
	}
	switch c.AuthBackend {
	case httpserver.AuthNone, httpserver.AuthBasic:
	default:
		return fmt.Errorf("invalid auth-backend %q: want %s or %s", c.AuthBackend, httpserver.AuthNone, httpserver.AuthBasic)
	}
	switch model.LoadMode(c.LoadMode) {
	case model.LoadReplacePartitions, model.LoadAppend:
	default:
		return fmt.Errorf("invalid load-mode %q", c.LoadMode)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > dag.MaxAttemptsCap {
		return fmt.Errorf("invalid max-attempts %d: must be between 1 and %d", c.MaxAttempts, dag.MaxAttemptsCap)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.RunRetention < 0 {
		return fmt.Errorf("invalid run-retention: %d", c.RunRetention)
	}

	if home, err := os.UserHomeDir(); err == nil {
		for _, p := range []*string{&c.DataDir, &c.DAGsDir, &c.RawDir, &c.TransformedDir, &c.ExportDir, &c.WarehousePath, &c.BackupLocalDir, &c.LogFile} {
			if strings.HasPrefix(*p, "~/") {
				*p = filepath.Join(home, (*p)[2:])
			}
		}
	}

	if c.RawDir == "" {
		c.RawDir = filepath.Join(c.DataDir, "raw")
	}
	if c.TransformedDir == "" {
		c.TransformedDir = filepath.Join(c.DataDir, "transformed")
	}
	if c.ExportDir == "" {
		c.ExportDir = filepath.Join(c.DataDir, "export")
	}
	if c.WarehousePath == "" {
		c.WarehousePath = filepath.Join(c.DataDir, "warehouse", c.WarehouseProject+".duckdb")
	}
	if c.BackupLocalDir == "" {
		c.BackupLocalDir = filepath.Join(c.DataDir, "backups")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.DataDir, "logs", "gdpetl.log")
	}

	if c.APIAddr == "" {
		c.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(c.APIPort))
	}
	return nil
}
