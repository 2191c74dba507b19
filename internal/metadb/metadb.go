// Package metadb stores pipeline run history and API users in the metadata
// database: DuckDB by default, or Postgres or MySQL when a URL is configured.
package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Dialect identifies the SQL flavour of the metadata database.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

var (
	// ErrRunNotFound is returned when a run ID is unknown.
	ErrRunNotFound = errors.New("metadb: run not found")
	// ErrUserExists is returned when creating a username that is taken.
	ErrUserExists = errors.New("metadb: user already exists")
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("metadb: invalid credentials")
)

// Store implements model.RunStore and model.UserStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
	timeout time.Duration
}

// Open connects to the metadata database named by url. An empty url reuses
// fallback, the warehouse connection, with the DuckDB dialect. Supported
// schemes are postgres://, postgresql://, mysql:// and duckdb://.
func Open(url string, fallback *sql.DB) (*Store, error) {
	if url == "" {
		if fallback == nil {
			return nil, errors.New("metadb: no url and no fallback database")
		}
		return &Store{db: fallback, dialect: DialectDuckDB, timeout: 10 * time.Second}, nil
	}

	driver, dsn, dialect, err := parseURL(url)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s metadata db: %w", dialect, err)
	}
	if dialect != DialectDuckDB {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return &Store{db: db, dialect: dialect, owned: true, timeout: 10 * time.Second}, nil
}

func parseURL(url string) (driver, dsn string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url, DialectPostgres, nil
	case strings.HasPrefix(url, "mysql://"):
		cfg, err := mysql.ParseDSN(strings.TrimPrefix(url, "mysql://"))
		if err != nil {
			return "", "", "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return "mysql", cfg.FormatDSN(), DialectMySQL, nil
	case strings.HasPrefix(url, "duckdb://"):
		return "duckdb", strings.TrimPrefix(url, "duckdb://"), DialectDuckDB, nil
	default:
		return "", "", "", fmt.Errorf("metadb: unsupported url scheme in %q", redact(url))
	}
}

// redact hides the password portion of a connection URL for error messages.
func redact(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	creds := url[scheme+3 : at]
	if user, _, ok := strings.Cut(creds, ":"); ok {
		return url[:scheme+3] + user + ":***" + url[at:]
	}
	return url
}

// Dialect returns the metadata database flavour.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the connection unless it is the shared warehouse connection.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Init creates the metadata tables when missing.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init metadata schema: %w", err)
		}
	}
	return nil
}

func schemaStatements(d Dialect) []string {
	str, key, ts, text := "VARCHAR", "VARCHAR", "TIMESTAMP", "VARCHAR"
	switch d {
	case DialectPostgres:
		str, key, ts, text = "TEXT", "TEXT", "TIMESTAMPTZ", "TEXT"
	case DialectMySQL:
		str, key, ts, text = "VARCHAR(255)", "VARCHAR(64)", "DATETIME(6)", "TEXT"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id               %[2]s PRIMARY KEY,
			dag              %[1]s NOT NULL,
			trigger_kind     %[1]s NOT NULL,
			attempt          INTEGER NOT NULL,
			status           %[1]s NOT NULL,
			started_at       %[3]s NOT NULL,
			ended_at         %[3]s NULL,
			used_fallback    BOOLEAN NOT NULL,
			raw_path         %[4]s NOT NULL,
			transformed_path %[4]s NOT NULL,
			rows_extracted   INTEGER NOT NULL,
			rows_loaded      INTEGER NOT NULL,
			extract_ms       BIGINT NOT NULL,
			transform_ms     BIGINT NOT NULL,
			load_ms          BIGINT NOT NULL,
			validate_ms      BIGINT NOT NULL,
			error_message    %[4]s NOT NULL
		)`, str, key, ts, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			username      %[2]s PRIMARY KEY,
			password_hash %[1]s NOT NULL,
			role          %[1]s NOT NULL,
			created_at    %[3]s NOT NULL
		)`, str, key, ts),
	}
	if d != DialectMySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS; the primary key covers lookups by id.
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_pipeline_runs_dag ON pipeline_runs (dag, started_at)`)
	}
	return stmts
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
