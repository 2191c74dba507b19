package model

import (
	"context"
	"time"
)

// RunStore persists run history.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, dag string, limit int) ([]Run, error)
	LastRun(ctx context.Context, dag string) (*Run, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserStore persists API accounts.
type UserStore interface {
	CreateUser(ctx context.Context, username, password string, role Role) error
	Authenticate(ctx context.Context, username, password string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// SchemaQuerier provides schema introspection and arbitrary read-only queries.
type SchemaQuerier interface {
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// LoadMode selects how a run's rows are written to the warehouse table.
type LoadMode string

const (
	// LoadReplacePartitions deletes the years present in the batch before
	// inserting, in one transaction.
	LoadReplacePartitions LoadMode = "replace-partitions"
	// LoadAppend only inserts.
	LoadAppend LoadMode = "append"
)

// LoadOptions describes one load batch.
type LoadOptions struct {
	Mode  LoadMode
	RunID string
}

// RowWriter writes transformed rows into a warehouse table.
type RowWriter interface {
	EnsureTable(ctx context.Context, table string) error
	LoadRows(ctx context.Context, table string, rows []Row, opts LoadOptions) (int64, error)
}
