package model

import "time"

// RawRecord is one economic observation as published by the source.
// Metric pointers are nil when the cell is missing or not numeric.
type RawRecord struct {
	County           string
	Year             int
	Period           string // quarter/month label when the source is sub-annual
	GDPValue         *float64
	Population       *float64
	UnemploymentRate *float64
	Line             int // 1-based line in the source file, header is line 1
}

// Row is the normalized per-county, per-year output of the transformer.
// It is the canonical type for the transformed CSV, the warehouse table and
// the Parquet export.
type Row struct {
	County              string
	Year                int
	AvgGDPValue         float64
	AvgPopulation       float64
	AvgUnemploymentRate float64
	GDPGrowthRate       float64 // percent, two decimals
}

// RowColumns lists the warehouse column names in table order.
var RowColumns = []string{
	"County",
	"Year",
	"Avg_GDP_Value",
	"Avg_Population",
	"Avg_Unemployment_Rate",
	"GDP_Growth_Rate",
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerCLI       Trigger = "cli"
)

// Run is one attempt of a DAG execution, persisted in the metadata database.
type Run struct {
	ID              string    `json:"id"`
	DAG             string    `json:"dag"`
	Trigger         Trigger   `json:"trigger"`
	Attempt         int       `json:"attempt"`
	Status          RunStatus `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"` // zero while running
	UsedFallback    bool      `json:"used_fallback"`
	RawPath         string    `json:"raw_path,omitempty"`
	TransformedPath string    `json:"transformed_path,omitempty"`
	RowsExtracted   int       `json:"rows_extracted"`
	RowsLoaded      int       `json:"rows_loaded"`
	ExtractMillis   int64     `json:"extract_ms"`
	TransformMillis int64     `json:"transform_ms"`
	LoadMillis      int64     `json:"load_ms"`
	ValidateMillis  int64     `json:"validate_ms"`
	Error           string    `json:"error,omitempty"`
}

// Duration returns the wall time of a finished run, or zero while running.
func (r Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Role grants access levels on the HTTP API.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// User is an account allowed to use the HTTP API.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
