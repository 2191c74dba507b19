package model

import "time"

// Shared defaults used by the CLI, DAG loader and scheduler.
const (
	DefaultDAGName      = "kenyan_economic_etl"
	DefaultSchedule     = "0 8 * * *"
	DefaultTimezone     = "Africa/Nairobi"
	DefaultSourceURL    = "https://example-knbs-gdp.csv"
	DefaultDataset      = "economic_data"
	DefaultTable        = "kenyan_gdp"
	DefaultMaxAttempts  = 3
	DefaultRetryDelay   = 5 * time.Minute
	DefaultMinCounties  = 40
	NationalCountyLabel = "Kenya"
)
