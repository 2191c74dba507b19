package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kenyadata/gdpetl/internal/model"
)

// ErrNoYearColumn is returned when a source file has no recognizable year column.
var ErrNoYearColumn = errors.New("source: no year column in header")

var (
	countyAliases       = []string{"county", "county_name", "region"}
	yearAliases         = []string{"year", "period_year"}
	periodAliases       = []string{"quarter", "period", "month"}
	gdpAliases          = []string{"gdp_value", "gdp", "gcp", "gross_county_product"}
	populationAliases   = []string{"population", "pop"}
	unemploymentAliases = []string{"unemployment_rate", "unemployment"}
)

var missingTokens = map[string]bool{
	"": true, "na": true, "n/a": true, "null": true, "nan": true, "-": true, "..": true,
}

// columnIndex maps the logical fields of a source file to CSV column positions.
// A value of -1 means the column is absent.
type columnIndex struct {
	county, year, period, gdp, population, unemployment int
}

func normalizeHeader(h string) string {
	h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	h = strings.ToLower(h)
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	return h
}

func findColumn(headers []string, aliases []string) int {
	for _, alias := range aliases {
		for i, h := range headers {
			if h == alias {
				return i
			}
		}
	}
	return -1
}

func resolveColumns(header []string) (columnIndex, error) {
	headers := make([]string, len(header))
	for i, h := range header {
		headers[i] = normalizeHeader(h)
	}

	idx := columnIndex{
		county:       findColumn(headers, countyAliases),
		year:         findColumn(headers, yearAliases),
		period:       findColumn(headers, periodAliases),
		gdp:          findColumn(headers, gdpAliases),
		population:   findColumn(headers, populationAliases),
		unemployment: findColumn(headers, unemploymentAliases),
	}
	if idx.year < 0 {
		return idx, ErrNoYearColumn
	}

	// Any other GDP-looking column will do, but never a growth column:
	// growth is always recomputed from levels.
	if idx.gdp < 0 {
		for i, h := range headers {
			if strings.Contains(h, "gdp") && !strings.Contains(h, "growth") {
				idx.gdp = i
				break
			}
		}
	}
	return idx, nil
}

// ParseNumber parses a published numeric cell. ok is false for missing or
// non-numeric cells.
func ParseNumber(cell string) (v float64, ok bool) {
	s := strings.TrimSpace(cell)
	if missingTokens[strings.ToLower(s)] {
		return 0, false
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseYear(cell string) (int, bool) {
	v, ok := ParseNumber(cell)
	if !ok || v != float64(int(v)) || v < 1900 || v > 2200 {
		return 0, false
	}
	return int(v), true
}

func cellAt(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func numberAt(rec []string, i int) *float64 {
	if i < 0 {
		return nil
	}
	v, ok := ParseNumber(cellAt(rec, i))
	if !ok {
		return nil
	}
	return &v
}

// ParseCSV reads a source CSV into raw records. Header names are matched
// case-insensitively against known aliases. Without a county column every
// record is attributed to the national label. Records with an unusable year
// keep Year == 0 so the transformer can count them as dropped.
func ParseCSV(r io.Reader) ([]model.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("source: empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("source: read header: %w", err)
	}

	idx, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	var records []model.RawRecord
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("source: read line %d: %w", line, err)
		}
		if isBlank(rec) {
			continue
		}

		raw := model.RawRecord{
			County:           model.NationalCountyLabel,
			Period:           strings.TrimSpace(cellAt(rec, idx.period)),
			GDPValue:         numberAt(rec, idx.gdp),
			Population:       numberAt(rec, idx.population),
			UnemploymentRate: numberAt(rec, idx.unemployment),
			Line:             line,
		}
		if idx.county >= 0 {
			raw.County = strings.TrimSpace(cellAt(rec, idx.county))
		}
		if y, ok := parseYear(cellAt(rec, idx.year)); ok {
			raw.Year = y
		}
		records = append(records, raw)
	}
	return records, nil
}

func isBlank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
