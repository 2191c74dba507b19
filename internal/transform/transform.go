// Package transform cleans raw source records and aggregates them into one
// row per county and year.
package transform

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kenyadata/gdpetl/internal/model"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrNoRows is returned when nothing survives cleaning.
var ErrNoRows = errors.New("no valid records")

// Options tunes validation thresholds.
type Options struct {
	// MinCounties triggers a warning (not an error) when fewer distinct
	// counties are present. 0 uses the default.
	MinCounties int
}

// Report summarizes what the transform did to the input.
type Report struct {
	InputRecords   int
	DroppedRecords int
	FilledValues   int // metric cells defaulted to 0 because no observation had them
	Counties       int
	Years          int
	OutputRows     int
	Warnings       []string
}

// Result is the transformed table plus its report.
type Result struct {
	Rows   []model.Row
	Report Report
}

type groupKey struct {
	county string
	year   int
}

type accumulator struct {
	sum   [3]float64
	count [3]int
}

func (a *accumulator) add(i int, v *float64) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return
	}
	a.sum[i] += *v
	a.count[i]++
}

func (a *accumulator) mean(i int) (float64, bool) {
	if a.count[i] == 0 {
		return 0, false
	}
	return a.sum[i] / float64(a.count[i]), true
}

var titleCaser = cases.Title(language.English)

// NormalizeCounty trims, collapses inner whitespace and title-cases a county name.
func NormalizeCounty(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return ""
	}
	return titleCaser.String(strings.ToLower(name))
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0 // normalize -0
	}
	return r
}

// Transform cleans records and aggregates them per (county, year):
// records without a county or year are dropped, each metric is averaged
// over the observations that have it (0 when none do), and GDP growth is the
// year-over-year percentage change of the county's average GDP.
func Transform(records []model.RawRecord, opts Options) (*Result, error) {
	if opts.MinCounties <= 0 {
		opts.MinCounties = model.DefaultMinCounties
	}

	report := Report{InputRecords: len(records)}
	groups := make(map[groupKey]*accumulator)

	for _, r := range records {
		county := NormalizeCounty(r.County)
		if county == "" || r.Year == 0 {
			report.DroppedRecords++
			continue
		}
		k := groupKey{county: county, year: r.Year}
		acc, ok := groups[k]
		if !ok {
			acc = &accumulator{}
			groups[k] = acc
		}
		acc.add(0, r.GDPValue)
		acc.add(1, r.Population)
		acc.add(2, r.UnemploymentRate)
	}

	if len(groups) == 0 {
		return nil, ErrNoRows
	}

	rows := make([]model.Row, 0, len(groups))
	counties := make(map[string]struct{})
	years := make(map[int]struct{})
	for k, acc := range groups {
		var vals [3]float64
		for i := range vals {
			v, ok := acc.mean(i)
			if !ok {
				report.FilledValues++
			}
			vals[i] = v
		}
		rows = append(rows, model.Row{
			County:              k.county,
			Year:                k.year,
			AvgGDPValue:         Round2(vals[0]),
			AvgPopulation:       Round2(vals[1]),
			AvgUnemploymentRate: Round2(vals[2]),
		})
		counties[k.county] = struct{}{}
		years[k.year] = struct{}{}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].County != rows[j].County {
			return rows[i].County < rows[j].County
		}
		return rows[i].Year < rows[j].Year
	})
	applyGrowth(rows)

	report.Counties = len(counties)
	report.Years = len(years)
	report.OutputRows = len(rows)
	if report.Counties < opts.MinCounties && !(report.Counties == 1 && rows[0].County == model.NationalCountyLabel) {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"dataset has %d counties, expected at least %d", report.Counties, opts.MinCounties))
	}
	if report.DroppedRecords > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"dropped %d records without a county or year", report.DroppedRecords))
	}

	return &Result{Rows: rows, Report: report}, nil
}

// applyGrowth sets GDPGrowthRate on rows sorted by county then year. The
// first year of each county, and any year following a zero GDP, gets 0.
func applyGrowth(rows []model.Row) {
	for i := range rows {
		if i == 0 || rows[i-1].County != rows[i].County {
			rows[i].GDPGrowthRate = 0
			continue
		}
		prev := rows[i-1].AvgGDPValue
		if prev == 0 {
			rows[i].GDPGrowthRate = 0
			continue
		}
		rows[i].GDPGrowthRate = Round2((rows[i].AvgGDPValue - prev) / prev * 100)
	}
}
