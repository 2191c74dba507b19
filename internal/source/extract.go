package source

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/kenyadata/gdpetl/internal/model"
)

// RawFileName is the file name of the extracted dataset inside a run directory.
const RawFileName = "gdp_data.csv"

//go:embed fallback/gdp_fallback.csv
var fallbackCSV []byte

// FallbackCSV returns a copy of the bundled dataset used when the source is
// unavailable.
func FallbackCSV() []byte {
	return bytes.Clone(fallbackCSV)
}

// Fetcher downloads a source document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extraction describes the raw file handed to the transform stage.
type Extraction struct {
	Path           string
	Source         string // "remote" or "fallback"
	UsedFallback   bool
	FallbackReason error
	Bytes          int
}

// Extractor fetches the raw dataset and persists it under a raw data directory.
type Extractor struct {
	fetcher Fetcher
	rawDir  string
}

// NewExtractor creates an extractor writing into rawDir (e.g. data/raw).
func NewExtractor(fetcher Fetcher, rawDir string) *Extractor {
	return &Extractor{fetcher: fetcher, rawDir: rawDir}
}

// Extract downloads url into <rawDir>/<runID>/gdp_data.csv. Any fetch problem,
// an empty body or a body without a year column substitutes the bundled
// fallback dataset. Only local file errors are returned.
func (e *Extractor) Extract(ctx context.Context, url, runID string) (*Extraction, error) {
	dir := filepath.Join(e.rawDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create raw dir: %w", err)
	}
	out := filepath.Join(dir, RawFileName)

	body, reason := e.fetch(ctx, url)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ext := &Extraction{Path: out, Source: "remote"}
	if reason != nil {
		log.Printf("source: extraction from %s failed, using fallback dataset: %v", url, reason)
		body = FallbackCSV()
		ext.Source = "fallback"
		ext.UsedFallback = true
		ext.FallbackReason = reason
	}

	if err := writeFileAtomic(out, body); err != nil {
		return nil, fmt.Errorf("save raw data: %w", err)
	}
	ext.Bytes = len(body)
	log.Printf("source: saved %d bytes (%s) to %s", ext.Bytes, ext.Source, out)
	return ext, nil
}

func (e *Extractor) fetch(ctx context.Context, url string) ([]byte, error) {
	if e.fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	if url == "" {
		return nil, errors.New("no source url configured")
	}
	body, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("source returned an empty body")
	}
	records, err := ParseCSV(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("source body is not a usable csv: %w", err)
	}
	if !hasUsableRecord(records) {
		return nil, fmt.Errorf("source csv has no record with a county and year (%d rows)", len(records))
	}
	return body, nil
}

// hasUsableRecord reports whether any record would survive cleaning.
func hasUsableRecord(records []model.RawRecord) bool {
	for _, r := range records {
		if r.Year != 0 && strings.TrimSpace(r.County) != "" {
			return true
		}
	}
	return false
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
