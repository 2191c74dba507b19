package transform

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kenyadata/gdpetl/internal/model"
)

// TransformedFileName is the file name of the transformed table inside a run directory.
const TransformedFileName = "gdp_transformed.csv"

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// EncodeCSV writes rows with a header in warehouse column order. Every metric,
// the growth percentage included, is rendered with exactly two decimals.
func EncodeCSV(w io.Writer, rows []model.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(model.RowColumns); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.County,
			strconv.Itoa(r.Year),
			formatFloat(r.AvgGDPValue),
			formatFloat(r.AvgPopulation),
			formatFloat(r.AvgUnemploymentRate),
			formatFloat(r.GDPGrowthRate),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSV atomically writes rows to path, creating parent directories.
func WriteCSV(path string, rows []model.Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create transformed dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := EncodeCSV(f, rows); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// DecodeCSV reads rows written by EncodeCSV. The header must match the
// warehouse columns exactly.
func DecodeCSV(r io.Reader) ([]model.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(model.RowColumns)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range model.RowColumns {
		if header[i] != col {
			return nil, fmt.Errorf("unexpected column %d: got %q, want %q", i+1, header[i], col)
		}
	}

	var rows []model.Row
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}

		var row model.Row
		row.County = rec[0]
		if row.Year, err = strconv.Atoi(rec[1]); err != nil {
			return nil, fmt.Errorf("line %d: year: %w", line, err)
		}
		fields := []*float64{&row.AvgGDPValue, &row.AvgPopulation, &row.AvgUnemploymentRate, &row.GDPGrowthRate}
		for i, dst := range fields {
			v, err := strconv.ParseFloat(rec[i+2], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, model.RowColumns[i+2], err)
			}
			*dst = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadCSV reads a transformed file from disk.
func ReadCSV(path string) ([]model.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeCSV(f)
}
