package load

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/kenyadata/gdpetl/internal/model"
	"github.com/kenyadata/gdpetl/internal/objectstore"
	"github.com/kenyadata/gdpetl/internal/retry"
)

// ParquetRow is the on-disk layout of one exported row.
type ParquetRow struct {
	County              string  `parquet:"name=County, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Year                int32   `parquet:"name=Year, type=INT32"`
	AvgGDPValue         float64 `parquet:"name=Avg_GDP_Value, type=DOUBLE"`
	AvgPopulation       float64 `parquet:"name=Avg_Population, type=DOUBLE"`
	AvgUnemploymentRate float64 `parquet:"name=Avg_Unemployment_Rate, type=DOUBLE"`
	GDPGrowthRate       float64 `parquet:"name=GDP_Growth_Rate, type=DOUBLE"`
}

// PartitionPath returns the relative path of one year's export file:
// <table>/Year=<yyyy>/part-<run>.parquet.
func PartitionPath(table string, year int, runID string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		table = table[i+1:]
	}
	return path.Join(table, fmt.Sprintf("Year=%d", year), fmt.Sprintf("part-%s.parquet", runID))
}

func (l *Loader) export(ctx context.Context, rows []model.Row, target Target, runID string, res *Result) error {
	byYear := make(map[int][]model.Row)
	for _, r := range rows {
		byYear[r.Year] = append(byYear[r.Year], r)
	}

	for _, year := range res.Partitions {
		rel := PartitionPath(target.Table, year, runID)
		local := filepath.Join(l.cfg.ExportDir, filepath.FromSlash(rel))

		if target.Mode == model.LoadReplacePartitions {
			// The partition directory mirrors the warehouse partition.
			if err := os.RemoveAll(filepath.Dir(local)); err != nil {
				return fmt.Errorf("clear export partition %d: %w", year, err)
			}
		}
		if err := WriteParquet(local, byYear[year]); err != nil {
			return fmt.Errorf("export partition %d: %w", year, err)
		}
		res.Exported = append(res.Exported, local)

		if l.cfg.Archive == nil {
			continue
		}
		uri, err := l.archive(ctx, local, rel)
		if err != nil {
			return fmt.Errorf("archive partition %d: %w", year, err)
		}
		res.Archived = append(res.Archived, uri)

		if target.Mode == model.LoadReplacePartitions {
			if err := l.pruneArchive(ctx, rel); err != nil {
				return fmt.Errorf("prune archived partition %d: %w", year, err)
			}
		}
	}
	log.Printf("load: exported %d parquet partitions for %s", len(res.Exported), target.Table)
	return nil
}

func (l *Loader) archive(ctx context.Context, local, key string) (string, error) {
	var uri string
	err := retry.Do(ctx, l.cfg.Retry, func(ctx context.Context, attempt int) error {
		u, err := l.cfg.Archive.UploadFile(ctx, local, key)
		if err != nil {
			if objectstore.IsRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		uri = u
		return nil
	})
	return uri, err
}

// pruneArchive removes parts of keep's partition written by other runs, so the
// archive holds one part per year like the warehouse.
func (l *Loader) pruneArchive(ctx context.Context, keep string) error {
	keys, err := l.cfg.Archive.List(ctx, path.Dir(keep)+"/")
	if err != nil {
		return err
	}
	removed := 0
	for _, k := range keys {
		base := path.Base(k)
		if k == keep || !strings.HasPrefix(base, "part-") || !strings.HasSuffix(base, ".parquet") {
			continue
		}
		if err := l.cfg.Archive.Remove(ctx, k); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		log.Printf("load: removed %d stale archived parts under %s", removed, path.Dir(keep))
	}
	return nil
}

// WriteParquet writes rows as a Snappy-compressed Parquet file at path.
func WriteParquet(path string, rows []model.Row) error {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewParquetWriter(pfw, new(ParquetRow), 4)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		pr := ParquetRow{
			County:              r.County,
			Year:                int32(r.Year),
			AvgGDPValue:         r.AvgGDPValue,
			AvgPopulation:       r.AvgPopulation,
			AvgUnemploymentRate: r.AvgUnemploymentRate,
			GDPGrowthRate:       r.GDPGrowthRate,
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return fmt.Errorf("finish parquet file: %w", err)
	}
	_ = pfw.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
