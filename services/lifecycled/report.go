package lifecycled

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ReportWriter exports one divergence report per settled reconciliation job,
// as CSV and Parquet side by side, for operator review.
type ReportWriter struct {
	dir string
}

// NewReportWriter prepares the output directory.
func NewReportWriter(dir string) (*ReportWriter, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("lifecycled: report directory required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("lifecycled: create report directory: %w", err)
	}
	return &ReportWriter{dir: trimmed}, nil
}

type reportRow struct {
	JobID      string `parquet:"name=job_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind       string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	AssetID    string `parquet:"name=asset_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Matched    bool   `parquet:"name=matched, type=BOOLEAN"`
	Rearmed    bool   `parquet:"name=rearmed, type=BOOLEAN"`
	SettledAt  string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ScheduleAt string `parquet:"name=scheduled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Append writes the report files for one settled job.
func (w *ReportWriter) Append(job *ReconJob, matched bool, settledAt time.Time) error {
	rows := make([]reportRow, 0, len(job.AssetIDs))
	for _, id := range job.AssetIDs {
		rows = append(rows, reportRow{
			JobID:      job.ID.String(),
			Kind:       string(job.Kind),
			Account:    job.Account,
			AssetID:    id,
			Matched:    matched,
			Rearmed:    job.rearmed,
			SettledAt:  settledAt.UTC().Format(time.RFC3339),
			ScheduleAt: job.RunAt.UTC().Format(time.RFC3339),
		})
	}
	base := filepath.Join(w.dir, fmt.Sprintf("recon-%s-%s", settledAt.UTC().Format("20060102T150405"), job.ID))
	if err := w.writeCSV(base+".csv", rows); err != nil {
		return err
	}
	return w.writeParquet(base+".parquet", rows)
}

func (w *ReportWriter) writeCSV(path string, rows []reportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("lifecycled: create report csv: %w", err)
	}
	defer file.Close()
	cw := csv.NewWriter(file)
	header := []string{"job_id", "kind", "account", "asset_id", "matched", "rearmed", "settled_at", "scheduled_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("lifecycled: write report header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.JobID,
			row.Kind,
			row.Account,
			row.AssetID,
			fmt.Sprintf("%t", row.Matched),
			fmt.Sprintf("%t", row.Rearmed),
			row.SettledAt,
			row.ScheduleAt,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("lifecycled: write report row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("lifecycled: flush report csv: %w", err)
	}
	return nil
}

func (w *ReportWriter) writeParquet(path string, rows []reportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("lifecycled: create report parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(reportRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("lifecycled: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("lifecycled: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("lifecycled: finish parquet: %w", err)
	}
	return file.Close()
}
