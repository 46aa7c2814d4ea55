package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

const sheet = "Jobs"

// Service produces XLSX bytes of an owner's job history.
type Service struct {
	jobs   repository.JobRepository
	logger *slog.Logger
}

func NewService(jobs repository.JobRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// ExportJobsXLSX returns a workbook with the owner's newest jobs first.
// limit <= 0 exports every job.
func (s *Service) ExportJobsXLSX(ctx context.Context, ownerID string, limit int) ([]byte, error) {
	start := time.Now()

	jobs, err := s.jobs.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("xlsx close failed", "err", err)
		}
	}()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	headers := []string{
		"Job ID",
		"Status",
		"Manual Retries",
		"Total Attempts",
		"Last Error",
		"Created",
		"Completed",
		"Content Hash",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, j := range jobs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, j.ID)
		write(2, string(j.Status))
		write(3, j.AttemptCount)
		write(4, j.TotalAttempts)
		write(5, truncate(j.ErrorText(), 140))
		write(6, j.CreatedAt.UTC().Format(time.RFC3339))
		if j.CompletedAt != nil {
			write(7, j.CompletedAt.UTC().Format(time.RFC3339))
		}
		write(8, j.ContentHash)
	}

	_ = f.SetColWidth(sheet, "A", "A", 38) // id
	_ = f.SetColWidth(sheet, "B", "B", 18) // status
	_ = f.SetColWidth(sheet, "C", "D", 14) // counters
	_ = f.SetColWidth(sheet, "E", "E", 48) // error
	_ = f.SetColWidth(sheet, "F", "G", 22) // timestamps
	_ = f.SetColWidth(sheet, "H", "H", 66) // hash

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"owner_id", ownerID,
		"rows", len(jobs),
		"bytes", buf.Len(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
