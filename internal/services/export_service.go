package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/xuri/excelize/v2"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"
)

// JobResultSource is satisfied by *queue.Queue.
type JobResultSource interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	JobResult(ctx context.Context, id string) (*models.BatchGradingResult, error)
}

// ExportService renders completed job results as spreadsheets
type ExportService interface {
	ExportJobResults(ctx context.Context, jobID string) ([]byte, error)
}

type exportService struct {
	jobs   JobResultSource
	logger utils.Logger
}

func NewExportService(jobs JobResultSource, logger utils.Logger) ExportService {
	return &exportService{jobs: jobs, logger: logger}
}

var resultHeaders = []string{
	"Question ID", "Score", "Points Earned", "Points Possible", "Correct",
	"Confidence", "Engine", "Misconception", "Flags", "Rationale",
}

func (s *exportService) ExportJobResults(ctx context.Context, jobID string) ([]byte, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result, err := s.jobs.JobResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Exporting job results", "job_id", jobID, "questions", len(result.Results))

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(resultsSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create Excel sheet: %w", err)
	}
	f.SetActiveSheet(index)
	// NewFile starts with Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to remove default sheet: %w", err)
	}

	if err := writeRow(f, resultsSheet, 1, toInterfaces(resultHeaders)); err != nil {
		return nil, err
	}
	for i, r := range result.Results {
		if err := writeRow(f, resultsSheet, i+2, resultRow(r)); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("failed to create Excel sheet: %w", err)
	}
	summary := [][]interface{}{
		{"Job ID", job.ID},
		{"Priority", string(job.Priority)},
		{"Retries", job.Retries},
		{"Total Questions", result.Metadata.TotalQuestions},
		{"Average Confidence", result.Metadata.AverageConfidence},
		{"Fallback Results", result.Metadata.FailureCount},
		{"Cache Hits", result.Metadata.CacheHits},
		{"Processing Time (ms)", result.Metadata.ProcessingTime.Milliseconds()},
	}
	if job.CompletedAt != nil {
		summary = append(summary, []interface{}{"Completed At", job.CompletedAt.Format("2006-01-02 15:04:05")})
	}
	for i, row := range summary {
		if err := writeRow(f, summarySheet, i+1, row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write Excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func resultRow(r models.GradedAnswer) []interface{} {
	row := []interface{}{r.QuestionID, r.Score, "", "", r.IsCorrect, r.Confidence, r.Model.String(), "", "", r.Rationale}
	if r.PointsEarned != nil {
		row[2] = *r.PointsEarned
	}
	if r.PointsPossible != nil {
		row[3] = *r.PointsPossible
	}
	if r.MisconceptionCategory != nil {
		row[7] = *r.MisconceptionCategory
	}
	var flags []string
	for name, set := range r.QualityFlags {
		if set {
			flags = append(flags, name)
		}
	}
	sort.Strings(flags)
	row[8] = strings.Join(flags, ",")
	return row
}

func writeRow(f *excelize.File, sheet string, rowNum int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("failed to resolve cell: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d: %w", rowNum, err)
	}
	return nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
