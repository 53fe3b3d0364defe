package services

import (
	"context"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"github.com/SAP-F-2025/grading-service/internal/utils"
)

// BatchGrader is satisfied by *batch.Manager.
type BatchGrader interface {
	Grade(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error)
	Engines() []models.EngineKind
}

// CacheStatsSource is satisfied by cache.Manager.
type CacheStatsSource interface {
	Stats(ctx context.Context) models.CacheStats
}

// GradingService grades synchronously, bypassing the job queue, and reports on the pipeline.
type GradingService interface {
	GradeBatch(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error)
	CacheStats(ctx context.Context) models.CacheStats
	EscalationStats(ctx context.Context, since time.Time) (*EscalationStats, error)
	Engines() []models.EngineKind
}

type EscalationStats struct {
	Since  time.Time                       `json:"since"`
	Counts map[models.EscalationType]int64 `json:"counts"`
	Total  int64                           `json:"total"`
}

type gradingService struct {
	grader      BatchGrader
	cache       CacheStatsSource
	escalations repositories.EscalationRepository
	logger      utils.Logger
	log         *utils.ServiceLogger
}

func NewGradingService(grader BatchGrader, cache CacheStatsSource, escalations repositories.EscalationRepository, logger utils.Logger) GradingService {
	return &gradingService{
		grader:      grader,
		cache:       cache,
		escalations: escalations,
		logger:      logger,
		log:         utils.NewServiceLogger(logger, utils.LogConfig{Service: "grading", Component: "grading_service"}),
	}
}

func (s *gradingService) GradeBatch(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error) {
	start := time.Now()
	s.logger.InfoContext(ctx, "Grading batch synchronously", "questions", len(questions))

	result, err := s.grader.Grade(ctx, questions)
	s.log.LogOperation(ctx, "grade_batch", "", "batch", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *gradingService) CacheStats(ctx context.Context) models.CacheStats {
	return s.cache.Stats(ctx)
}

func (s *gradingService) EscalationStats(ctx context.Context, since time.Time) (*EscalationStats, error) {
	counts, err := s.escalations.CountByType(ctx, since)
	if err != nil {
		return nil, err
	}
	stats := &EscalationStats{Since: since, Counts: counts}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

func (s *gradingService) Engines() []models.EngineKind {
	return s.grader.Engines()
}
