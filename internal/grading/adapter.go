package grading

import (
	"context"
	"math"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
)

// Adapter is a grading engine. GradeBatch must return exactly one result per question, in order;
// an error means the whole call failed and the caller substitutes fallbacks.
type Adapter interface {
	Kind() models.EngineKind
	MaxBatchSize() int
	Timeout() time.Duration
	GradeBatch(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error)
}

// Thresholds are the similarity bands used for correctness and partial credit.
type Thresholds struct {
	Correct float64
	Partial float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Correct: 0.8, Partial: 0.6}
}

// CorrectScore reports whether a 0-100 score falls in the correct band.
func (t Thresholds) CorrectScore(score float64) bool {
	return score >= t.Correct*100
}

// PartialScore reports whether a 0-100 score earns at least partial credit.
func (t Thresholds) PartialScore(score float64) bool {
	return score >= t.Partial*100
}

// Chunk splits questions into consecutive slices of at most size elements.
func Chunk(questions []models.QuestionInput, size int) [][]models.QuestionInput {
	if size <= 0 || len(questions) <= size {
		if len(questions) == 0 {
			return nil
		}
		return [][]models.QuestionInput{questions}
	}
	chunks := make([][]models.QuestionInput, 0, (len(questions)+size-1)/size)
	for start := 0; start < len(questions); start += size {
		end := min(start+size, len(questions))
		chunks = append(chunks, questions[start:end])
	}
	return chunks
}

// ApplyPoints derives PointsEarned from the score when the question carries a point value.
func ApplyPoints(answer *models.GradedAnswer, q models.QuestionInput) {
	if q.PointsPossible == nil {
		return
	}
	possible := *q.PointsPossible
	earned := Round2(possible * answer.Score / 100)
	answer.PointsPossible = &possible
	answer.PointsEarned = &earned
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// NewBatchResult wraps ordered results with the metadata computed from them.
func NewBatchResult(results []models.GradedAnswer, elapsed time.Duration) *models.BatchGradingResult {
	meta := models.BatchMetadata{
		TotalQuestions: len(results),
		ProcessingTime: elapsed,
	}
	var confidence float64
	for i := range results {
		confidence += results[i].Confidence
		if results[i].IsFallback() {
			meta.FailureCount++
		}
	}
	if len(results) > 0 {
		meta.AverageConfidence = confidence / float64(len(results))
	}
	meta.FallbackUsed = meta.FailureCount > 0
	return &models.BatchGradingResult{Results: results, Metadata: meta}
}
