package grading

import (
	"context"
	"fmt"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
)

// Scorer is the deterministic string-comparison grader. It never fails.
type Scorer struct {
	thresholds Thresholds
}

func NewScorer(thresholds Thresholds) *Scorer {
	return &Scorer{thresholds: thresholds}
}

func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}

// Score grades one question by normalized comparison against its reference answer.
func (s *Scorer) Score(q models.QuestionInput) models.GradedAnswer {
	var answer models.GradedAnswer
	switch {
	case !q.HasExpected():
		answer = models.GradedAnswer{
			QuestionID: q.ID,
			Rationale:  "No reference answer supplied; rule grading cannot award credit",
			Model:      models.EngineRule,
			Confidence: 0.1,
		}
	case Normalize(q.StudentAnswer) == Normalize(q.Expected()):
		answer = models.GradedAnswer{
			QuestionID: q.ID,
			Score:      100,
			IsCorrect:  true,
			Rationale:  "Answer matches the reference answer",
			Model:      models.EngineRule,
			Confidence: 1,
		}
	default:
		sim := max(Similarity(q.StudentAnswer, q.Expected()), KeywordOverlap(q.StudentAnswer, q.Expected()))
		answer = s.fromSimilarity(q.ID, sim)
	}
	ApplyPoints(&answer, q)
	return answer
}

func (s *Scorer) fromSimilarity(questionID string, sim float64) models.GradedAnswer {
	answer := models.GradedAnswer{
		QuestionID: questionID,
		Model:      models.EngineRule,
		Confidence: Round2(sim),
	}
	// Bands are chosen on the reported score so a verdict never disagrees with its own score.
	score := Round2(sim * 100)
	switch {
	case s.thresholds.CorrectScore(score):
		answer.Score = score
		answer.IsCorrect = true
		answer.Rationale = fmt.Sprintf("Answer closely matches the reference (similarity %.2f)", sim)
	case s.thresholds.PartialScore(score):
		answer.Score = score
		answer.Rationale = fmt.Sprintf("Answer partially matches the reference (similarity %.2f); partial credit awarded", sim)
	default:
		answer.Rationale = fmt.Sprintf("Answer does not match the reference (similarity %.2f)", sim)
		answer.Confidence = Round2(1 - sim)
	}
	return answer
}

// RuleAdapter exposes the Scorer through the Adapter contract.
type RuleAdapter struct {
	scorer       *Scorer
	maxBatchSize int
	timeout      time.Duration
}

func NewRuleAdapter(scorer *Scorer, maxBatchSize int, timeout time.Duration) *RuleAdapter {
	return &RuleAdapter{scorer: scorer, maxBatchSize: maxBatchSize, timeout: timeout}
}

func (a *RuleAdapter) Kind() models.EngineKind { return models.EngineRule }
func (a *RuleAdapter) MaxBatchSize() int       { return a.maxBatchSize }
func (a *RuleAdapter) Timeout() time.Duration  { return a.timeout }

func (a *RuleAdapter) GradeBatch(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error) {
	start := time.Now()
	results := make([]models.GradedAnswer, 0, len(questions))
	for _, chunk := range Chunk(questions, a.maxBatchSize) {
		for _, q := range chunk {
			results = append(results, a.scorer.Score(q))
		}
	}
	return NewBatchResult(results, time.Since(start)), nil
}
