package grading

import (
	"fmt"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/google/uuid"
)

// fallbackConfidenceFactor scales the rule verdict's confidence when it stands in for another engine.
const fallbackConfidenceFactor = 0.5

// NewCorrelationID returns an id tying a fallback result to its log record.
func NewCorrelationID() string {
	return uuid.NewString()
}

// FallbackResult is the structurally valid zero-score verdict substituted for a malformed or missing engine result.
func FallbackResult(q models.QuestionInput, engine models.EngineKind, reason, correlationID string) models.GradedAnswer {
	answer := models.GradedAnswer{
		QuestionID: q.ID,
		Score:      0,
		IsCorrect:  false,
		Rationale:  fmt.Sprintf("Automatic grading failed: %s (ref %s)", reason, correlationID),
		Model:      engine,
		Confidence: 0,
	}
	ApplyPoints(&answer, q)
	answer.SetFlag(models.FlagFallback)
	return answer
}

// RuleFallback grades q with the rule scorer in place of a failed engine, at reduced confidence.
func RuleFallback(scorer *Scorer, q models.QuestionInput, reason string) models.GradedAnswer {
	answer := scorer.Score(q)
	answer.Confidence = Round2(answer.Confidence * fallbackConfidenceFactor)
	answer.Rationale = fmt.Sprintf("%s (rule fallback: %s)", answer.Rationale, reason)
	answer.SetFlag(models.FlagFallback)
	return answer
}

// RuleFallbackBatch applies RuleFallback to every question, preserving order.
func RuleFallbackBatch(scorer *Scorer, questions []models.QuestionInput, reason string) []models.GradedAnswer {
	out := make([]models.GradedAnswer, len(questions))
	for i, q := range questions {
		out[i] = RuleFallback(scorer, q, reason)
	}
	return out
}
