// Package results repairs and reconciles engine output before it reaches callers.
package results

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/grading"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/router"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/SAP-F-2025/grading-service/internal/validator"
)

// Issue names reported by Sanitize.
const (
	IssueQuestionID = "question_id_mismatch"
	IssueScore      = "score_out_of_range"
	IssueConfidence = "confidence_out_of_range"
	IssuePoints     = "points_out_of_range"
	IssueCorrect    = "correctness_inconsistent"
	IssueRationale  = "rationale_missing"
	IssueModel      = "model_unknown"
)

type Processor struct {
	thresholds grading.Thresholds
	validator  *validator.Validator
	logger     utils.Logger
	recorder   router.EscalationRecorder
}

// NewProcessor builds a Processor; a nil v skips schema validation in Finalize.
func NewProcessor(thresholds grading.Thresholds, v *validator.Validator, logger utils.Logger, recorder router.EscalationRecorder) *Processor {
	if recorder == nil {
		recorder = router.NopRecorder{}
	}
	return &Processor{thresholds: thresholds, validator: v, logger: logger, recorder: recorder}
}

// Reconcile returns exactly one result per question in question order. Results are matched
// by question id; missing ones are padded with fallbacks attributed to engine and extras dropped.
func (p *Processor) Reconcile(ctx context.Context, questions []models.QuestionInput, results []models.GradedAnswer, engine models.EngineKind) []models.GradedAnswer {
	byID := make(map[string]models.GradedAnswer, len(results))
	extras := 0
	for _, r := range results {
		if _, dup := byID[r.QuestionID]; dup {
			extras++
			continue
		}
		byID[r.QuestionID] = r
	}

	out := make([]models.GradedAnswer, len(questions))
	var padded []string
	for i, q := range questions {
		if r, ok := byID[q.ID]; ok {
			out[i] = r
			delete(byID, q.ID)
			continue
		}
		cid := grading.NewCorrelationID()
		out[i] = grading.FallbackResult(q, engine, "engine returned no result for this question", cid)
		out[i].SetFlag(models.FlagPadded)
		padded = append(padded, q.ID)
	}
	extras += len(byID)

	if len(padded) > 0 || extras > 0 {
		p.logger.WarnContext(ctx, "Result count mismatch reconciled",
			"engine", engine,
			"expected", len(questions),
			"received", len(results),
			"padded", len(padded),
			"trimmed", extras)
	}
	return out
}

// Sanitize repairs grading-logic violations in place and returns the issues it fixed.
func (p *Processor) Sanitize(q models.QuestionInput, answer *models.GradedAnswer) []string {
	var issues []string

	if answer.QuestionID != q.ID {
		answer.QuestionID = q.ID
		issues = append(issues, IssueQuestionID)
	}
	if !answer.Model.Valid() {
		answer.Model = models.EngineRule
		issues = append(issues, IssueModel)
	}

	if clamped := clamp(answer.Score, 0, 100); clamped != answer.Score {
		answer.Score = clamped
		answer.SetFlag(models.FlagScoreClamped)
		issues = append(issues, IssueScore)
	}
	if clamped := clamp(answer.Confidence, 0, 1); clamped != answer.Confidence {
		answer.Confidence = clamped
		answer.SetFlag(models.FlagScoreClamped)
		issues = append(issues, IssueConfidence)
	}

	if p.sanitizePoints(q, answer) {
		answer.SetFlag(models.FlagPointsClamped)
		issues = append(issues, IssuePoints)
	}

	if correct := p.thresholds.CorrectScore(answer.Score); correct != answer.IsCorrect {
		answer.IsCorrect = correct
		answer.SetFlag(models.FlagCorrectnessFix)
		issues = append(issues, IssueCorrect)
	}

	if answer.Rationale == "" {
		answer.Rationale = fmt.Sprintf("Graded by %s engine with score %.0f; no rationale was provided", answer.Model, answer.Score)
		answer.SetFlag(models.FlagRationaleFilled)
		issues = append(issues, IssueRationale)
	}

	return issues
}

// sanitizePoints keeps pointsEarned within [0, pointsPossible]; it reports whether a value was clamped.
func (p *Processor) sanitizePoints(q models.QuestionInput, answer *models.GradedAnswer) bool {
	if q.PointsPossible != nil && answer.PointsPossible == nil {
		possible := *q.PointsPossible
		answer.PointsPossible = &possible
	}
	if answer.PointsPossible == nil {
		return false
	}
	if answer.PointsEarned == nil {
		earned := grading.Round2(*answer.PointsPossible * answer.Score / 100)
		answer.PointsEarned = &earned
		return false
	}
	possible := math.Max(*answer.PointsPossible, 0)
	if clamped := clamp(*answer.PointsEarned, 0, possible); clamped != *answer.PointsEarned {
		answer.PointsEarned = &clamped
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}

// Merge picks between a local and a remote verdict for one question: a real verdict beats a
// fallback, then higher confidence wins, ties going to remote.
func (p *Processor) Merge(local, remote models.GradedAnswer) models.GradedAnswer {
	var chosen models.GradedAnswer
	switch {
	case local.IsFallback() && !remote.IsFallback():
		chosen = remote.Clone()
	case remote.IsFallback() && !local.IsFallback():
		chosen = local.Clone()
	case local.Confidence > remote.Confidence:
		chosen = local.Clone()
	default:
		chosen = remote.Clone()
	}
	chosen.Rationale = fmt.Sprintf("[%s] %s", chosen.Model, chosen.Rationale)
	chosen.Model = models.EngineHybrid
	chosen.SetFlag(models.FlagMerged)
	return chosen
}

// Finalize reconciles, validates, sanitizes and summarizes the assembled batch. An answer that
// still fails schema validation after repair is replaced by a fallback.
func (p *Processor) Finalize(ctx context.Context, questions []models.QuestionInput, results []models.GradedAnswer, elapsed time.Duration) *models.BatchGradingResult {
	reconciled := p.Reconcile(ctx, questions, results, models.EngineRule)
	for i := range reconciled {
		original := reconciled[i].Model
		schemaErr := p.validate(&reconciled[i])
		issues := p.Sanitize(questions[i], &reconciled[i])
		if schemaErr == nil && len(issues) == 0 {
			continue
		}

		repaired := true
		if schemaErr != nil {
			if err := p.validate(&reconciled[i]); err != nil {
				repaired = false
				cid := grading.NewCorrelationID()
				p.logger.ErrorContext(ctx, "Graded answer failed validation after repair",
					"question_id", questions[i].ID,
					"engine", original,
					"correlation_id", cid,
					"error", err)
				reconciled[i] = grading.FallbackResult(questions[i], models.EngineRule, "graded answer failed validation", cid)
			}
		}

		p.logger.WarnContext(ctx, "Repaired graded answer",
			"question_id", questions[i].ID,
			"engine", original,
			"issues", issues,
			"schema_error", schemaErr)
		p.recorder.Record(models.EscalationOutcome{
			QuestionID:       questions[i].ID,
			EscalationType:   models.EscalationValidationFailure,
			OriginalService:  original,
			SelectedSolution: reconciled[i].Model,
			Confidence:       reconciled[i].Confidence,
			ProcessingTimeMs: elapsed.Milliseconds(),
			Success:          repaired,
		})
	}
	return grading.NewBatchResult(reconciled, elapsed)
}

func (p *Processor) validate(answer *models.GradedAnswer) error {
	if p.validator == nil {
		return nil
	}
	return p.validator.ValidateGradedAnswer(answer)
}
