package results

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/grading"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/SAP-F-2025/grading-service/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	outcomes []models.EscalationOutcome
}

func (c *countingRecorder) Record(o models.EscalationOutcome) { c.outcomes = append(c.outcomes, o) }

func floatPtr(f float64) *float64 { return &f }

func newProcessor() *Processor {
	return NewProcessor(grading.DefaultThresholds(), validator.New(), utils.NewNopLogger(), nil)
}

func questions(n int) []models.QuestionInput {
	qs := make([]models.QuestionInput, n)
	for i := range qs {
		qs[i] = models.QuestionInput{ID: fmt.Sprintf("q%d", i+1), Prompt: "p", StudentAnswer: "a"}
	}
	return qs
}

func answer(id string, score float64, correct bool) models.GradedAnswer {
	return models.GradedAnswer{QuestionID: id, Score: score, IsCorrect: correct, Rationale: "r", Model: models.EngineRemote, Confidence: 0.9}
}

func TestReconcile_PadsMissingInOriginalPositions(t *testing.T) {
	p := newProcessor()
	qs := questions(5)
	got := p.Reconcile(context.Background(), qs, []models.GradedAnswer{
		answer("q1", 90, true),
		answer("q4", 90, true),
		answer("q2", 90, true),
	}, models.EngineRemote)

	require.Len(t, got, 5)
	for i, q := range qs {
		assert.Equal(t, q.ID, got[i].QuestionID)
	}
	assert.False(t, got[0].IsFallback())
	assert.False(t, got[1].IsFallback())
	assert.True(t, got[2].IsFallback())
	assert.False(t, got[3].IsFallback())
	assert.True(t, got[4].IsFallback())
	assert.True(t, got[4].QualityFlags[models.FlagPadded])
	assert.Equal(t, models.EngineRemote, got[4].Model)
}

func TestReconcile_TrimsExtrasAndDuplicates(t *testing.T) {
	p := newProcessor()
	got := p.Reconcile(context.Background(), questions(2), []models.GradedAnswer{
		answer("q1", 90, true),
		answer("q1", 10, false),
		answer("q2", 50, false),
		answer("zzz", 50, false),
	}, models.EngineLocal)

	require.Len(t, got, 2)
	assert.Equal(t, 90.0, got[0].Score)
	assert.Equal(t, 50.0, got[1].Score)
}

func TestSanitize(t *testing.T) {
	q := models.QuestionInput{ID: "q1", PointsPossible: floatPtr(10)}

	tests := []struct {
		name   string
		in     models.GradedAnswer
		issues []string
		check  func(t *testing.T, a models.GradedAnswer)
	}{
		{
			name:   "clean answer untouched",
			in:     answer("q1", 85, true),
			issues: nil,
			check: func(t *testing.T, a models.GradedAnswer) {
				assert.Equal(t, 8.5, *a.PointsEarned)
				assert.Empty(t, a.QualityFlags)
			},
		},
		{
			name:   "points clamped",
			in:     func() models.GradedAnswer { a := answer("q1", 85, true); a.PointsEarned = floatPtr(14); return a }(),
			issues: []string{IssuePoints},
			check: func(t *testing.T, a models.GradedAnswer) {
				assert.Equal(t, 10.0, *a.PointsEarned)
				assert.True(t, a.QualityFlags[models.FlagPointsClamped])
			},
		},
		{
			name:   "score clamped and correctness fixed",
			in:     answer("q1", 140, false),
			issues: []string{IssueScore, IssueCorrect},
			check: func(t *testing.T, a models.GradedAnswer) {
				assert.Equal(t, 100.0, a.Score)
				assert.True(t, a.IsCorrect)
			},
		},
		{
			name:   "inconsistent correctness",
			in:     answer("q1", 40, true),
			issues: []string{IssueCorrect},
			check: func(t *testing.T, a models.GradedAnswer) {
				assert.False(t, a.IsCorrect)
				assert.True(t, a.QualityFlags[models.FlagCorrectnessFix])
			},
		},
		{
			name:   "score on the correct boundary",
			in:     answer("q1", 80, true),
			issues: nil,
			check: func(t *testing.T, a models.GradedAnswer) {
				assert.True(t, a.IsCorrect)
			},
		},
		{
			name:   "score just under the correct boundary",
			in:     answer("q1", 79.99, true),
			issues: []string{IssueCorrect},
			check: func(t *testing.T, a models.GradedAnswer) {
				assert.False(t, a.IsCorrect)
			},
		},
		{
			name:   "missing rationale filled",
			in:     func() models.GradedAnswer { a := answer("q1", 90, true); a.Rationale = ""; return a }(),
			issues: []string{IssueRationale},
			check: func(t *testing.T, a models.GradedAnswer) {
				assert.NotEmpty(t, a.Rationale)
			},
		},
		{
			name:   "nan confidence",
			in:     func() models.GradedAnswer { a := answer("q1", 90, true); a.Confidence = math.NaN(); return a }(),
			issues: []string{IssueConfidence},
			check: func(t *testing.T, a models.GradedAnswer) {
				assert.Zero(t, a.Confidence)
			},
		},
	}

	p := newProcessor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.in
			issues := p.Sanitize(q, &a)
			assert.Equal(t, tt.issues, issues)
			tt.check(t, a)
			if a.PointsEarned != nil && a.PointsPossible != nil {
				assert.LessOrEqual(t, *a.PointsEarned, *a.PointsPossible)
			}
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	p := newProcessor()
	q := models.QuestionInput{ID: "q1", PointsPossible: floatPtr(5)}
	a := answer("q1", 120, false)

	require.NotEmpty(t, p.Sanitize(q, &a))
	assert.Empty(t, p.Sanitize(q, &a))
}

func TestMerge(t *testing.T) {
	p := newProcessor()

	local := answer("q1", 60, false)
	local.Model = models.EngineLocal
	local.Confidence = 0.95
	remote := answer("q1", 90, true)
	remote.Confidence = 0.7

	merged := p.Merge(local, remote)
	assert.Equal(t, 60.0, merged.Score)
	assert.Equal(t, models.EngineHybrid, merged.Model)
	assert.True(t, merged.QualityFlags[models.FlagMerged])
	assert.Contains(t, merged.Rationale, "[local]")

	local.Confidence = 0.7
	tie := p.Merge(local, remote)
	assert.Equal(t, 90.0, tie.Score, "ties go to remote")

	remote.SetFlag(models.FlagFallback)
	local.Confidence = 0.1
	preferReal := p.Merge(local, remote)
	assert.Equal(t, 60.0, preferReal.Score)
}

func TestFinalize(t *testing.T) {
	rec := &countingRecorder{}
	p := NewProcessor(grading.DefaultThresholds(), validator.New(), utils.NewNopLogger(), rec)
	qs := questions(3)

	res := p.Finalize(context.Background(), qs, []models.GradedAnswer{
		answer("q1", 90, true),
		answer("q2", 30, true),
	}, 25*time.Millisecond)

	require.Len(t, res.Results, 3)
	assert.Equal(t, 3, res.Metadata.TotalQuestions)
	assert.Equal(t, 1, res.Metadata.FailureCount)
	assert.True(t, res.Metadata.FallbackUsed)
	assert.Equal(t, 25*time.Millisecond, res.Metadata.ProcessingTime)
	assert.False(t, res.Results[1].IsCorrect)
	assert.InDelta(t, (0.9+0.9+0)/3, res.Metadata.AverageConfidence, 1e-9)

	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, models.EscalationValidationFailure, rec.outcomes[0].EscalationType)
	assert.Equal(t, "q2", rec.outcomes[0].QuestionID)
	assert.True(t, rec.outcomes[0].Success)
	assert.Equal(t, int64(25), rec.outcomes[0].ProcessingTimeMs)
}

func TestFinalize_RepairsSchemaViolations(t *testing.T) {
	rec := &countingRecorder{}
	p := NewProcessor(grading.DefaultThresholds(), validator.New(), utils.NewNopLogger(), rec)
	qs := questions(2)

	bad := models.GradedAnswer{QuestionID: "q1", Score: 150, Model: "gpt", Confidence: 0.5}
	res := p.Finalize(context.Background(), qs, []models.GradedAnswer{bad, answer("q2", 90, true)}, 40*time.Millisecond)

	require.Len(t, res.Results, 2)
	fixed := res.Results[0]
	assert.NoError(t, validator.New().ValidateGradedAnswer(&fixed))
	assert.Equal(t, 100.0, fixed.Score)
	assert.True(t, fixed.IsCorrect)
	assert.Equal(t, models.EngineRule, fixed.Model)
	assert.NotEmpty(t, fixed.Rationale)

	require.Len(t, rec.outcomes, 1)
	got := rec.outcomes[0]
	assert.Equal(t, models.EscalationValidationFailure, got.EscalationType)
	assert.Equal(t, models.EngineKind("gpt"), got.OriginalService)
	assert.Equal(t, models.EngineRule, got.SelectedSolution)
	assert.True(t, got.Success)
	assert.Equal(t, int64(40), got.ProcessingTimeMs)
}

func TestFinalize_WithoutValidator(t *testing.T) {
	rec := &countingRecorder{}
	p := NewProcessor(grading.DefaultThresholds(), nil, utils.NewNopLogger(), rec)

	res := p.Finalize(context.Background(), questions(1), []models.GradedAnswer{answer("q1", 90, true)}, 0)

	require.Len(t, res.Results, 1)
	assert.Empty(t, rec.outcomes)
}
