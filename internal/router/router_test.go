package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/grading"
	"github.com/SAP-F-2025/grading-service/internal/metrics"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories/memory"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	mu       sync.Mutex
	outcomes []models.EscalationOutcome
}

func (c *captureRecorder) Record(o models.EscalationOutcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
}

func strPtr(s string) *string { return &s }

// steppingClock advances by step on every call.
func steppingClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

func allEnabled() Options {
	return Options{Thresholds: grading.DefaultThresholds(), LocalEnabled: true, RemoteEnabled: true}
}

func TestRouter_Classify(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		q    models.QuestionInput
		want models.EngineKind
	}{
		{
			name: "multiple choice goes to rules",
			opts: allEnabled(),
			q:    models.QuestionInput{ID: "1", QuestionType: models.MultipleChoice, StudentAnswer: "B", CorrectAnswer: strPtr("C")},
			want: models.EngineRule,
		},
		{
			name: "normalized equality goes to rules",
			opts: allEnabled(),
			q:    models.QuestionInput{ID: "2", QuestionType: models.ShortAnswer, StudentAnswer: "The Nile!", CorrectAnswer: strPtr("the nile")},
			want: models.EngineRule,
		},
		{
			name: "misconception request escalates to remote",
			opts: allEnabled(),
			q: models.QuestionInput{ID: "3", QuestionType: models.Essay, RequestMisconceptions: true,
				StudentAnswer: "heavier objects fall faster", CorrectAnswer: strPtr("all objects accelerate equally")},
			want: models.EngineRemote,
		},
		{
			name: "misconception request with high similarity stays local",
			opts: allEnabled(),
			q: models.QuestionInput{ID: "4", QuestionType: models.ShortAnswer, RequestMisconceptions: true,
				StudentAnswer: "photosynthesiss", CorrectAnswer: strPtr("photosynthesis")},
			want: models.EngineLocal,
		},
		{
			name: "hybrid mode",
			opts: Options{Thresholds: grading.DefaultThresholds(), LocalEnabled: true, RemoteEnabled: true, HybridMode: true},
			q: models.QuestionInput{ID: "5", QuestionType: models.Essay, RequestMisconceptions: true,
				StudentAnswer: "because gravity", CorrectAnswer: strPtr("mass attracts mass")},
			want: models.EngineHybrid,
		},
		{
			name: "remote disabled keeps local",
			opts: Options{Thresholds: grading.DefaultThresholds(), LocalEnabled: true},
			q: models.QuestionInput{ID: "6", QuestionType: models.Essay, RequestMisconceptions: true,
				StudentAnswer: "x", CorrectAnswer: strPtr("y")},
			want: models.EngineLocal,
		},
		{
			name: "default is local",
			opts: allEnabled(),
			q:    models.QuestionInput{ID: "7", QuestionType: models.ShortAnswer, StudentAnswer: "x", CorrectAnswer: strPtr("y")},
			want: models.EngineLocal,
		},
		{
			name: "local disabled degrades to rules",
			opts: Options{Thresholds: grading.DefaultThresholds()},
			q:    models.QuestionInput{ID: "8", StudentAnswer: "x", CorrectAnswer: strPtr("y")},
			want: models.EngineRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.opts, nil, metrics.NewNopMetrics())
			sel := r.Classify(context.Background(), tt.q)
			assert.Equal(t, tt.want, sel.Engine)
			assert.NotEmpty(t, sel.Reason)
			assert.NotEmpty(t, sel.Complexity)
		})
	}
}

func TestRouter_RecordsEscalations(t *testing.T) {
	rec := &captureRecorder{}
	r := New(allEnabled(), rec, nil)
	r.now = steppingClock(7 * time.Millisecond)

	r.Classify(context.Background(), models.QuestionInput{
		ID: "q1", QuestionType: models.Essay, RequestMisconceptions: true,
		StudentAnswer: "a", CorrectAnswer: strPtr("b"), SkillTags: []string{"algebra", "logic"},
	})
	r.Classify(context.Background(), models.QuestionInput{ID: "q2", StudentAnswer: "a", CorrectAnswer: strPtr("b")})

	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, "q1", rec.outcomes[0].QuestionID)
	assert.Equal(t, models.EscalationSkillAmbiguity, rec.outcomes[0].EscalationType)
	assert.Equal(t, models.EngineLocal, rec.outcomes[0].OriginalService)
	assert.Equal(t, models.EngineRemote, rec.outcomes[0].SelectedSolution)
	assert.True(t, rec.outcomes[0].Success)
	assert.Equal(t, int64(7), rec.outcomes[0].ProcessingTimeMs)
}

func TestRouter_RecordsEscalationWhenRemoteDisabled(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		skills   []string
		wantKind models.EscalationType
		want     models.EngineKind
	}{
		{
			name:     "local takes over",
			opts:     Options{Thresholds: grading.DefaultThresholds(), LocalEnabled: true},
			wantKind: models.EscalationModelEscalation,
			want:     models.EngineLocal,
		},
		{
			name:     "rules take over",
			opts:     Options{Thresholds: grading.DefaultThresholds()},
			skills:   []string{"physics", "algebra"},
			wantKind: models.EscalationSkillAmbiguity,
			want:     models.EngineRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &captureRecorder{}
			r := New(tt.opts, rec, nil)
			r.now = steppingClock(3 * time.Millisecond)

			sel := r.Classify(context.Background(), models.QuestionInput{
				ID: "q1", QuestionType: models.Essay, RequestMisconceptions: true,
				StudentAnswer: "heavier objects fall faster", CorrectAnswer: strPtr("all objects accelerate equally"),
				SkillTags: tt.skills,
			})

			assert.Equal(t, tt.want, sel.Engine)
			require.Len(t, rec.outcomes, 1)
			got := rec.outcomes[0]
			assert.Equal(t, tt.wantKind, got.EscalationType)
			assert.Equal(t, tt.want, got.SelectedSolution)
			assert.False(t, got.Success)
			assert.Equal(t, int64(3), got.ProcessingTimeMs)
		})
	}
}

func TestRouter_RouteGroupsByEngine(t *testing.T) {
	r := New(allEnabled(), nil, nil)
	qs := []models.QuestionInput{
		{ID: "a", StudentAnswer: "x", CorrectAnswer: strPtr("y")},
		{ID: "b", QuestionType: models.TrueFalse, StudentAnswer: "true", CorrectAnswer: strPtr("false")},
		{ID: "c", StudentAnswer: "z", CorrectAnswer: strPtr("w")},
		{ID: "d", QuestionType: models.Essay, RequestMisconceptions: true, StudentAnswer: "p", CorrectAnswer: strPtr("q")},
	}

	groups := r.Route(context.Background(), qs)

	require.Len(t, groups, 3)
	assert.Equal(t, models.EngineRule, groups[0].Engine)
	assert.Equal(t, []int{1}, groups[0].Indices)
	assert.Equal(t, models.EngineLocal, groups[1].Engine)
	assert.Equal(t, []int{0, 2}, groups[1].Indices)
	assert.Equal(t, "c", groups[1].Questions[1].ID)
	assert.Equal(t, models.EngineRemote, groups[2].Engine)
	assert.Equal(t, []int{3}, groups[2].Indices)
}

func TestAsyncRecorder_PersistsAndDrains(t *testing.T) {
	repo := memory.NewEscalationMemory()
	rec := NewAsyncRecorder(repo, utils.NewNopLogger(), metrics.NewNopMetrics(), 8)

	for i := 0; i < 5; i++ {
		rec.Record(models.EscalationOutcome{QuestionID: "q", EscalationType: models.EscalationFallbackTriggered, ProcessingTimeMs: int64(10 * (i + 1))})
	}
	rec.Close()
	rec.Close()
	rec.Record(models.EscalationOutcome{QuestionID: "late"}) // ignored after close

	counts, err := repo.CountByType(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[models.EscalationFallbackTriggered])
	stored := repo.All()
	require.Len(t, stored, 5)
	var total int64
	for _, o := range stored {
		assert.Positive(t, o.ProcessingTimeMs)
		total += o.ProcessingTimeMs
	}
	assert.Equal(t, int64(150), total)
}
