package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/cache"
	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/SAP-F-2025/grading-service/internal/grading"
	"github.com/SAP-F-2025/grading-service/internal/metrics"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/results"
	"github.com/SAP-F-2025/grading-service/internal/router"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/SAP-F-2025/grading-service/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter grades every question with a fixed verdict unless behave says otherwise.
type fakeAdapter struct {
	kind      models.EngineKind
	batchSize int
	timeout   time.Duration
	behave    func(chunk []models.QuestionInput) error

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
	confidence  float64
}

func (f *fakeAdapter) Kind() models.EngineKind { return f.kind }
func (f *fakeAdapter) MaxBatchSize() int       { return f.batchSize }
func (f *fakeAdapter) Timeout() time.Duration  { return f.timeout }

func (f *fakeAdapter) GradeBatch(ctx context.Context, chunk []models.QuestionInput) (*models.BatchGradingResult, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if n <= prev || f.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.behave != nil {
		if err := f.behave(chunk); err != nil {
			return nil, err
		}
	}
	confidence := f.confidence
	if confidence == 0 {
		confidence = 0.8
	}
	out := make([]models.GradedAnswer, len(chunk))
	for i, q := range chunk {
		out[i] = models.GradedAnswer{
			QuestionID: q.ID,
			Score:      90,
			IsCorrect:  true,
			Rationale:  fmt.Sprintf("%s graded %s", f.kind, q.ID),
			Model:      f.kind,
			Confidence: confidence,
		}
	}
	return grading.NewBatchResult(out, 0), nil
}

type captureRecorder struct {
	mu       sync.Mutex
	outcomes []models.EscalationOutcome
}

func (c *captureRecorder) Record(o models.EscalationOutcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
}

func (c *captureRecorder) ofType(kind models.EscalationType) []models.EscalationOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.EscalationOutcome
	for _, o := range c.outcomes {
		if o.EscalationType == kind {
			out = append(out, o)
		}
	}
	return out
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

type fixture struct {
	manager  *Manager
	cache    *cache.TieredManager
	recorder *captureRecorder
	rule     grading.Adapter
	local    *fakeAdapter
	remote   *fakeAdapter
}

func newFixture(t *testing.T, local, remote *fakeAdapter, hybrid bool, concurrency int) *fixture {
	t.Helper()
	logger := utils.NewNopLogger()
	m := metrics.NewNopMetrics()
	scorer := grading.NewScorer(grading.DefaultThresholds())
	rule := grading.NewRuleAdapter(scorer, 100, time.Second)

	adapters := []grading.Adapter{rule}
	if local != nil {
		adapters = append(adapters, local)
	}
	if remote != nil {
		adapters = append(adapters, remote)
	}

	rec := &captureRecorder{}
	v := validator.New()
	r := router.New(router.Options{
		Thresholds:    grading.DefaultThresholds(),
		HybridMode:    hybrid,
		LocalEnabled:  local != nil,
		RemoteEnabled: remote != nil,
	}, rec, m)
	c := cache.NewTieredManager(cache.Options{MaxEntries: 1000, TTL: time.Hour}, nil, logger, m)
	p := results.NewProcessor(grading.DefaultThresholds(), v, logger, rec)

	mgr := NewManager(adapters, r, c, p, scorer, v, Options{DefaultConcurrency: concurrency}, logger, m)
	return &fixture{manager: mgr, cache: c, recorder: rec, rule: rule, local: local, remote: remote}
}

func openQuestions(n int) []models.QuestionInput {
	qs := make([]models.QuestionInput, n)
	for i := range qs {
		qs[i] = models.QuestionInput{
			ID:            fmt.Sprintf("q%03d", i),
			Prompt:        "Describe the process",
			StudentAnswer: fmt.Sprintf("student answer %d", i),
			CorrectAnswer: strPtr("reference answer"),
			QuestionType:  models.ShortAnswer,
		}
	}
	return qs
}

func assertOnePerQuestion(t *testing.T, qs []models.QuestionInput, res *models.BatchGradingResult) {
	t.Helper()
	require.Len(t, res.Results, len(qs))
	assert.Equal(t, len(qs), res.Metadata.TotalQuestions)
	seen := make(map[string]bool)
	for i, r := range res.Results {
		assert.Equal(t, qs[i].ID, r.QuestionID)
		assert.False(t, seen[r.QuestionID], "duplicate %s", r.QuestionID)
		seen[r.QuestionID] = true
		if r.PointsEarned != nil && r.PointsPossible != nil {
			assert.LessOrEqual(t, *r.PointsEarned, *r.PointsPossible)
		}
	}
}

func TestManager_GradeRoutesAndPreservesOrder(t *testing.T) {
	local := &fakeAdapter{kind: models.EngineLocal, batchSize: 3}
	f := newFixture(t, local, nil, false, 2)

	qs := openQuestions(7)
	qs[2].QuestionType = models.MultipleChoice
	qs[2].StudentAnswer = "B"
	qs[2].CorrectAnswer = strPtr("B")

	res, err := f.manager.Grade(context.Background(), qs)

	require.NoError(t, err)
	assertOnePerQuestion(t, qs, res)
	assert.Equal(t, models.EngineRule, res.Results[2].Model)
	assert.Equal(t, 100.0, res.Results[2].Score)
	assert.Equal(t, models.EngineLocal, res.Results[0].Model)
	assert.Equal(t, int32(2), local.calls.Load(), "6 local questions in chunks of 3")
	assert.False(t, res.Metadata.FallbackUsed)
}

func TestManager_CountInvariantUnderFailures(t *testing.T) {
	local := &fakeAdapter{
		kind:      models.EngineLocal,
		batchSize: 4,
		behave: func(chunk []models.QuestionInput) error {
			switch chunk[0].ID {
			case "q000":
				return apperrors.NewEngineError("local", "boom", apperrors.ErrEngineUnavailable)
			case "q004":
				panic("adapter bug")
			}
			return nil
		},
	}
	f := newFixture(t, local, nil, false, 4)
	qs := openQuestions(13)
	qs[5].PointsPossible = floatPtr(3)

	res, err := f.manager.Grade(context.Background(), qs)

	require.NoError(t, err)
	assertOnePerQuestion(t, qs, res)
	for i := 0; i < 8; i++ {
		assert.True(t, res.Results[i].IsFallback(), "question %d", i)
		assert.Equal(t, models.EngineRule, res.Results[i].Model)
	}
	for i := 8; i < 13; i++ {
		assert.False(t, res.Results[i].IsFallback(), "question %d", i)
	}
	assert.Equal(t, 8, res.Metadata.FailureCount)
	assert.True(t, res.Metadata.FallbackUsed)
}

func TestManager_ChunkTimeoutFallsBack(t *testing.T) {
	local := &fakeAdapter{kind: models.EngineLocal, batchSize: 10, timeout: 20 * time.Millisecond, delay: 500 * time.Millisecond}
	f := newFixture(t, local, nil, false, 1)
	qs := openQuestions(3)

	start := time.Now()
	res, err := f.manager.Grade(context.Background(), qs)

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assertOnePerQuestion(t, qs, res)
	for _, r := range res.Results {
		assert.True(t, r.IsFallback())
		assert.Contains(t, r.Rationale, "timed out")
	}

	outcomes := f.recorder.ofType(models.EscalationFallbackTriggered)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, models.EngineLocal, o.OriginalService)
		assert.Equal(t, models.EngineRule, o.SelectedSolution)
		assert.False(t, o.Success)
		assert.GreaterOrEqual(t, o.ProcessingTimeMs, int64(20))
		assert.Less(t, o.ProcessingTimeMs, int64(400))
	}
}

func TestManager_BoundedConcurrency(t *testing.T) {
	local := &fakeAdapter{kind: models.EngineLocal, batchSize: 1, delay: 10 * time.Millisecond}
	f := newFixture(t, local, nil, false, 3)

	res, err := f.manager.Grade(context.Background(), openQuestions(12))

	require.NoError(t, err)
	assert.Len(t, res.Results, 12)
	assert.Equal(t, int32(12), local.calls.Load())
	assert.LessOrEqual(t, local.maxInFlight.Load(), int32(3))
}

func TestManager_CacheIdempotence(t *testing.T) {
	local := &fakeAdapter{kind: models.EngineLocal, batchSize: 10}
	f := newFixture(t, local, nil, false, 2)
	qs := openQuestions(5)
	qs[0].SkillTags = []string{"b", "a"}

	first, err := f.manager.Grade(context.Background(), qs)
	require.NoError(t, err)
	calls := local.calls.Load()

	qs[0].SkillTags = []string{"a", "b"}
	second, err := f.manager.Grade(context.Background(), qs)
	require.NoError(t, err)

	assert.Equal(t, calls, local.calls.Load(), "no adapter call on cache hit")
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 5, second.Metadata.CacheHits)
	assert.Zero(t, first.Metadata.CacheHits)
}

func TestManager_FallbacksAreNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	local := &fakeAdapter{kind: models.EngineLocal, batchSize: 10, behave: func([]models.QuestionInput) error {
		if fail.Load() {
			return apperrors.ErrEngineUnavailable
		}
		return nil
	}}
	f := newFixture(t, local, nil, false, 2)
	qs := openQuestions(2)

	first, err := f.manager.Grade(context.Background(), qs)
	require.NoError(t, err)
	assert.True(t, first.Metadata.FallbackUsed)

	fail.Store(false)
	second, err := f.manager.Grade(context.Background(), qs)
	require.NoError(t, err)
	assert.False(t, second.Metadata.FallbackUsed)
	assert.Equal(t, int32(2), local.calls.Load())
}

func TestManager_HybridMerge(t *testing.T) {
	local := &fakeAdapter{kind: models.EngineLocal, batchSize: 10, confidence: 0.6}
	remote := &fakeAdapter{kind: models.EngineRemote, batchSize: 10, confidence: 0.9}
	f := newFixture(t, local, remote, true, 2)

	qs := openQuestions(2)
	qs[1].QuestionType = models.Essay
	qs[1].RequestMisconceptions = true

	res, err := f.manager.Grade(context.Background(), qs)

	require.NoError(t, err)
	assertOnePerQuestion(t, qs, res)
	assert.Equal(t, models.EngineLocal, res.Results[0].Model)
	assert.Equal(t, models.EngineHybrid, res.Results[1].Model)
	assert.Contains(t, res.Results[1].Rationale, "[remote]")
	assert.Equal(t, int32(2), local.calls.Load())
	assert.Equal(t, int32(1), remote.calls.Load())
}

func TestManager_RemoteOnlyWhenLocalDisabled(t *testing.T) {
	remote := &fakeAdapter{kind: models.EngineRemote, batchSize: 10}
	f := newFixture(t, nil, remote, true, 2)
	qs := openQuestions(1)
	qs[0].QuestionType = models.Essay
	qs[0].RequestMisconceptions = true

	res, err := f.manager.Grade(context.Background(), qs)

	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.EngineRemote, res.Results[0].Model)
}

func TestManager_MissingAdapterFallsBack(t *testing.T) {
	local := &fakeAdapter{kind: models.EngineLocal, batchSize: 10}
	f := newFixture(t, local, nil, false, 2)
	delete(f.manager.adapters, models.EngineLocal)
	qs := openQuestions(3)

	res, err := f.manager.Grade(context.Background(), qs)

	require.NoError(t, err)
	assertOnePerQuestion(t, qs, res)
	assert.Zero(t, local.calls.Load())
	for _, r := range res.Results {
		assert.True(t, r.IsFallback())
		assert.Contains(t, r.Rationale, "not configured")
	}
	outcomes := f.recorder.ofType(models.EscalationFallbackTriggered)
	require.Len(t, outcomes, 3)
	assert.Zero(t, outcomes[0].ProcessingTimeMs)
	assert.Equal(t, []models.EngineKind{models.EngineRule}, f.manager.Engines())
}

func TestManager_Validation(t *testing.T) {
	f := newFixture(t, nil, nil, false, 1)

	_, err := f.manager.Grade(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrEmptyBatch)

	qs := openQuestions(2)
	qs[1].ID = qs[0].ID
	_, err = f.manager.Grade(context.Background(), qs)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestManager_CancelledContext(t *testing.T) {
	local := &fakeAdapter{kind: models.EngineLocal, batchSize: 1, delay: 50 * time.Millisecond}
	f := newFixture(t, local, nil, false, 1)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := f.manager.Grade(ctx, openQuestions(5))
	wg.Wait()

	assert.ErrorIs(t, err, context.Canceled)
}
