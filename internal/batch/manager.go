// Package batch grades a question batch end to end: cache, routing, concurrent engine
// dispatch, fallback substitution and result processing.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
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
)

const defaultConcurrency = 4

type Options struct {
	// Concurrency bounds in-flight chunks per engine; engines missing here use DefaultConcurrency.
	Concurrency        map[models.EngineKind]int
	DefaultConcurrency int
}

type Manager struct {
	adapters  map[models.EngineKind]grading.Adapter
	router    *router.Router
	cache     cache.Manager
	processor *results.Processor
	scorer    *grading.Scorer
	validator *validator.Validator
	opts      Options

	logger  utils.Logger
	log     *utils.ServiceLogger
	metrics *metrics.Metrics
}

func NewManager(
	adapters []grading.Adapter,
	r *router.Router,
	c cache.Manager,
	p *results.Processor,
	scorer *grading.Scorer,
	v *validator.Validator,
	opts Options,
	logger utils.Logger,
	m *metrics.Metrics,
) *Manager {
	byKind := make(map[models.EngineKind]grading.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = defaultConcurrency
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	return &Manager{
		adapters:  byKind,
		router:    r,
		cache:     c,
		processor: p,
		scorer:    scorer,
		validator: v,
		opts:      opts,
		logger:    logger,
		log:       utils.NewServiceLogger(logger, utils.LogConfig{Service: "grading", Component: "batch_manager"}),
		metrics:   m,
	}
}

// Grade returns exactly one result per question, in submission order. Engine failures never
// surface as errors; only invalid input or a cancelled ctx do.
func (m *Manager) Grade(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error) {
	start := time.Now()
	if len(questions) == 0 {
		return nil, apperrors.ErrEmptyBatch
	}
	if err := m.validator.ValidateQuestions(questions); err != nil {
		return nil, err
	}

	graded := make([]models.GradedAnswer, len(questions))
	cached := m.cache.GetCachedResults(ctx, questions)

	var missIdx []int
	var misses []models.QuestionInput
	for i, q := range questions {
		if r, ok := cached[q.ID]; ok {
			graded[i] = r
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, q)
	}

	if len(misses) > 0 {
		groups := m.router.Route(ctx, misses)
		var wg sync.WaitGroup
		for _, g := range groups {
			wg.Add(1)
			go func(g router.Group) {
				defer wg.Done()
				out := m.runGroup(ctx, g)
				for j, idx := range g.Indices {
					graded[missIdx[idx]] = out[j]
				}
			}(g)
		}
		wg.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := m.processor.Finalize(ctx, questions, graded, time.Since(start))
	res.Metadata.CacheHits = len(cached)

	if len(misses) > 0 {
		fresh := make([]models.GradedAnswer, len(missIdx))
		for j, idx := range missIdx {
			fresh[j] = res.Results[idx]
		}
		m.cache.WriteResults(ctx, fresh, misses)
	}
	return res, nil
}

func (m *Manager) runGroup(ctx context.Context, g router.Group) []models.GradedAnswer {
	if g.Engine != models.EngineHybrid {
		return m.runEngine(ctx, g.Engine, g.Questions)
	}

	var local, remote []models.GradedAnswer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		local = m.runEngine(ctx, models.EngineLocal, g.Questions)
	}()
	go func() {
		defer wg.Done()
		remote = m.runEngine(ctx, models.EngineRemote, g.Questions)
	}()
	wg.Wait()

	merged := make([]models.GradedAnswer, len(g.Questions))
	for i := range g.Questions {
		merged[i] = m.processor.Merge(local[i], remote[i])
	}
	return merged
}

// runEngine chunks questions to the adapter's batch size and grades the chunks through a
// bounded pool. The result always has len(questions) entries in order.
func (m *Manager) runEngine(ctx context.Context, kind models.EngineKind, questions []models.QuestionInput) []models.GradedAnswer {
	adapter, ok := m.adapters[kind]
	if !ok {
		return m.fallback(ctx, kind, questions, apperrors.NewEngineError(kind.String(), "not configured", apperrors.ErrEngineUnavailable), 0)
	}

	start := time.Now()
	chunks := grading.Chunk(questions, adapter.MaxBatchSize())
	out := make([][]models.GradedAnswer, len(chunks))
	sem := make(chan struct{}, m.concurrency(kind))
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []models.QuestionInput) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out[i] = m.fallback(ctx, kind, chunk, ctx.Err(), time.Since(start))
				return
			}
			defer func() { <-sem }()
			out[i] = m.runChunk(ctx, adapter, chunk)
		}(i, chunk)
	}
	wg.Wait()

	flat := make([]models.GradedAnswer, 0, len(questions))
	fallbacks := 0
	for _, part := range out {
		for _, r := range part {
			if r.IsFallback() {
				fallbacks++
			}
		}
		flat = append(flat, part...)
	}
	if fallbacks > 0 {
		m.metrics.FallbacksTotal.WithLabelValues(kind.String()).Add(float64(fallbacks))
	}
	return flat
}

type chunkOutcome struct {
	res *models.BatchGradingResult
	err error
}

// runChunk grades one chunk with the adapter's timeout. A timeout, error or panic is turned
// into rule fallbacks for just this chunk.
func (m *Manager) runChunk(ctx context.Context, adapter grading.Adapter, chunk []models.QuestionInput) []models.GradedAnswer {
	kind := adapter.Kind()
	start := time.Now()
	m.metrics.EngineRequestsTotal.WithLabelValues(kind.String()).Inc()
	defer func() {
		m.metrics.EngineDurationSeconds.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}()

	chunkCtx := ctx
	if timeout := adapter.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		chunkCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan chunkOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.LogRecovery(ctx, "grade_chunk:"+kind.String(), r, debug.Stack())
				done <- chunkOutcome{err: apperrors.NewEngineError(kind.String(), "panic", fmt.Errorf("%v", r))}
			}
		}()
		res, err := adapter.GradeBatch(chunkCtx, chunk)
		done <- chunkOutcome{res: res, err: err}
	}()

	var outcome chunkOutcome
	select {
	case outcome = <-done:
	case <-chunkCtx.Done():
		outcome.err = apperrors.NewEngineError(kind.String(), "timeout", apperrors.ErrChunkTimeout)
	}

	if outcome.err == nil && outcome.res == nil {
		outcome.err = apperrors.NewEngineError(kind.String(), "empty result", apperrors.ErrMalformedResponse)
	}
	if outcome.err != nil {
		return m.fallback(ctx, kind, chunk, outcome.err, time.Since(start))
	}
	return m.processor.Reconcile(ctx, chunk, outcome.res.Results, kind)
}

// fallback replaces chunk with rule verdicts; elapsed is the time spent on the failed attempt.
func (m *Manager) fallback(ctx context.Context, kind models.EngineKind, chunk []models.QuestionInput, cause error, elapsed time.Duration) []models.GradedAnswer {
	cid := grading.NewCorrelationID()
	ids := make([]string, len(chunk))
	for i, q := range chunk {
		ids[i] = q.ID
	}
	m.log.LogFallback(ctx, kind.String(), ids, cid, cause)

	out := grading.RuleFallbackBatch(m.scorer, chunk, fmt.Sprintf("%s engine failed: %v (ref %s)", kind, cause, cid))
	recorder := m.router.Recorder()
	for _, r := range out {
		recorder.Record(models.EscalationOutcome{
			QuestionID:       r.QuestionID,
			EscalationType:   models.EscalationFallbackTriggered,
			OriginalService:  kind,
			SelectedSolution: models.EngineRule,
			Confidence:       r.Confidence,
			Success:          false,
			ProcessingTimeMs: elapsed.Milliseconds(),
		})
	}
	return out
}

func (m *Manager) concurrency(kind models.EngineKind) int {
	if n, ok := m.opts.Concurrency[kind]; ok && n > 0 {
		return n
	}
	return m.opts.DefaultConcurrency
}

// Engines reports which engines have an adapter configured.
func (m *Manager) Engines() []models.EngineKind {
	kinds := make([]models.EngineKind, 0, len(m.adapters))
	for _, k := range models.Engines {
		if _, ok := m.adapters[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
