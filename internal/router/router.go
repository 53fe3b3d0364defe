// Package router decides which grading engine handles each question.
package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/grading"
	"github.com/SAP-F-2025/grading-service/internal/metrics"
	"github.com/SAP-F-2025/grading-service/internal/models"
)

// EngineSelection is the routing verdict for one question.
type EngineSelection struct {
	Engine     models.EngineKind `json:"engine"`
	Reason     string            `json:"reason"`
	Complexity models.Complexity `json:"complexity"`
}

// Group is the set of questions routed to one engine, with their positions in the original batch.
type Group struct {
	Engine    models.EngineKind
	Indices   []int
	Questions []models.QuestionInput
}

type Options struct {
	Thresholds    grading.Thresholds
	HybridMode    bool
	LocalEnabled  bool
	RemoteEnabled bool
}

type Router struct {
	opts     Options
	recorder EscalationRecorder
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(opts Options, recorder EscalationRecorder, m *metrics.Metrics) *Router {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Router{opts: opts, recorder: recorder, metrics: m, now: time.Now}
}

// Classify applies the routing rules in order. Cache lookups happen before routing, in the batch manager.
func (r *Router) Classify(ctx context.Context, q models.QuestionInput) EngineSelection {
	start := r.now()
	complexity := grading.DetectComplexity(q)
	sel := r.classify(q, complexity, start)
	if r.metrics != nil {
		r.metrics.RoutingDecisionsTotal.WithLabelValues(sel.Engine.String()).Inc()
	}
	return sel
}

func (r *Router) classify(q models.QuestionInput, complexity models.Complexity, start time.Time) EngineSelection {
	if q.QuestionType.IsClosedForm() {
		return EngineSelection{Engine: models.EngineRule, Reason: "closed-form question type", Complexity: complexity}
	}
	if q.HasExpected() && grading.Normalize(q.StudentAnswer) == grading.Normalize(q.Expected()) {
		return EngineSelection{Engine: models.EngineRule, Reason: "exact match after normalization", Complexity: complexity}
	}

	if q.RequestMisconceptions && q.QuestionType.IsOpenEnded() {
		sim := 0.0
		if q.HasExpected() {
			sim = grading.Similarity(q.StudentAnswer, q.Expected())
		}
		if sim < r.opts.Thresholds.Correct {
			if r.opts.RemoteEnabled {
				engine := models.EngineRemote
				if r.opts.HybridMode && r.opts.LocalEnabled {
					engine = models.EngineHybrid
				}
				r.recordEscalation(q, engine, sim, true, start)
				return EngineSelection{
					Engine:     engine,
					Reason:     fmt.Sprintf("misconception analysis requested (similarity %.2f)", sim),
					Complexity: complexity,
				}
			}
			// Wanted escalation that could not happen is still audited.
			sel := r.defaultSelection(complexity)
			r.recordEscalation(q, sel.Engine, sim, false, start)
			return sel
		}
	}

	return r.defaultSelection(complexity)
}

func (r *Router) defaultSelection(complexity models.Complexity) EngineSelection {
	if r.opts.LocalEnabled {
		return EngineSelection{Engine: models.EngineLocal, Reason: "default", Complexity: complexity}
	}
	return EngineSelection{Engine: models.EngineRule, Reason: "local classifier disabled", Complexity: complexity}
}

func (r *Router) recordEscalation(q models.QuestionInput, engine models.EngineKind, sim float64, success bool, start time.Time) {
	kind := models.EscalationModelEscalation
	if len(q.SkillTags) > 1 {
		kind = models.EscalationSkillAmbiguity
	}
	r.recorder.Record(models.EscalationOutcome{
		QuestionID:       q.ID,
		EscalationType:   kind,
		OriginalService:  models.EngineLocal,
		SelectedSolution: engine,
		Confidence:       grading.Round2(sim),
		Success:          success,
		ProcessingTimeMs: r.now().Sub(start).Milliseconds(),
	})
}

// Route classifies every question and groups them by engine, cheapest engine first.
// Indices within a group keep submission order.
func (r *Router) Route(ctx context.Context, questions []models.QuestionInput) []Group {
	byEngine := make(map[models.EngineKind]*Group)
	for i, q := range questions {
		sel := r.Classify(ctx, q)
		g, ok := byEngine[sel.Engine]
		if !ok {
			g = &Group{Engine: sel.Engine}
			byEngine[sel.Engine] = g
		}
		g.Indices = append(g.Indices, i)
		g.Questions = append(g.Questions, q)
	}

	groups := make([]Group, 0, len(byEngine))
	for _, g := range byEngine {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(a, b int) bool {
		return groups[a].Engine.Cost() < groups[b].Engine.Cost()
	})
	return groups
}

// Recorder exposes the escalation sink so other stages can log fallbacks and repairs.
func (r *Router) Recorder() EscalationRecorder {
	return r.recorder
}
