package models

import "time"

// EngineKind is the closed set of grading engines a question can be routed to.
type EngineKind string

const (
	EngineRule   EngineKind = "rule"
	EngineLocal  EngineKind = "local"
	EngineRemote EngineKind = "remote"
	EngineHybrid EngineKind = "hybrid"
)

// Engines lists the concrete (non-hybrid) engines in ascending cost order.
var Engines = []EngineKind{EngineRule, EngineLocal, EngineRemote}

func (e EngineKind) String() string {
	return string(e)
}

// Cost orders engines from cheapest to most expensive. Hybrid runs both local and remote.
func (e EngineKind) Cost() int {
	switch e {
	case EngineRule:
		return 0
	case EngineLocal:
		return 1
	case EngineRemote:
		return 2
	case EngineHybrid:
		return 3
	default:
		return 99
	}
}

// Valid reports whether e is one of the known engine kinds.
func (e EngineKind) Valid() bool {
	switch e {
	case EngineRule, EngineLocal, EngineRemote, EngineHybrid:
		return true
	}
	return false
}

// Quality flag keys recorded on GradedAnswer.QualityFlags.
const (
	FlagFallback        = "fallback"
	FlagPointsClamped   = "points_clamped"
	FlagScoreClamped    = "score_clamped"
	FlagCorrectnessFix  = "correctness_adjusted"
	FlagRationaleFilled = "rationale_filled"
	FlagPadded          = "padded"
	FlagMerged          = "hybrid_merged"
)

type GradedAnswer struct {
	QuestionID            string          `json:"question_id" validate:"required"`
	Score                 float64         `json:"score" validate:"gte=0,lte=100"`
	PointsEarned          *float64        `json:"points_earned,omitempty"`
	PointsPossible        *float64        `json:"points_possible,omitempty"`
	IsCorrect             bool            `json:"is_correct"`
	Rationale             string          `json:"rationale" validate:"required"`
	Model                 EngineKind      `json:"model" validate:"required,engine_kind"`
	Confidence            float64         `json:"confidence" validate:"gte=0,lte=1"`
	MisconceptionCategory *string         `json:"misconception_category,omitempty"`
	QualityFlags          map[string]bool `json:"quality_flags,omitempty"`
}

// SetFlag marks a quality flag, allocating the map on first use.
func (g *GradedAnswer) SetFlag(name string) {
	if g.QualityFlags == nil {
		g.QualityFlags = make(map[string]bool)
	}
	g.QualityFlags[name] = true
}

// IsFallback reports whether the answer was synthesized after an engine failure.
func (g *GradedAnswer) IsFallback() bool {
	return g.QualityFlags[FlagFallback]
}

// Clone returns a deep copy so cached values are never shared with callers.
func (g GradedAnswer) Clone() GradedAnswer {
	out := g
	if g.PointsEarned != nil {
		v := *g.PointsEarned
		out.PointsEarned = &v
	}
	if g.PointsPossible != nil {
		v := *g.PointsPossible
		out.PointsPossible = &v
	}
	if g.MisconceptionCategory != nil {
		v := *g.MisconceptionCategory
		out.MisconceptionCategory = &v
	}
	if g.QualityFlags != nil {
		out.QualityFlags = make(map[string]bool, len(g.QualityFlags))
		for k, v := range g.QualityFlags {
			out.QualityFlags[k] = v
		}
	}
	return out
}

type BatchMetadata struct {
	TotalQuestions    int           `json:"total_questions"`
	ProcessingTime    time.Duration `json:"processing_time"`
	AverageConfidence float64       `json:"average_confidence"`
	FailureCount      int           `json:"failure_count"`
	FallbackUsed      bool          `json:"fallback_used"`
	CacheHits         int           `json:"cache_hits"`
}

// BatchGradingResult holds exactly one result per submitted question, in submission order.
type BatchGradingResult struct {
	Results  []GradedAnswer `json:"results"`
	Metadata BatchMetadata  `json:"metadata"`
}

// CacheEntry is the stored form of a cached verdict.
type CacheEntry struct {
	Key       string       `json:"key"`
	Result    GradedAnswer `json:"result"`
	WrittenAt time.Time    `json:"written_at"`
	HitCount  int64        `json:"hit_count"`
}

// Valid reports whether the entry is fresh and holds a well-formed result.
func (e *CacheEntry) Valid(now time.Time, ttl time.Duration) bool {
	if e == nil || e.Key == "" || e.Result.QuestionID == "" || e.Result.Rationale == "" || !e.Result.Model.Valid() {
		return false
	}
	if ttl > 0 && now.Sub(e.WrittenAt) >= ttl {
		return false
	}
	return true
}

type CacheStats struct {
	L1Size              int     `json:"l1_size"`
	L2Size              int64   `json:"l2_size"`
	HitRate             float64 `json:"hit_rate"`
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	MemoryUsageEstimate int64   `json:"memory_usage_estimate"`
}
