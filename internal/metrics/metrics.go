// Package metrics exposes Prometheus instrumentation for the grading pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "grading"
)

// Metrics holds all Prometheus collectors of the service.
type Metrics struct {
	// Engine metrics
	EngineRequestsTotal   *prometheus.CounterVec
	EngineDurationSeconds *prometheus.HistogramVec
	FallbacksTotal        *prometheus.CounterVec
	RoutingDecisionsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheEvictions   prometheus.Counter

	// Queue metrics
	JobTransitionsTotal *prometheus.CounterVec
	ActiveWorkers       prometheus.Gauge
	JobDurationSeconds  prometheus.Histogram

	// Escalation audit
	EscalationsDroppedTotal prometheus.Counter
}

// NewMetrics creates and registers every collector on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initEngineMetrics(factory)
	m.initCacheMetrics(factory)
	m.initQueueMetrics(factory)

	return m
}

// NewNopMetrics registers on a throwaway registry; used by tests and one-shot commands.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) initEngineMetrics(factory promauto.Factory) {
	m.EngineRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Chunks dispatched to a grading engine",
		},
		[]string{"engine"},
	)

	m.EngineDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: "engine",
			Name:      "duration_seconds",
			Help:      "Wall time of one engine chunk",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"engine"},
	)

	m.FallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "engine",
			Name:      "fallbacks_total",
			Help:      "Questions answered by a fallback result",
		},
		[]string{"engine"},
	)

	m.RoutingDecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Questions routed per engine",
		},
		[]string{"engine"},
	)

	m.EscalationsDroppedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "router",
			Name:      "escalations_dropped_total",
			Help:      "Escalation records dropped because the recorder buffer was full",
		},
	)
}

func (m *Metrics) initCacheMetrics(factory promauto.Factory) {
	m.CacheHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache lookups answered from L1 or L2",
	})
	m.CacheMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache lookups that fell through to grading",
	})
	m.CacheEvictions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "L1 entries removed by capacity, expiry or corruption",
	})
}

func (m *Metrics) initQueueMetrics(factory promauto.Factory) {
	m.JobTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "queue",
			Name:      "job_transitions_total",
			Help:      "Job state transitions by resulting event",
		},
		[]string{"event"},
	)

	m.ActiveWorkers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "queue",
		Name:      "active_workers",
		Help:      "Workers currently allowed to claim jobs",
	})

	m.JobDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Time from claim to terminal transition",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 15),
	})
}
