package router

import (
	"context"
	"sync"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/metrics"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"github.com/SAP-F-2025/grading-service/internal/utils"
)

// EscalationRecorder accepts audit records without blocking the caller.
type EscalationRecorder interface {
	Record(outcome models.EscalationOutcome)
}

type NopRecorder struct{}

func (NopRecorder) Record(models.EscalationOutcome) {}

const (
	defaultRecorderBuffer = 256
	recordTimeout         = 5 * time.Second
)

// AsyncRecorder persists outcomes from a buffered channel on its own goroutine.
// Records arriving while the buffer is full are dropped.
type AsyncRecorder struct {
	repo    repositories.EscalationRepository
	logger  utils.Logger
	metrics *metrics.Metrics

	records chan models.EscalationOutcome
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewAsyncRecorder(repo repositories.EscalationRepository, logger utils.Logger, m *metrics.Metrics, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	r := &AsyncRecorder{
		repo:    repo,
		logger:  logger,
		metrics: m,
		records: make(chan models.EscalationOutcome, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *AsyncRecorder) Record(outcome models.EscalationOutcome) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now()
	}
	select {
	case r.records <- outcome:
	default:
		if r.metrics != nil {
			r.metrics.EscalationsDroppedTotal.Inc()
		}
		r.logger.Warn("Escalation recorder buffer full, dropping record",
			"question_id", outcome.QuestionID,
			"escalation_type", outcome.EscalationType)
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for outcome := range r.records {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.repo.Create(ctx, &outcome); err != nil {
			r.logger.Warn("Failed to persist escalation outcome",
				"question_id", outcome.QuestionID,
				"error", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits for the buffer to drain.
func (r *AsyncRecorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.records)
		r.mu.Unlock()
		<-r.done
	})
}
