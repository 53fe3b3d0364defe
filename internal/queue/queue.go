// Package queue persists grading batches as jobs and drives them through the worker pool.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/SAP-F-2025/grading-service/internal/events"
	"github.com/SAP-F-2025/grading-service/internal/metrics"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/SAP-F-2025/grading-service/internal/validator"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	DefaultMaxRetries = 3

	defaultPollInterval = 2 * time.Second
	defaultStaleAfter   = 15 * time.Minute
)

// Grader grades one batch; *batch.Manager is the production implementation.
type Grader interface {
	Grade(ctx context.Context, questions []models.QuestionInput) (*models.BatchGradingResult, error)
}

type Options struct {
	MinConcurrency    int
	MaxConcurrency    int
	PollInterval      time.Duration
	// DefaultMaxRetries applies to every submitted job; zero selects DefaultMaxRetries.
	DefaultMaxRetries int
	// StaleAfter is the lease after which a processing job is considered abandoned.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinConcurrency < 0 {
		o.MinConcurrency = 0
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 1
	}
	if o.MinConcurrency > o.MaxConcurrency {
		o.MinConcurrency = o.MaxConcurrency
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.DefaultMaxRetries <= 0 {
		o.DefaultMaxRetries = DefaultMaxRetries
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	return o
}

type Queue struct {
	jobs      repositories.JobRepository
	bus       *events.JobBus
	publisher events.EventPublisher
	validator *validator.Validator
	pool      *Pool
	opts      Options

	logger  utils.Logger
	log     *utils.ServiceLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewQueue wires the job store to the worker pool. publisher may be nil when external
// event delivery is disabled; bus serves in-process subscribers.
func NewQueue(
	jobs repositories.JobRepository,
	grader Grader,
	bus *events.JobBus,
	publisher events.EventPublisher,
	v *validator.Validator,
	opts Options,
	logger utils.Logger,
	m *metrics.Metrics,
) *Queue {
	opts = opts.withDefaults()
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	q := &Queue{
		jobs:      jobs,
		bus:       bus,
		publisher: publisher,
		validator: v,
		opts:      opts,
		logger:    logger,
		log:       utils.NewServiceLogger(logger, utils.LogConfig{Service: "grading", Component: "queue"}),
		metrics:   m,
		now:       time.Now,
	}
	q.pool = newPool(jobs, grader, q.publish, opts, logger, m)
	return q
}

// ===== SUBMISSION =====

// SubmitBatch validates and persists a batch as a pending job and wakes the pool.
func (q *Queue) SubmitBatch(ctx context.Context, questions []models.QuestionInput, priority models.JobPriority) (string, error) {
	start := time.Now()
	if q.isClosed() {
		return "", apperrors.ErrQueueClosed
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !validPriority(priority) {
		return "", apperrors.ValidationErrors{
			*apperrors.NewValidationErrorWithRule("priority", "must be one of low, normal, high, urgent", "oneof", priority),
		}
	}
	if len(questions) == 0 {
		return "", apperrors.ErrEmptyBatch
	}
	if err := q.validator.ValidateQuestions(questions); err != nil {
		return "", err
	}

	payload, err := json.Marshal(questions)
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		Payload:    datatypes.JSON(payload),
		Priority:   priority,
		Status:     models.JobPending,
		MaxRetries: q.opts.DefaultMaxRetries,
	}
	err = q.jobs.Create(ctx, job)
	q.log.LogOperation(ctx, "submit_batch", job.ID, "job", time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	q.publish(ctx, events.EventJobSubmitted, job)
	q.TriggerWorker()
	return job.ID, nil
}

func validPriority(p models.JobPriority) bool {
	switch p {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent:
		return true
	}
	return false
}

// ===== READS =====

func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return q.jobs.GetByID(ctx, id)
}

func (q *Queue) ListJobs(ctx context.Context, filters repositories.JobFilters) ([]*models.Job, int64, error) {
	return q.jobs.List(ctx, filters)
}

// JobResult decodes the stored result of a completed job.
func (q *Queue) JobResult(ctx context.Context, id string) (*models.BatchGradingResult, error) {
	job, err := q.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobCompleted || len(job.ResultJSON) == 0 {
		return nil, apperrors.ErrJobNotCompleted
	}
	var result models.BatchGradingResult
	if err := json.Unmarshal(job.ResultJSON, &result); err != nil {
		return nil, fmt.Errorf("failed to decode job result: %w", err)
	}
	return &result, nil
}

// SubscribeToJob streams every subsequent transition of the job until the subscription is closed.
func (q *Queue) SubscribeToJob(ctx context.Context, id string) (*events.Subscription, error) {
	if q.bus == nil {
		return nil, apperrors.ErrNoSubscriptions
	}
	if _, err := q.jobs.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return q.bus.Subscribe(ctx, id)
}

// GetQueueStats is derived from the persisted job set; "today" starts at local midnight.
func (q *Queue) GetQueueStats(ctx context.Context) (*models.QueueStats, error) {
	now := q.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return q.jobs.Stats(ctx, midnight)
}

// ===== CONTROL =====

// CancelJob cancels a pending job outright, or flags a processing job so its next transition
// fails it. It reports false when the job is already terminal.
func (q *Queue) CancelJob(ctx context.Context, id string) (bool, error) {
	job, err := q.jobs.Cancel(ctx, id)
	if err == nil {
		q.logger.InfoContext(ctx, "Job cancelled", "job_id", id)
		q.publish(ctx, events.EventJobCancelled, job)
		return true, nil
	}
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		return false, err
	}

	job, err = q.jobs.RequestCancel(ctx, id)
	if errors.Is(err, apperrors.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.logger.InfoContext(ctx, "Cancellation requested for running job", "job_id", id)
	q.publish(ctx, events.EventCancelRequested, job)
	return true, nil
}

// RetryJob re-enqueues a failed job with a fresh retry budget.
func (q *Queue) RetryJob(ctx context.Context, id string) (bool, error) {
	op := q.log.WithOperation(ctx, "retry_job")
	job, err := q.jobs.Retry(ctx, id)
	if errors.Is(err, apperrors.ErrInvalidTransition) {
		return false, nil
	}
	op.LogResult(id, "job", err)
	if err != nil {
		return false, err
	}
	q.publish(ctx, events.EventJobRequeued, job)
	q.TriggerWorker()
	return true, nil
}

// TriggerWorker asks the pool to reconsider pending jobs. Repeated calls coalesce.
func (q *Queue) TriggerWorker() {
	q.pool.Trigger()
}

// ===== LIFECYCLE =====

// Start requeues jobs whose lease expired while no worker held them, then starts the pool.
// The pool repeats the sweep on every poll tick.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if err := q.pool.recoverStale(ctx); err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}

	q.pool.Start(ctx)
	return nil
}

// Stop refuses new submissions and waits for in-flight jobs to reach a transition.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.pool.Stop()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// ActiveWorkers reports the pool's current worker count.
func (q *Queue) ActiveWorkers() int {
	return q.pool.Active()
}

// publish fans a transition out to in-process subscribers and the external publisher.
// Delivery failures are logged; they never roll back the transition.
func (q *Queue) publish(ctx context.Context, eventType events.EventType, job *models.Job) {
	q.metrics.JobTransitionsTotal.WithLabelValues(string(eventType)).Inc()
	event := events.NewJobEvent(eventType, job)

	if q.bus != nil {
		if err := q.bus.PublishJobEvent(ctx, event); err != nil {
			q.logger.WarnContext(ctx, "Failed to deliver job update", "job_id", job.ID, "event", eventType, "error", err)
		}
	}
	if q.publisher != nil {
		if err := q.publisher.PublishJobEvent(ctx, event); err != nil {
			q.logger.WarnContext(ctx, "Failed to publish job event", "job_id", job.ID, "event", eventType, "error", err)
		}
	}
}

// releaseEvent names the event for a job handed back on shutdown.
func releaseEvent(job *models.Job) events.EventType {
	if job.Status == models.JobPending {
		return events.EventJobRequeued
	}
	return transitionEvent(job)
}

// transitionEvent names the event for a job that just left processing.
func transitionEvent(job *models.Job) events.EventType {
	switch job.Status {
	case models.JobCompleted:
		return events.EventJobCompleted
	case models.JobPending:
		return events.EventJobRetryScheduled
	case models.JobFailed:
		if job.ErrorMessage != nil && *job.ErrorMessage == models.CancelledReason {
			return events.EventJobCancelled
		}
		return events.EventJobFailed
	default:
		return events.EventJobClaimed
	}
}
