package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/SAP-F-2025/grading-service/internal/events"
	"github.com/SAP-F-2025/grading-service/internal/metrics"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"gorm.io/datatypes"
)

type transitionFunc func(ctx context.Context, eventType events.EventType, job *models.Job)

const (
	writeAttempts  = 3
	writeBackoff   = 100 * time.Millisecond
	releaseTimeout = 5 * time.Second
)

// Pool runs between MinConcurrency and MaxConcurrency workers. Each scaling pass sizes the
// pool to the persisted pending+processing count; idle workers above the minimum retire.
type Pool struct {
	jobs     repositories.JobRepository
	grader   Grader
	onChange transitionFunc
	opts     Options

	trigger chan struct{}
	wake    chan struct{}

	mu     sync.Mutex
	active int
	held   map[string]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  utils.Logger
	log     *utils.ServiceLogger
	metrics *metrics.Metrics
}

func newPool(jobs repositories.JobRepository, grader Grader, onChange transitionFunc, opts Options, logger utils.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		jobs:     jobs,
		grader:   grader,
		onChange: onChange,
		opts:     opts,
		trigger:  make(chan struct{}, 1),
		wake:     make(chan struct{}, opts.MaxConcurrency),
		held:     make(map[string]struct{}),
		logger:   logger,
		log:      utils.NewServiceLogger(logger, utils.LogConfig{Service: "grading", Component: "worker_pool"}),
		metrics:  m,
	}
}

// Trigger never blocks; a trigger already pending absorbs further calls.
func (p *Pool) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(runCtx)
}

// Stop cancels the pool and waits for every worker to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.scale(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.recoverStale(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "Failed to recover stale jobs", "error", err)
			}
			p.scale(ctx)
		case <-p.trigger:
			p.scale(ctx)
		}
	}
}

// scale reads queue depth from the store and grows the pool toward it. Shrinking happens
// as idle workers find nothing to claim.
func (p *Pool) scale(ctx context.Context) {
	stats, err := p.jobs.Stats(ctx, time.Now())
	if err != nil {
		if ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "Failed to read queue depth", "error", err)
		}
		return
	}

	desired := clamp(int(stats.Pending+stats.Processing), p.opts.MinConcurrency, p.opts.MaxConcurrency)

	p.mu.Lock()
	spawn := desired - p.active
	for i := 0; i < spawn; i++ {
		p.active++
		p.wg.Add(1)
		go p.worker(ctx)
	}
	active := p.active
	p.mu.Unlock()
	p.metrics.ActiveWorkers.Set(float64(active))

	for i := int64(0); i < stats.Pending && i < int64(active); i++ {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// recoverStale requeues processing jobs whose lease expired and that no worker here holds.
func (p *Pool) recoverStale(ctx context.Context) error {
	recovered, err := p.jobs.RecoverStale(ctx, time.Now().Add(-p.opts.StaleAfter), p.heldIDs())
	if err != nil {
		return err
	}
	for _, job := range recovered {
		p.logger.WarnContext(ctx, "Recovered stale job", "job_id", job.ID, "status", job.Status, "retries", job.Retries)
		p.onChange(ctx, transitionEvent(job), job)
	}
	return nil
}

func (p *Pool) heldIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.held))
	for id := range p.held {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) hold(id string) {
	p.mu.Lock()
	p.held[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) drop(id string) {
	p.mu.Lock()
	delete(p.held, id)
	p.mu.Unlock()
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// retire removes an idle worker when the pool is above its floor.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active <= p.opts.MinConcurrency {
		return false
	}
	p.active--
	p.metrics.ActiveWorkers.Set(float64(p.active))
	return true
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	retired := false
	defer func() {
		if !retired {
			p.mu.Lock()
			p.active--
			p.metrics.ActiveWorkers.Set(float64(p.active))
			p.mu.Unlock()
		}
	}()

	for ctx.Err() == nil {
		job, err := p.jobs.ClaimNext(ctx)
		if err == nil {
			p.process(ctx, job)
			continue
		}

		if !errors.Is(err, apperrors.ErrNoPendingJobs) && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "Failed to claim job", "error", err)
		} else if errors.Is(err, apperrors.ErrNoPendingJobs) && p.retire() {
			retired = true
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// process grades one claimed job and records exactly one outgoing transition. A shutdown
// mid-grade hands the job back to pending without spending a retry.
func (p *Pool) process(ctx context.Context, job *models.Job) {
	start := time.Now()
	p.hold(job.ID)
	defer p.drop(job.ID)
	p.onChange(ctx, events.EventJobClaimed, job)

	result, err := p.grade(ctx, job)
	if ctx.Err() != nil {
		p.release(ctx, job)
		return
	}

	var updated *models.Job
	if err == nil {
		var raw []byte
		raw, err = json.Marshal(result)
		if err == nil {
			updated, err = p.write(ctx, func(ctx context.Context) (*models.Job, error) {
				return p.jobs.Complete(ctx, job.ID, datatypes.JSON(raw))
			})
			if err != nil {
				p.logger.ErrorContext(ctx, "Failed to complete job", "job_id", job.ID, "error", err)
				return
			}
		}
	}
	if updated == nil {
		reason := err.Error()
		updated, err = p.write(ctx, func(ctx context.Context) (*models.Job, error) {
			return p.jobs.Fail(ctx, job.ID, reason)
		})
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to record job failure", "job_id", job.ID, "error", err)
			return
		}
	}

	if updated.Status == models.JobCompleted {
		p.metrics.JobDurationSeconds.Observe(time.Since(start).Seconds())
	}
	p.log.LogOperation(ctx, "process_job", job.ID, "job", time.Since(start), jobError(updated))
	p.onChange(ctx, transitionEvent(updated), updated)
}

// write retries a transition against transient store errors. A job it still cannot move
// stays processing until the stale sweep picks it up.
func (p *Pool) write(ctx context.Context, fn func(ctx context.Context) (*models.Job, error)) (*models.Job, error) {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		var job *models.Job
		job, err = fn(ctx)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, apperrors.ErrInvalidTransition) || apperrors.IsNotFound(err) || attempt == writeAttempts {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * writeBackoff):
		}
	}
	return nil, err
}

func (p *Pool) release(ctx context.Context, job *models.Job) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	updated, err := p.jobs.Release(releaseCtx, job.ID)
	if err != nil {
		p.logger.WarnContext(releaseCtx, "Worker stopped during grading, job left for recovery", "job_id", job.ID, "error", err)
		return
	}
	p.logger.InfoContext(releaseCtx, "Worker stopped during grading, job released", "job_id", job.ID, "status", updated.Status)
	p.onChange(releaseCtx, releaseEvent(updated), updated)
}

func (p *Pool) grade(ctx context.Context, job *models.Job) (result *models.BatchGradingResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.LogRecovery(ctx, "process_job", r, debug.Stack())
			err = fmt.Errorf("grading panicked: %v", r)
		}
	}()

	var questions []models.QuestionInput
	if err := json.Unmarshal(job.Payload, &questions); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	return p.grader.Grade(ctx, questions)
}

func jobError(job *models.Job) error {
	if job.Status == models.JobCompleted || job.ErrorMessage == nil {
		return nil
	}
	return errors.New(*job.ErrorMessage)
}
