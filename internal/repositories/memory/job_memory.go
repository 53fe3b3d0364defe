// Package memory provides in-process repository implementations for single-node runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"gorm.io/datatypes"
)

type storedJob struct {
	job models.Job
	seq uint64
}

// JobMemory keeps jobs in a map guarded by one mutex; every method returns copies.
type JobMemory struct {
	mu   sync.Mutex
	jobs map[string]*storedJob
	seq  uint64
	now  func() time.Time
}

func NewJobMemory() *JobMemory {
	return &JobMemory{jobs: make(map[string]*storedJob), now: time.Now}
}

var _ repositories.JobRepository = (*JobMemory)(nil)

func cloneJob(j models.Job) *models.Job {
	out := j
	if j.Payload != nil {
		out.Payload = append(datatypes.JSON(nil), j.Payload...)
	}
	if j.ResultJSON != nil {
		out.ResultJSON = append(datatypes.JSON(nil), j.ResultJSON...)
	}
	return &out
}

func (r *JobMemory) Create(ctx context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return apperrors.ErrConflict
	}
	now := r.now()
	job.PriorityRank = job.Priority.Rank()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	r.seq++
	r.jobs[job.ID] = &storedJob{job: *cloneJob(*job), seq: r.seq}
	return nil
}

func (r *JobMemory) GetByID(ctx context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.ErrJobNotFound
	}
	return cloneJob(stored.job), nil
}

func (r *JobMemory) List(ctx context.Context, filters repositories.JobFilters) ([]*models.Job, int64, error) {
	r.mu.Lock()
	matched := make([]*storedJob, 0, len(r.jobs))
	for _, stored := range r.jobs {
		j := stored.job
		if filters.Status != nil && j.Status != *filters.Status {
			continue
		}
		if filters.Priority != nil && j.Priority != *filters.Priority {
			continue
		}
		if filters.DateFrom != nil && j.CreatedAt.Before(*filters.DateFrom) {
			continue
		}
		if filters.DateTo != nil && j.CreatedAt.After(*filters.DateTo) {
			continue
		}
		matched = append(matched, stored)
	}
	r.mu.Unlock()

	asc := filters.SortOrder == "asc"
	sort.Slice(matched, func(a, b int) bool {
		if asc {
			return matched[a].seq < matched[b].seq
		}
		return matched[a].seq > matched[b].seq
	})

	total := int64(len(matched))
	if filters.Offset > 0 {
		if filters.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filters.Offset:]
		}
	}
	if filters.Limit > 0 && len(matched) > filters.Limit {
		matched = matched[:filters.Limit]
	}

	out := make([]*models.Job, len(matched))
	for i, stored := range matched {
		out[i] = cloneJob(stored.job)
	}
	return out, total, nil
}

func (r *JobMemory) ClaimNext(ctx context.Context) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *storedJob
	for _, stored := range r.jobs {
		if stored.job.Status != models.JobPending {
			continue
		}
		if next == nil || claimsBefore(stored, next) {
			next = stored
		}
	}
	if next == nil {
		return nil, apperrors.ErrNoPendingJobs
	}
	if err := next.job.Claim(r.now()); err != nil {
		return nil, err
	}
	return cloneJob(next.job), nil
}

// claimsBefore orders by priority rank, then creation time, then insertion order.
func claimsBefore(a, b *storedJob) bool {
	if a.job.PriorityRank != b.job.PriorityRank {
		return a.job.PriorityRank > b.job.PriorityRank
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (r *JobMemory) transition(id string, fn func(job *models.Job, now time.Time) error) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.ErrJobNotFound
	}
	working := cloneJob(stored.job)
	if err := fn(working, r.now()); err != nil {
		return nil, err
	}
	stored.job = *working
	return cloneJob(stored.job), nil
}

func (r *JobMemory) Complete(ctx context.Context, id string, result datatypes.JSON) (*models.Job, error) {
	return r.transition(id, func(job *models.Job, now time.Time) error {
		return job.Complete(result, now)
	})
}

func (r *JobMemory) Fail(ctx context.Context, id string, reason string) (*models.Job, error) {
	return r.transition(id, func(job *models.Job, now time.Time) error {
		return job.Fail(reason, now)
	})
}

func (r *JobMemory) Cancel(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(id, func(job *models.Job, now time.Time) error {
		return job.Cancel(now)
	})
}

func (r *JobMemory) RequestCancel(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(id, func(job *models.Job, now time.Time) error {
		return job.RequestCancel(now)
	})
}

func (r *JobMemory) Retry(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(id, func(job *models.Job, now time.Time) error {
		return job.Retry(now)
	})
}

func (r *JobMemory) Release(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(id, func(job *models.Job, now time.Time) error {
		return job.Release(now)
	})
}

func (r *JobMemory) RecoverStale(ctx context.Context, olderThan time.Time, held []string) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	skip := make(map[string]struct{}, len(held))
	for _, id := range held {
		skip[id] = struct{}{}
	}

	now := r.now()
	var recovered []*models.Job
	for id, stored := range r.jobs {
		j := &stored.job
		if j.Status != models.JobProcessing || j.StartedAt == nil || !j.StartedAt.Before(olderThan) {
			continue
		}
		if _, ok := skip[id]; ok {
			continue
		}
		if err := j.ReleaseStale(now); err != nil {
			return recovered, err
		}
		recovered = append(recovered, cloneJob(*j))
	}
	return recovered, nil
}

func (r *JobMemory) Stats(ctx context.Context, since time.Time) (*models.QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats models.QueueStats
	var totalMs float64
	var timed int
	for _, stored := range r.jobs {
		j := stored.job
		switch j.Status {
		case models.JobPending:
			stats.Pending++
		case models.JobProcessing:
			stats.Processing++
		case models.JobCompleted:
			if j.CompletedAt != nil && !j.CompletedAt.Before(since) {
				stats.CompletedToday++
				if j.StartedAt != nil {
					totalMs += float64(j.CompletedAt.Sub(*j.StartedAt).Milliseconds())
					timed++
				}
			}
		case models.JobFailed:
			if j.CompletedAt != nil && !j.CompletedAt.Before(since) {
				stats.FailedToday++
			}
		}
	}
	if timed > 0 {
		stats.AvgProcessingTimeMs = totalMs / float64(timed)
	}
	return &stats, nil
}
