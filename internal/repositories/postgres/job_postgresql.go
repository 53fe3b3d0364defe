package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// claimNextSQL picks and locks one pending row; SKIP LOCKED lets concurrent workers claim different jobs.
const claimNextSQL = `UPDATE grading_jobs
SET status = ?, started_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM grading_jobs
	WHERE status = ?
	ORDER BY priority_rank DESC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

const statsSQL = `SELECT
	COUNT(*) FILTER (WHERE status = 'pending') AS pending,
	COUNT(*) FILTER (WHERE status = 'processing') AS processing,
	COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= ?) AS completed_today,
	COUNT(*) FILTER (WHERE status = 'failed' AND completed_at >= ?) AS failed_today,
	COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
		FILTER (WHERE status = 'completed' AND completed_at >= ? AND started_at IS NOT NULL), 0) AS avg_processing_time_ms
FROM grading_jobs`

type JobPostgreSQL struct {
	db  *gorm.DB
	now func() time.Time
}

func NewJobPostgreSQL(db *gorm.DB) repositories.JobRepository {
	return &JobPostgreSQL{db: db, now: time.Now}
}

// Create inserts a new pending job
func (r *JobPostgreSQL) Create(ctx context.Context, job *models.Job) error {
	job.PriorityRank = job.Priority.Rank()
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID
func (r *JobPostgreSQL) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List returns jobs matching filters with the total count
func (r *JobPostgreSQL) List(ctx context.Context, filters repositories.JobFilters) ([]*models.Job, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Job{})

	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.Priority != nil {
		query = query.Where("priority = ?", *filters.Priority)
	}
	if filters.DateFrom != nil {
		query = query.Where("created_at >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		query = query.Where("created_at <= ?", *filters.DateTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at DESC"
	if filters.SortOrder == "asc" {
		order = "created_at ASC"
	}
	query = query.Order(order)
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	var jobs []*models.Job
	if err := query.Omit("payload", "result_json").Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ClaimNext claims the next pending job in priority order
func (r *JobPostgreSQL) ClaimNext(ctx context.Context) (*models.Job, error) {
	now := r.now()
	var job models.Job
	result := r.db.WithContext(ctx).
		Raw(claimNextSQL, models.JobProcessing, now, now, models.JobPending).
		Scan(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to claim job: %w", result.Error)
	}
	if result.RowsAffected == 0 || job.ID == "" {
		return nil, apperrors.ErrNoPendingJobs
	}
	return &job, nil
}

// transition locks the row, applies fn and saves the result in one transaction.
func (r *JobPostgreSQL) transition(ctx context.Context, id string, fn func(job *models.Job, now time.Time) error) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrJobNotFound
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if err := fn(&job, r.now()); err != nil {
			return err
		}
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobPostgreSQL) Complete(ctx context.Context, id string, result datatypes.JSON) (*models.Job, error) {
	return r.transition(ctx, id, func(job *models.Job, now time.Time) error {
		return job.Complete(result, now)
	})
}

func (r *JobPostgreSQL) Fail(ctx context.Context, id string, reason string) (*models.Job, error) {
	return r.transition(ctx, id, func(job *models.Job, now time.Time) error {
		return job.Fail(reason, now)
	})
}

func (r *JobPostgreSQL) Cancel(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(ctx, id, func(job *models.Job, now time.Time) error {
		return job.Cancel(now)
	})
}

func (r *JobPostgreSQL) RequestCancel(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(ctx, id, func(job *models.Job, now time.Time) error {
		return job.RequestCancel(now)
	})
}

func (r *JobPostgreSQL) Retry(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(ctx, id, func(job *models.Job, now time.Time) error {
		return job.Retry(now)
	})
}

func (r *JobPostgreSQL) Release(ctx context.Context, id string) (*models.Job, error) {
	return r.transition(ctx, id, func(job *models.Job, now time.Time) error {
		return job.Release(now)
	})
}

// RecoverStale releases every processing job whose claim predates olderThan, except those still held
func (r *JobPostgreSQL) RecoverStale(ctx context.Context, olderThan time.Time, held []string) ([]*models.Job, error) {
	query := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND started_at < ?", models.JobProcessing, olderThan)
	if len(held) > 0 {
		query = query.Where("id NOT IN ?", held)
	}
	var ids []string
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	recovered := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.transition(ctx, id, func(job *models.Job, now time.Time) error {
			// Another worker may have finished it since the scan.
			if job.Status != models.JobProcessing || job.StartedAt == nil || !job.StartedAt.Before(olderThan) {
				return errSkip
			}
			return job.ReleaseStale(now)
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, job)
	}
	return recovered, nil
}

var errSkip = errors.New("skip")

// Stats derives queue statistics from the persisted job set
func (r *JobPostgreSQL) Stats(ctx context.Context, since time.Time) (*models.QueueStats, error) {
	var stats models.QueueStats
	if err := r.db.WithContext(ctx).Raw(statsSQL, since, since, since).Scan(&stats).Error; err != nil {
		return nil, fmt.Errorf("failed to compute queue stats: %w", err)
	}
	return &stats, nil
}
