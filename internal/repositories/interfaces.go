package repositories

import (
	"context"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"gorm.io/datatypes"
)

// ===== SHARED FILTER STRUCTS =====

type JobFilters struct {
	Status    *models.JobStatus   `json:"status"`
	Priority  *models.JobPriority `json:"priority"`
	DateFrom  *time.Time          `json:"date_from"`
	DateTo    *time.Time          `json:"date_to"`
	Limit     int                 `json:"limit"`
	Offset    int                 `json:"offset"`
	SortOrder string              `json:"sort_order"` // "asc", "desc" on created_at
}

// ===== REPOSITORY INTERFACES =====

// JobRepository is the single source of truth for job state. Every mutating method
// applies one models.Job transition atomically and returns the updated row.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filters JobFilters) ([]*models.Job, int64, error)

	// ClaimNext atomically moves the highest-priority, oldest pending job to processing.
	// It returns ErrNoPendingJobs when nothing is claimable.
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, id string, result datatypes.JSON) (*models.Job, error)
	Fail(ctx context.Context, id string, reason string) (*models.Job, error)
	Cancel(ctx context.Context, id string) (*models.Job, error)
	RequestCancel(ctx context.Context, id string) (*models.Job, error)
	Retry(ctx context.Context, id string) (*models.Job, error)
	// Release returns a processing job to pending without consuming a retry.
	Release(ctx context.Context, id string) (*models.Job, error)

	// RecoverStale releases processing jobs claimed before olderThan, skipping the ids in held.
	RecoverStale(ctx context.Context, olderThan time.Time, held []string) ([]*models.Job, error)
	Stats(ctx context.Context, since time.Time) (*models.QueueStats, error)
}

type EscalationRepository interface {
	Create(ctx context.Context, outcome *models.EscalationOutcome) error
	CountByType(ctx context.Context, since time.Time) (map[models.EscalationType]int64, error)
}

// Repositories bundles the stores used by the service layer.
type Repositories struct {
	Jobs        JobRepository
	Escalations EscalationRepository
}
