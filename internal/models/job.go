package models

import (
	"time"

	"gorm.io/datatypes"
)

type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

// Rank maps a priority onto the integer used for claim ordering (higher first).
func (p JobPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobPaused     JobStatus = "paused"
)

// IsTerminal reports whether no further automatic transition will occur.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

const CancelledReason = "cancelled by request"

// Job is the persisted unit of queued grading work.
type Job struct {
	ID       string         `json:"id" gorm:"primaryKey;size:36"`
	Payload  datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"` // []QuestionInput
	Priority JobPriority    `json:"priority" gorm:"size:10;not null;default:'normal'"`
	// PriorityRank mirrors Priority for ORDER BY.
	PriorityRank int       `json:"-" gorm:"not null;default:1;index:idx_grading_jobs_claim,priority:2"`
	Status       JobStatus `json:"status" gorm:"size:20;not null;default:'pending';index:idx_grading_jobs_claim,priority:1"`
	Retries      int       `json:"retries" gorm:"not null;default:0"`
	MaxRetries   int       `json:"max_retries" gorm:"not null;default:3"`

	CancelRequested bool `json:"cancel_requested" gorm:"not null;default:false"`

	CreatedAt    time.Time      `json:"created_at" gorm:"index:idx_grading_jobs_claim,priority:3"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty" gorm:"type:text"`
	ResultJSON   datatypes.JSON `json:"result_json,omitempty" gorm:"column:result_json;type:jsonb"` // BatchGradingResult
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (Job) TableName() string {
	return "grading_jobs"
}

// JobUpdate is delivered to job subscribers on every state transition.
type JobUpdate struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	Retries      int       `json:"retries"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// UpdateFor snapshots the job's current state as an update.
func UpdateFor(job *Job) JobUpdate {
	return JobUpdate{
		JobID:        job.ID,
		Status:       job.Status,
		Retries:      job.Retries,
		ErrorMessage: job.ErrorMessage,
		OccurredAt:   time.Now(),
	}
}

type QueueStats struct {
	Pending             int64   `json:"pending"`
	Processing          int64   `json:"processing"`
	CompletedToday      int64   `json:"completed_today"`
	FailedToday         int64   `json:"failed_today"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
}
