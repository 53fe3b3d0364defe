package events

import (
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/google/uuid"
)

// EventType represents the job lifecycle transitions that are published
type EventType string

const (
	EventJobSubmitted      EventType = "job.submitted"
	EventJobClaimed        EventType = "job.claimed"
	EventJobCompleted      EventType = "job.completed"
	EventJobRetryScheduled EventType = "job.retry_scheduled"
	EventJobFailed         EventType = "job.failed"
	EventJobCancelled      EventType = "job.cancelled"
	EventJobRequeued       EventType = "job.requeued"
	EventCancelRequested   EventType = "job.cancel_requested"
)

const (
	eventSource  = "grading-service"
	eventVersion = "1.0"
)

// JobEvent is the envelope for every published job event
type JobEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Data      models.JobUpdate       `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewJobEvent wraps a job snapshot in an event envelope
func NewJobEvent(eventType EventType, job *models.Job) *JobEvent {
	return &JobEvent{
		ID:        GenerateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    eventSource,
		Version:   eventVersion,
		Data:      models.UpdateFor(job),
		Metadata: map[string]interface{}{
			"priority":    string(job.Priority),
			"max_retries": job.MaxRetries,
		},
	}
}

// GenerateEventID returns a unique event id
func GenerateEventID() string {
	return uuid.NewString()
}
