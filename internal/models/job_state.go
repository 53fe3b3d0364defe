package models

import (
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"gorm.io/datatypes"
)

// The methods below are the only legal mutations of a Job. Repositories call them while holding
// the row (or map) lock, so the state machine is identical across backends.

func (j *Job) transitionError(action string) error {
	return apperrors.NewTransitionError(j.ID, string(j.Status), action)
}

// Claim moves a pending job to processing.
func (j *Job) Claim(now time.Time) error {
	if j.Status != JobPending {
		return j.transitionError("claim")
	}
	j.Status = JobProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// Complete records a successful run. An advisory cancel requested mid-run wins over the result.
func (j *Job) Complete(result datatypes.JSON, now time.Time) error {
	if j.Status != JobProcessing {
		return j.transitionError("complete")
	}
	if j.CancelRequested {
		j.markCancelled(now)
		return nil
	}
	j.Status = JobCompleted
	j.ResultJSON = result
	j.ErrorMessage = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail records a failed run: back to pending while retries remain, failed otherwise.
func (j *Job) Fail(reason string, now time.Time) error {
	if j.Status != JobProcessing {
		return j.transitionError("fail")
	}
	if j.CancelRequested {
		j.markCancelled(now)
		return nil
	}
	j.ErrorMessage = &reason
	j.UpdatedAt = now
	if j.Retries < j.MaxRetries {
		j.Retries++
		j.Status = JobPending
		j.StartedAt = nil
		return nil
	}
	j.Status = JobFailed
	j.CompletedAt = &now
	return nil
}

// Cancel terminates a job that has not started.
func (j *Job) Cancel(now time.Time) error {
	if j.Status != JobPending && j.Status != JobPaused {
		return j.transitionError("cancel")
	}
	j.markCancelled(now)
	return nil
}

func (j *Job) markCancelled(now time.Time) {
	reason := CancelledReason
	j.Status = JobFailed
	j.ErrorMessage = &reason
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// RequestCancel flags a processing job; the flag is honored on its next transition.
func (j *Job) RequestCancel(now time.Time) error {
	if j.Status != JobProcessing {
		return j.transitionError("request_cancel")
	}
	j.CancelRequested = true
	j.UpdatedAt = now
	return nil
}

// Retry re-enqueues a failed job with a fresh retry budget.
func (j *Job) Retry(now time.Time) error {
	if j.Status != JobFailed {
		return j.transitionError("retry")
	}
	j.Status = JobPending
	j.Retries = 0
	j.CancelRequested = false
	j.ErrorMessage = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ResultJSON = nil
	j.UpdatedAt = now
	return nil
}

// Release hands an interrupted claim back to the queue without spending a retry.
func (j *Job) Release(now time.Time) error {
	if j.Status != JobProcessing {
		return j.transitionError("release")
	}
	if j.CancelRequested {
		j.markCancelled(now)
		return nil
	}
	j.Status = JobPending
	j.StartedAt = nil
	j.UpdatedAt = now
	return nil
}

// ReleaseStale treats an abandoned claim as a failed attempt.
func (j *Job) ReleaseStale(now time.Time) error {
	return j.Fail("worker lease expired", now)
}
