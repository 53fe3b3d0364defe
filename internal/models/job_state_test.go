package models

import (
	"testing"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingJob(maxRetries int) *Job {
	return &Job{ID: "job-1", Status: JobPending, Priority: PriorityNormal, MaxRetries: maxRetries}
}

func TestJob_HappyPath(t *testing.T) {
	now := time.Now()
	job := pendingJob(3)

	require.NoError(t, job.Claim(now))
	assert.Equal(t, JobProcessing, job.Status)
	require.NotNil(t, job.StartedAt)

	require.NoError(t, job.Complete([]byte(`{"results":[]}`), now))
	assert.Equal(t, JobCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.True(t, job.Status.IsTerminal())
}

func TestJob_RetryBound(t *testing.T) {
	now := time.Now()
	job := pendingJob(2)

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, job.Claim(now))
		require.NoError(t, job.Fail("boom", now))
	}

	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, 2, job.Retries)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "boom", *job.ErrorMessage)

	err := job.Claim(now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestJob_Cancel(t *testing.T) {
	now := time.Now()

	job := pendingJob(3)
	require.NoError(t, job.Cancel(now))
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, CancelledReason, *job.ErrorMessage)

	processing := pendingJob(3)
	require.NoError(t, processing.Claim(now))
	assert.ErrorIs(t, processing.Cancel(now), apperrors.ErrInvalidTransition)
}

func TestJob_AdvisoryCancel(t *testing.T) {
	now := time.Now()
	job := pendingJob(3)
	require.NoError(t, job.Claim(now))

	require.NoError(t, job.RequestCancel(now))
	assert.Equal(t, JobProcessing, job.Status)

	require.NoError(t, job.Complete([]byte(`{}`), now))
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, CancelledReason, *job.ErrorMessage)
	assert.Nil(t, job.ResultJSON)
}

func TestJob_Retry(t *testing.T) {
	now := time.Now()
	job := pendingJob(0)
	require.NoError(t, job.Claim(now))
	require.NoError(t, job.Fail("boom", now))
	require.Equal(t, JobFailed, job.Status)

	require.NoError(t, job.Retry(now))
	assert.Equal(t, JobPending, job.Status)
	assert.Zero(t, job.Retries)
	assert.Nil(t, job.ErrorMessage)
	assert.Nil(t, job.CompletedAt)

	assert.ErrorIs(t, job.Retry(now), apperrors.ErrInvalidTransition)
}

func TestJobPriority_Rank(t *testing.T) {
	assert.Greater(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
}
