package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan models.JobUpdate) models.JobUpdate {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "subscription closed unexpectedly")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job update")
	}
	return models.JobUpdate{}
}

func TestJobBus_SubscribeReceivesOwnJobOnly(t *testing.T) {
	bus := NewJobBus(testLogger())
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.PublishJobEvent(ctx, NewJobEvent(EventJobClaimed, &models.Job{ID: "job-2", Status: models.JobProcessing})))
	require.NoError(t, bus.PublishJobEvent(ctx, NewJobEvent(EventJobClaimed, &models.Job{ID: "job-1", Status: models.JobProcessing})))
	require.NoError(t, bus.PublishJobEvent(ctx, NewJobEvent(EventJobCompleted, &models.Job{ID: "job-1", Status: models.JobCompleted})))

	first := receive(t, sub.Updates)
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, models.JobProcessing, first.Status)

	second := receive(t, sub.Updates)
	assert.Equal(t, models.JobCompleted, second.Status)
}

func TestJobBus_PreservesTransitionOrder(t *testing.T) {
	bus := NewJobBus(testLogger())
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	defer sub.Close()

	transitions := []struct {
		event  EventType
		status models.JobStatus
	}{
		{EventJobClaimed, models.JobProcessing},
		{EventJobRetryScheduled, models.JobPending},
		{EventJobClaimed, models.JobProcessing},
		{EventJobRetryScheduled, models.JobPending},
		{EventJobClaimed, models.JobProcessing},
		{EventJobCompleted, models.JobCompleted},
	}
	for _, tr := range transitions {
		job := &models.Job{ID: "job-1", Status: tr.status}
		require.NoError(t, bus.PublishJobEvent(context.Background(), NewJobEvent(tr.event, job)))
	}

	for i, tr := range transitions {
		got := receive(t, sub.Updates)
		assert.Equal(t, tr.status, got.Status, "update %d", i)
	}
}

func TestJobBus_IdleSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewJobBus(testLogger())
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)
	defer sub.Close()

	const total = 4 * subscriptionBuffer
	published := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			job := &models.Job{ID: "job-1", Status: models.JobPending, Retries: i}
			if err := bus.PublishJobEvent(context.Background(), NewJobEvent(EventJobRetryScheduled, job)); err != nil {
				published <- err
				return
			}
		}
		published <- nil
	}()

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an idle subscriber")
	}

	for i := 0; i < total; i++ {
		assert.Equal(t, i, receive(t, sub.Updates).Retries)
	}
}

func TestJobBus_CloseEndsStream(t *testing.T) {
	bus := NewJobBus(testLogger())
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "job-1")
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	_, ok := <-sub.Updates
	assert.False(t, ok)
}

func TestMockEventPublisher(t *testing.T) {
	pub := NewMockEventPublisher(testLogger())
	event := NewJobEvent(EventJobSubmitted, &models.Job{ID: "job-9", Priority: models.PriorityHigh, Status: models.JobPending})

	require.NoError(t, pub.PublishJobEvent(context.Background(), event))

	published := pub.GetPublishedEvents()
	require.Len(t, published, 1)
	assert.Equal(t, EventJobSubmitted, published[0].Type)
	assert.Equal(t, "grading-service", published[0].Source)
	assert.Equal(t, "1.0", published[0].Version)
	assert.NotEmpty(t, published[0].ID)
	assert.Equal(t, "high", published[0].Metadata["priority"])

	pub.ClearEvents()
	assert.Empty(t, pub.GetPublishedEvents())
}
