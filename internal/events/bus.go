package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const subscriptionBuffer = 16

// JobBus fans job updates out to in-process subscribers, one topic per job.
type JobBus struct {
	pubSub *gochannel.GoChannel
	logger *slog.Logger
}

// NewJobBus creates the in-process subscription bus. Publishing waits for each subscriber
// to ack, so a subscriber sees one job's updates in the order they were published.
func NewJobBus(logger *slog.Logger) *JobBus {
	return &JobBus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            subscriptionBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NewSlogLogger(logger)),
		logger: logger,
	}
}

func jobTopic(jobID string) string {
	return "job." + jobID
}

// PublishJobEvent delivers the event to every live subscriber of the job
func (b *JobBus) PublishJobEvent(ctx context.Context, event *JobEvent) error {
	msg, err := toMessage(event)
	if err != nil {
		return err
	}
	return b.pubSub.Publish(jobTopic(event.Data.JobID), msg)
}

// Close stops delivery and closes every subscription channel
func (b *JobBus) Close() error {
	return b.pubSub.Close()
}

// Subscription is a cancellable stream of updates for one job.
type Subscription struct {
	Updates <-chan models.JobUpdate

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Close unsubscribes; Updates is closed once the stream drains.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe opens a subscription for jobID that lives until Close or ctx ends.
func (b *JobBus) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.pubSub.Subscribe(subCtx, jobTopic(jobID))
	if err != nil {
		cancel()
		return nil, err
	}

	updates := make(chan models.JobUpdate, subscriptionBuffer)
	done := make(chan struct{})

	// backlog keeps acks independent of how fast the caller drains Updates.
	go func() {
		defer close(done)
		defer close(updates)
		var backlog []models.JobUpdate
		for {
			var out chan<- models.JobUpdate
			var next models.JobUpdate
			if len(backlog) > 0 {
				out = updates
				next = backlog[0]
			} else if messages == nil {
				return
			}

			select {
			case <-subCtx.Done():
				return
			case out <- next:
				backlog = backlog[1:]
			case msg, ok := <-messages:
				if !ok {
					messages = nil
					continue
				}
				var event JobEvent
				if err := json.Unmarshal(msg.Payload, &event); err != nil {
					b.logger.Warn("Dropping undecodable job event", "job_id", jobID, "error", err)
					msg.Ack()
					continue
				}
				msg.Ack()
				backlog = append(backlog, event.Data)
			}
		}
	}()

	return &Subscription{Updates: updates, cancel: cancel, done: done}, nil
}
