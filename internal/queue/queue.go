package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
)

const TopicCampaignExecute = "campaign_execute"

// Job asks a consumer to run (or resume) one campaign.
type Job struct {
	CampaignID int `json:"campaign_id"`
}

// Queue interface
type Queue interface {
	Publish(topic string, job Job) error
	Subscribe(topic string, handler func(job Job) error) error
	Close() error
}

// InMemoryQueue delivers jobs to in-process subscribers with retry
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(job Job) error
	wg         sync.WaitGroup
	logger     *zap.Logger
	MaxRetries int
	Backoff    time.Duration
}

func NewInMemoryQueue(logger *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(job Job) error),
		logger:     logger,
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
	}
}

// Publish sends a job to all subscribers
func (q *InMemoryQueue) Publish(topic string, job Job) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go func(h func(Job) error) {
			defer q.wg.Done()
			q.processJob(topic, h, job)
		}(handler)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler func(Job) error, job Job) {
	for attempt := 0; ; attempt++ {
		err := handler(job)
		if err == nil {
			q.logger.Debug("job processed", zap.String("topic", topic), zap.Int("campaign_id", job.CampaignID))
			return
		}

		q.logger.Warn("job failed",
			zap.String("topic", topic),
			zap.Int("campaign_id", job.CampaignID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt >= q.MaxRetries {
			q.logger.Error("job permanently failed", zap.String("topic", topic), zap.Int("campaign_id", job.CampaignID))
			return
		}

		// Linear backoff before retry
		time.Sleep(time.Duration(attempt+1) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(job Job) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close waits for in-flight jobs.
func (q *InMemoryQueue) Close() error {
	q.wg.Wait()
	return nil
}

// StartCampaignExecuteSubscriber runs every campaign_execute job through
// execute. A campaign already running elsewhere is acknowledged, not retried.
func StartCampaignExecuteSubscriber(ctx context.Context, q Queue, execute func(ctx context.Context, campaignID int) error, logger *zap.Logger) error {
	return q.Subscribe(TopicCampaignExecute, func(job Job) error {
		if job.CampaignID <= 0 {
			logger.Warn("dropping campaign job without id")
			return nil
		}

		logger.Info("processing campaign job", zap.Int("campaign_id", job.CampaignID))
		err := execute(ctx, job.CampaignID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, appErrors.ErrCampaignLocked), appErrors.IsNotFound(err), errors.Is(err, appErrors.ErrInvalidTransition):
			logger.Info("campaign job skipped", zap.Int("campaign_id", job.CampaignID), zap.Error(err))
			return nil
		default:
			return err
		}
	})
}

var _ Queue = (*InMemoryQueue)(nil)
