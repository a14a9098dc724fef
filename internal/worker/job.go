package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler activates scheduled campaigns whose time has come and redispatches
// active ones.
type Scheduler interface {
	ActivateDue(ctx context.Context) (int, error)
	ResumeActive(ctx context.Context) (int, error)
}

// Retrier redrives one batch of failed messages.
type Retrier interface {
	RunOnce(ctx context.Context) (int, error)
}

// Job runs the scheduler and the retrier on a fixed interval. A tick that
// arrives while the previous one is still running is skipped. Redispatching
// active campaigns every tick is safe since the executor holds a per-campaign
// lock.
type Job struct {
	interval  time.Duration
	scheduler Scheduler
	retrier   Retrier
	logger    *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	isRunning bool
}

func NewJob(interval time.Duration, scheduler Scheduler, retrier Retrier, logger *zap.Logger) *Job {
	return &Job{
		interval:  interval,
		scheduler: scheduler,
		retrier:   retrier,
		logger:    logger,
		quit:      make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until ctx is
// done or Stop is called. wg is released when the loop exits.
func (j *Job) Start(ctx context.Context, wg *sync.WaitGroup) {
	j.logger.Info("periodic job started", zap.Duration("interval", j.interval))
	ticker := time.NewTicker(j.interval)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()

		j.Tick(ctx)
		for {
			select {
			case <-ticker.C:
				j.Tick(ctx)
			case <-j.quit:
				j.logger.Info("periodic job stopped")
				return
			case <-ctx.Done():
				j.logger.Info("shutdown signal received, stopping periodic job")
				return
			}
		}
	}()
}

func (j *Job) Stop() {
	j.stopOnce.Do(func() { close(j.quit) })
}

// Tick runs one pass. It reports false when a previous pass is still running.
func (j *Job) Tick(ctx context.Context) bool {
	j.mu.Lock()
	if j.isRunning {
		j.mu.Unlock()
		j.logger.Debug("job is already running, skipping this run")
		return false
	}
	j.isRunning = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.isRunning = false
		j.mu.Unlock()
	}()

	if j.scheduler != nil {
		n, err := j.scheduler.ActivateDue(ctx)
		if err != nil {
			j.logger.Error("activating scheduled campaigns", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("activated scheduled campaigns", zap.Int("count", n))
		}

		n, err = j.scheduler.ResumeActive(ctx)
		if err != nil {
			j.logger.Error("redispatching active campaigns", zap.Error(err))
		} else if n > 0 {
			j.logger.Debug("redispatched active campaigns", zap.Int("count", n))
		}
	}

	if j.retrier != nil {
		n, err := j.retrier.RunOnce(ctx)
		if err != nil {
			j.logger.Error("retrying failed messages", zap.Int("attempted", n), zap.Error(err))
		} else if n > 0 {
			j.logger.Info("retried failed messages", zap.Int("attempted", n))
		}
	}
	return true
}
