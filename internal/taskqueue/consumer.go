package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is how long an idle worker waits before polling again
const DefaultPollInterval = 500 * time.Millisecond

// Handler processes one task
type Handler func(ctx context.Context, task Task) error

// ConsumerConfig tunes a Consumer
type ConsumerConfig struct {
	PollInterval time.Duration
	Workers      int
	// OnProcessed observes every handled task
	OnProcessed func(task Task, err error)
}

// Consumer polls a Queue and dispatches tasks by type
type Consumer struct {
	queue  *Queue
	cfg    ConsumerConfig
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewConsumer creates a consumer. Register handlers before Run.
func NewConsumer(queue *Queue, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:    queue,
		cfg:      cfg,
		logger:   logger.Named("taskqueue"),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a task type
func (c *Consumer) Handle(taskType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[taskType] = h
}

// Run polls until ctx is cancelled, then returns nil
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (c *Consumer) work(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// Drain without sleeping while tasks are available
		for ctx.Err() == nil {
			processed, err := c.ProcessOne(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("poll failed", zap.Error(err))
			}
			if !processed {
				break
			}
		}
		timer.Reset(c.cfg.PollInterval)
	}
}

// ProcessOne claims and handles a single task. It reports whether a task was claimed.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	task, err := c.queue.Claim(ctx)
	if err != nil || task == nil {
		return false, err
	}

	c.mu.RLock()
	h, ok := c.handlers[task.Type]
	c.mu.RUnlock()
	if !ok {
		c.logger.Warn("dropping task with no handler",
			zap.String("task_id", task.ID),
			zap.String("type", task.Type))
		return true, nil
	}

	err = c.run(ctx, h, *task)
	if c.cfg.OnProcessed != nil {
		c.cfg.OnProcessed(*task, err)
	}
	if err != nil {
		c.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("type", task.Type),
			zap.Error(err))
	}
	return true, nil
}

func (c *Consumer) run(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}
