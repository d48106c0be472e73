// Package consumer drains the in-process queue through the scoring pipeline
// into a sink.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"secureops/internal/queue"
	"secureops/internal/schema"
	"secureops/internal/sink"
)

// Config holds the consumer configuration.
type Config struct {
	Workers      int
	PollInterval time.Duration
	ShutdownWait time.Duration
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Processor scores one normalized event.
type Processor interface {
	ProcessNormalized(ctx context.Context, event *schema.NormalizedEvent) *schema.ScoredEvent
}

// DepthObserver receives the queue depth after every pop.
type DepthObserver interface {
	SetQueueDepth(n int)
}

// Consumer runs workers that pop events, score them and write the results.
type Consumer struct {
	queue     *queue.RingBuffer
	processor Processor
	sink      sink.Sink
	config    Config
	depth     DepthObserver
	logger    *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	consumed atomic.Uint64
	failed   atomic.Uint64
}

// New creates a Consumer. depth and logger may be nil.
func New(q *queue.RingBuffer, p Processor, s sink.Sink, cfg Config, depth DepthObserver, logger *slog.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:     q,
		processor: p,
		sink:      s,
		config:    cfg,
		depth:     depth,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.logger.Info("queue consumer started", "workers", c.config.Workers)
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		event, err := c.queue.PopWithTimeout(c.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			c.logger.Warn("unexpected queue error", "worker_id", id, "error", err)
			c.failed.Add(1)
			continue
		}
		if c.depth != nil {
			c.depth.SetQueueDepth(c.queue.Len())
		}

		scored := c.processor.ProcessNormalized(ctx, event)
		if ctx.Err() != nil {
			// Lookups ended with the context, so the score is all fallbacks.
			c.logger.Warn("discarding event scored after cancellation",
				"worker_id", id,
				"event_id", event.EventID)
			c.failed.Add(1)
			return
		}
		if err := c.sink.Write(ctx, []*schema.ScoredEvent{scored}); err != nil {
			c.logger.Error("failed to write scored event",
				"worker_id", id,
				"event_id", event.EventID,
				"error", err)
			c.failed.Add(1)
			continue
		}
		c.consumed.Add(1)
	}
}

// Stop closes the queue, lets the workers drain it and waits up to
// ShutdownWait for them to exit.
func (c *Consumer) Stop() {
	c.queue.Close()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		c.logger.Info("queue consumer stopped gracefully",
			"consumed", c.consumed.Load(),
			"failed", c.failed.Load())
	case <-time.After(c.config.ShutdownWait):
		c.once.Do(func() { close(c.done) })
		c.logger.Warn("queue consumer shutdown timed out", "remaining", c.queue.Len())
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Errors:   c.failed.Load(),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}
