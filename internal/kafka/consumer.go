package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// MessageHandler processes one consumed message. Returning nil commits the
// offset; an error leaves it uncommitted.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic as a member of a consumer group.
type Consumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	started atomic.Bool
	closed  atomic.Bool

	messages atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64

	mu            sync.Mutex
	lastError     error
	lastErrorTime time.Time

	fetchBackoff time.Duration
}

// NewConsumer creates a consumer group member for config.Topic.
func NewConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ConsumerGroup == "" {
		return nil, errors.New("kafka: consumer group is required")
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.Topic,
		Dialer:         dialer,
		MinBytes:       config.ConsumerMinBytes,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"group", config.ConsumerGroup,
	)

	return newConsumer(reader, config, handler, logger), nil
}

func newConsumer(r messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:       r,
		config:       config,
		logger:       logger,
		handler:      handler,
		fetchBackoff: time.Second,
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message",
				"topic", c.config.Topic,
				"error", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.fetchBackoff):
				continue
			}
		}

		msg := Message{
			Topic:     km.Topic,
			Partition: km.Partition,
			Offset:    km.Offset,
			Key:       km.Key,
			Value:     km.Value,
			Time:      km.Time,
		}

		if err := c.handle(ctx, msg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to process message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			continue
		}

		if err := c.reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset",
				"offset", km.Offset,
				"error", err)
		}

		c.messages.Add(1)
		c.bytes.Add(int64(len(km.Key) + len(km.Value)))
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message) error {
	if c.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HandlerTimeout)
		defer cancel()
	}
	return c.handler(ctx, msg)
}

func (c *Consumer) recordError(err error) {
	c.failures.Add(1)
	c.mu.Lock()
	c.lastError = err
	c.lastErrorTime = time.Now()
	c.mu.Unlock()
}

// Stats returns consumer counters.
func (c *Consumer) Stats() Stats {
	s := Stats{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Errors:   c.failures.Load(),
	}
	c.mu.Lock()
	if c.lastError != nil {
		s.LastError = c.lastError.Error()
		s.LastErrorTime = c.lastErrorTime
	}
	c.mu.Unlock()
	return s
}

// Close closes the reader. Call after Run returns.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("closing kafka consumer",
		"topic", c.config.Topic,
		"messages_consumed", c.messages.Load())

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}

// ConsumerGroup runs several consumers of the same group.
type ConsumerGroup struct {
	consumers []*Consumer
	logger    *slog.Logger
}

// NewConsumerGroup creates n consumers sharing handler.
func NewConsumerGroup(config *Config, n int, handler MessageHandler, logger *slog.Logger) (*ConsumerGroup, error) {
	if n < 1 {
		return nil, errors.New("kafka: at least one consumer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cg := &ConsumerGroup{logger: logger}
	for i := 0; i < n; i++ {
		c, err := NewConsumer(config, handler, logger.With("consumer_id", i))
		if err != nil {
			cg.Close()
			return nil, fmt.Errorf("kafka: failed to create consumer %d: %w", i, err)
		}
		cg.consumers = append(cg.consumers, c)
	}
	return cg, nil
}

// Run runs every consumer until ctx is cancelled.
func (cg *ConsumerGroup) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range cg.consumers {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

// Stats returns counters summed across consumers.
func (cg *ConsumerGroup) Stats() Stats {
	var s Stats
	for _, c := range cg.consumers {
		cs := c.Stats()
		s.Messages += cs.Messages
		s.Bytes += cs.Bytes
		s.Errors += cs.Errors
	}
	return s
}

// Close closes every consumer.
func (cg *ConsumerGroup) Close() error {
	var errs []error
	for _, c := range cg.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
