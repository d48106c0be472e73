package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"secureops/internal/schema"
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes keyed messages to one topic, retrying transient failures
// with exponential backoff.
type Producer struct {
	writer messageWriter
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	messages atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64
	retries  atomic.Int64

	mu            sync.Mutex
	lastError     error
	lastErrorTime time.Time
}

// NewProducer creates a producer. Messages with the same key land on the
// same partition.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"compression", config.CompressionType,
	)

	return newProducer(writer, config, logger), nil
}

func newProducer(w messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{writer: w, config: config, logger: logger}
}

// Produce sends one message.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	return p.ProduceBatch(ctx, []kafka.Message{{Key: key, Value: value, Time: time.Now()}})
}

// ProduceJSON marshals value and sends it under key.
func (p *Producer) ProduceJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}
	return p.Produce(ctx, []byte(key), data)
}

// ProduceBatch sends messages in one write.
func (p *Producer) ProduceBatch(ctx context.Context, messages []kafka.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(messages) == 0 {
		return nil
	}

	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, messages...)
		if err == nil {
			for _, msg := range messages {
				p.messages.Add(1)
				p.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
			}
			return nil
		}

		lastErr = err
		p.recordError(err)
		p.logger.Warn("kafka produce failed",
			"topic", p.config.Topic,
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

func (p *Producer) recordError(err error) {
	p.failures.Add(1)
	p.mu.Lock()
	p.lastError = err
	p.lastErrorTime = time.Now()
	p.mu.Unlock()
}

// Stats returns producer counters.
func (p *Producer) Stats() Stats {
	s := Stats{
		Messages: p.messages.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.failures.Load(),
		Retries:  p.retries.Load(),
	}
	p.mu.Lock()
	if p.lastError != nil {
		s.LastError = p.lastError.Error()
		s.LastErrorTime = p.lastErrorTime
	}
	p.mu.Unlock()
	return s
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka producer",
		"topic", p.config.Topic,
		"messages_produced", p.messages.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryableError(err error) bool {
	for _, target := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// EventPublisher publishes normalized events to the input topic keyed by
// actor and source.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher wraps p.
func NewEventPublisher(p *Producer) *EventPublisher {
	return &EventPublisher{producer: p}
}

// Publish sends one normalized event.
func (e *EventPublisher) Publish(ctx context.Context, event *schema.NormalizedEvent) error {
	return e.producer.ProduceJSON(ctx, event.PartitionKey(), event)
}

// Close closes the underlying producer.
func (e *EventPublisher) Close() error {
	return e.producer.Close()
}

// ScoredPublisher is a sink writing scored events to the output topic.
type ScoredPublisher struct {
	producer *Producer
}

// NewScoredPublisher wraps p.
func NewScoredPublisher(p *Producer) *ScoredPublisher {
	return &ScoredPublisher{producer: p}
}

// Name returns "kafka".
func (s *ScoredPublisher) Name() string {
	return "kafka"
}

// Write publishes events in a single batch.
func (s *ScoredPublisher) Write(ctx context.Context, events []*schema.ScoredEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	now := time.Now()
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("kafka: failed to marshal scored event %s: %w", e.Event.EventID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Event.PartitionKey()),
			Value: data,
			Time:  now,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(e.Event.EventID)},
			},
		})
	}
	return s.producer.ProduceBatch(ctx, msgs)
}

// Close closes the underlying producer.
func (s *ScoredPublisher) Close() error {
	return s.producer.Close()
}
