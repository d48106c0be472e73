package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"secureops/internal/config"
	"secureops/internal/schema"
	"secureops/internal/sink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	if cfg.Topic != "secureops-events" {
		t.Errorf("Topic = %s, want secureops-events", cfg.Topic)
	}
	if cfg.Compression() != kafka.Lz4 {
		t.Errorf("Compression() = %v, want lz4", cfg.Compression())
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"empty topic", func(c *Config) { c.Topic = "" }, true},
		{"invalid partitions", func(c *Config) { c.Partitions = 0 }, true},
		{"invalid replication factor", func(c *Config) { c.ReplicationFactor = 0 }, true},
		{"invalid security protocol", func(c *Config) { c.SecurityProtocol = "INVALID" }, true},
		{"SASL without credentials", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "PLAIN"
		}, true},
		{"SASL bad mechanism", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "GSSAPI"
			c.SASLUsername = "user"
			c.SASLPassword = "pass"
		}, true},
		{"valid SASL config", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "PLAIN"
			c.SASLUsername = "user"
			c.SASLPassword = "pass"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDialer(t *testing.T) {
	t.Run("plaintext", func(t *testing.T) {
		cfg := DefaultConfig()
		dialer, err := cfg.Dialer()
		if err != nil {
			t.Fatalf("Dialer() error = %v", err)
		}
		if dialer.Timeout != cfg.DialTimeout {
			t.Errorf("Timeout = %v, want %v", dialer.Timeout, cfg.DialTimeout)
		}
		if dialer.TLS != nil || dialer.SASLMechanism != nil {
			t.Error("plaintext dialer should have no TLS or SASL")
		}
	})

	t.Run("sasl ssl scram", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SecurityProtocol = "SASL_SSL"
		cfg.SASLMechanism = "SCRAM-SHA-512"
		cfg.SASLUsername = "user"
		cfg.SASLPassword = "pass"
		cfg.TLSSkipVerify = true

		dialer, err := cfg.Dialer()
		if err != nil {
			t.Fatalf("Dialer() error = %v", err)
		}
		if dialer.TLS == nil {
			t.Error("expected TLS config")
		}
		if dialer.SASLMechanism == nil {
			t.Error("expected SASL mechanism")
		}
	})

	t.Run("missing CA file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SecurityProtocol = "SSL"
		cfg.TLSCAFile = "/nonexistent/ca.pem"
		if _, err := cfg.Dialer(); err == nil {
			t.Error("Dialer() error = nil, want CA read error")
		}
	})
}

func TestFromAppConfig(t *testing.T) {
	kc := config.DefaultConfig().Kafka
	kc.Brokers = []string{"k1:9092", "k2:9092"}
	kc.InputTopic = "in"
	kc.ConsumerGroup = "grp"

	cfg := FromAppConfig(kc)
	if len(cfg.Brokers) != 2 || cfg.Topic != "in" || cfg.ConsumerGroup != "grp" {
		t.Errorf("FromAppConfig() = %+v", cfg)
	}

	out := cfg.WithTopic("scored")
	if out.Topic != "scored" || cfg.Topic != "in" {
		t.Errorf("WithTopic() topic = %s, original = %s", out.Topic, cfg.Topic)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	fails  []error
	writes [][]kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.fails) > 0 {
		err := w.fails[0]
		w.fails = w.fails[1:]
		return err
	}
	w.writes = append(w.writes, msgs)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testProducer(w *fakeWriter) *Producer {
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	return newProducer(w, cfg, testLogger())
}

func TestProducer_RetriesTransientErrors(t *testing.T) {
	w := &fakeWriter{fails: []error{errors.New("broker gone"), errors.New("broker gone")}}
	p := testProducer(w)

	if err := p.Produce(context.Background(), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}

	stats := p.Stats()
	if stats.Messages != 1 || stats.Retries != 2 || stats.Errors != 2 {
		t.Errorf("Stats() = %+v, want 1 message, 2 retries, 2 errors", stats)
	}
	if stats.LastError != "broker gone" {
		t.Errorf("LastError = %q, want broker gone", stats.LastError)
	}
}

func TestProducer_GivesUp(t *testing.T) {
	w := &fakeWriter{fails: []error{errors.New("x"), errors.New("x"), errors.New("x"), errors.New("x")}}
	p := testProducer(w)

	if err := p.Produce(context.Background(), nil, []byte("v")); err == nil {
		t.Fatal("Produce() error = nil, want failure after retries")
	}
	if len(w.writes) != 0 {
		t.Errorf("writes = %d, want 0", len(w.writes))
	}
}

func TestProducer_NonRetryable(t *testing.T) {
	w := &fakeWriter{fails: []error{kafka.MessageSizeTooLarge, nil}}
	p := testProducer(w)

	if err := p.Produce(context.Background(), nil, []byte("v")); !errors.Is(err, kafka.MessageSizeTooLarge) {
		t.Errorf("Produce() error = %v, want MessageSizeTooLarge", err)
	}
	if p.Stats().Retries != 0 {
		t.Errorf("Retries = %d, want 0", p.Stats().Retries)
	}
}

func TestProducer_Closed(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Produce(context.Background(), nil, []byte("v")); err != ErrProducerClosed {
		t.Errorf("Produce() error = %v, want ErrProducerClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func testEvent(id string) *schema.NormalizedEvent {
	return &schema.NormalizedEvent{
		EventID:       id,
		Source:        "cloudtrail",
		ReceivedAt:    time.Date(2024, 3, 6, 2, 0, 0, 0, time.UTC),
		Actor:         map[string]any{"id": "user_1", "ip": "203.0.113.9"},
		Action:        "s3:GetObject",
		Resource:      map[string]any{"id": "bucket", "type": "s3"},
		SeverityHint:  schema.SeverityDefault,
		SchemaVersion: schema.SchemaVersion,
	}
}

func TestEventPublisher_KeysByActorAndSource(t *testing.T) {
	w := &fakeWriter{}
	pub := NewEventPublisher(testProducer(w))

	if err := pub.Publish(context.Background(), testEvent("evt-1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg := w.writes[0][0]
	if string(msg.Key) != "user_1#cloudtrail" {
		t.Errorf("key = %s, want user_1#cloudtrail", msg.Key)
	}
	var decoded schema.NormalizedEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if decoded.EventID != "evt-1" {
		t.Errorf("event_id = %s, want evt-1", decoded.EventID)
	}
}

func TestScoredPublisher_Write(t *testing.T) {
	w := &fakeWriter{}
	pub := NewScoredPublisher(testProducer(w))

	events := []*schema.ScoredEvent{
		{Event: *testEvent("a"), Scoring: schema.ScoringResult{FinalScore: 10}},
		{Event: *testEvent("b"), Scoring: schema.ScoringResult{FinalScore: 90}},
	}
	if err := pub.Write(context.Background(), events); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(w.writes) != 1 || len(w.writes[0]) != 2 {
		t.Fatalf("writes = %v, want one batch of 2", w.writes)
	}
	if h := w.writes[0][1].Headers[0]; h.Key != "event_id" || string(h.Value) != "b" {
		t.Errorf("header = %s=%s, want event_id=b", h.Key, h.Value)
	}
	if pub.Name() != "kafka" {
		t.Errorf("Name() = %s, want kafka", pub.Name())
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	drained   chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case r.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_CommitsOnlyHandledMessages(t *testing.T) {
	r := &fakeReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte("ok")},
			{Offset: 2, Value: []byte("fail")},
			{Offset: 3, Value: []byte("ok")},
		},
		drained: make(chan struct{}, 1),
	}
	handler := func(ctx context.Context, msg Message) error {
		if string(msg.Value) == "fail" {
			return errors.New("sink down")
		}
		return nil
	}
	c := newConsumer(r, DefaultConfig(), handler, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-r.drained
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(r.committed) != 2 || r.committed[0] != 1 || r.committed[1] != 3 {
		t.Errorf("committed = %v, want [1 3]", r.committed)
	}
	stats := c.Stats()
	if stats.Messages != 2 || stats.Errors != 1 {
		t.Errorf("Stats() = %+v, want 2 messages and 1 error", stats)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Error("second Run() error = nil, want already started")
	}
}

func TestConsumerGroup_Stats(t *testing.T) {
	c1 := newConsumer(&fakeReader{}, DefaultConfig(), nil, testLogger())
	c1.messages.Store(100)
	c1.bytes.Store(1000)
	c2 := newConsumer(&fakeReader{}, DefaultConfig(), nil, testLogger())
	c2.messages.Store(200)
	c2.bytes.Store(2000)

	cg := &ConsumerGroup{consumers: []*Consumer{c1, c2}}
	stats := cg.Stats()
	if stats.Messages != 300 || stats.Bytes != 3000 {
		t.Errorf("Stats() = %+v, want 300 messages and 3000 bytes", stats)
	}
}

type fakeProcessor struct {
	seen []string
}

func (f *fakeProcessor) ProcessNormalized(ctx context.Context, event *schema.NormalizedEvent) *schema.ScoredEvent {
	f.seen = append(f.seen, event.EventID)
	return &schema.ScoredEvent{Event: *event, Scoring: schema.ScoringResult{FinalScore: 42}}
}

func TestScoringHandler(t *testing.T) {
	proc := &fakeProcessor{}
	var written []*schema.ScoredEvent
	var sinkErr error
	out := sink.Func{SinkName: "test", Fn: func(ctx context.Context, events []*schema.ScoredEvent) error {
		written = append(written, events...)
		return sinkErr
	}}
	handler := NewScoringHandler(proc, out, testLogger())

	value, _ := json.Marshal(testEvent("evt-7"))

	tests := []struct {
		name    string
		value   []byte
		sinkErr error
		wantErr bool
	}{
		{"valid event", value, nil, false},
		{"undecodable dropped", []byte("{not json"), nil, false},
		{"missing id dropped", []byte(`{"source":"x"}`), nil, false},
		{"missing source dropped", invalid(func(e *schema.NormalizedEvent) { e.Source = "" }), nil, false},
		{"missing action dropped", invalid(func(e *schema.NormalizedEvent) { e.Action = "" }), nil, false},
		{"severity out of range dropped", invalid(func(e *schema.NormalizedEvent) { e.SeverityHint = 9 }), nil, false},
		{"sink failure surfaces", value, errors.New("down"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sinkErr = tt.sinkErr
			err := handler(context.Background(), Message{Value: tt.value})
			if (err != nil) != tt.wantErr {
				t.Errorf("handler() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if len(proc.seen) != 2 || proc.seen[0] != "evt-7" {
		t.Errorf("processed = %v, want evt-7 twice", proc.seen)
	}
	if len(written) != 2 || written[0].Scoring.FinalScore != 42 {
		t.Errorf("written = %d events, want 2 with score 42", len(written))
	}
}

// invalid returns evt-7 with mutate applied, encoded as a message value.
func invalid(mutate func(*schema.NormalizedEvent)) []byte {
	e := testEvent("evt-7")
	mutate(e)
	b, _ := json.Marshal(e)
	return b
}

// blockingProcessor scores only after ctx is cancelled, the way lookups fall
// back once their context ends.
type blockingProcessor struct{}

func (blockingProcessor) ProcessNormalized(ctx context.Context, event *schema.NormalizedEvent) *schema.ScoredEvent {
	<-ctx.Done()
	return &schema.ScoredEvent{Event: *event, Scoring: schema.ScoringResult{FinalScore: 56}}
}

func TestScoringHandler_CancelledMidEventNotWritten(t *testing.T) {
	written := 0
	out := sink.Func{SinkName: "test", Fn: func(ctx context.Context, events []*schema.ScoredEvent) error {
		written += len(events)
		return nil
	}}
	handler := NewScoringHandler(blockingProcessor{}, out, testLogger())
	value, _ := json.Marshal(testEvent("evt-9"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := handler(ctx, Message{Value: value})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("handler() error = %v, want context.DeadlineExceeded", err)
	}
	if written != 0 {
		t.Errorf("written = %d, want 0 so the redelivered event is scored once", written)
	}
}

func TestTopicNames(t *testing.T) {
	got := topicNames([]kafka.Partition{
		{Topic: "a", ID: 0}, {Topic: "a", ID: 1}, {Topic: "b", ID: 0},
	})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("topicNames() = %v, want [a b]", got)
	}
}
