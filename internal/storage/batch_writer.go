package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"secureops/internal/config"
	"secureops/internal/schema"
)

const scoredEventsTable = "scored_events"

const insertScoredEvents = `
	INSERT INTO scored_events (
		event_id, source, received_at,
		actor_id, actor_ip, action, resource_id, resource_type, severity_hint,
		ip_reputation, country_code, environment,
		final_score, model_score, rule_score, confidence, triggered_rules,
		degraded, degraded_rules, model_version, rules_version, scored_at,
		event_json
	)
`

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() config.BatchWriterConfig {
	return config.BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter buffers scored events and inserts them into ClickHouse in
// batches, on size or on a flush timer, whichever comes first.
type BatchWriter struct {
	client *ClickHouseClient
	config config.BatchWriterConfig
	logger *slog.Logger

	mu     sync.Mutex
	buffer []*schema.ScoredEvent
	closed bool

	flushTimer *time.Timer

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter(client *ClickHouseClient, cfg config.BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	defaults := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]*schema.ScoredEvent, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Name identifies the sink.
func (bw *BatchWriter) Name() string { return "clickhouse" }

// Write adds events to the buffer, flushing whenever it reaches BatchSize.
func (bw *BatchWriter) Write(_ context.Context, events []*schema.ScoredEvent) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	for _, event := range events {
		if event == nil {
			continue
		}
		bw.buffer = append(bw.buffer, event)
		if len(bw.buffer) >= bw.config.BatchSize {
			if err := bw.flushLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if err := bw.flushLocked(); err != nil {
		bw.logger.Error("timer flush failed", "error", err)
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked inserts the buffer. Caller must hold the lock. A batch that
// still fails after MaxRetries is dropped and counted as failed.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	events := bw.buffer
	bw.buffer = make([]*schema.ScoredEvent, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(events); err != nil {
			lastErr = err
			bw.logger.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		bw.totalWritten.Add(uint64(len(events)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(events)))
	return WrapBatchError(scoredEventsTable, lastErr, bw.config.MaxRetries)
}

func (bw *BatchWriter) insertBatch(events []*schema.ScoredEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, insertScoredEvents)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		row, err := scoredRow(event)
		if err != nil {
			return err
		}
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append event %s: %w", event.Event.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("batch inserted", "count", len(events))
	return nil
}

// scoredRow flattens a scored event into insertScoredEvents column order.
func scoredRow(e *schema.ScoredEvent) ([]any, error) {
	doc, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", e.Event.EventID, err)
	}

	reputation := string(schema.ReputationUnknown)
	if ti := e.Enrichment.ThreatIntel; ti != nil {
		reputation = string(ti.IPReputation)
	}
	country := ""
	if geo := e.Enrichment.Geo; geo != nil {
		country = geo.CountryCode
	}
	environment := string(schema.EnvironmentUnknown)
	if asset := e.Enrichment.AssetContext; asset != nil {
		environment = string(asset.Environment)
	}
	rules := e.Scoring.TriggeredRules
	if rules == nil {
		rules = []string{}
	}

	return []any{
		e.Event.EventID,
		e.Event.Source,
		e.Event.ReceivedAt.UTC(),
		e.Event.ActorID(),
		e.Event.ActorIP(),
		e.Event.Action,
		e.Event.ResourceID(),
		e.Event.ResourceType(),
		uint8(e.Event.SeverityHint),
		reputation,
		country,
		environment,
		uint8(e.Scoring.FinalScore),
		e.Scoring.ModelScore,
		uint8(e.Scoring.RuleScore),
		e.Scoring.Confidence,
		rules,
		e.Scoring.Degraded,
		uint16(e.Scoring.DegradedRules),
		e.Scoring.ModelVersion,
		e.Scoring.RulesVersion,
		e.Scoring.ScoredAt.UTC(),
		string(doc),
	}, nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the flush timer and flushes what is buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return nil
	}
	bw.closed = true
	bw.flushTimer.Stop()
	return bw.flushLocked()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
