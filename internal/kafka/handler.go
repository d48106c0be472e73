package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"secureops/internal/schema"
	"secureops/internal/sink"
)

// Processor scores one normalized event.
type Processor interface {
	ProcessNormalized(ctx context.Context, event *schema.NormalizedEvent) *schema.ScoredEvent
}

// NewScoringHandler returns a handler that decodes a normalized event, scores
// it and writes the result to out. Undecodable or invalid messages are logged
// and committed. Sink failures and cancellation leave the offset uncommitted;
// an event scored while ctx was being cancelled is discarded unwritten since
// every lookup in it fell back.
func NewScoringHandler(p Processor, out sink.Sink, logger *slog.Logger) MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg Message) error {
		var event schema.NormalizedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Warn("dropping undecodable event",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			return nil
		}
		if err := event.Validate(); err != nil {
			logger.Warn("dropping invalid event",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"event_id", event.EventID,
				"error", err)
			return nil
		}

		scored := p.ProcessNormalized(ctx, &event)
		if err := ctx.Err(); err != nil {
			return err
		}
		return out.Write(ctx, []*schema.ScoredEvent{scored})
	}
}
