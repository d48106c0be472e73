package storage

import (
	"context"

	"github.com/google/uuid"
)

// Rejection is an event the normalizer refused, with the failing field.
type Rejection struct {
	SourceIP string
	Field    string
	Reason   string
	RawEvent string
}

// RejectedWriter stores rejected events in the rejected_events table.
type RejectedWriter struct {
	client *ClickHouseClient
}

// NewRejectedWriter creates a new RejectedWriter.
func NewRejectedWriter(client *ClickHouseClient) *RejectedWriter {
	return &RejectedWriter{client: client}
}

// WriteRejections stores rejections in a single batch.
func (w *RejectedWriter) WriteRejections(ctx context.Context, rejections []Rejection) error {
	if len(rejections) == 0 {
		return nil
	}

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO rejected_events (
			rejection_id, source_ip, field, reason, raw_event
		)
	`)
	if err != nil {
		return WrapQueryError("PrepareBatch", "rejected_events", err)
	}

	for _, r := range rejections {
		if err := batch.Append(uuid.New(), r.SourceIP, r.Field, r.Reason, r.RawEvent); err != nil {
			return WrapQueryError("Append", "rejected_events", err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapBatchError("rejected_events", err, 0)
	}
	return nil
}
