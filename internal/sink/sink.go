// Package sink defines destinations for scored events.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"secureops/internal/logging"
	"secureops/internal/schema"
)

// Sink receives scored events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []*schema.ScoredEvent) error
}

// WriteObserver is notified of every sink write.
type WriteObserver interface {
	ObserveSinkWrite(sink string, n int, err error)
}

// Multi writes to several sinks concurrently.
type Multi struct {
	sinks    []Sink
	observer WriteObserver
	logger   *slog.Logger
}

// NewMulti creates a fan-out sink. obs may be nil.
func NewMulti(obs WriteObserver, logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, observer: obs, logger: logger}
}

// Name returns "multi".
func (m *Multi) Name() string {
	return "multi"
}

// Len returns the number of wrapped sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Write hands events to every sink. A failing sink does not stop the others;
// the returned error joins all failures.
func (m *Multi) Write(ctx context.Context, events []*schema.ScoredEvent) error {
	if len(events) == 0 {
		return nil
	}

	errs := make([]error, len(m.sinks))
	var wg sync.WaitGroup
	for i, s := range m.sinks {
		wg.Add(1)
		go func(i int, s Sink) {
			defer wg.Done()
			err := s.Write(ctx, events)
			if m.observer != nil {
				m.observer.ObserveSinkWrite(s.Name(), len(events), err)
			}
			if err != nil {
				m.logger.Error("sink write failed",
					"sink", s.Name(),
					"events", len(events),
					"error", err)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
		}(i, s)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Close closes every wrapped sink that implements io.Closer.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Log writes one summary line per scored event.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Name returns "log".
func (l *Log) Name() string {
	return "log"
}

// Write logs each event's scores and triggered rules.
func (l *Log) Write(ctx context.Context, events []*schema.ScoredEvent) error {
	for _, e := range events {
		l.logger.InfoContext(ctx, "event scored",
			"event_id", e.Event.EventID,
			"source", e.Event.Source,
			"action", e.Event.Action,
			"final_score", e.Scoring.FinalScore,
			"model_score", e.Scoring.ModelScore,
			"rule_score", e.Scoring.RuleScore,
			"triggered_rules", e.Scoring.TriggeredRules,
			"degraded", e.Scoring.Degraded,
		)
		if len(e.Event.Payload) > 0 {
			l.logger.DebugContext(ctx, "scored event payload",
				"event_id", e.Event.EventID,
				logging.PayloadAttr(e.Event.Payload))
		}
	}
	return nil
}

// Func adapts a function to a Sink.
type Func struct {
	SinkName string
	Fn       func(ctx context.Context, events []*schema.ScoredEvent) error
}

// Name returns the configured name.
func (f Func) Name() string {
	return f.SinkName
}

// Write calls Fn.
func (f Func) Write(ctx context.Context, events []*schema.ScoredEvent) error {
	return f.Fn(ctx, events)
}
