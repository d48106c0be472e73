package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"secureops/internal/schema"
)

// ErrArchiverClosed is returned by writes after Close.
var ErrArchiverClosed = errors.New("s3: archiver is closed")

// ArchiverConfig configures batching.
type ArchiverConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		BatchSize:     5000,
		FlushInterval: time.Minute,
	}
}

// Archiver batches scored events into gzip JSON lines objects keyed
// {prefix}/{date}/{hour}/{uuid}.jsonl.gz.
type Archiver struct {
	client *Client
	config ArchiverConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	buffer []*schema.ScoredEvent
	closed bool
	timer  *time.Timer

	recordsArchived atomic.Int64
	objectsWritten  atomic.Int64
	failures        atomic.Int64
}

// NewArchiver creates an Archiver and starts its flush timer.
func NewArchiver(client *Client, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	defaults := DefaultArchiverConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	a := &Archiver{
		client: client,
		config: cfg,
		logger: orDefault(logger),
		now:    time.Now,
	}
	a.timer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)
	return a
}

// Name identifies the sink.
func (a *Archiver) Name() string { return "s3" }

// Write buffers events and uploads a full batch.
func (a *Archiver) Write(ctx context.Context, events []*schema.ScoredEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrArchiverClosed
	}
	for _, e := range events {
		if e == nil {
			continue
		}
		a.buffer = append(a.buffer, e)
		if len(a.buffer) >= a.config.BatchSize {
			if _, err := a.flushLocked(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Archiver) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.flushLocked(ctx); err != nil {
		a.logger.Error("archive timer flush failed", "error", err)
	}
	a.timer.Reset(a.config.FlushInterval)
}

// Flush uploads whatever is buffered and returns the object key, or "" if
// the buffer was empty.
func (a *Archiver) Flush(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx)
}

func (a *Archiver) flushLocked(ctx context.Context) (string, error) {
	if len(a.buffer) == 0 {
		return "", nil
	}
	events := a.buffer
	a.buffer = nil

	body, err := encodeJSONLines(events)
	if err != nil {
		a.failures.Add(int64(len(events)))
		return "", err
	}

	key := objectKey(a.now().UTC(), uuid.NewString())
	fullKey, err := a.client.Upload(ctx, key, body, "application/gzip", map[string]string{
		"record-count": strconv.Itoa(len(events)),
	})
	if err != nil {
		a.failures.Add(int64(len(events)))
		return "", err
	}

	a.recordsArchived.Add(int64(len(events)))
	a.objectsWritten.Add(1)
	a.logger.Info("archived scored events", "key", fullKey, "records", len(events), "bytes", len(body))
	return fullKey, nil
}

// Close stops the timer and uploads the remaining buffer.
func (a *Archiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := a.flushLocked(ctx)
	return err
}

// Read downloads one archive object and decodes its events.
func (a *Archiver) Read(ctx context.Context, fullKey string) ([]*schema.ScoredEvent, error) {
	data, err := a.client.Download(ctx, fullKey)
	if err != nil {
		return nil, err
	}
	return decodeJSONLines(data)
}

// ArchiverMetrics holds archiver counters.
type ArchiverMetrics struct {
	RecordsArchived int64
	ObjectsWritten  int64
	Failures        int64
	Pending         int
}

// Metrics returns archiver counters.
func (a *Archiver) Metrics() ArchiverMetrics {
	a.mu.Lock()
	pending := len(a.buffer)
	a.mu.Unlock()
	return ArchiverMetrics{
		RecordsArchived: a.recordsArchived.Load(),
		ObjectsWritten:  a.objectsWritten.Load(),
		Failures:        a.failures.Load(),
		Pending:         pending,
	}
}

// objectKey renders the date/hour partitioned key, without the client prefix.
func objectKey(t time.Time, id string) string {
	return fmt.Sprintf("%s/%02d/%s.jsonl.gz", t.Format("2006-01-02"), t.Hour(), id)
}

func encodeJSONLines(events []*schema.ScoredEvent) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("s3: failed to encode event %s: %w", e.Event.EventID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("s3: failed to compress archive: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeJSONLines(data []byte) ([]*schema.ScoredEvent, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("s3: archive is not gzip: %w", err)
	}
	defer gz.Close()

	var events []*schema.ScoredEvent
	reader := bufio.NewReader(gz)
	for line := 1; ; line++ {
		raw, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			var e schema.ScoredEvent
			if jerr := json.Unmarshal(raw, &e); jerr != nil {
				return nil, fmt.Errorf("s3: line %d: %w", line, jerr)
			}
			events = append(events, &e)
		}
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("s3: failed to read archive: %w", err)
		}
	}
}
