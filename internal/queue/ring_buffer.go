// Package queue provides a bounded in-process queue of normalized events.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"secureops/internal/schema"
)

var (
	// ErrQueueFull is returned when pushing to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when no event is available.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when using a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is used when NewRingBuffer is given a non-positive size.
const DefaultSize = 10000

// RingBuffer is a thread-safe circular buffer of normalized events.
type RingBuffer struct {
	buffer []*schema.NormalizedEvent
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	rb := &RingBuffer{
		buffer: make([]*schema.NormalizedEvent, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an event. It returns ErrQueueFull at capacity.
func (rb *RingBuffer) Push(event *schema.NormalizedEvent) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = event
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)
	rb.cond.Signal()
	return nil
}

// Publish pushes event, letting the queue stand in for a stream publisher.
func (rb *RingBuffer) Publish(_ context.Context, event *schema.NormalizedEvent) error {
	return rb.Push(event)
}

// Pop removes an event without blocking.
func (rb *RingBuffer) Pop() (*schema.NormalizedEvent, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	return rb.take(), nil
}

// PopWithTimeout waits up to timeout for an event. It returns ErrQueueEmpty
// when the timeout expires and ErrQueueClosed once the queue is closed and
// drained.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.NormalizedEvent, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer timer.Stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		if !time.Now().Before(deadline) {
			return nil, ErrQueueEmpty
		}
		rb.cond.Wait()
	}

	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.take(), nil
}

// take pops the head. Callers hold mu and have checked count > 0.
func (rb *RingBuffer) take() *schema.NormalizedEvent {
	event := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return event
}

// Len returns the number of queued events.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close stops accepting events and wakes waiting consumers. Queued events
// can still be popped.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
