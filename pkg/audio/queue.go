package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// OverflowPolicy decides what a full [Queue] does with an incoming buffer.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued audio buffer to make room.
	DropOldest OverflowPolicy = "drop_oldest"

	// RejectNewest refuses the incoming buffer with [ErrQueueFull].
	RejectNewest OverflowPolicy = "reject_newest"
)

// IsValid reports whether p is a known policy.
func (p OverflowPolicy) IsValid() bool {
	return p == DropOldest || p == RejectNewest
}

// ParseOverflowPolicy converts a config string into an OverflowPolicy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	p := OverflowPolicy(s)
	if !p.IsValid() {
		return "", fmt.Errorf("audio: unknown overflow policy %q (want %q or %q)", s, DropOldest, RejectNewest)
	}
	return p, nil
}

var (
	// ErrQueueFull is returned by [Queue.Push] under [RejectNewest] when the
	// queue is at capacity.
	ErrQueueFull = errors.New("audio: queue full")

	// ErrQueueClosed is returned by Push after Close, and by Pop once the
	// queue is closed and drained.
	ErrQueueClosed = errors.New("audio: queue closed")
)

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Depth    int
	Capacity int
	Accepted int64
	Dropped  int64
	Rejected int64
}

// overflowLogEvery controls how often repeated overflows are logged.
const overflowLogEvery = 100

// Queue is a bounded FIFO of [Buffer] values between a transport reader and
// the processing pipeline. Capacity bounds audio buffers only: end-of-stream
// control buffers are always accepted and never evicted. Safe for concurrent
// use by any number of producers and a single consumer.
type Queue struct {
	mu       sync.Mutex
	items    []Buffer
	data     int
	capacity int
	policy   OverflowPolicy
	closed   bool
	stats    QueueStats

	notify chan struct{}
	done   chan struct{}

	onOverflow func(policy OverflowPolicy)
}

// QueueOption customises a [Queue].
type QueueOption func(*Queue)

// WithOverflowHook registers fn to be called (outside the lock) every time a
// buffer is dropped or rejected. Used to feed metrics.
func WithOverflowHook(fn func(policy OverflowPolicy)) QueueOption {
	return func(q *Queue) { q.onOverflow = fn }
}

// NewQueue creates a queue holding at most capacity audio buffers.
func NewQueue(capacity int, policy OverflowPolicy, opts ...QueueOption) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("audio: queue capacity must be positive, got %d", capacity)
	}
	if !policy.IsValid() {
		return nil, fmt.Errorf("audio: unknown overflow policy %q", policy)
	}
	q := &Queue{
		items:    make([]Buffer, 0, capacity),
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	q.stats.Capacity = capacity
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

// Policy returns the configured overflow policy.
func (q *Queue) Policy() OverflowPolicy { return q.policy }

// Push enqueues buf. Under [DropOldest] it never fails for an open queue; under
// [RejectNewest] it returns [ErrQueueFull] when at capacity.
func (q *Queue) Push(buf Buffer) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	overflowed := false
	var total int64
	if !buf.EndOfStream && q.data >= q.capacity {
		overflowed = true
		if q.policy == RejectNewest {
			q.stats.Rejected++
			total = q.stats.Rejected
			q.mu.Unlock()
			q.reportOverflow(buf, total)
			return ErrQueueFull
		}
		q.evictOldest()
		q.stats.Dropped++
		total = q.stats.Dropped
	}

	q.items = append(q.items, buf)
	if !buf.EndOfStream {
		q.data++
	}
	q.stats.Accepted++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if overflowed {
		q.reportOverflow(buf, total)
	}
	return nil
}

// evictOldest removes the first audio buffer. Callers hold q.mu.
func (q *Queue) evictOldest() {
	for i, it := range q.items {
		if it.EndOfStream {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.data--
		return
	}
}

func (q *Queue) reportOverflow(buf Buffer, total int64) {
	if total == 1 || total%overflowLogEvery == 0 {
		slog.Warn("audio queue overflow",
			"policy", string(q.policy),
			"capacity", q.capacity,
			"count", total,
			"source", buf.Source,
		)
	}
	if q.onOverflow != nil {
		q.onOverflow(q.policy)
	}
}

// Pop blocks until a buffer is available, ctx is cancelled, or the queue is
// closed and empty.
func (q *Queue) Pop(ctx context.Context) (Buffer, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			buf := q.items[0]
			q.items[0] = Buffer{}
			q.items = q.items[1:]
			if !buf.EndOfStream {
				q.data--
			}
			q.mu.Unlock()
			return buf, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Buffer{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Buffer{}, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Close stops accepting new buffers. Already queued buffers can still be
// popped. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.items)
	return s
}
