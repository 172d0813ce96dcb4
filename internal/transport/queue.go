package transport

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Send queue defaults.
const (
	// DefaultQueueTimeout is how long a queued payload stays eligible for sending.
	DefaultQueueTimeout = 5 * time.Second

	// DefaultQueueCapacity bounds the number of queued payloads.
	DefaultQueueCapacity = 1000
)

// OverflowPolicy decides what happens when a full queue receives a payload.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest queued payload to make room.
	DropOldest OverflowPolicy = iota

	// RejectNew refuses the incoming payload.
	RejectNew
)

// String returns the config name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case RejectNew:
		return "reject-new"
	default:
		return "drop-oldest"
	}
}

// ParseOverflowPolicy converts a config value to an OverflowPolicy.
// An empty string selects DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "drop_oldest":
		return DropOldest, nil
	case "reject-new", "reject_new":
		return RejectNew, nil
	default:
		return DropOldest, fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidConfig, s)
	}
}

// QueueEntry is a payload waiting for a healthy connection.
type QueueEntry[T any] struct {
	Item       T
	EnqueuedAt time.Time
}

// QueueStats holds send queue counters.
type QueueStats struct {
	Length          int
	DroppedStale    uint64
	DroppedOverflow uint64
}

// SendQueue is a bounded FIFO of outbound payloads with time-based expiry.
//
// An entry whose age at dequeue time is at least the queue timeout is dropped
// and never handed to the writer: a stale device command is worse than a
// missing one.
type SendQueue[T any] struct {
	mu       sync.Mutex
	entries  []QueueEntry[T]
	timeout  time.Duration
	capacity int
	policy   OverflowPolicy

	// now is the clock. Replaced in tests.
	now func() time.Time

	droppedStale    atomic.Uint64
	droppedOverflow atomic.Uint64
}

// NewSendQueue creates an empty queue.
//
// Parameters:
//   - timeout: Maximum age of an entry at dequeue time (<= 0 uses DefaultQueueTimeout)
//   - capacity: Maximum number of entries (<= 0 uses DefaultQueueCapacity)
//   - policy: What to do when full
func NewSendQueue[T any](timeout time.Duration, capacity int, policy OverflowPolicy) *SendQueue[T] {
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &SendQueue[T]{
		timeout:  timeout,
		capacity: capacity,
		policy:   policy,
		now:      time.Now,
	}
}

// Timeout returns the staleness window.
func (q *SendQueue[T]) Timeout() time.Duration {
	return q.timeout
}

// Enqueue appends item, tagged with the current time.
//
// Returns:
//   - evicted: true if the oldest entry was dropped to make room
//   - error: ErrQueueFull if the queue is full and the policy is RejectNew
func (q *SendQueue[T]) Enqueue(item T) (evicted bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		if q.policy == RejectNew {
			q.droppedOverflow.Add(1)
			return false, ErrQueueFull
		}
		var zero QueueEntry[T]
		q.entries[0] = zero
		q.entries = q.entries[1:]
		q.droppedOverflow.Add(1)
		evicted = true
	}

	q.entries = append(q.entries, QueueEntry[T]{Item: item, EnqueuedAt: q.now()})
	return evicted, nil
}

// Requeue puts an entry that failed to send back at the head of the queue.
// Its original timestamp is kept, so it still expires on schedule.
func (q *SendQueue[T]) Requeue(entry QueueEntry[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]QueueEntry[T]{entry}, q.entries...)
}

// Dequeue removes and returns the oldest entry regardless of its age.
func (q *SendQueue[T]) Dequeue() (QueueEntry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		var zero QueueEntry[T]
		return zero, false
	}
	entry := q.entries[0]
	var zero QueueEntry[T]
	q.entries[0] = zero
	q.entries = q.entries[1:]
	return entry, true
}

// IsStale reports whether entry has outlived the queue timeout.
func (q *SendQueue[T]) IsStale(entry QueueEntry[T]) bool {
	return q.now().Sub(entry.EnqueuedAt) >= q.timeout
}

// Drain hands entries to write in FIFO order until the queue is empty or a
// write fails. Stale entries are dropped without being written. A failed
// entry is requeued and the drain stops.
//
// Returns:
//   - sent: Number of entries written
//   - stale: Number of entries dropped for age
//   - error: The write error that stopped the drain, if any
func (q *SendQueue[T]) Drain(write func(T) error) (sent, stale int, err error) {
	for {
		entry, ok := q.Dequeue()
		if !ok {
			return sent, stale, nil
		}
		if q.IsStale(entry) {
			q.droppedStale.Add(1)
			stale++
			continue
		}
		if err := write(entry.Item); err != nil {
			q.Requeue(entry)
			return sent, stale, err
		}
		sent++
	}
}

// Prune drops stale entries from the head of the queue and returns how many
// were removed. Entries are kept in enqueue order, so pruning stops at the
// first fresh one.
func (q *SendQueue[T]) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for n < len(q.entries) && now.Sub(q.entries[n].EnqueuedAt) >= q.timeout {
		n++
	}
	if n == 0 {
		return 0
	}
	clear(q.entries[:n])
	q.entries = q.entries[n:]
	q.droppedStale.Add(uint64(n))
	return n
}

// Len returns the number of queued entries.
func (q *SendQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear removes every entry.
func (q *SendQueue[T]) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}

// Stats returns the queue counters.
func (q *SendQueue[T]) Stats() QueueStats {
	return QueueStats{
		Length:          q.Len(),
		DroppedStale:    q.droppedStale.Load(),
		DroppedOverflow: q.droppedOverflow.Load(),
	}
}
