package transport

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(capacity int, policy OverflowPolicy) (*SendQueue[string], *fakeClock) {
	clock := newFakeClock()
	q := NewSendQueue[string](5*time.Second, capacity, policy)
	q.now = clock.now
	return q, clock
}

func drainAll(t *testing.T, q *SendQueue[string]) (sent []string, stale int) {
	t.Helper()
	_, stale, err := q.Drain(func(s string) error {
		sent = append(sent, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	return sent, stale
}

func TestSendQueueFIFO(t *testing.T) {
	q, _ := newTestQueue(0, DropOldest)
	want := []string{"PWR ON", "INPUT 1", "VOL 20", "MUTE OFF"}
	for _, w := range want {
		if _, err := q.Enqueue(w); err != nil {
			t.Fatalf("Enqueue(%q) error = %v", w, err)
		}
	}

	got, stale := drainAll(t, q)
	if !slices.Equal(got, want) {
		t.Errorf("drained %v, want %v", got, want)
	}
	if stale != 0 {
		t.Errorf("stale = %d, want 0", stale)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after drain, want 0", q.Len())
	}
}

func TestSendQueueStaleDrop(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		wantSent  int
		wantStale int
	}{
		{"fresh", time.Second, 1, 0},
		{"just under timeout", 5*time.Second - time.Millisecond, 1, 0},
		{"exactly timeout", 5 * time.Second, 0, 1},
		{"well past timeout", time.Minute, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, clock := newTestQueue(0, DropOldest)
			q.Enqueue("PWR ON")
			clock.advance(tt.age)

			sent, stale := drainAll(t, q)
			if len(sent) != tt.wantSent {
				t.Errorf("sent %d, want %d", len(sent), tt.wantSent)
			}
			if stale != tt.wantStale {
				t.Errorf("stale = %d, want %d", stale, tt.wantStale)
			}
			if got := q.Stats().DroppedStale; got != uint64(tt.wantStale) {
				t.Errorf("DroppedStale = %d, want %d", got, tt.wantStale)
			}
		})
	}
}

func TestSendQueueMixedAges(t *testing.T) {
	q, clock := newTestQueue(0, DropOldest)
	q.Enqueue("old")
	clock.advance(3 * time.Second)
	q.Enqueue("new")
	clock.advance(3 * time.Second)

	sent, stale := drainAll(t, q)
	if !slices.Equal(sent, []string{"new"}) {
		t.Errorf("sent %v, want [new]", sent)
	}
	if stale != 1 {
		t.Errorf("stale = %d, want 1", stale)
	}
}

func TestSendQueueOverflow(t *testing.T) {
	tests := []struct {
		name        string
		policy      OverflowPolicy
		wantErr     error
		wantEvicted bool
		wantItems   []string
	}{
		{
			name:        "drop oldest",
			policy:      DropOldest,
			wantEvicted: true,
			wantItems:   []string{"b", "c", "d"},
		},
		{
			name:      "reject new",
			policy:    RejectNew,
			wantErr:   ErrQueueFull,
			wantItems: []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(3, tt.policy)
			for _, s := range []string{"a", "b", "c"} {
				if _, err := q.Enqueue(s); err != nil {
					t.Fatalf("Enqueue(%q) error = %v", s, err)
				}
			}

			evicted, err := q.Enqueue("d")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Enqueue() error = %v, want %v", err, tt.wantErr)
			}
			if evicted != tt.wantEvicted {
				t.Errorf("evicted = %v, want %v", evicted, tt.wantEvicted)
			}
			if got := q.Stats().DroppedOverflow; got != 1 {
				t.Errorf("DroppedOverflow = %d, want 1", got)
			}

			sent, _ := drainAll(t, q)
			if !slices.Equal(sent, tt.wantItems) {
				t.Errorf("queue held %v, want %v", sent, tt.wantItems)
			}
		})
	}
}

func TestSendQueueDrainFailureRequeuesAtFront(t *testing.T) {
	q, clock := newTestQueue(0, DropOldest)
	q.Enqueue("one")
	q.Enqueue("two")
	q.Enqueue("three")
	enqueuedAt := clock.now()
	clock.advance(time.Second)

	writeErr := errors.New("connection reset")
	var written []string
	sent, stale, err := q.Drain(func(s string) error {
		if s == "two" {
			return writeErr
		}
		written = append(written, s)
		return nil
	})

	if !errors.Is(err, writeErr) {
		t.Fatalf("Drain() error = %v, want %v", err, writeErr)
	}
	if sent != 1 || stale != 0 {
		t.Errorf("sent=%d stale=%d, want 1 and 0", sent, stale)
	}
	if !slices.Equal(written, []string{"one"}) {
		t.Errorf("written %v, want [one]", written)
	}

	head, ok := q.Dequeue()
	if !ok || head.Item != "two" {
		t.Fatalf("head = %q (ok=%v), want two", head.Item, ok)
	}
	if !head.EnqueuedAt.Equal(enqueuedAt) {
		t.Errorf("requeued entry timestamp = %v, want original %v", head.EnqueuedAt, enqueuedAt)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestSendQueuePrune(t *testing.T) {
	q, clock := newTestQueue(0, DropOldest)
	q.Enqueue("a")
	q.Enqueue("b")
	clock.advance(4 * time.Second)
	q.Enqueue("c")
	clock.advance(2 * time.Second)

	if n := q.Prune(); n != 2 {
		t.Errorf("Prune() = %d, want 2", n)
	}
	sent, _ := drainAll(t, q)
	if !slices.Equal(sent, []string{"c"}) {
		t.Errorf("remaining %v, want [c]", sent)
	}
}

func TestSendQueueClear(t *testing.T) {
	q, _ := newTestQueue(0, DropOldest)
	q.Enqueue("a")
	q.Enqueue("b")
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", q.Len())
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue() on empty queue returned ok")
	}
}

func TestNewSendQueueDefaults(t *testing.T) {
	q := NewSendQueue[int](0, 0, DropOldest)
	if q.Timeout() != DefaultQueueTimeout {
		t.Errorf("Timeout() = %v, want %v", q.Timeout(), DefaultQueueTimeout)
	}
	if q.capacity != DefaultQueueCapacity {
		t.Errorf("capacity = %d, want %d", q.capacity, DefaultQueueCapacity)
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"", DropOldest, false},
		{"drop-oldest", DropOldest, false},
		{"REJECT-NEW", RejectNew, false},
		{"reject_new", RejectNew, false},
		{"block", DropOldest, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOverflowPolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOverflowPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseOverflowPolicy(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}
