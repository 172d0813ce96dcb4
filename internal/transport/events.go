package transport

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// defaultEventQueueSize bounds the number of undelivered notifications per connection.
const defaultEventQueueSize = 4096

// Subscription identifies a registered event handler.
type Subscription struct {
	// ID is a unique identifier for the handler registration.
	ID     string
	cancel func()
}

// Cancel removes the handler. Safe to call multiple times and on the zero value.
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// handlerEntry is one registered handler.
type handlerEntry[T any] struct {
	id string
	fn func(T)
}

// handlerSet is a multicast list of handlers owned by a single connection.
type handlerSet[T any] struct {
	mu      sync.RWMutex
	entries []handlerEntry[T]
}

// add registers fn and returns its subscription.
func (h *handlerSet[T]) add(fn func(T)) Subscription {
	id := uuid.NewString()
	h.mu.Lock()
	h.entries = append(h.entries, handlerEntry[T]{id: id, fn: fn})
	h.mu.Unlock()

	return Subscription{ID: id, cancel: func() { h.remove(id) }}
}

func (h *handlerSet[T]) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.id == id {
			h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
			return
		}
	}
}

// snapshot returns the handlers registered right now.
func (h *handlerSet[T]) snapshot() []handlerEntry[T] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return nil
	}
	out := make([]handlerEntry[T], len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *handlerSet[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// dispatcher delivers notifications on its own goroutine.
//
// Producers (the I/O loops) never block: when the queue is full the oldest
// pending payload notification is dropped and counted. State changes are
// pinned and never evicted, so subscribers always see every transition.
type dispatcher struct {
	name     string
	logger   func() Logger
	capacity int

	mu      sync.Mutex
	queue   []notification
	stopped bool

	wake    chan struct{}
	done    *closeOnce
	exited  chan struct{}
	dropped atomic.Uint64
}

// notification is one pending delivery.
type notification struct {
	deliver func()
	pinned  bool
}

func newDispatcher(name string, capacity int, logger func() Logger) *dispatcher {
	if capacity <= 0 {
		capacity = defaultEventQueueSize
	}
	d := &dispatcher{
		name:     name,
		logger:   logger,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     newCloseOnce(),
		exited:   make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues a payload delivery. Never blocks.
func (d *dispatcher) post(deliver func()) {
	d.enqueue(notification{deliver: deliver})
}

// postPinned queues a delivery that overflow never evicts.
func (d *dispatcher) postPinned(deliver func()) {
	d.enqueue(notification{deliver: deliver, pinned: true})
}

func (d *dispatcher) enqueue(n notification) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	overflow := false
	if len(d.queue) >= d.capacity {
		overflow = true
		if i := d.oldestUnpinned(); i >= 0 {
			d.queue = slices.Delete(d.queue, i, i+1)
		} else if !n.pinned {
			// Only state changes are pending; the new payload is the one dropped.
			d.mu.Unlock()
			d.dropped.Add(1)
			d.logger().Warn("event queue full, dropping notification", "connection", d.name)
			return
		}
	}
	d.queue = append(d.queue, n)
	d.mu.Unlock()

	if overflow {
		d.dropped.Add(1)
		d.logger().Warn("event queue full, dropping oldest notification", "connection", d.name)
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// oldestUnpinned returns the index of the oldest evictable entry, or -1.
// Caller holds mu.
func (d *dispatcher) oldestUnpinned() int {
	for i, n := range d.queue {
		if !n.pinned {
			return i
		}
	}
	return -1
}

func (d *dispatcher) run() {
	defer close(d.exited)
	for {
		d.deliverPending()
		select {
		case <-d.wake:
		case <-d.done.Done():
			// Deliver whatever was queued before shutdown (final state changes).
			d.deliverPending()
			return
		}
	}
}

func (d *dispatcher) deliverPending() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue[0] = notification{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		next.deliver()
	}
}

// stop refuses new notifications, delivers the pending ones and ends the
// dispatcher goroutine. When called from a handler it must not wait, since the
// handler itself runs on the dispatcher goroutine.
func (d *dispatcher) stop(wait bool) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.done.Close()
	if wait {
		<-d.exited
	}
}

// kindStateChanged names state notifications, which are never evicted.
const kindStateChanged = "state_changed"

// events holds the multicast notification channels of one connection.
type events struct {
	bytesReceived  handlerSet[[]byte]
	stringReceived handlerSet[string]
	stateChanged   handlerSet[ConnectionState]
	bytesSent      handlerSet[[]byte]
	stringSent     handlerSet[string]

	dispatch *dispatcher
	logger   func() Logger
}

// emit queues one notification to every handler in set.
// Each handler runs isolated: a panic is recovered, logged, and delivery
// continues with the remaining handlers.
func emit[T any](ev *events, kind string, set *handlerSet[T], value T) {
	handlers := set.snapshot()
	if len(handlers) == 0 {
		return
	}
	deliver := func() {
		for _, h := range handlers {
			ev.invoke(kind, h.id, func() { h.fn(value) })
		}
	}
	if kind == kindStateChanged {
		ev.dispatch.postPinned(deliver)
		return
	}
	ev.dispatch.post(deliver)
}

func (ev *events) invoke(kind, id string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			ev.logger().Error("event handler panic recovered",
				"connection", ev.dispatch.name,
				"event", kind,
				"subscription", id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	call()
}

// received publishes an inbound payload on both the bytes and string channels.
func (ev *events) received(data []byte, text func([]byte) string) {
	if ev.bytesReceived.len() > 0 {
		emit(ev, "bytes_received", &ev.bytesReceived, cloneBytes(data))
	}
	if ev.stringReceived.len() > 0 {
		emit(ev, "string_received", &ev.stringReceived, text(data))
	}
}

// sent publishes an outbound payload. text is empty when the payload was sent as bytes.
func (ev *events) sent(data []byte, text string, wasText bool) {
	emit(ev, "bytes_sent", &ev.bytesSent, cloneBytes(data))
	if wasText {
		emit(ev, "string_sent", &ev.stringSent, text)
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}
