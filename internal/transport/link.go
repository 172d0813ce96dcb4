package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// stream is a live socket or session owned by a link.
type stream interface {
	// Read waits up to timeout for inbound data. A timeout returns (0, nil).
	Read(buf []byte, timeout time.Duration) (int, error)

	// Write sends p in full or fails.
	Write(p []byte, timeout time.Duration) error

	// Probe is a cheap liveness check run from the connection-check loop.
	Probe(ctx context.Context) error

	Close() error
}

// routedWriter is implemented by request/response streams such as HTTP.
// The returned reply publishes the response; the link runs it after the sent
// notifications so subscribers see the request before its answer.
type routedWriter interface {
	WriteRoute(r route, body []byte, timeout time.Duration) (reply func(), err error)
}

// route addresses a request-style payload.
type route struct {
	method string
	path   string
}

// dialFunc opens a new stream. The context carries the connect timeout.
type dialFunc func(ctx context.Context) (stream, error)

// outbound is one payload on its way to the device.
type outbound struct {
	data   []byte
	text   string
	isText bool
	route  *route
}

// link is the engine behind every transport: state machine, notifications,
// send queue, backoff, and the three loops (receive, connection-check, drain).
//
// Locking:
//   - handleMu guards the handle pointer only. I/O runs on a copy taken under
//     the read lock, never while holding it.
//   - connMu serialises handle transitions (commit after dial, teardown,
//     failure) so the published states stay in order.
//   - drainMu orders writes: a direct write and a queue flush never interleave.
//   - lifeMu serialises Connect/Disconnect/Reconnect/Close. Loops never take it.
type link struct {
	name     string
	kind     string
	opts     Options
	dial     dialFunc
	logger   Logger
	codec    *Codec
	receives bool

	state   stateMachine
	ev      *events
	queue   *SendQueue[outbound]
	backoff *Backoff

	receive *PeriodicTask
	check   *PeriodicTask
	drain   *PeriodicTask

	handleMu sync.RWMutex
	handle   stream

	connMu  sync.Mutex
	drainMu sync.Mutex

	lifeMu sync.Mutex
	wanted bool
	closed atomic.Bool

	// Owned by the check loop.
	lastProbe time.Time

	// Owned by the receive loop.
	readBuf []byte

	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	connectAttempts  atomic.Uint64
	connects         atomic.Uint64
	failures         atomic.Uint64
	lastActivity     atomic.Int64
}

// newLink wires up a link. receives=false skips the receive loop entirely.
func newLink(kind, fallbackName string, opts Options, dial dialFunc, receives bool) *link {
	opts = opts.withDefaults(fallbackName)

	l := &link{
		name:     opts.Name,
		kind:     kind,
		opts:     opts,
		dial:     dial,
		logger:   opts.Logger,
		codec:    opts.Codec,
		receives: receives,
		queue:    NewSendQueue[outbound](opts.QueueTimeout, opts.QueueCapacity, opts.QueueOverflow),
		backoff:  opts.Backoff,
		readBuf:  make([]byte, opts.ReadBufferSize),
	}

	loggerFn := func() Logger { return l.logger }
	l.ev = &events{
		dispatch: newDispatcher(l.name, opts.EventQueueSize, loggerFn),
		logger:   loggerFn,
	}
	l.state.publish = func(s ConnectionState) {
		l.logger.Debug("connection state changed", "connection", l.name, "state", s.String())
		emit(l.ev, kindStateChanged, &l.ev.stateChanged, s)
	}

	l.receive = NewPeriodicTask(l.name+"/receive", opts.ReceiveInterval, false, l.receiveOnce)
	// checkOnce paces itself: CheckInterval while up, backoff while down.
	l.check = NewPeriodicTask(l.name+"/check", 0, false, l.checkOnce)
	l.drain = NewPeriodicTask(l.name+"/drain", opts.DrainInterval, true, l.drainOnce)
	for _, t := range []*PeriodicTask{l.receive, l.check, l.drain} {
		t.SetLogger(l.logger)
	}
	return l
}

// Name returns the connection identity.
func (l *link) Name() string { return l.name }

// Kind returns the transport kind ("tcp", "udp", ...).
func (l *link) Kind() string { return l.kind }

// State returns the current connection state.
func (l *link) State() ConnectionState {
	return l.state.get()
}

func (l *link) OnBytesReceived(fn func([]byte)) Subscription {
	return l.ev.bytesReceived.add(fn)
}

func (l *link) OnStringReceived(fn func(string)) Subscription {
	return l.ev.stringReceived.add(fn)
}

func (l *link) OnStateChanged(fn func(ConnectionState)) Subscription {
	return l.ev.stateChanged.add(fn)
}

func (l *link) OnBytesSent(fn func([]byte)) Subscription {
	return l.ev.bytesSent.add(fn)
}

func (l *link) OnStringSent(fn func(string)) Subscription {
	return l.ev.stringSent.add(fn)
}

// Connect starts the connection-check and drain loops.
func (l *link) Connect() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if l.closed.Load() {
		l.logger.Warn("connect ignored", "connection", l.name, "error", ErrClosed)
		return
	}
	l.wanted = true
	l.startLoops()
}

// Disconnect stops every loop and tears the handle down.
func (l *link) Disconnect() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	l.wanted = false
	l.shutdown()
}

// Reconnect tears the handle down and restarts the connect cycle.
func (l *link) Reconnect() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if l.closed.Load() {
		return
	}
	l.wanted = true

	l.check.Stop()
	l.teardown(true)
	l.receive.Stop()
	l.startLoops()
}

// Close disconnects and stops event delivery. Queued payloads are discarded.
func (l *link) Close() error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if l.closed.Swap(true) {
		return nil
	}
	l.wanted = false
	l.shutdown()
	l.queue.Clear()
	// Never wait here: Close may be called from an event handler, which runs
	// on the dispatcher goroutine.
	l.ev.dispatch.stop(false)
	return nil
}

// Send writes data now if possible, otherwise queues it.
func (l *link) Send(data []byte) {
	if len(data) == 0 {
		return
	}
	l.submit(outbound{data: cloneBytes(data)})
}

// SendString encodes cmd with the connection's codec and sends it.
// An unencodable command is logged and dropped.
func (l *link) SendString(cmd string) {
	data, err := l.codec.Encode(cmd)
	if err != nil {
		l.logger.Warn("dropping unencodable command",
			"connection", l.name,
			"format", l.codec.Format().String(),
			"error", err,
		)
		return
	}
	l.submit(outbound{data: data, text: cmd, isText: true})
}

// Stats returns a snapshot of the connection counters.
func (l *link) Stats() Stats {
	qs := l.queue.Stats()
	s := Stats{
		Name:             l.name,
		Kind:             l.kind,
		State:            l.state.get(),
		BytesSent:        l.bytesSent.Load(),
		BytesReceived:    l.bytesReceived.Load(),
		MessagesSent:     l.messagesSent.Load(),
		MessagesReceived: l.messagesReceived.Load(),
		Queued:           qs.Length,
		DroppedStale:     qs.DroppedStale,
		DroppedOverflow:  qs.DroppedOverflow,
		DroppedEvents:    l.ev.dispatch.dropped.Load(),
		ConnectAttempts:  l.connectAttempts.Load(),
		Connects:         l.connects.Load(),
		Errors:           l.failures.Load(),
		BackoffDelay:     l.backoff.Current(),
	}
	if ts := l.lastActivity.Load(); ts != 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	return s
}

// wantsConnection reports whether Connect or Reconnect is in effect.
func (l *link) wantsConnection() bool {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	return l.wanted && !l.closed.Load()
}

// startLoops starts the check and drain loops if they are not running.
// Caller holds lifeMu.
func (l *link) startLoops() {
	if !l.check.IsRunning() {
		l.check.Restart()
	}
	if !l.drain.IsRunning() {
		l.drain.Restart()
	}
}

// shutdown stops the loops and tears down the handle. Caller holds lifeMu.
func (l *link) shutdown() {
	l.check.Stop()
	l.drain.Stop()
	l.teardown(true)
	l.receive.Stop()
}

// ensureLoops restarts the check loop after a failure if it has died.
// Runs on its own goroutine so no loop ever waits on lifeMu.
func (l *link) ensureLoops() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	if !l.wanted || l.closed.Load() {
		return
	}
	l.startLoops()
}

func (l *link) current() stream {
	l.handleMu.RLock()
	defer l.handleMu.RUnlock()
	return l.handle
}

func (l *link) swapHandle(next stream) stream {
	l.handleMu.Lock()
	defer l.handleMu.Unlock()
	prev := l.handle
	l.handle = next
	return prev
}

// teardown swaps the handle out and closes it. explicit=true always publishes
// Disconnecting then Disconnected, even without a handle.
func (l *link) teardown(explicit bool) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.teardownLocked(explicit)
}

func (l *link) teardownLocked(explicit bool) {
	h := l.swapHandle(nil)
	if h == nil && !explicit {
		return
	}
	l.state.set(StateDisconnecting)
	if h != nil {
		l.closeQuietly(h)
	}
	l.state.set(StateDisconnected)
}

// fail handles an I/O failure on h. Only the first report for a given handle
// has any effect; later reports for a replaced handle are ignored.
func (l *link) fail(h stream, cause error) {
	if h == nil {
		return
	}

	l.connMu.Lock()
	l.handleMu.Lock()
	if l.handle != h {
		l.handleMu.Unlock()
		l.connMu.Unlock()
		return
	}
	l.handle = nil
	l.handleMu.Unlock()

	l.failures.Add(1)
	l.logger.Warn("connection failed", "connection", l.name, "error", cause)

	l.state.set(StateError)
	l.state.set(StateDisconnecting)
	l.closeQuietly(h)
	l.state.set(StateDisconnected)
	l.connMu.Unlock()

	go l.ensureLoops()
}

// closeQuietly closes h. A broken socket may fail to close; that is not actionable.
func (l *link) closeQuietly(h stream) {
	if err := h.Close(); err != nil {
		l.logger.Debug("close error ignored", "connection", l.name, "error", err)
	}
}

// submit routes one payload through the direct-write or queue path.
func (l *link) submit(out outbound) {
	if l.closed.Load() {
		l.logger.Warn("send ignored", "connection", l.name, "error", ErrClosed)
		return
	}

	res, h, err := l.trySend(out)
	switch res {
	case SendOK:
	case SendWouldBlock:
		l.enqueue(out)
		l.flush(context.Background())
	case SendNotConnected:
		l.enqueue(out)
	case SendFailed:
		l.enqueue(out)
		l.fail(h, err)
	}
}

// trySend attempts a direct write on the current handle.
func (l *link) trySend(out outbound) (SendResult, stream, error) {
	h := l.current()
	if h == nil || l.state.get() != StateConnected {
		return SendNotConnected, nil, ErrNotConnected
	}
	if l.queue.Len() > 0 || !l.drainMu.TryLock() {
		return SendWouldBlock, h, nil
	}
	err := l.write(h, out)
	l.drainMu.Unlock()

	if err != nil {
		return SendFailed, h, err
	}
	return SendOK, h, nil
}

func (l *link) enqueue(out outbound) {
	evicted, err := l.queue.Enqueue(out)
	switch {
	case err != nil:
		l.logger.Warn("send queue full, payload rejected", "connection", l.name, "queued", l.queue.Len())
	case evicted:
		l.logger.Warn("send queue full, oldest payload dropped", "connection", l.name)
	}
}

// write sends one payload on h and publishes the sent notifications.
func (l *link) write(h stream, out outbound) error {
	var err error
	var reply func()
	if rw, ok := h.(routedWriter); ok {
		rt := route{}
		if out.route != nil {
			rt = *out.route
		}
		reply, err = rw.WriteRoute(rt, out.data, l.opts.WriteTimeout)
	} else if out.route != nil {
		return fmt.Errorf("%w: %s stream cannot route requests", ErrUnsupported, l.kind)
	} else {
		err = h.Write(out.data, l.opts.WriteTimeout)
	}
	if errors.Is(err, ErrInvalidPayload) {
		// The handle is fine; this payload can never be sent.
		l.logger.Warn("dropping invalid payload", "connection", l.name, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	l.bytesSent.Add(uint64(len(out.data)))
	l.messagesSent.Add(1)
	l.touch()
	l.ev.sent(out.data, out.text, out.isText)
	if reply != nil {
		reply()
	}
	return nil
}

// flush drains the queue onto the current handle. A failed write requeues
// its entry at the head, aborts the flush, and fails the handle.
func (l *link) flush(ctx context.Context) {
	l.drainMu.Lock()
	h := l.current()
	if h == nil || l.state.get() != StateConnected {
		l.drainMu.Unlock()
		return
	}
	sent, stale, err := l.queue.Drain(func(out outbound) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.write(h, out)
	})
	l.drainMu.Unlock()

	if stale > 0 {
		l.logger.Info("dropped stale queued payloads", "connection", l.name, "count", stale)
	}
	if sent > 0 {
		l.logger.Debug("flushed send queue", "connection", l.name, "count", sent)
	}
	if err != nil && ctx.Err() == nil {
		l.fail(h, err)
	}
}

func (l *link) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

// receiveOnce is the receive loop body.
func (l *link) receiveOnce(ctx context.Context) error {
	h := l.current()
	if h == nil {
		l.receive.StopFromWithin()
		return nil
	}

	n, err := h.Read(l.readBuf, l.opts.ReadTimeout)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		l.fail(h, err)
		return nil
	}
	if n > 0 {
		l.deliver(l.readBuf[:n])
	}
	return nil
}

// deliver counts an inbound payload and publishes it. data may be reused by
// the caller once deliver returns.
func (l *link) deliver(data []byte) {
	l.bytesReceived.Add(uint64(len(data)))
	l.messagesReceived.Add(1)
	l.touch()
	l.ev.received(data, l.codec.Decode)
}

// checkOnce is the connection-check loop body. While connected it probes
// health and waits one CheckInterval. Otherwise it makes one connect attempt:
// a failure waits the backoff delay, so consecutive attempts are exactly one
// backoff apart.
func (l *link) checkOnce(ctx context.Context) error {
	if h := l.current(); h != nil && l.state.get() == StateConnected {
		if time.Since(l.lastProbe) >= l.opts.HealthInterval {
			l.lastProbe = time.Now()
			if err := h.Probe(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("health check failed", "connection", l.name, "error", err)
				l.fail(h, err)
			}
		}
		sleepContext(ctx, l.opts.CheckInterval)
		return nil
	}

	l.connMu.Lock()
	l.teardownLocked(false)
	l.state.set(StateConnecting)
	l.connMu.Unlock()

	l.connectAttempts.Add(1)
	dialCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	h, err := l.dial(dialCtx)
	cancel()

	if ctx.Err() != nil {
		if h != nil {
			l.closeQuietly(h)
		}
		return nil
	}
	if err != nil {
		l.state.set(StateDisconnected)
		delay := l.backoff.Next()
		l.logger.Warn("connect attempt failed",
			"connection", l.name,
			"error", err,
			"retry_in", delay.String(),
		)
		sleepContext(ctx, delay)
		return nil
	}

	l.connMu.Lock()
	l.swapHandle(h)
	l.backoff.Reset()
	l.lastProbe = time.Now()
	l.connects.Add(1)
	l.touch()
	l.state.set(StateConnected)
	l.connMu.Unlock()

	l.logger.Info("connected", "connection", l.name, "kind", l.kind)

	if l.receives {
		l.receive.Restart()
	}
	l.flush(ctx)
	// A link that drops right after connecting is redialled no faster than
	// once per CheckInterval.
	sleepContext(ctx, l.opts.CheckInterval)
	return nil
}

// drainOnce is the drain loop body.
func (l *link) drainOnce(ctx context.Context) error {
	if l.state.get() != StateConnected {
		if n := l.queue.Prune(); n > 0 {
			l.logger.Info("dropped stale queued payloads", "connection", l.name, "count", n)
		}
		return nil
	}
	l.flush(ctx)
	return nil
}

// dialError wraps a dial failure with ErrConnectionFailed.
func dialError(addr string, err error) error {
	if errors.Is(err, ErrConnectionFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, addr, err)
}
