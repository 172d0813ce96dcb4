package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordLogger captures log lines for assertions.
type recordLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordLogger) log(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s %s %v", level, msg, args))
}

func (l *recordLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *recordLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *recordLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *recordLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func (l *recordLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

// waitFor polls cond until it returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

func waitState(t *testing.T, c Connection, want ConnectionState) {
	t.Helper()
	waitFor(t, 3*time.Second, "state "+want.String(), func() bool {
		return c.State() == want
	})
}

// stateRecorder collects published state changes.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func recordStates(c Connection) *stateRecorder {
	r := &stateRecorder{}
	c.OnStateChanged(func(s ConnectionState) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) snapshot() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

// hasSequence reports whether seq appears in states in order (not necessarily adjacent).
func hasSequence(states []ConnectionState, seq ...ConnectionState) bool {
	i := 0
	for _, s := range states {
		if i < len(seq) && s == seq[i] {
			i++
		}
	}
	return i == len(seq)
}

// hasSuffix reports whether states ends with seq.
func hasSuffix(states []ConnectionState, seq ...ConnectionState) bool {
	if len(states) < len(seq) {
		return false
	}
	return slices.Equal(states[len(states)-len(seq):], seq)
}

// fastOptions shrinks every loop interval so tests run quickly.
func fastOptions(logger Logger) Options {
	return Options{
		CheckInterval:   10 * time.Millisecond,
		DrainInterval:   20 * time.Millisecond,
		ReadTimeout:     20 * time.Millisecond,
		ReceiveInterval: time.Millisecond,
		ConnectTimeout:  time.Second,
		WriteTimeout:    time.Second,
		HealthInterval:  time.Hour,
		Backoff: &Backoff{
			Initial: 10 * time.Millisecond,
			Max:     40 * time.Millisecond,
			Floor:   5 * time.Millisecond,
		},
		Logger: logger,
	}
}

// fakeStream is an in-memory stream with controllable failures.
type fakeStream struct {
	mu         sync.Mutex
	written    [][]byte
	failWrites bool
	probeErr   error

	inbound chan []byte
	closed  *closeOnce
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		inbound: make(chan []byte, 16),
		closed:  newCloseOnce(),
	}
}

func (s *fakeStream) Read(buf []byte, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-s.inbound:
		return copy(buf, b), nil
	case <-s.closed.Done():
		return 0, net.ErrClosed
	case <-timer.C:
		return 0, nil
	}
}

func (s *fakeStream) Write(p []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.IsClosed() {
		return net.ErrClosed
	}
	if s.failWrites {
		return errors.New("broken pipe")
	}
	s.written = append(s.written, cloneBytes(p))
	return nil
}

func (s *fakeStream) Probe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *fakeStream) Close() error {
	s.closed.Close()
	return nil
}

func (s *fakeStream) setFailWrites(v bool) {
	s.mu.Lock()
	s.failWrites = v
	s.mu.Unlock()
}

func (s *fakeStream) setProbeErr(err error) {
	s.mu.Lock()
	s.probeErr = err
	s.mu.Unlock()
}

func (s *fakeStream) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.written))
	for i, w := range s.written {
		out[i] = string(w)
	}
	return out
}

// fakeDialer hands out fakeStreams and counts attempts.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	times    []time.Time
	failing  bool
	streams  []*fakeStream
}

func (d *fakeDialer) dial(ctx context.Context) (stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	d.times = append(d.times, time.Now())
	if d.failing {
		return nil, fmt.Errorf("%w: refused", ErrConnectionFailed)
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) attemptTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.times)
}

func (d *fakeDialer) latest() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

func (d *fakeDialer) streamCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// newFakeLink builds a link over a fakeDialer and closes it at test end.
func newFakeLink(t *testing.T, opts Options) (*link, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	l := newLink("fake", "fake://device", opts, d.dial, true)
	t.Cleanup(func() { l.Close() })
	return l, d
}

var _ Connection = (*link)(nil)
