package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Action is the body of a PeriodicTask iteration.
//
// The context is cancelled when the task is stopped; actions must check it at
// every suspension point and I/O boundary. Returning a non-nil error while the
// context is still live terminates the loop (it is logged, never restarted
// automatically).
type Action func(ctx context.Context) error

// loopKey marks contexts created by a specific PeriodicTask so that code
// running inside the loop can be recognised by InLoop.
type loopKey struct {
	task *PeriodicTask
}

// PeriodicTask is a cancellable, restartable repeating action.
//
// A task is created stopped. Restart launches a background loop that repeats
// the action with a fixed delay between iterations until it is stopped. At
// most one loop runs per task; Restart always stops and awaits the previous
// loop before starting a new one.
//
// Stopping comes in two forms:
//   - Stop requests cancellation and waits for the in-flight iteration.
//   - StopFromWithin only requests cancellation. It is the variant to use from
//     inside the task's own action, where waiting would deadlock.
//
// StopContext picks the right variant from the caller's context.
type PeriodicTask struct {
	name       string
	interval   time.Duration
	delayFirst bool
	action     Action

	logger   Logger
	loggerMu sync.RWMutex

	// lifeMu serialises Restart and Stop so concurrent restarts cannot leak loops.
	lifeMu sync.Mutex

	// mu guards the current loop's handles.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodicTask creates a stopped task.
//
// Parameters:
//   - name: Loop identity used in log lines (e.g. "projector-1/receive")
//   - interval: Delay between iterations
//   - delayFirst: true for delay-then-run, false for run-then-delay
//   - action: Iteration body
func NewPeriodicTask(name string, interval time.Duration, delayFirst bool, action Action) *PeriodicTask {
	return &PeriodicTask{
		name:       name,
		interval:   interval,
		delayFirst: delayFirst,
		action:     action,
		logger:     noopLogger{},
	}
}

// Name returns the loop identity.
func (t *PeriodicTask) Name() string {
	return t.name
}

// SetLogger sets the logger used to report loop failures.
func (t *PeriodicTask) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

func (t *PeriodicTask) getLogger() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

// Restart stops any running loop, waits for it to exit, and starts a fresh one.
//
// Must not be called from inside the task's own action.
func (t *PeriodicTask) Restart() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	t.stopAndWait()

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, loopKey{task: t}, true)
	done := make(chan struct{})

	t.mu.Lock()
	t.ctx = ctx
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(ctx, done)
}

// Stop requests cancellation and waits for the current iteration to finish.
//
// Must not be called from inside the task's own action; use StopFromWithin
// or StopContext there.
func (t *PeriodicTask) Stop() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	t.stopAndWait()
}

// StopFromWithin requests cancellation and returns immediately.
// The loop exits once the running action returns.
func (t *PeriodicTask) StopFromWithin() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StopContext stops the task without waiting when ctx belongs to the task's
// own loop, and with waiting otherwise.
func (t *PeriodicTask) StopContext(ctx context.Context) {
	if t.InLoop(ctx) {
		t.StopFromWithin()
		return
	}
	t.Stop()
}

// InLoop reports whether ctx was handed out by this task's loop.
func (t *PeriodicTask) InLoop(ctx context.Context) bool {
	return ctx != nil && ctx.Value(loopKey{task: t}) != nil
}

// IsRunning reports whether a non-cancelled loop is scheduled or executing.
func (t *PeriodicTask) IsRunning() bool {
	t.mu.Lock()
	ctx, done := t.ctx, t.done
	t.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// stopAndWait cancels the current loop and waits for it. Caller holds lifeMu.
func (t *PeriodicTask) stopAndWait() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run is the loop body.
func (t *PeriodicTask) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if t.delayFirst && !sleepContext(ctx, t.interval) {
		return
	}

	for {
		if err := t.invoke(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.getLogger().Error("periodic task failed, loop terminated",
				"task", t.name,
				"error", err,
			)
			return
		}

		if !sleepContext(ctx, t.interval) {
			return
		}
	}
}

// invoke runs one iteration, converting a panic into an error.
func (t *PeriodicTask) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.action(ctx)
}

// sleepContext waits for d or until ctx is cancelled.
// Returns false if the context was cancelled.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
