package transport

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Reconnect backoff defaults.
const (
	// DefaultBackoffInitial is the delay after the first failed attempt.
	DefaultBackoffInitial = 1000 * time.Millisecond

	// DefaultBackoffMax caps the doubling delay.
	DefaultBackoffMax = 20000 * time.Millisecond

	// DefaultBackoffFloor is the minimum delay returned after jitter.
	DefaultBackoffFloor = 500 * time.Millisecond

	// DefaultBackoffJitter is the half-width of the random jitter window.
	DefaultBackoffJitter = 200 * time.Millisecond
)

// BackoffDelay computes one reconnect delay from the current base delay.
//
// The result is min(current, maxDelay) + jitter, floored at floor. jitter is
// expected to lie in [-DefaultBackoffJitter, +DefaultBackoffJitter].
func BackoffDelay(current, maxDelay, floor, jitter time.Duration) time.Duration {
	d := min(current, maxDelay) + jitter
	if d < floor {
		d = floor
	}
	return d
}

// Backoff tracks the reconnect delay across consecutive failures.
//
// Each call to Next returns the delay for the current failure and doubles the
// base for the following one, up to Max. Reset returns the base to Initial
// after a successful connect.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Floor   time.Duration
	Jitter  time.Duration

	mu      sync.Mutex
	current time.Duration

	// randJitter returns a value in [-Jitter, +Jitter]. Replaced in tests.
	randJitter func(width time.Duration) time.Duration
}

// NewBackoff returns a Backoff with the default 1s/20s/500ms/±200ms policy.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial:    DefaultBackoffInitial,
		Max:        DefaultBackoffMax,
		Floor:      DefaultBackoffFloor,
		Jitter:     DefaultBackoffJitter,
		current:    DefaultBackoffInitial,
		randJitter: uniformJitter,
	}
}

// Next returns the delay to wait before the next attempt and advances the base.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current <= 0 {
		b.current = b.Initial
	}

	var jitter time.Duration
	if b.randJitter != nil && b.Jitter > 0 {
		jitter = b.randJitter(b.Jitter)
	}
	delay := BackoffDelay(b.current, b.Max, b.Floor, jitter)

	b.current = min(b.current*2, b.Max)
	return delay
}

// Reset returns the base delay to Initial.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.Initial
	b.mu.Unlock()
}

// Current returns the base delay the next failure will use.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// uniformJitter returns a uniformly distributed duration in [-width, +width].
func uniformJitter(width time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(2*width)+1)) - width
}
