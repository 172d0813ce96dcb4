package transport

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		current time.Duration
		jitter  time.Duration
		want    time.Duration
	}{
		{"first failure", 1000 * time.Millisecond, 0, 1000 * time.Millisecond},
		{"positive jitter", 1000 * time.Millisecond, 200 * time.Millisecond, 1200 * time.Millisecond},
		{"negative jitter", 2000 * time.Millisecond, -200 * time.Millisecond, 1800 * time.Millisecond},
		{"capped", 40000 * time.Millisecond, 0, 20000 * time.Millisecond},
		{"capped with jitter", 40000 * time.Millisecond, 150 * time.Millisecond, 20150 * time.Millisecond},
		{"floored", 600 * time.Millisecond, -200 * time.Millisecond, 500 * time.Millisecond},
		{"tiny base floored", 10 * time.Millisecond, 0, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BackoffDelay(tt.current, DefaultBackoffMax, DefaultBackoffFloor, tt.jitter)
			if got != tt.want {
				t.Errorf("BackoffDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff()
	b.randJitter = func(time.Duration) time.Duration { return 0 }

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		20 * time.Second,
		20 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("failure %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterWithinBounds(t *testing.T) {
	for range 500 {
		b := NewBackoff()
		first := b.Next()
		if first < 800*time.Millisecond || first > 1200*time.Millisecond {
			t.Fatalf("first delay = %v, want 1000ms ±200ms", first)
		}
		second := b.Next()
		if second < 1800*time.Millisecond || second > 2200*time.Millisecond {
			t.Fatalf("second delay = %v, want 2000ms ±200ms", second)
		}
	}
}

func TestBackoffBaseNonDecreasing(t *testing.T) {
	b := NewBackoff()
	prev := b.Current()
	for i := range 10 {
		b.Next()
		cur := b.Current()
		if cur < prev {
			t.Fatalf("base decreased at failure %d: %v -> %v", i+1, prev, cur)
		}
		if cur > DefaultBackoffMax {
			t.Fatalf("base %v exceeds cap", cur)
		}
		prev = cur
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff()
	b.randJitter = func(time.Duration) time.Duration { return 0 }

	b.Next()
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Errorf("delay after Reset = %v, want 1s", got)
	}
}

func TestUniformJitterRange(t *testing.T) {
	width := 200 * time.Millisecond
	for range 1000 {
		j := uniformJitter(width)
		if j < -width || j > width {
			t.Fatalf("uniformJitter() = %v, outside ±%v", j, width)
		}
	}
}
