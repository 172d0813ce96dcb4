package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/av-coders/avlink/internal/device"
	"github.com/av-coders/avlink/internal/infrastructure/config"
	"github.com/av-coders/avlink/internal/transport"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes map[string]int
	lastAt time.Time
}

func (w *fakeWriter) WriteTransportStats(deviceID string, _ transport.Stats, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writes == nil {
		w.writes = make(map[string]int)
	}
	w.writes[deviceID]++
	w.lastAt = at
}

func (w *fakeWriter) count(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[id]
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]byte
	err      error
}

func (p *fakePublisher) PublishEvent(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][]byte)
	}
	p.messages[topic] = payload
	return p.err
}

type staticLister []*device.Device

func (l staticLister) List() []*device.Device { return l }

// newDevices builds idle devices; they are never connected.
func newDevices(t *testing.T, ids ...string) staticLister {
	t.Helper()
	var out staticLister
	for _, id := range ids {
		d, err := device.New(config.DeviceConfig{
			ID:            id,
			Transport:     config.TransportUDP,
			Host:          "127.0.0.1",
			Port:          9,
			CommandFormat: "ascii",
			Encoding:      "utf-8",
			QueueTimeout:  5,
			QueueCapacity: 10,
			QueueOverflow: "drop-oldest",
		}, nil)
		if err != nil {
			t.Fatalf("device.New(%s) error = %v", id, err)
		}
		t.Cleanup(func() { d.Conn.Close() })
		out = append(out, d)
	}
	return out
}

func TestSampleNow(t *testing.T) {
	w := &fakeWriter{}
	p := &fakePublisher{}
	s, err := New(Options{Devices: newDevices(t, "proj", "dsp"), Writer: w, Publish: p})
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	s.now = func() time.Time { return fixed }

	if n := s.SampleNow(context.Background()); n != 2 {
		t.Errorf("SampleNow() = %d, want 2", n)
	}
	if w.count("proj") != 1 || w.count("dsp") != 1 {
		t.Errorf("writes = %v", w.writes)
	}
	if !w.lastAt.Equal(fixed) || w.lastAt.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v in UTC", w.lastAt, fixed)
	}

	payload, ok := p.messages["avlink/stats/proj"]
	if !ok {
		t.Fatalf("no stats published, got topics %v", p.messages)
	}
	var stats transport.Stats
	if err := json.Unmarshal(payload, &stats); err != nil {
		t.Fatalf("stats payload: %v", err)
	}
	// Never connected.
	if stats.State != transport.StateUnknown {
		t.Errorf("state = %v, want unknown", stats.State)
	}
}

func TestSampleNow_PublishErrorDoesNotStopWrites(t *testing.T) {
	w := &fakeWriter{}
	p := &fakePublisher{err: errors.New("broker down")}
	s, err := New(Options{Devices: newDevices(t, "a", "b"), Writer: w, Publish: p})
	if err != nil {
		t.Fatal(err)
	}
	if n := s.SampleNow(context.Background()); n != 2 {
		t.Errorf("SampleNow() = %d, want 2", n)
	}
	if w.count("b") != 1 {
		t.Error("second device not written after publish error")
	}
}

func TestSampleNow_Cancelled(t *testing.T) {
	w := &fakeWriter{}
	s, err := New(Options{Devices: newDevices(t, "a", "b"), Writer: w})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n := s.SampleNow(ctx); n != 0 {
		t.Errorf("SampleNow(cancelled) = %d, want 0", n)
	}
}

func TestSamplerLoop(t *testing.T) {
	w := &fakeWriter{}
	s, err := New(Options{Devices: newDevices(t, "proj"), Writer: w, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	s.Start()
	if !s.Running() {
		t.Error("Running() = false after Start")
	}
	deadline := time.Now().Add(2 * time.Second)
	for w.count("proj") < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if got := w.count("proj"); got < 3 {
		t.Fatalf("samples = %d, want at least 3", got)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}

	after := w.count("proj")
	time.Sleep(40 * time.Millisecond)
	if w.count("proj") != after {
		t.Error("sampling continued after Stop")
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no devices", Options{Writer: &fakeWriter{}}},
		{"no sink", Options{Devices: staticLister{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}
