package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/av-coders/avlink/internal/device"
	"github.com/av-coders/avlink/internal/infrastructure/mqtt"
	"github.com/av-coders/avlink/internal/transport"
)

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = 30 * time.Second

// StatsWriter stores a stats snapshot. Satisfied by *influxdb.Client.
type StatsWriter interface {
	WriteTransportStats(deviceID string, stats transport.Stats, at time.Time)
}

// Publisher sends a non-retained MQTT message. Satisfied by *mqtt.Client.
type Publisher interface {
	PublishEvent(topic string, payload []byte) error
}

// Lister enumerates devices. Satisfied by *device.Registry.
type Lister interface {
	List() []*device.Device
}

// Logger is the logging interface used by the sampler.
type Logger = transport.Logger

// Options configures a Sampler.
type Options struct {
	Devices  Lister
	Writer   StatsWriter
	Publish  Publisher
	Interval time.Duration
	Logger   Logger
}

// Sampler periodically snapshots every device's transport stats.
type Sampler struct {
	devices Lister
	writer  StatsWriter
	publish Publisher
	topics  mqtt.Topics
	logger  Logger
	task    *transport.PeriodicTask
	now     func() time.Time
}

// New creates a stopped sampler. At least one of Writer or Publish is required.
func New(opts Options) (*Sampler, error) {
	if opts.Devices == nil {
		return nil, errors.New("telemetry: device lister is required")
	}
	if opts.Writer == nil && opts.Publish == nil {
		return nil, errors.New("telemetry: a stats writer or publisher is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	s := &Sampler{
		devices: opts.Devices,
		writer:  opts.Writer,
		publish: opts.Publish,
		logger:  opts.Logger,
		now:     time.Now,
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	s.task = transport.NewPeriodicTask("telemetry/sample", interval, true, s.sample)
	s.task.SetLogger(s.logger)
	return s, nil
}

// Start begins sampling. The first sample is taken after one interval.
func (s *Sampler) Start() {
	s.task.Restart()
	s.logger.Info("telemetry sampler started")
}

// Stop halts sampling and waits for a running sample to complete.
func (s *Sampler) Stop() {
	s.task.Stop()
}

// Running reports whether the sampling loop is active.
func (s *Sampler) Running() bool {
	return s.task.IsRunning()
}

// SampleNow takes one sample immediately and returns the number of devices
// recorded.
func (s *Sampler) SampleNow(ctx context.Context) int {
	return s.collect(ctx)
}

func (s *Sampler) sample(ctx context.Context) error {
	n := s.collect(ctx)
	s.logger.Debug("telemetry sample written", "devices", n)
	return nil
}

func (s *Sampler) collect(ctx context.Context) int {
	at := s.now().UTC()
	n := 0
	for _, d := range s.devices.List() {
		if ctx.Err() != nil {
			break
		}
		stats := d.Conn.Stats()
		if s.writer != nil {
			s.writer.WriteTransportStats(d.ID, stats, at)
		}
		if s.publish != nil {
			s.publishStats(d.ID, stats)
		}
		n++
	}
	return n
}

func (s *Sampler) publishStats(id string, stats transport.Stats) {
	payload, err := json.Marshal(stats)
	if err != nil {
		s.logger.Error("failed to encode stats", "device_id", id, "error", err)
		return
	}
	if err := s.publish.PublishEvent(s.topics.DeviceStats(id), payload); err != nil {
		s.logger.Debug("failed to publish stats", "device_id", id, "error", err)
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
