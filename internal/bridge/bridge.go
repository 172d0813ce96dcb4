package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/av-coders/avlink/internal/device"
	"github.com/av-coders/avlink/internal/infrastructure/mqtt"
	"github.com/av-coders/avlink/internal/transport"
)

// commandQoS is the subscription QoS for command topics.
const commandQoS = 1

// MQTTClient is the subset of *mqtt.Client the bridge needs.
type MQTTClient interface {
	PublishRetained(topic string, payload []byte) error
	PublishEvent(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Registry resolves devices by ID.
type Registry interface {
	Get(id string) (*device.Device, error)
	List() []*device.Device
}

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	// MQTT is the broker client. Required.
	MQTT MQTTClient

	// Registry supplies the devices to bridge. Required.
	Registry Registry

	// PublishTx echoes sent payloads on avlink/tx/{id}.
	PublishTx bool

	Logger Logger
}

// Bridge translates between device connection events and MQTT topics.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt      MQTTClient
	registry  Registry
	publishTx bool
	topics    mqtt.Topics
	logger    Logger

	mu      sync.Mutex
	subs    []transport.Subscription
	started bool
	stopped bool

	stats   Metrics
	statsMu sync.Mutex
}

// Metrics counts bridge traffic.
type Metrics struct {
	StatesPublished   uint64 `json:"states_published"`
	PayloadsPublished uint64 `json:"payloads_published"`
	CommandsForwarded uint64 `json:"commands_forwarded"`
	CommandsRejected  uint64 `json:"commands_rejected"`
	PublishErrors     uint64 `json:"publish_errors"`
}

// New creates a bridge. Call Start to begin forwarding.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, errors.New("bridge: MQTT client is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bridge{
		mqtt:      opts.MQTT,
		registry:  opts.Registry,
		publishTx: opts.PublishTx,
		logger:    logger,
	}, nil
}

// Start attaches to every registered device, publishes the current state of
// each, and subscribes to the command topics.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	if b.started {
		return ErrAlreadyStarted
	}

	topic := b.topics.AllDeviceCommands()
	if err := b.mqtt.Subscribe(topic, commandQoS, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	devices := b.registry.List()
	for _, d := range devices {
		b.attach(d)
		b.publishState(d, d.Conn.State())
	}
	b.started = true

	b.logger.Info("bridge started", "devices", len(devices), "command_topic", topic)
	return nil
}

// attach registers event handlers for one device. Caller holds b.mu.
func (b *Bridge) attach(d *device.Device) {
	b.subs = append(b.subs,
		d.Conn.OnStateChanged(func(s transport.ConnectionState) {
			b.publishState(d, s)
		}),
		d.Conn.OnBytesReceived(func(data []byte) {
			b.publishPayload(b.topics.DeviceRx(d.ID), d, data)
		}),
	)
	if b.publishTx {
		b.subs = append(b.subs, d.Conn.OnBytesSent(func(data []byte) {
			b.publishPayload(b.topics.DeviceTx(d.ID), d, data)
		}))
	}
}

// Stop detaches from all devices and unsubscribes from command topics.
// Safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	subs := b.subs
	b.subs = nil
	started := b.started
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	if started {
		if err := b.mqtt.Unsubscribe(b.topics.AllDeviceCommands()); err != nil {
			b.logger.Warn("failed to unsubscribe from commands", "error", err)
		}
	}
	b.logger.Info("bridge stopped")
}

// GetMetrics returns a copy of the bridge counters.
func (b *Bridge) GetMetrics() Metrics {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

func (b *Bridge) count(fn func(*Metrics)) {
	b.statsMu.Lock()
	fn(&b.stats)
	b.statsMu.Unlock()
}

func (b *Bridge) publishState(d *device.Device, s transport.ConnectionState) {
	payload, err := json.Marshal(StateMessage{
		DeviceID:  d.ID,
		Transport: d.Transport,
		Endpoint:  d.Endpoint(),
		State:     s,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("failed to encode state", "device_id", d.ID, "error", err)
		return
	}
	if err := b.mqtt.PublishRetained(b.topics.DeviceState(d.ID), payload); err != nil {
		b.count(func(m *Metrics) { m.PublishErrors++ })
		b.logger.Warn("failed to publish state", "device_id", d.ID, "state", s.String(), "error", err)
		return
	}
	b.count(func(m *Metrics) { m.StatesPublished++ })
}

func (b *Bridge) publishPayload(topic string, d *device.Device, data []byte) {
	payload, err := json.Marshal(newPayloadMessage(d, data))
	if err != nil {
		b.logger.Error("failed to encode payload", "device_id", d.ID, "error", err)
		return
	}
	if err := b.mqtt.PublishEvent(topic, payload); err != nil {
		b.count(func(m *Metrics) { m.PublishErrors++ })
		b.logger.Debug("failed to publish payload", "topic", topic, "error", err)
		return
	}
	b.count(func(m *Metrics) { m.PayloadsPublished++ })
}

// handleCommand forwards avlink/command/{id} payloads to the device.
// Failures are logged and counted here, so it always returns nil.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	category, id, ok := mqtt.ParseDeviceTopic(topic)
	if !ok || category != mqtt.CategoryCommand {
		b.count(func(m *Metrics) { m.CommandsRejected++ })
		b.logger.Warn("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	d, err := b.registry.Get(id)
	if err != nil {
		b.count(func(m *Metrics) { m.CommandsRejected++ })
		b.logger.Warn("command for unknown device", "device_id", id)
		return nil
	}

	cmd := parseCommand(payload)
	if err := d.Send(cmd); err != nil {
		b.count(func(m *Metrics) { m.CommandsRejected++ })
		b.logger.Warn("command rejected", "device_id", id, "error", err)
		return nil
	}

	b.count(func(m *Metrics) { m.CommandsForwarded++ })
	b.logger.Debug("command forwarded", "device_id", id, "size", len(payload))
	return nil
}
