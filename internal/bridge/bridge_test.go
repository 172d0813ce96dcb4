package bridge

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/av-coders/avlink/internal/device"
	"github.com/av-coders/avlink/internal/infrastructure/config"
	"github.com/av-coders/avlink/internal/infrastructure/mqtt"
	"github.com/av-coders/avlink/internal/transport"
)

// mockMQTT implements MQTTClient for testing.
type mockMQTT struct {
	mu           sync.Mutex
	published    []mockPublish
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	Retained bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) PublishRetained(topic string, payload []byte) error {
	m.record(topic, payload, true)
	return nil
}

func (m *mockMQTT) PublishEvent(topic string, payload []byte) error {
	m.record(topic, payload, false)
	return nil
}

func (m *mockMQTT) record(topic string, payload []byte, retained bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, Retained: retained})
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

// deliver simulates a broker message on a subscribed pattern.
func (m *mockMQTT) deliver(t *testing.T, pattern, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[pattern]
	m.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler subscribed on %s", pattern)
	}
	if err := h(topic, payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}
}

func (m *mockMQTT) on(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// lastState returns the state name in the newest message on topic.
func (m *mockMQTT) lastState(topic string) string {
	msgs := m.on(topic)
	if len(msgs) == 0 {
		return ""
	}
	var v struct {
		State string `json:"state"`
	}
	_ = json.Unmarshal(msgs[len(msgs)-1].Payload, &v)
	return v.State
}

// newEchoDevice starts a TCP server that writes back everything it reads.
func newEchoDevice(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func fast(o *transport.Options) {
	o.CheckInterval = 10 * time.Millisecond
	o.DrainInterval = 10 * time.Millisecond
	o.ReceiveInterval = 5 * time.Millisecond
	o.ReadTimeout = 20 * time.Millisecond
	o.Backoff = &transport.Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Floor: 5 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setup(t *testing.T, publishTx bool) (*mockMQTT, *device.Registry, *Bridge) {
	t.Helper()
	port := newEchoDevice(t)

	reg := device.NewRegistry(nil)
	err := reg.Load([]config.DeviceConfig{{
		ID:            "switcher",
		Transport:     config.TransportTCP,
		Host:          "127.0.0.1",
		Port:          port,
		CommandFormat: "ascii",
		Encoding:      "utf-8",
		QueueTimeout:  5,
		QueueCapacity: 10,
		QueueOverflow: "drop-oldest",
	}}, fast)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	client := newMockMQTT()
	b, err := New(Options{MQTT: client, Registry: reg, PublishTx: publishTx})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return client, reg, b
}

func TestBridgePublishesStateChanges(t *testing.T) {
	client, reg, b := setup(t, false)
	var topics mqtt.Topics
	stateTopic := topics.DeviceState("switcher")

	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	initial := client.on(stateTopic)
	if len(initial) != 1 || !initial[0].Retained {
		t.Fatalf("initial state messages = %+v, want one retained", initial)
	}

	reg.Start()
	waitFor(t, "connected state", func() bool { return client.lastState(stateTopic) == "connected" })

	raw := client.on(stateTopic)
	var msg map[string]any
	if err := json.Unmarshal(raw[len(raw)-1].Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg["device_id"] != "switcher" || msg["transport"] != "tcp" || msg["endpoint"] == "" {
		t.Errorf("state message = %v", msg)
	}
}

func TestBridgeForwardsCommands(t *testing.T) {
	client, reg, b := setup(t, true)
	var topics mqtt.Topics

	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	reg.Start()
	waitFor(t, "connected", func() bool { return client.lastState(topics.DeviceState("switcher")) == "connected" })

	client.deliver(t, topics.AllDeviceCommands(), topics.DeviceCommand("switcher"), []byte(`{"text":"1*2!"}`))

	waitFor(t, "echo on rx", func() bool {
		for _, p := range client.on(topics.DeviceRx("switcher")) {
			var m PayloadMessage
			if json.Unmarshal(p.Payload, &m) == nil && m.Text == "1*2!" {
				return m.Hex == "31 2A 32 21" && m.Size == 4
			}
		}
		return false
	})
	waitFor(t, "tx echo", func() bool { return len(client.on(topics.DeviceTx("switcher"))) > 0 })

	if got := b.GetMetrics().CommandsForwarded; got != 1 {
		t.Errorf("CommandsForwarded = %d, want 1", got)
	}
}

func TestBridgeRejectsBadCommands(t *testing.T) {
	client, _, b := setup(t, false)
	var topics mqtt.Topics
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}

	client.deliver(t, topics.AllDeviceCommands(), topics.DeviceCommand("nope"), []byte("x"))
	client.deliver(t, topics.AllDeviceCommands(), topics.DeviceCommand("switcher"), []byte(`{"hex":"zz"}`))
	client.deliver(t, topics.AllDeviceCommands(), "avlink/command", []byte("x"))

	if got := b.GetMetrics().CommandsRejected; got != 3 {
		t.Errorf("CommandsRejected = %d, want 3", got)
	}
}

func TestBridgeStop(t *testing.T) {
	client, reg, b := setup(t, false)
	var topics mqtt.Topics

	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != ErrAlreadyStarted {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	b.Stop()
	b.Stop()

	if len(client.unsubscribed) != 1 || client.unsubscribed[0] != topics.AllDeviceCommands() {
		t.Errorf("unsubscribed = %v", client.unsubscribed)
	}

	before := len(client.on(topics.DeviceState("switcher")))
	reg.Start()
	d, _ := reg.Get("switcher")
	waitFor(t, "connected", func() bool { return d.Conn.State() == transport.StateConnected })
	time.Sleep(50 * time.Millisecond)
	if after := len(client.on(topics.DeviceState("switcher"))); after != before {
		t.Errorf("state published after Stop: %d -> %d", before, after)
	}
	if err := b.Start(); err != ErrStopped {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    device.Command
	}{
		{"text", `{"text":"PWR ON"}`, device.Command{Text: "PWR ON"}},
		{"hex", `{"hex":"0A 0B"}`, device.Command{Hex: "0A 0B"}},
		{"rest route", `{"method":"PUT","path":"/zones/1","text":"{}"}`, device.Command{Method: "PUT", Path: "/zones/1", Text: "{}"}},
		{"plain text is raw", "POWR 1\r", device.Command{Raw: []byte("POWR 1\r")}},
		{"unrelated json is raw", `{"volume":10}`, device.Command{Raw: []byte(`{"volume":10}`)}},
		{"broken json is raw", `{"text":`, device.Command{Raw: []byte(`{"text":`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCommand([]byte(tt.payload))
			if got.Hex != tt.want.Hex || got.Text != tt.want.Text || string(got.Raw) != string(tt.want.Raw) ||
				got.Method != tt.want.Method || got.Path != tt.want.Path {
				t.Errorf("parseCommand(%q) = %+v, want %+v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{Registry: device.NewRegistry(nil)}); err == nil {
		t.Error("New() without MQTT succeeded")
	}
	if _, err := New(Options{MQTT: newMockMQTT()}); err == nil {
		t.Error("New() without registry succeeded")
	}
}
