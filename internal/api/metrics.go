package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/av-coders/avlink/internal/device"
	"github.com/av-coders/avlink/internal/transport"
)

const metricsNamespace = "avlink"

// transportCollector exposes registry stats at scrape time. Counters come
// straight from each connection's Stats snapshot, so nothing is kept between
// scrapes.
type transportCollector struct {
	registry *device.Registry
	hub      *Hub
	mqtt     BrokerStatus

	bytesSent        *prometheus.Desc
	bytesReceived    *prometheus.Desc
	messagesSent     *prometheus.Desc
	messagesReceived *prometheus.Desc
	queued           *prometheus.Desc
	dropped          *prometheus.Desc
	connectAttempts  *prometheus.Desc
	connects         *prometheus.Desc
	errors           *prometheus.Desc
	connected        *prometheus.Desc
	state            *prometheus.Desc
	backoff          *prometheus.Desc
	lastActivity     *prometheus.Desc

	wsClients     *prometheus.Desc
	mqttConnected *prometheus.Desc
}

func newTransportCollector(registry *device.Registry, hub *Hub, mqtt BrokerStatus) *transportCollector {
	labels := []string{"device", "transport"}
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "transport", name),
			help, append(append([]string{}, labels...), extra...), nil)
	}
	return &transportCollector{
		registry: registry,
		hub:      hub,
		mqtt:     mqtt,

		bytesSent:        desc("bytes_sent_total", "Bytes written to the device."),
		bytesReceived:    desc("bytes_received_total", "Bytes read from the device."),
		messagesSent:     desc("messages_sent_total", "Payloads written to the device."),
		messagesReceived: desc("messages_received_total", "Read chunks received from the device."),
		queued:           desc("queued", "Payloads waiting in the send queue."),
		dropped:          desc("dropped_total", "Payloads or events discarded.", "reason"),
		connectAttempts:  desc("connect_attempts_total", "Connection attempts."),
		connects:         desc("connects_total", "Successful connections."),
		errors:           desc("errors_total", "Transport errors."),
		connected:        desc("connected", "1 when the connection is up."),
		state:            desc("state", "Current connection state (1 for the active state).", "state"),
		backoff:          desc("backoff_seconds", "Current reconnect backoff delay."),
		lastActivity:     desc("last_activity_timestamp_seconds", "Unix time of the last read or write."),

		wsClients: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "websocket", "clients"),
			"Connected WebSocket clients.", nil, nil),
		mqttConnected: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "mqtt", "connected"),
			"1 when the MQTT broker connection is up.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *transportCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.bytesSent, c.bytesReceived, c.messagesSent, c.messagesReceived,
		c.queued, c.dropped, c.connectAttempts, c.connects, c.errors,
		c.connected, c.state, c.backoff, c.lastActivity,
		c.wsClients, c.mqttConnected,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *transportCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.registry.List() {
		st := d.Conn.Stats()
		lv := []string{d.ID, d.Transport}

		counter := func(desc *prometheus.Desc, v uint64, extra ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), append(lv, extra...)...)
		}
		gauge := func(desc *prometheus.Desc, v float64, extra ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, append(lv, extra...)...)
		}

		counter(c.bytesSent, st.BytesSent)
		counter(c.bytesReceived, st.BytesReceived)
		counter(c.messagesSent, st.MessagesSent)
		counter(c.messagesReceived, st.MessagesReceived)
		counter(c.dropped, st.DroppedStale, "stale")
		counter(c.dropped, st.DroppedOverflow, "overflow")
		counter(c.dropped, st.DroppedEvents, "event")
		counter(c.connectAttempts, st.ConnectAttempts)
		counter(c.connects, st.Connects)
		counter(c.errors, st.Errors)

		gauge(c.queued, float64(st.Queued))
		gauge(c.connected, boolFloat(st.State == transport.StateConnected))
		gauge(c.state, 1, st.State.String())
		gauge(c.backoff, st.BackoffDelay.Seconds())
		if !st.LastActivity.IsZero() {
			gauge(c.lastActivity, float64(st.LastActivity.UnixNano())/1e9)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, float64(c.hub.ClientCount()))
	if c.mqtt != nil {
		ch <- prometheus.MustNewConstMetric(c.mqttConnected, prometheus.GaugeValue, boolFloat(c.mqtt.IsConnected()))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
