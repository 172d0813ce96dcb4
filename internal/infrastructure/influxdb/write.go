package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/av-coders/avlink/internal/transport"
)

// MeasurementTransportStats is the measurement written for each device sample.
const MeasurementTransportStats = "transport_stats"

// WriteTransportStats records one transport statistics sample.
//
// Tags are device_id and transport kind; the connection state is a tag too so
// dashboards can group by it. Counters are written as integer fields.
//
// Parameters:
//   - deviceID: Configured device identifier (e.g., "projector-1")
//   - stats: Snapshot from Connection.Stats
//   - at: Sample timestamp
func (c *Client) WriteTransportStats(deviceID string, stats transport.Stats, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(TransportStatsPoint(deviceID, stats, at))
}

// TransportStatsPoint builds the point WriteTransportStats writes.
func TransportStatsPoint(deviceID string, stats transport.Stats, at time.Time) *write.Point {
	fields := map[string]any{
		"bytes_sent":        stats.BytesSent,
		"bytes_received":    stats.BytesReceived,
		"messages_sent":     stats.MessagesSent,
		"messages_received": stats.MessagesReceived,
		"queued":            int64(stats.Queued),
		"dropped_stale":     stats.DroppedStale,
		"dropped_overflow":  stats.DroppedOverflow,
		"dropped_events":    stats.DroppedEvents,
		"connect_attempts":  stats.ConnectAttempts,
		"connects":          stats.Connects,
		"errors":            stats.Errors,
		"connected":         stats.State == transport.StateConnected,
		"backoff_ms":        stats.BackoffDelay.Milliseconds(),
	}
	tags := map[string]string{
		"device_id": deviceID,
		"transport": stats.Kind,
		"state":     stats.State.String(),
	}
	return write.NewPoint(MeasurementTransportStats, tags, fields, at)
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
