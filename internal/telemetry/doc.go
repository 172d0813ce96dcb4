// Package telemetry samples device transport stats on a fixed interval.
//
// Each sample writes one transport_stats point per device to InfluxDB and,
// when an MQTT publisher is configured, a JSON snapshot to avlink/stats/{id}.
// Sampling runs on a transport.PeriodicTask, so Stop waits for an in-flight
// sample to finish.
package telemetry
