// Package influxdb writes avlink transport telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go's non-blocking write API. Each sample becomes
// a transport_stats point tagged with device_id, transport and state.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTransportStats("projector-1", conn.Stats(), time.Now())
//
// Write errors arrive asynchronously through SetOnError.
package influxdb
