// Package mqtt provides the broker connection used by the avlink bridge.
//
// It wraps paho.mqtt.golang with:
//   - auto-reconnect and subscription restore
//   - a retained Last Will on avlink/system/status
//   - panic-safe message handlers
//   - topic builders for the avlink/{category}/{device_id} scheme
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.PublishRetained(mqtt.Topics{}.DeviceState("projector-1"), payload)
package mqtt
