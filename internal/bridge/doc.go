// Package bridge connects the device registry to MQTT.
//
// For every device the bridge publishes:
//   - avlink/state/{id}: retained JSON connection state
//   - avlink/rx/{id}: payloads received from the device
//   - avlink/tx/{id}: payloads written to the device
//
// It subscribes to avlink/command/+ and forwards each command to the named
// device. A command payload is JSON ({"hex": "..."}, {"text": "..."} or, for
// REST devices, {"method": "...", "path": "...", "text": "..."}); anything
// that does not parse as a command object is sent to the device as raw bytes.
package bridge
