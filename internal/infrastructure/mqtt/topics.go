package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every avlink topic.
const TopicPrefix = "avlink"

// Topic categories below the prefix.
const (
	CategoryState   = "state"
	CategoryRx      = "rx"
	CategoryTx      = "tx"
	CategoryCommand = "command"
	CategoryStats   = "stats"
)

// Topics builds avlink MQTT topics. The scheme is flat:
//
//	avlink/{category}/{device_id}
//
// Example:
//
//	mqtt.Topics{}.DeviceState("projector-1") // "avlink/state/projector-1"
type Topics struct{}

func (Topics) device(category, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, category, deviceID)
}

// DeviceState is the retained connection state of a device.
func (t Topics) DeviceState(deviceID string) string { return t.device(CategoryState, deviceID) }

// DeviceRx carries payloads received from a device.
func (t Topics) DeviceRx(deviceID string) string { return t.device(CategoryRx, deviceID) }

// DeviceTx echoes payloads written to a device.
func (t Topics) DeviceTx(deviceID string) string { return t.device(CategoryTx, deviceID) }

// DeviceCommand is where clients publish commands for a device.
func (t Topics) DeviceCommand(deviceID string) string { return t.device(CategoryCommand, deviceID) }

// DeviceStats carries periodic transport statistics for a device.
func (t Topics) DeviceStats(deviceID string) string { return t.device(CategoryStats, deviceID) }

// AllDeviceCommands matches commands for every device.
//
// Pattern: avlink/command/+
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/%s/+", TopicPrefix, CategoryCommand)
}

// SystemStatus is the daemon's retained online/offline status (and LWT).
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// ParseDeviceTopic splits "avlink/{category}/{device_id}".
// ok is false for anything that is not a device topic.
func ParseDeviceTopic(topic string) (category, deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] == "system" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
