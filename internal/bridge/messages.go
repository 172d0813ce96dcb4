package bridge

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/av-coders/avlink/internal/device"
	"github.com/av-coders/avlink/internal/transport"
)

// StateMessage is published retained to avlink/state/{id}.
type StateMessage struct {
	DeviceID  string                    `json:"device_id"`
	Transport string                    `json:"transport"`
	Endpoint  string                    `json:"endpoint"`
	State     transport.ConnectionState `json:"state"`
	Timestamp time.Time                 `json:"timestamp"`
}

// PayloadMessage is published to avlink/rx/{id} and avlink/tx/{id}.
// Text is the payload decoded with the device's command format.
type PayloadMessage struct {
	DeviceID  string    `json:"device_id"`
	Hex       string    `json:"hex"`
	Text      string    `json:"text"`
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

func newPayloadMessage(d *device.Device, data []byte) PayloadMessage {
	return PayloadMessage{
		DeviceID:  d.ID,
		Hex:       transport.HexString(data),
		Text:      d.Decode(data),
		Size:      len(data),
		Timestamp: time.Now().UTC(),
	}
}

// parseCommand interprets an MQTT command payload. JSON objects carrying at
// least one command field become structured commands; everything else,
// including malformed JSON, is sent as raw bytes.
func parseCommand(payload []byte) device.Command {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var cmd device.Command
		if err := json.Unmarshal(trimmed, &cmd); err == nil &&
			(cmd.Hex != "" || cmd.Text != "" || cmd.Method != "" || cmd.Path != "") {
			return cmd
		}
	}
	return device.Command{Raw: payload}
}
