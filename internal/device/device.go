package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/av-coders/avlink/internal/transport"
)

// Device is one configured piece of AV hardware and its live connection.
type Device struct {
	ID        string
	Name      string
	Transport string
	Conn      transport.Connection

	endpoint    string
	autoConnect bool
	codec       *transport.Codec
}

// Info is a point-in-time view of a device for the API and bridge.
type Info struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name"`
	Transport string                    `json:"transport"`
	Endpoint  string                    `json:"endpoint"`
	State     transport.ConnectionState `json:"state"`
	Stats     transport.Stats           `json:"stats"`
}

// Endpoint describes where the device lives, e.g. "tcp://10.0.20.11:4352".
// SSH credentials are reduced to the username.
func (d *Device) Endpoint() string {
	return d.endpoint
}

// AutoConnect reports whether Registry.Start connects this device.
func (d *Device) AutoConnect() bool {
	return d.autoConnect
}

// Decode renders received or sent bytes with the device's command format.
func (d *Device) Decode(data []byte) string {
	if d.codec == nil {
		return transport.DefaultCodec().Decode(data)
	}
	return d.codec.Decode(data)
}

// Info returns a snapshot of the device.
func (d *Device) Info() Info {
	stats := d.Conn.Stats()
	return Info{
		ID:        d.ID,
		Name:      d.Name,
		Transport: d.Transport,
		Endpoint:  d.endpoint,
		State:     stats.State,
		Stats:     stats,
	}
}

// Command is a payload addressed to a device. Exactly one of Hex, Text or
// Raw is set. Method and Path route the payload on REST devices.
type Command struct {
	Hex  string `json:"hex,omitempty"`
	Text string `json:"text,omitempty"`
	Raw  []byte `json:"-"`

	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Validate checks the command shape.
func (c Command) Validate() error {
	set := 0
	if c.Hex != "" {
		set++
	}
	if c.Text != "" {
		set++
	}
	if len(c.Raw) > 0 {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: only one of hex, text or raw may be set", ErrInvalidCommand)
	}
	if set == 0 && c.Method == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	return nil
}

// Send validates and delivers a command. Delivery is fire-and-forget: a
// nil error means the payload was handed to the transport, which sends it
// now or queues it until the device is reachable.
func (d *Device) Send(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	var payload []byte
	switch {
	case cmd.Hex != "":
		b, err := transport.ParseHex(cmd.Hex)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		payload = b
	case len(cmd.Raw) > 0:
		payload = cmd.Raw
	}

	if cmd.Method != "" || cmd.Path != "" {
		rest, ok := d.Conn.(*transport.REST)
		if !ok {
			return fmt.Errorf("%w: method and path apply to rest devices only", ErrInvalidCommand)
		}
		if payload == nil && cmd.Text != "" {
			payload = []byte(cmd.Text)
		}
		method := cmd.Method
		if method == "" {
			method = "POST"
		}
		rest.Request(strings.ToUpper(method), cmd.Path, payload)
		return nil
	}

	if cmd.Text != "" {
		d.Conn.SendString(cmd.Text)
		return nil
	}
	d.Conn.Send(payload)
	return nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
