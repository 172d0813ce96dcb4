package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes an RS-232/RS-485 port.
type SerialConfig struct {
	// Device is the port path, e.g. "/dev/ttyUSB0" or "COM3".
	Device   string
	BaudRate int
	DataBits int

	// Parity is one of none, odd, even, mark, space.
	Parity string

	// StopBits is 1, 1.5 or 2.
	StopBits float64
}

// Serial talks to a device over a local serial port.
type Serial struct {
	*link

	cfg  SerialConfig
	mode *serial.Mode
}

// NewSerial creates a serial transport. Missing settings default to 9600 8N1.
func NewSerial(cfg SerialConfig, opts Options) (*Serial, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: serial device is required", ErrInvalidConfig)
	}
	mode, err := serialMode(cfg)
	if err != nil {
		return nil, err
	}
	s := &Serial{cfg: cfg, mode: mode}
	s.link = newLink("serial", "serial://"+cfg.Device, opts, s.dial, true)
	return s, nil
}

func serialMode(cfg SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch strings.ToLower(cfg.Parity) {
	case "", "none", "n":
		mode.Parity = serial.NoParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "mark", "m":
		mode.Parity = serial.MarkParity
	case "space", "s":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: unknown parity %q", ErrInvalidConfig, cfg.Parity)
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 1.5:
		mode.StopBits = serial.OnePointFiveStopBits
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: unsupported stop bits %v", ErrInvalidConfig, cfg.StopBits)
	}
	return mode, nil
}

func (s *Serial) dial(ctx context.Context) (stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(s.cfg.Device, s.mode)
	if err != nil {
		return nil, dialError(s.cfg.Device, err)
	}
	return &serialStream{port: port}, nil
}

// serialStream adapts a go.bug.st serial port.
type serialStream struct {
	port serial.Port
}

func (s *serialStream) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	// A timeout is reported as (0, nil) by the port itself.
	return s.port.Read(buf)
}

// Write ignores the timeout: the port has no write deadline, and a serial
// write only blocks while the UART drains.
func (s *serialStream) Write(p []byte, _ time.Duration) error {
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Probe reads the modem status lines. A USB adapter that was unplugged fails here.
func (s *serialStream) Probe(context.Context) error {
	_, err := s.port.GetModemStatusBits()
	return err
}

func (s *serialStream) Close() error {
	return s.port.Close()
}
