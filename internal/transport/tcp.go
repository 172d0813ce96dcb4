package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// TCP is a persistent TCP client connection to a device.
//
// It is the reference transport: a dead peer is detected through read errors,
// write errors, and a half-open probe every health interval.
type TCP struct {
	*link

	mu   sync.RWMutex
	host string
	port int

	keepAlive time.Duration
	noDelay   bool
}

// TCPOption customises a TCP transport.
type TCPOption func(*TCP)

// WithKeepAlive sets the OS-level TCP keep-alive period. Zero disables it.
func WithKeepAlive(d time.Duration) TCPOption {
	return func(t *TCP) { t.keepAlive = d }
}

// WithNoDelay toggles Nagle's algorithm. Enabled (no delay) by default.
func WithNoDelay(enabled bool) TCPOption {
	return func(t *TCP) { t.noDelay = enabled }
}

// NewTCP creates a TCP transport. It does not connect until Connect is called.
//
// Parameters:
//   - host: Device hostname or IP
//   - port: Device TCP port
//   - opts: Shared transport options
//
// Returns:
//   - *TCP: Disconnected transport
//   - error: ErrInvalidConfig if host or port is invalid
func NewTCP(host string, port int, opts Options, tcpOpts ...TCPOption) (*TCP, error) {
	if err := validateEndpoint(host, port); err != nil {
		return nil, err
	}
	t := &TCP{
		host:      host,
		port:      port,
		keepAlive: 30 * time.Second,
		noDelay:   true,
	}
	for _, o := range tcpOpts {
		o(t)
	}
	t.link = newLink("tcp", "tcp://"+joinHostPort(host, port), opts, t.dial, true)
	return t, nil
}

// Endpoint returns the current host and port.
func (t *TCP) Endpoint() (string, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.host, t.port
}

// SetEndpoint points the transport at a new device address. If the
// connection is wanted it is rebuilt against the new address.
func (t *TCP) SetEndpoint(host string, port int) error {
	if err := validateEndpoint(host, port); err != nil {
		return err
	}
	t.mu.Lock()
	changed := t.host != host || t.port != port
	t.host, t.port = host, port
	t.mu.Unlock()

	if changed && t.wantsConnection() {
		t.Reconnect()
	}
	return nil
}

func (t *TCP) dial(ctx context.Context) (stream, error) {
	host, port := t.Endpoint()
	addr := joinHostPort(host, port)

	d := net.Dialer{KeepAlive: t.keepAlive}
	if t.keepAlive == 0 {
		d.KeepAlive = -1
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dialError(addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(t.noDelay)
	}
	return &netStream{conn: conn, probe: probeHalfOpen}, nil
}

// netStream adapts a stream-oriented net.Conn.
type netStream struct {
	conn  net.Conn
	probe func(net.Conn) error
}

func (s *netStream) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(buf)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (s *netStream) Write(p []byte, timeout time.Duration) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(p)
	return err
}

func (s *netStream) Probe(context.Context) error {
	if s.probe == nil {
		return nil
	}
	return s.probe(s.conn)
}

func (s *netStream) Close() error {
	return s.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func validateEndpoint(host string, port int) error {
	if host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
	}
	return nil
}
