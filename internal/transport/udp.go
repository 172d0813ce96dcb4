package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"
)

// UDP sends datagrams to one device and receives its replies.
//
// UDP has no session, so "connected" only means a local socket exists. The
// connection-check loop recreates the socket if it was closed after an error.
type UDP struct {
	*link

	mu        sync.RWMutex
	host      string
	port      int
	localPort int
}

// NewUDP creates a UDP transport.
//
// Parameters:
//   - host: Device hostname or IP
//   - port: Device UDP port
//   - localPort: Local port to bind (0 picks an ephemeral port)
//   - opts: Shared transport options
func NewUDP(host string, port, localPort int, opts Options) (*UDP, error) {
	if err := validateEndpoint(host, port); err != nil {
		return nil, err
	}
	u := &UDP{host: host, port: port, localPort: localPort}
	u.link = newLink("udp", "udp://"+joinHostPort(host, port), opts, u.dial, true)
	return u, nil
}

// Endpoint returns the current host and port.
func (u *UDP) Endpoint() (string, int) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.host, u.port
}

// SetEndpoint retargets the transport and rebuilds the socket if connected.
func (u *UDP) SetEndpoint(host string, port int) error {
	if err := validateEndpoint(host, port); err != nil {
		return err
	}
	u.mu.Lock()
	changed := u.host != host || u.port != port
	u.host, u.port = host, port
	u.mu.Unlock()

	if changed && u.wantsConnection() {
		u.Reconnect()
	}
	return nil
}

func (u *UDP) dial(ctx context.Context) (stream, error) {
	host, port := u.Endpoint()
	addr := joinHostPort(host, port)

	u.mu.RLock()
	local := u.localPort
	u.mu.RUnlock()

	d := net.Dialer{}
	if local > 0 {
		d.LocalAddr = &net.UDPAddr{Port: local}
	}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, dialError(addr, err)
	}
	return &datagramStream{conn: conn}, nil
}

// datagramStream adapts a connected UDP socket. Each Read returns one datagram.
type datagramStream struct {
	conn net.Conn
}

func (s *datagramStream) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(buf)
	switch {
	case err == nil:
		return n, nil
	case isTimeout(err):
		return 0, nil
	case errors.Is(err, syscall.ECONNREFUSED):
		// ICMP port unreachable from an earlier send. The device may simply
		// not be listening yet; the socket itself is fine.
		return 0, nil
	default:
		return 0, err
	}
}

func (s *datagramStream) Write(p []byte, timeout time.Duration) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(p)
	if errors.Is(err, syscall.ECONNREFUSED) {
		return nil
	}
	return err
}

func (s *datagramStream) Probe(context.Context) error {
	return nil
}

func (s *datagramStream) Close() error {
	return s.conn.Close()
}
