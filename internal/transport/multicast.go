package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
)

// MulticastConfig describes an IPv4 multicast group.
type MulticastConfig struct {
	// Group is the multicast address, e.g. "239.255.10.1".
	Group string

	// Port is the UDP port shared by all group members.
	Port int

	// Interface is the network interface name to join on. Empty lets the
	// kernel choose.
	Interface string

	// TTL for outbound datagrams. Zero means 1 (link-local).
	TTL int

	// Loopback delivers our own datagrams back to local listeners.
	Loopback bool
}

// Multicast sends to and receives from an IPv4 multicast group.
//
// Like UDP it is connectionless: "connected" means the group has been joined
// on a local socket.
type Multicast struct {
	*link

	cfg   MulticastConfig
	group net.IP
}

// NewMulticast creates a multicast transport.
func NewMulticast(cfg MulticastConfig, opts Options) (*Multicast, error) {
	ip := net.ParseIP(cfg.Group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%w: %q is not an IPv4 multicast group", ErrInvalidConfig, cfg.Group)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}

	m := &Multicast{cfg: cfg, group: ip}
	m.link = newLink("multicast", "multicast://"+joinHostPort(cfg.Group, cfg.Port), opts, m.dial, true)
	return m, nil
}

// Group returns the multicast group address.
func (m *Multicast) Group() *net.UDPAddr {
	return &net.UDPAddr{IP: m.group, Port: m.cfg.Port}
}

func (m *Multicast) dial(ctx context.Context) (stream, error) {
	var ifi *net.Interface
	if m.cfg.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(m.cfg.Interface)
		if err != nil {
			return nil, dialError(m.cfg.Interface, err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	c, err := lc.ListenPacket(ctx, "udp4", "0.0.0.0:"+strconv.Itoa(m.cfg.Port))
	if err != nil {
		return nil, dialError(m.Group().String(), err)
	}

	pc := ipv4.NewPacketConn(c)
	group := m.Group()
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: m.group}); err != nil {
		c.Close()
		return nil, dialError(group.String(), fmt.Errorf("join group: %w", err))
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			c.Close()
			return nil, dialError(group.String(), fmt.Errorf("set interface: %w", err))
		}
	}
	if err := pc.SetMulticastTTL(m.cfg.TTL); err != nil {
		c.Close()
		return nil, dialError(group.String(), fmt.Errorf("set ttl: %w", err))
	}
	if err := pc.SetMulticastLoopback(m.cfg.Loopback); err != nil {
		c.Close()
		return nil, dialError(group.String(), fmt.Errorf("set loopback: %w", err))
	}

	return &multicastStream{conn: c, pc: pc, group: group, ifi: ifi}, nil
}

// multicastStream is a joined group membership.
type multicastStream struct {
	conn  net.PacketConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr
	ifi   *net.Interface
}

func (s *multicastStream) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := s.pc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, _, _, err := s.pc.ReadFrom(buf)
	if err != nil && isTimeout(err) {
		return 0, nil
	}
	return n, err
}

func (s *multicastStream) Write(p []byte, timeout time.Duration) error {
	if err := s.pc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := s.pc.WriteTo(p, nil, s.group)
	return err
}

func (s *multicastStream) Probe(context.Context) error {
	return nil
}

func (s *multicastStream) Close() error {
	_ = s.pc.LeaveGroup(s.ifi, &net.UDPAddr{IP: s.group.IP})
	return s.conn.Close()
}
