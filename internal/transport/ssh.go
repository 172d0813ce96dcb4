package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshKeepaliveTimeout bounds the health-check round trip.
const sshKeepaliveTimeout = 5 * time.Second

// SSHConfig holds SSH credentials and session settings.
type SSHConfig struct {
	Username string
	Password string

	// PrivateKeyFile is an optional PEM key used before password auth.
	PrivateKeyFile string

	// KnownHostsFile verifies the device host key. Empty accepts any key.
	KnownHostsFile string

	// Terminal type requested for the pty. Defaults to "vt100".
	Terminal string
}

// SSH drives a device's interactive shell over SSH.
//
// Each connect builds a new client, session, and shell. Reconnect therefore
// replaces the whole stream, not only the socket beneath it.
type SSH struct {
	*link

	mu   sync.RWMutex
	host string
	port int

	cfg        SSHConfig
	auth       []ssh.AuthMethod
	hostKeyCB  ssh.HostKeyCallback
	terminal   string
	connectTTL time.Duration
}

// NewSSH creates an SSH transport.
//
// Authentication tries, in order: public key (if configured), keyboard
// interactive answering every prompt with the password, then plain password.
func NewSSH(host string, port int, cfg SSHConfig, opts Options) (*SSH, error) {
	if err := validateEndpoint(host, port); err != nil {
		return nil, err
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("%w: ssh username is required", ErrInvalidConfig)
	}

	s := &SSH{host: host, port: port, cfg: cfg, terminal: cfg.Terminal}
	if s.terminal == "" {
		s.terminal = "vt100"
	}

	if cfg.PrivateKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading ssh key: %w", ErrInvalidConfig, err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing ssh key: %w", ErrInvalidConfig, err)
		}
		s.auth = append(s.auth, ssh.PublicKeys(signer))
	}
	password := cfg.Password
	s.auth = append(s.auth,
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
		ssh.Password(password),
	)

	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: known hosts: %w", ErrInvalidConfig, err)
		}
		s.hostKeyCB = cb
	}

	s.link = newLink("ssh", "ssh://"+joinHostPort(host, port), opts, s.dial, true)
	if s.hostKeyCB == nil {
		s.logger.Warn("ssh host key verification disabled", "connection", s.name)
		s.hostKeyCB = ssh.InsecureIgnoreHostKey()
	}
	s.connectTTL = s.opts.ConnectTimeout
	return s, nil
}

// Endpoint returns the current host and port.
func (s *SSH) Endpoint() (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host, s.port
}

// SetEndpoint retargets the transport and rebuilds the session if connected.
func (s *SSH) SetEndpoint(host string, port int) error {
	if err := validateEndpoint(host, port); err != nil {
		return err
	}
	s.mu.Lock()
	changed := s.host != host || s.port != port
	s.host, s.port = host, port
	s.mu.Unlock()

	if changed && s.wantsConnection() {
		s.Reconnect()
	}
	return nil
}

func (s *SSH) dial(ctx context.Context) (stream, error) {
	host, port := s.Endpoint()
	addr := joinHostPort(host, port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dialError(addr, err)
	}

	// The handshake has no context; bound it with a deadline instead.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            s.auth,
		HostKeyCallback: s.hostKeyCB,
		Timeout:         s.connectTTL,
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, dialError(addr, fmt.Errorf("handshake: %w", err))
	}
	client := ssh.NewClient(sc, chans, reqs)

	st, err := s.openShell(client, conn)
	if err != nil {
		client.Close()
		return nil, dialError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return st, nil
}

func (s *SSH) openShell(client *ssh.Client, conn net.Conn) (*sshStream, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty(s.terminal, 40, 120, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("shell: %w", err)
	}

	st := &sshStream{
		conn:    conn,
		client:  client,
		session: session,
		stdin:   stdin,
		chunks:  make(chan []byte),
		errc:    make(chan error, 1),
		closed:  newCloseOnce(),
	}
	go st.pump(stdout)
	return st, nil
}

// sshStream is one shell session. SSH channel reads cannot take deadlines, so
// a pump goroutine feeds chunks to Read, which applies the timeout.
type sshStream struct {
	conn    net.Conn
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	chunks  chan []byte
	errc    chan error
	pending []byte
	closed  *closeOnce
}

func (s *sshStream) pump(stdout io.Reader) {
	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- cloneBytes(buf[:n]):
			case <-s.closed.Done():
				return
			}
		}
		if err != nil {
			s.errc <- err
			return
		}
	}
}

func (s *sshStream) Read(buf []byte, timeout time.Duration) (int, error) {
	if len(s.pending) > 0 {
		n := copy(buf, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk := <-s.chunks:
		n := copy(buf, chunk)
		s.pending = chunk[n:]
		return n, nil
	case err := <-s.errc:
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("shell closed: %w", err)
		}
		return 0, err
	case <-s.closed.Done():
		return 0, net.ErrClosed
	case <-timer.C:
		return 0, nil
	}
}

func (s *sshStream) Write(p []byte, timeout time.Duration) error {
	if s.closed.IsClosed() {
		return net.ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	// A channel write blocks on the peer's window, which the socket deadline
	// does not cover.
	res := make(chan error, 1)
	go func() {
		_, err := s.stdin.Write(p)
		res <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-res:
		return err
	case <-s.closed.Done():
		return net.ErrClosed
	case <-timer.C:
		return errors.New("ssh write timed out")
	}
}

// Probe sends an OpenSSH keepalive request. Any reply, even a refusal, proves
// the session is alive.
func (s *sshStream) Probe(ctx context.Context) error {
	res := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		res <- err
	}()

	timer := time.NewTimer(sshKeepaliveTimeout)
	defer timer.Stop()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return errors.New("ssh keepalive timed out")
	}
}

func (s *sshStream) Close() error {
	s.closed.Close()
	_ = s.session.Close()
	return s.client.Close()
}
