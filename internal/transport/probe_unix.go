//go:build unix

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// probeHalfOpen checks a stream socket for a silently closed peer without
// blocking and without consuming data.
//
// A MSG_PEEK|MSG_DONTWAIT read that returns zero bytes with no error means the
// socket is readable only because the peer sent FIN. EAGAIN means nothing is
// pending, which is the healthy idle case.
//
// Returns:
//   - error: io.EOF if the peer has closed, the socket error if it failed,
//     nil if the connection looks alive
func probeHalfOpen(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var (
		n       int
		peekErr error
		buf     [1]byte
	)
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		// Never park in the poller; this is a one-shot check.
		return true
	})
	if ctrlErr != nil {
		return ctrlErr
	}

	switch {
	case peekErr == nil && n == 0:
		return io.EOF
	case peekErr == nil:
		return nil
	case errors.Is(peekErr, unix.EAGAIN), errors.Is(peekErr, unix.EWOULDBLOCK), errors.Is(peekErr, unix.EINTR):
		return nil
	default:
		return peekErr
	}
}
