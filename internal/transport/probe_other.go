//go:build !unix

package transport

import "net"

// probeHalfOpen is unavailable on this platform. Dead peers surface through
// read and write errors instead.
func probeHalfOpen(net.Conn) error {
	return nil
}
