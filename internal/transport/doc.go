// Package transport implements resilient connections to AV hardware.
//
// Displays, cameras, DSPs, matrix switchers, PDUs and lighting controllers all
// speak small proprietary protocols over TCP, UDP, SSH, serial or HTTP. The
// protocols themselves are thin; the hard part is keeping a long-lived link
// alive against flaky networks and sleepy embedded devices. This package owns
// that part and nothing else: it never interprets payloads.
//
// # Architecture
//
// Every transport satisfies the Connection contract and runs three
// PeriodicTask loops:
//
//	┌────────────┐  Send   ┌────────────┐  write  ┌──────────┐
//	│   Device   │────────►│ send queue │────────►│  remote  │
//	│   driver   │◄────────│  + loops   │◄────────│  device  │
//	└────────────┘ events  └────────────┘  read   └──────────┘
//
//   - receive:          reads the stream and publishes bytes/string received
//   - connection-check: dials with backoff while down, probes health while up
//   - send-drain:       flushes queued payloads, dropping stale ones
//
// # State machine
//
//	Unknown → Connecting → Connected → Error → Disconnecting → Disconnected
//	                ▲                                              │
//	                └──────────── connection-check tick ───────────┘
//
// State changes are published only when the value changes. Explicit
// Disconnect/Reconnect always pass through Disconnecting.
//
// # Handle ownership
//
// The socket/stream handle is swapped, never mutated, under a single mutex.
// Loops copy the handle under the lock and perform I/O on the copy, so no I/O
// ever runs while the lock is held.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Event handlers run on a
// per-connection dispatcher goroutine, never on the I/O loops, so a handler
// may call any Connection method (including Disconnect) without deadlocking.
package transport
