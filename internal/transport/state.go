package transport

import (
	"fmt"
	"strings"
	"sync"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateError
	StateIdle
)

var stateNames = [...]string{
	StateUnknown:       "unknown",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateDisconnected:  "disconnected",
	StateError:         "error",
	StateIdle:          "idle",
}

// String returns the lowercase name of the state.
func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler so states render as names in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, accepting the names
// MarshalText produces.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	parsed, err := ParseConnectionState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseConnectionState converts a state name back to a ConnectionState.
func ParseConnectionState(name string) (ConnectionState, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return ConnectionState(i), nil
		}
	}
	return StateUnknown, fmt.Errorf("%w: unknown state %q", ErrInvalidConfig, name)
}

// stateMachine holds the current state and publishes changes.
// A transition is published only when the new value differs from the current one.
type stateMachine struct {
	mu      sync.Mutex
	current ConnectionState
	publish func(ConnectionState)
}

// set moves to next and reports whether the state changed.
// The publish callback runs under the lock so subscribers observe
// transitions in the order they happened.
func (m *stateMachine) set(next ConnectionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == next {
		return false
	}
	m.current = next
	if m.publish != nil {
		m.publish(next)
	}
	return true
}

func (m *stateMachine) get() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
