package transport

import (
	"fmt"
	"time"
)

// Connection is the contract shared by every transport.
//
// All methods are safe for concurrent use. None of them block on the network:
// Connect and Reconnect hand the work to the connection-check loop, and Send
// queues when the link is down. Failures surface only as state changes and
// log lines.
type Connection interface {
	// Connect starts the background loops. The link moves to Connecting on
	// the first check tick and keeps retrying with backoff until Connected.
	Connect()

	// Disconnect stops the loops and tears the handle down, passing through
	// Disconnecting before Disconnected.
	Disconnect()

	// Reconnect tears the handle down and starts a fresh connect cycle.
	Reconnect()

	// Send writes data, or queues it if the link is not ready.
	Send(data []byte)

	// SendString encodes cmd with the configured command format and sends it.
	SendString(cmd string)

	// State returns the current connection state.
	State() ConnectionState

	OnBytesReceived(fn func([]byte)) Subscription
	OnStringReceived(fn func(string)) Subscription
	OnStateChanged(fn func(ConnectionState)) Subscription
	OnBytesSent(fn func([]byte)) Subscription
	OnStringSent(fn func(string)) Subscription

	// Stats returns a snapshot of the connection counters.
	Stats() Stats

	// Close disconnects and releases the connection permanently.
	Close() error
}

// SendResult is the outcome of one direct write attempt.
type SendResult int

const (
	// SendOK means the payload was written.
	SendOK SendResult = iota

	// SendWouldBlock means earlier payloads are still pending, so the new one
	// must go behind them in the queue.
	SendWouldBlock

	// SendNotConnected means there is no live handle.
	SendNotConnected

	// SendFailed means the write failed and the handle is being torn down.
	SendFailed
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendWouldBlock:
		return "would_block"
	case SendNotConnected:
		return "not_connected"
	case SendFailed:
		return "failed"
	default:
		return fmt.Sprintf("send_result(%d)", int(r))
	}
}

// Stats is a point-in-time snapshot of a connection.
type Stats struct {
	Name  string          `json:"name"`
	Kind  string          `json:"kind"`
	State ConnectionState `json:"state"`

	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`

	Queued          int    `json:"queued"`
	DroppedStale    uint64 `json:"dropped_stale"`
	DroppedOverflow uint64 `json:"dropped_overflow"`
	DroppedEvents   uint64 `json:"dropped_events"`

	ConnectAttempts uint64 `json:"connect_attempts"`
	Connects        uint64 `json:"connects"`
	Errors          uint64 `json:"errors"`

	LastActivity time.Time     `json:"last_activity,omitempty"`
	BackoffDelay time.Duration `json:"backoff_delay_ns"`
}

// Loop timing defaults.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultReadTimeout     = 500 * time.Millisecond
	DefaultCheckInterval   = 1 * time.Second
	DefaultHealthInterval  = 15 * time.Second
	DefaultDrainInterval   = 2 * time.Second
	DefaultReceiveInterval = 10 * time.Millisecond
	DefaultReadBufferSize  = 4096
)

// Options configures the behaviour shared by all transports.
// Zero values select the defaults.
type Options struct {
	// Name identifies the connection in log lines and task names.
	Name string

	// QueueTimeout is how long a queued payload stays eligible for sending.
	QueueTimeout time.Duration

	// QueueCapacity bounds the send queue.
	QueueCapacity int

	// QueueOverflow decides what a full queue does with new payloads.
	QueueOverflow OverflowPolicy

	// Codec converts command strings; nil uses ascii/UTF-8.
	Codec *Codec

	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	CheckInterval   time.Duration
	HealthInterval  time.Duration
	DrainInterval   time.Duration
	ReceiveInterval time.Duration
	ReadBufferSize  int

	// EventQueueSize bounds undelivered notifications.
	EventQueueSize int

	// Backoff overrides the reconnect policy. nil uses NewBackoff().
	Backoff *Backoff

	Logger Logger
}

func (o Options) withDefaults(fallbackName string) Options {
	if o.Name == "" {
		o.Name = fallbackName
	}
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = DefaultQueueTimeout
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.Codec == nil {
		o.Codec = DefaultCodec()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = DefaultDrainInterval
	}
	if o.ReceiveInterval <= 0 {
		o.ReceiveInterval = DefaultReceiveInterval
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = defaultEventQueueSize
	}
	if o.Backoff == nil {
		o.Backoff = NewBackoff()
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

var (
	_ Connection = (*TCP)(nil)
	_ Connection = (*UDP)(nil)
	_ Connection = (*Multicast)(nil)
	_ Connection = (*SSH)(nil)
	_ Connection = (*Serial)(nil)
	_ Connection = (*REST)(nil)
)
