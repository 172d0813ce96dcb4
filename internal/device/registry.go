package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/av-coders/avlink/internal/infrastructure/config"
)

// Logger defines the logging interface used by the registry and passed down
// to every transport it builds.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry owns every configured device and its connection lifecycle.
//
// Devices are kept in configuration order. All public methods are
// thread-safe.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	order   []string
	logger  Logger
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{
		devices: make(map[string]*Device),
		logger:  logger,
	}
}

// Load builds a device for every config entry. If any entry fails, the
// devices already built by this call are closed and nothing is registered.
func (r *Registry) Load(entries []config.DeviceConfig, tune ...Tune) error {
	built := make([]*Device, 0, len(entries))
	abort := func(err error) error {
		for _, d := range built {
			d.Conn.Close()
		}
		return err
	}

	for _, entry := range entries {
		d, err := New(entry, r.logger, tune...)
		if err != nil {
			return abort(err)
		}
		built = append(built, d)
	}

	for i, d := range built {
		if err := r.Add(d); err != nil {
			// Close the unregistered remainder; registered ones stay owned.
			for _, rest := range built[i:] {
				rest.Conn.Close()
			}
			return err
		}
	}

	r.logger.Info("devices loaded", "count", len(built))
	return nil
}

// Add registers a device built elsewhere.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("%w: registry closed", ErrInvalidDevice)
	}
	if _, ok := r.devices[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
	}
	r.devices[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Get returns the device with the given ID.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// List returns all devices in configuration order.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Start connects every device marked for auto-connect and returns how many
// were started. Connections come up in the background.
func (r *Registry) Start() int {
	started := 0
	for _, d := range r.List() {
		if !d.autoConnect {
			continue
		}
		d.Conn.Connect()
		started++
	}
	r.logger.Info("devices started", "started", started, "total", r.Count())
	return started
}

// Close permanently shuts down every connection. Later calls are no-ops.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	devices := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		devices = append(devices, r.devices[id])
	}
	r.mu.Unlock()

	var errs []error
	for _, d := range devices {
		if err := d.Conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", d.ID, err))
		}
	}
	r.logger.Info("devices closed", "count", len(devices))
	return errors.Join(errs...)
}

// Summary counts devices by state and by transport kind.
type Summary struct {
	Total       int            `json:"total"`
	ByState     map[string]int `json:"by_state"`
	ByTransport map[string]int `json:"by_transport"`
}

// Summary returns current registry statistics.
func (r *Registry) Summary() Summary {
	devices := r.List()
	s := Summary{
		Total:       len(devices),
		ByState:     make(map[string]int),
		ByTransport: make(map[string]int),
	}
	for _, d := range devices {
		s.ByState[d.Conn.State().String()]++
		s.ByTransport[d.Transport]++
	}
	return s
}
