package device

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/av-coders/avlink/internal/infrastructure/config"
	"github.com/av-coders/avlink/internal/transport"
)

func fast(o *transport.Options) {
	o.CheckInterval = 10 * time.Millisecond
	o.DrainInterval = 10 * time.Millisecond
	o.ReceiveInterval = 5 * time.Millisecond
	o.ReadTimeout = 20 * time.Millisecond
	o.ConnectTimeout = 500 * time.Millisecond
	o.Backoff = &transport.Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Floor: 5 * time.Millisecond}
}

// lineDevice accepts TCP connections and records every received chunk.
type lineDevice struct {
	ln net.Listener

	mu   sync.Mutex
	data []byte
}

func newLineDevice(t *testing.T) *lineDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	d := &lineDevice{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				r := bufio.NewReader(c)
				buf := make([]byte, 256)
				for {
					n, err := r.Read(buf)
					d.mu.Lock()
					d.data = append(d.data, buf[:n]...)
					d.mu.Unlock()
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *lineDevice) port() int { return d.ln.Addr().(*net.TCPAddr).Port }

func (d *lineDevice) received() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func tcpEntry(id string, port int) config.DeviceConfig {
	return config.DeviceConfig{
		ID:            id,
		Transport:     config.TransportTCP,
		Host:          "127.0.0.1",
		Port:          port,
		CommandFormat: "ascii",
		Encoding:      "utf-8",
		QueueTimeout:  5,
		QueueCapacity: 100,
		QueueOverflow: "drop-oldest",
	}
}

func TestRegistryLoadStartSend(t *testing.T) {
	dev := newLineDevice(t)
	off := false

	manual := tcpEntry("spare", dev.port())
	manual.AutoConnect = &off

	reg := NewRegistry(nil)
	if err := reg.Load([]config.DeviceConfig{tcpEntry("projector-1", dev.port()), manual}, fast); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer reg.Close()

	if got := reg.Start(); got != 1 {
		t.Errorf("Start() = %d, want 1 (auto_connect: false skipped)", got)
	}

	d, err := reg.Get("projector-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	waitFor(t, "connected", func() bool { return d.Conn.State() == transport.StateConnected })

	if err := d.Send(Command{Text: "%1POWR 1\r"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Send(Command{Hex: "0x41 0x42"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Send(Command{Raw: []byte("!")}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "device receives all commands", func() bool { return dev.received() == "%1POWR 1\rAB!" })

	spare, _ := reg.Get("spare")
	if spare.Conn.State() == transport.StateConnected {
		t.Error("auto_connect: false device was connected")
	}

	waitFor(t, "sent counter", func() bool { return d.Conn.Stats().MessagesSent == 3 })
	info := d.Info()
	if info.Endpoint != "tcp://127.0.0.1:"+strconv.Itoa(dev.port()) || info.Transport != "tcp" {
		t.Errorf("Info() = %+v", info)
	}
	if info.State != transport.StateConnected {
		t.Errorf("Info().State = %v", info.State)
	}

	sum := reg.Summary()
	if sum.Total != 2 || sum.ByTransport["tcp"] != 2 || sum.ByState["connected"] != 1 {
		t.Errorf("Summary() = %+v", sum)
	}
}

func TestRegistryOrderAndLookup(t *testing.T) {
	reg := NewRegistry(nil)
	ids := []string{"c", "a", "b"}
	var entries []config.DeviceConfig
	for _, id := range ids {
		entries = append(entries, tcpEntry(id, 9))
	}
	if err := reg.Load(entries); err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	for i, d := range reg.List() {
		if d.ID != ids[i] {
			t.Errorf("List()[%d] = %s, want %s", i, d.ID, ids[i])
		}
	}
	if _, err := reg.Get("missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrDeviceNotFound", err)
	}
	d, _ := reg.Get("a")
	if err := reg.Add(d); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("Add(duplicate) error = %v, want ErrDeviceExists", err)
	}
}

func TestRegistryLoadFailureRegistersNothing(t *testing.T) {
	bad := tcpEntry("broken", 23)
	bad.Encoding = "klingon"

	reg := NewRegistry(nil)
	err := reg.Load([]config.DeviceConfig{tcpEntry("ok", 23), bad})
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("Load() error = %v, want ErrInvalidDevice", err)
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d after failed load, want 0", reg.Count())
	}
}

func TestRegistryCloseIsFinal(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Load([]config.DeviceConfig{tcpEntry("tv", 9)}, fast); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	d, _ := reg.Get("tv")
	d.Conn.Connect()
	if d.Conn.State() == transport.StateConnecting || d.Conn.State() == transport.StateConnected {
		t.Error("closed connection restarted")
	}
	if err := reg.Add(&Device{ID: "late"}); err == nil {
		t.Error("Add() after Close succeeded")
	}
}

func TestNewBuildsEveryTransport(t *testing.T) {
	base := func(id, kind string) config.DeviceConfig {
		e := tcpEntry(id, 5000)
		e.Transport = kind
		return e
	}

	udp := base("udp", config.TransportUDP)

	v6 := base("v6", config.TransportTCP)
	v6.Host = "::1"

	mc := base("mc", config.TransportMulticast)
	mc.Multicast.Group = "239.255.10.1"

	ssh := base("ssh", config.TransportSSH)
	ssh.Port = 22
	ssh.SSH = config.SSHDeviceConfig{Username: "admin", Password: "x"}

	ser := base("ser", config.TransportSerial)
	ser.Serial = config.SerialDeviceConfig{Device: "/dev/ttyUSB0", BaudRate: 19200}

	rest := base("rest", config.TransportREST)
	rest.REST = config.RESTDeviceConfig{BaseURL: "http://10.0.0.5/api", Timeout: 3}

	tests := []struct {
		entry    config.DeviceConfig
		endpoint string
	}{
		{udp, "udp://127.0.0.1:5000"},
		{v6, "tcp://[::1]:5000"},
		{mc, "udp://239.255.10.1:5000"},
		{ssh, "ssh://admin@127.0.0.1:22"},
		{ser, "serial:///dev/ttyUSB0"},
		{rest, "http://10.0.0.5/api/"},
	}
	for _, tt := range tests {
		t.Run(tt.entry.ID, func(t *testing.T) {
			d, err := New(tt.entry, nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer d.Conn.Close()
			if d.Endpoint() != tt.endpoint {
				t.Errorf("Endpoint() = %q, want %q", d.Endpoint(), tt.endpoint)
			}
			if d.Conn.Stats().Kind != tt.entry.Transport {
				t.Errorf("Kind = %q, want %q", d.Conn.Stats().Kind, tt.entry.Transport)
			}
		})
	}

	if _, err := New(base("ir", "infrared"), nil); !errors.Is(err, transport.ErrUnsupported) {
		t.Errorf("New(unknown transport) error = %v, want ErrUnsupported", err)
	}
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		ok   bool
	}{
		{"text", Command{Text: "PWR ON"}, true},
		{"hex", Command{Hex: "0A 0B"}, true},
		{"raw", Command{Raw: []byte{1}}, true},
		{"route only", Command{Method: "GET", Path: "status"}, true},
		{"empty", Command{}, false},
		{"two payloads", Command{Text: "a", Hex: "0A"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.ok != (err == nil) {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidCommand) {
				t.Errorf("error %v is not ErrInvalidCommand", err)
			}
		})
	}
}

func TestSendRejectsBadInput(t *testing.T) {
	d, err := New(tcpEntry("tv", 9), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Conn.Close()

	if err := d.Send(Command{Hex: "GG"}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("bad hex error = %v", err)
	}
	if err := d.Send(Command{Text: "x", Path: "/status"}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("route on tcp error = %v", err)
	}
}

func TestSendRoutesRESTRequests(t *testing.T) {
	type seen struct{ method, path, body string }
	got := make(chan seen, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.Path, string(b)}
	}))
	defer srv.Close()

	entry := tcpEntry("amp", 0)
	entry.Transport = config.TransportREST
	entry.REST.BaseURL = srv.URL + "/api"

	d, err := New(entry, nil, fast)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Conn.Close()
	d.Conn.Connect()
	waitFor(t, "rest reachable", func() bool { return d.Conn.State() == transport.StateConnected })

	if err := d.Send(Command{Method: "put", Path: "zones/1", Text: `{"mute":true}`}); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-got:
		if s.method != http.MethodPut || s.path != "/api/zones/1" || s.body != `{"mute":true}` {
			t.Errorf("request = %+v", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no request reached the device")
	}
}
