package device

import (
	"fmt"
	"net"
	"strconv"

	"github.com/av-coders/avlink/internal/infrastructure/config"
	"github.com/av-coders/avlink/internal/transport"
)

// Tune adjusts transport options after they are derived from config.
type Tune func(*transport.Options)

// New builds a Device and its transport from a config entry. The connection
// is created idle; Registry.Start (or Conn.Connect) starts it.
func New(cfg config.DeviceConfig, logger Logger, tune ...Tune) (*Device, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	opts, err := transportOptions(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDevice, cfg.ID, err)
	}
	for _, fn := range tune {
		fn(&opts)
	}

	conn, endpoint, err := newConnection(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDevice, cfg.ID, err)
	}

	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	return &Device{
		ID:          cfg.ID,
		Name:        name,
		Transport:   cfg.Transport,
		Conn:        conn,
		endpoint:    endpoint,
		autoConnect: cfg.ShouldAutoConnect(),
		codec:       opts.Codec,
	}, nil
}

func transportOptions(cfg config.DeviceConfig, logger Logger) (transport.Options, error) {
	format, err := transport.ParseCommandFormat(cfg.CommandFormat)
	if err != nil {
		return transport.Options{}, err
	}
	codec, err := transport.NewCodec(format, cfg.Encoding)
	if err != nil {
		return transport.Options{}, err
	}
	overflow, err := transport.ParseOverflowPolicy(cfg.QueueOverflow)
	if err != nil {
		return transport.Options{}, err
	}

	opts := transport.Options{
		Name:          cfg.ID,
		QueueTimeout:  cfg.GetQueueTimeout(),
		QueueCapacity: cfg.QueueCapacity,
		QueueOverflow: overflow,
		Codec:         codec,
		Logger:        logger,
	}
	if cfg.Transport == config.TransportREST && cfg.REST.Timeout > 0 {
		opts.WriteTimeout = secondsToDuration(cfg.REST.Timeout)
	}
	return opts, nil
}

func newConnection(cfg config.DeviceConfig, opts transport.Options) (transport.Connection, string, error) {
	hostPort := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	switch cfg.Transport {
	case config.TransportTCP:
		c, err := transport.NewTCP(cfg.Host, cfg.Port, opts)
		if err != nil {
			return nil, "", err
		}
		return c, "tcp://" + hostPort, nil

	case config.TransportUDP:
		c, err := transport.NewUDP(cfg.Host, cfg.Port, cfg.LocalPort, opts)
		if err != nil {
			return nil, "", err
		}
		return c, "udp://" + hostPort, nil

	case config.TransportMulticast:
		c, err := transport.NewMulticast(transport.MulticastConfig{
			Group:     cfg.Multicast.Group,
			Port:      cfg.Port,
			Interface: cfg.Multicast.Interface,
			TTL:       cfg.Multicast.TTL,
			Loopback:  cfg.Multicast.Loopback,
		}, opts)
		if err != nil {
			return nil, "", err
		}
		return c, "udp://" + c.Group().String(), nil

	case config.TransportSSH:
		c, err := transport.NewSSH(cfg.Host, cfg.Port, transport.SSHConfig{
			Username:       cfg.SSH.Username,
			Password:       cfg.SSH.Password,
			PrivateKeyFile: cfg.SSH.PrivateKeyFile,
			KnownHostsFile: cfg.SSH.KnownHostsFile,
			Terminal:       cfg.SSH.Terminal,
		}, opts)
		if err != nil {
			return nil, "", err
		}
		return c, "ssh://" + cfg.SSH.Username + "@" + hostPort, nil

	case config.TransportSerial:
		c, err := transport.NewSerial(transport.SerialConfig{
			Device:   cfg.Serial.Device,
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			Parity:   cfg.Serial.Parity,
			StopBits: cfg.Serial.StopBits,
		}, opts)
		if err != nil {
			return nil, "", err
		}
		return c, "serial://" + cfg.Serial.Device, nil

	case config.TransportREST:
		c, err := transport.NewREST(transport.RESTConfig{
			BaseURL:     cfg.REST.BaseURL,
			Method:      cfg.REST.Method,
			ContentType: cfg.REST.ContentType,
			Headers:     cfg.REST.Headers,
		}, opts)
		if err != nil {
			return nil, "", err
		}
		return c, c.BaseURL(), nil
	}

	return nil, "", fmt.Errorf("%w: unknown transport %q", transport.ErrUnsupported, cfg.Transport)
}
