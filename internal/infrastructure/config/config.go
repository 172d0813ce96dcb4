package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in a device entry.
const (
	TransportTCP       = "tcp"
	TransportUDP       = "udp"
	TransportMulticast = "multicast"
	TransportSSH       = "ssh"
	TransportSerial    = "serial"
	TransportREST      = "rest"
)

// Config is the root configuration structure for avlinkd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Logging   LoggingConfig   `yaml:"logging"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Security  SecurityConfig  `yaml:"security"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// PublishTx echoes every payload sent to a device on avlink/tx/{id}.
	PublishTx bool `yaml:"publish_tx"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// TokenTTL is the lifetime of minted API tokens, in minutes.
	TokenTTL int `yaml:"token_ttl"`
}

// TelemetryConfig controls the periodic transport stats sampler.
type TelemetryConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"`
}

// DeviceConfig describes one piece of AV hardware and how to reach it.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`

	// LocalPort binds UDP transports to a fixed source port. 0 picks any.
	LocalPort int `yaml:"local_port"`

	CommandFormat string `yaml:"command_format"`
	Encoding      string `yaml:"encoding"`

	// QueueTimeout is how long an undelivered command stays valid, in seconds.
	QueueTimeout  int    `yaml:"queue_timeout"`
	QueueCapacity int    `yaml:"queue_capacity"`
	QueueOverflow string `yaml:"queue_overflow"`

	// AutoConnect starts the connection when the daemon starts. Default true.
	AutoConnect *bool `yaml:"auto_connect"`

	SSH       SSHDeviceConfig       `yaml:"ssh"`
	Serial    SerialDeviceConfig    `yaml:"serial"`
	REST      RESTDeviceConfig      `yaml:"rest"`
	Multicast MulticastDeviceConfig `yaml:"multicast"`
}

// SSHDeviceConfig contains SSH credentials for a device shell.
type SSHDeviceConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyFile string `yaml:"private_key_file"`
	KnownHostsFile string `yaml:"known_hosts_file"`
	Terminal       string `yaml:"terminal"`
}

// SerialDeviceConfig contains serial line settings.
type SerialDeviceConfig struct {
	Device   string  `yaml:"device"`
	BaudRate int     `yaml:"baud_rate"`
	DataBits int     `yaml:"data_bits"`
	Parity   string  `yaml:"parity"`
	StopBits float64 `yaml:"stop_bits"`
}

// RESTDeviceConfig contains settings for devices driven over HTTP.
type RESTDeviceConfig struct {
	BaseURL     string            `yaml:"base_url"`
	Method      string            `yaml:"method"`
	ContentType string            `yaml:"content_type"`
	Headers     map[string]string `yaml:"headers"`
	// Timeout bounds each request, in seconds.
	Timeout int `yaml:"timeout"`
}

// MulticastDeviceConfig contains multicast group settings. The group port is
// taken from the device's port.
type MulticastDeviceConfig struct {
	Group     string `yaml:"group"`
	Interface string `yaml:"interface"`
	TTL       int    `yaml:"ttl"`
	Loopback  bool   `yaml:"loopback"`
}

// ShouldAutoConnect reports whether the device connects at startup.
func (d DeviceConfig) ShouldAutoConnect() bool {
	return d.AutoConnect == nil || *d.AutoConnect
}

// GetQueueTimeout returns the queue timeout as a Duration.
func (d DeviceConfig) GetQueueTimeout() time.Duration {
	return time.Duration(d.QueueTimeout) * time.Second
}

// ResolvePath returns the configuration file path to load.
//
// The explicit flag value wins, then AVLINK_CONFIG, then configs/config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("AVLINK_CONFIG"); v != "" {
		return v
	}
	return "configs/config.yaml"
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AVLINK_SECTION_KEY
// For example: AVLINK_MQTT_HOST, AVLINK_JWT_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDeviceDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "avlink",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "avlinkd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{TokenTTL: 60},
		},
		Telemetry: TelemetryConfig{
			Interval: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AVLINK_SITE_ID"); v != "" {
		cfg.Site.ID = v
	}
	if v := os.Getenv("AVLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// MQTT
	if v := os.Getenv("AVLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AVLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AVLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("AVLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("AVLINK_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("AVLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("AVLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

func applyDeviceDefaults(cfg *Config) {
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		d.Transport = strings.ToLower(strings.TrimSpace(d.Transport))
		if d.Name == "" {
			d.Name = d.ID
		}
		if d.CommandFormat == "" {
			d.CommandFormat = "ascii"
		}
		if d.Encoding == "" {
			d.Encoding = "utf-8"
		}
		if d.QueueTimeout == 0 {
			d.QueueTimeout = 5
		}
		if d.QueueCapacity == 0 {
			d.QueueCapacity = 1000
		}
		if d.QueueOverflow == "" {
			d.QueueOverflow = "drop-oldest"
		}
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Interval < 1 {
		errs = append(errs, "telemetry.interval must be at least 1 second")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// The API can send commands to physical equipment.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set AVLINK_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.ID != "" {
			prefix = fmt.Sprintf("devices[%s]", d.ID)
			if seen[d.ID] {
				errs = append(errs, prefix+": duplicate id")
			}
			seen[d.ID] = true
		}
		for _, e := range d.validate() {
			errs = append(errs, prefix+": "+e)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (d DeviceConfig) validate() []string {
	var errs []string

	if d.ID == "" {
		errs = append(errs, "id is required")
	} else if strings.ContainsAny(d.ID, "/#+ ") {
		errs = append(errs, "id must not contain '/', '#', '+' or spaces")
	}

	needsHost := false
	switch d.Transport {
	case TransportTCP, TransportUDP, TransportSSH:
		needsHost = true
	case TransportMulticast:
		if d.Multicast.Group == "" {
			errs = append(errs, "multicast.group is required")
		}
		if d.Port < 1 || d.Port > 65535 {
			errs = append(errs, "port must be between 1 and 65535")
		}
	case TransportSerial:
		if d.Serial.Device == "" {
			errs = append(errs, "serial.device is required")
		}
	case TransportREST:
		if u, err := url.Parse(d.REST.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "rest.base_url must be an absolute URL")
		}
	case "":
		errs = append(errs, "transport is required")
	default:
		errs = append(errs, fmt.Sprintf("unknown transport %q", d.Transport))
	}

	if needsHost {
		if d.Host == "" {
			errs = append(errs, "host is required")
		}
		if d.Port < 1 || d.Port > 65535 {
			errs = append(errs, "port must be between 1 and 65535")
		}
	}
	if d.Transport == TransportSSH && d.SSH.Username == "" {
		errs = append(errs, "ssh.username is required")
	}

	switch d.CommandFormat {
	case "ascii", "hex":
	default:
		errs = append(errs, fmt.Sprintf("command_format %q must be ascii or hex", d.CommandFormat))
	}
	switch d.QueueOverflow {
	case "drop-oldest", "reject-new":
	default:
		errs = append(errs, fmt.Sprintf("queue_overflow %q must be drop-oldest or reject-new", d.QueueOverflow))
	}
	if d.QueueTimeout < 0 {
		errs = append(errs, "queue_timeout must not be negative")
	}
	if d.QueueCapacity < 0 {
		errs = append(errs, "queue_capacity must not be negative")
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetTokenTTL returns the API token lifetime as a Duration.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.TokenTTL) * time.Minute
}

// GetTelemetryInterval returns the stats sampling interval as a Duration.
func (c *Config) GetTelemetryInterval() time.Duration {
	return time.Duration(c.Telemetry.Interval) * time.Second
}
