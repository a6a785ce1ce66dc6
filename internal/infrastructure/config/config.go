package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Floors for the Wemo timing settings. Values below these are raised to the
// floor rather than rejected, because the host hands us whatever the user typed.
const (
	MinDiscoveryInterval = 15
	MinPollingInterval   = 15
	MinUPnPInterval      = 60
)

// Config is the root configuration structure for the Gray Logic Wemo bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Wemo     WemoConfig     `yaml:"wemo"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// WemoConfig contains the device connectivity settings.
type WemoConfig struct {
	// DiscoveryInterval is the time between discovery passes (seconds).
	// Default: 30, floor: 15.
	DiscoveryInterval int `yaml:"discovery_interval"`

	// DiscoveryWindow is how long a pass waits for SSDP responses (seconds).
	// Default: 3.
	DiscoveryWindow int `yaml:"discovery_window"`

	// PollingInterval is the time between HTTP polls for devices that are not
	// receiving push events (seconds). Default: 30, floor: 15.
	PollingInterval int `yaml:"polling_interval"`

	// UPnPInterval is the subscription renewal interval (seconds). The
	// requested subscription timeout is this value plus 10 seconds.
	// Default: 140, floor: 60.
	UPnPInterval int `yaml:"upnp_interval"`

	// DisableUPnP switches every device without an explicit override to
	// HTTP polling.
	DisableUPnP bool `yaml:"disable_upnp"`

	// CommandSpacingMS is the minimum gap between two requests to one device.
	// Default: 250.
	CommandSpacingMS int `yaml:"command_spacing_ms"`

	// QueueTimeout is the per-request deadline once a request leaves the
	// queue (seconds). Default: 9.
	QueueTimeout int `yaml:"queue_timeout"`

	// RequestTimeout is the HTTP transport timeout (seconds). Default: 10.
	RequestTimeout int `yaml:"request_timeout"`

	// MulticastInterface optionally names the interface used for SSDP.
	MulticastInterface string `yaml:"multicast_interface"`

	// Listener is where devices deliver NOTIFY callbacks.
	Listener ListenerConfig `yaml:"listener"`

	// ManualDevices lists addresses ("host" or "host:port") probed on every
	// discovery pass in addition to SSDP.
	ManualDevices []string `yaml:"manual_devices"`

	// Devices holds per-device overrides keyed by UDN or serial number.
	Devices []DeviceOverride `yaml:"devices"`
}

// ListenerConfig contains the notification listener bind settings.
type ListenerConfig struct {
	// Host is the interface address to bind. Empty binds all interfaces.
	Host string `yaml:"host"`

	// Port is the TCP port. 0 lets the OS choose.
	Port int `yaml:"port"`

	// AdvertiseHost overrides the address put into subscription callback
	// URLs. Empty means "detect per device".
	AdvertiseHost string `yaml:"advertise_host"`
}

// DeviceOverride contains per-device settings.
type DeviceOverride struct {
	// ID is the device UDN or serial number.
	ID string `yaml:"id"`

	// Transport is "upnp" or "http". Empty uses the global default.
	Transport string `yaml:"transport"`

	// Ignore excludes the device from connection entirely.
	Ignore bool `yaml:"ignore"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file next to the working directory, if present
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_WEMO_LISTENER_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// .env is optional; a missing file is not an error
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyFloors()

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
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-wemo.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-wemo",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Wemo: WemoConfig{
			DiscoveryInterval: 30,
			DiscoveryWindow:   3,
			PollingInterval:   30,
			UPnPInterval:      140,
			CommandSpacingMS:  250,
			QueueTimeout:      9,
			RequestTimeout:    10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYLOGIC_WEMO_LISTENER_HOST"); v != "" {
		cfg.Wemo.Listener.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_WEMO_LISTENER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Wemo.Listener.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_WEMO_DISABLE_UPNP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Wemo.DisableUPnP = b
		}
	}
	if v := os.Getenv("GRAYLOGIC_WEMO_MANUAL_DEVICES"); v != "" {
		cfg.Wemo.ManualDevices = splitList(v)
	}
}

// splitList splits a comma-separated environment value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyFloors raises interval settings to their minimums and fills zero
// values with defaults.
func (c *Config) applyFloors() {
	w := &c.Wemo
	if w.DiscoveryInterval < MinDiscoveryInterval {
		w.DiscoveryInterval = MinDiscoveryInterval
	}
	if w.PollingInterval < MinPollingInterval {
		w.PollingInterval = MinPollingInterval
	}
	if w.UPnPInterval < MinUPnPInterval {
		w.UPnPInterval = MinUPnPInterval
	}
	if w.DiscoveryWindow <= 0 {
		w.DiscoveryWindow = 3
	}
	if w.CommandSpacingMS < 0 {
		w.CommandSpacingMS = 0
	}
	if w.QueueTimeout <= 0 {
		w.QueueTimeout = 9
	}
	if w.RequestTimeout <= 0 {
		w.RequestTimeout = 10
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Wemo.Listener.Port < 0 || c.Wemo.Listener.Port > 65535 {
		errs = append(errs, "wemo.listener.port must be between 0 and 65535")
	}

	if c.Wemo.QueueTimeout > c.Wemo.RequestTimeout {
		errs = append(errs, "wemo.queue_timeout must not exceed wemo.request_timeout")
	}

	seen := make(map[string]bool, len(c.Wemo.Devices))
	for i, d := range c.Wemo.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("wemo.devices[%d].id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("wemo.devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
		switch d.Transport {
		case "", "upnp", "http":
		default:
			errs = append(errs, fmt.Sprintf("wemo.devices[%d].transport must be \"upnp\" or \"http\"", i))
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Override returns the per-device override matching a UDN or serial number.
func (w WemoConfig) Override(udn, serial string) (DeviceOverride, bool) {
	for _, d := range w.Devices {
		if d.ID == udn || (serial != "" && d.ID == serial) {
			return d, true
		}
	}
	return DeviceOverride{}, false
}

// GetDiscoveryInterval returns the discovery interval as a Duration.
func (w WemoConfig) GetDiscoveryInterval() time.Duration {
	return time.Duration(w.DiscoveryInterval) * time.Second
}

// GetDiscoveryWindow returns the SSDP response window as a Duration.
func (w WemoConfig) GetDiscoveryWindow() time.Duration {
	return time.Duration(w.DiscoveryWindow) * time.Second
}

// GetPollingInterval returns the polling interval as a Duration.
func (w WemoConfig) GetPollingInterval() time.Duration {
	return time.Duration(w.PollingInterval) * time.Second
}

// GetUPnPInterval returns the subscription renewal interval as a Duration.
func (w WemoConfig) GetUPnPInterval() time.Duration {
	return time.Duration(w.UPnPInterval) * time.Second
}

// GetCommandSpacing returns the minimum gap between requests to one device.
func (w WemoConfig) GetCommandSpacing() time.Duration {
	return time.Duration(w.CommandSpacingMS) * time.Millisecond
}

// GetQueueTimeout returns the queue-level request deadline.
func (w WemoConfig) GetQueueTimeout() time.Duration {
	return time.Duration(w.QueueTimeout) * time.Second
}

// GetRequestTimeout returns the HTTP transport timeout.
func (w WemoConfig) GetRequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeout) * time.Second
}
