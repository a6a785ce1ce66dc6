package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
wemo:
  discovery_interval: 60
  polling_interval: 20
  upnp_interval: 140
  listener:
    port: 8086
  manual_devices:
    - "192.168.1.50"
    - "192.168.1.51:49153"
  devices:
    - id: "uuid:Socket-1_0-221517K0101769"
      transport: "http"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Wemo.GetDiscoveryInterval() != time.Minute {
		t.Errorf("GetDiscoveryInterval() = %v, want 1m", cfg.Wemo.GetDiscoveryInterval())
	}
	if cfg.Wemo.Listener.Port != 8086 {
		t.Errorf("Listener.Port = %d, want 8086", cfg.Wemo.Listener.Port)
	}
	if len(cfg.Wemo.ManualDevices) != 2 {
		t.Errorf("ManualDevices = %v, want 2 entries", cfg.Wemo.ManualDevices)
	}
	o, ok := cfg.Wemo.Override("uuid:Socket-1_0-221517K0101769", "")
	if !ok || o.Transport != "http" {
		t.Errorf("Override() = %+v, %v; want transport http", o, ok)
	}
}

func TestLoad_AppliesFloors(t *testing.T) {
	content := `
wemo:
  discovery_interval: 1
  polling_interval: 2
  upnp_interval: 5
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Wemo.DiscoveryInterval != MinDiscoveryInterval {
		t.Errorf("DiscoveryInterval = %d, want %d", cfg.Wemo.DiscoveryInterval, MinDiscoveryInterval)
	}
	if cfg.Wemo.PollingInterval != MinPollingInterval {
		t.Errorf("PollingInterval = %d, want %d", cfg.Wemo.PollingInterval, MinPollingInterval)
	}
	if cfg.Wemo.UPnPInterval != MinUPnPInterval {
		t.Errorf("UPnPInterval = %d, want %d", cfg.Wemo.UPnPInterval, MinUPnPInterval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "site:\n  id: \"s\"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	w := cfg.Wemo
	if w.GetCommandSpacing() != 250*time.Millisecond {
		t.Errorf("GetCommandSpacing() = %v, want 250ms", w.GetCommandSpacing())
	}
	if w.GetQueueTimeout() != 9*time.Second {
		t.Errorf("GetQueueTimeout() = %v, want 9s", w.GetQueueTimeout())
	}
	if w.GetRequestTimeout() != 10*time.Second {
		t.Errorf("GetRequestTimeout() = %v, want 10s", w.GetRequestTimeout())
	}
	if w.GetUPnPInterval() != 140*time.Second {
		t.Errorf("GetUPnPInterval() = %v, want 140s", w.GetUPnPInterval())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GRAYLOGIC_WEMO_LISTENER_PORT", "9090")
	t.Setenv("GRAYLOGIC_WEMO_DISABLE_UPNP", "true")
	t.Setenv("GRAYLOGIC_WEMO_MANUAL_DEVICES", "10.0.0.2, 10.0.0.3:49153,")

	cfg, err := Load(writeConfig(t, "site:\n  id: \"s\"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Wemo.Listener.Port != 9090 {
		t.Errorf("Listener.Port = %d, want 9090", cfg.Wemo.Listener.Port)
	}
	if !cfg.Wemo.DisableUPnP {
		t.Error("DisableUPnP = false, want true")
	}
	if len(cfg.Wemo.ManualDevices) != 2 || cfg.Wemo.ManualDevices[1] != "10.0.0.3:49153" {
		t.Errorf("ManualDevices = %v", cfg.Wemo.ManualDevices)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := defaultConfig()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "missing site id",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "listener port out of range",
			mutate:  func(c *Config) { c.Wemo.Listener.Port = 70000 },
			wantErr: "wemo.listener.port",
		},
		{
			name:    "queue timeout above transport timeout",
			mutate:  func(c *Config) { c.Wemo.QueueTimeout = 30 },
			wantErr: "queue_timeout",
		},
		{
			name: "bad transport override",
			mutate: func(c *Config) {
				c.Wemo.Devices = []DeviceOverride{{ID: "uuid:x", Transport: "carrier-pigeon"}}
			},
			wantErr: "transport",
		},
		{
			name: "duplicate override",
			mutate: func(c *Config) {
				c.Wemo.Devices = []DeviceOverride{{ID: "uuid:x"}, {ID: "uuid:x"}}
			},
			wantErr: "duplicated",
		},
		{
			name:    "influx without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWemoConfig_OverrideBySerial(t *testing.T) {
	w := WemoConfig{Devices: []DeviceOverride{{ID: "221517K0101769", Ignore: true}}}

	o, ok := w.Override("uuid:Socket-1_0-221517K0101769", "221517K0101769")
	if !ok || !o.Ignore {
		t.Errorf("Override() = %+v, %v; want ignore match by serial", o, ok)
	}

	if _, ok := w.Override("uuid:other", ""); ok {
		t.Error("Override() matched an unrelated device")
	}
}
