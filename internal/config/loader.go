// Package config loads and validates the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when XTOOL_BRIDGE_CONFIG is not set.
const DefaultPath = "config.yaml"

// Defaults applied to absent fields.
const (
	DefaultClientID         = "xtoolbridge"
	DefaultDiscoveryPrefix  = "homeassistant"
	DefaultBaseTopic        = "xtoolbridge"
	DefaultAPIPort          = 8090
	DefaultDiscoveryTimeout = 3
	DefaultScanInterval     = 3
	MinScanInterval         = 1
	MaxScanInterval         = 60
)

// MQTTConfig is the broker connection section.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
}

// APIConfig is the admin HTTP server section.
type APIConfig struct {
	Port int `yaml:"port"`
}

// DiscoveryConfig controls UDP broadcast scans.
type DiscoveryConfig struct {
	Timeout int `yaml:"timeout"` // seconds
}

// TimeoutDuration returns the scan window as a time.Duration.
func (d *DiscoveryConfig) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// DeviceConfig is one machine entry.
type DeviceConfig struct {
	ID           string `yaml:"id"`
	Host         string `yaml:"host"`
	Name         string `yaml:"name"`
	ScanInterval int    `yaml:"scan_interval"` // seconds
	UseWebsocket *bool  `yaml:"use_websocket"` // nil means true
}

// WebsocketEnabled reports whether the event listener should run for this
// entry. Absent means enabled.
func (d *DeviceConfig) WebsocketEnabled() bool {
	return d.UseWebsocket == nil || *d.UseWebsocket
}

// ScanIntervalDuration returns the poll period as a time.Duration.
func (d *DeviceConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(d.ScanInterval) * time.Second
}

// Equal reports whether two entries would produce the same runtime setup.
// The registry uses this to decide which entries to restart on reload.
func (d *DeviceConfig) Equal(o *DeviceConfig) bool {
	return d.ID == o.ID &&
		d.Host == o.Host &&
		d.Name == o.Name &&
		d.ScanInterval == o.ScanInterval &&
		d.WebsocketEnabled() == o.WebsocketEnabled()
}

// Config is the full daemon configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// Path returns the config file location, honoring XTOOL_BRIDGE_CONFIG.
func Path() string {
	if p := os.Getenv("XTOOL_BRIDGE_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, parses, defaults, and validates the config file. Environment
// overrides are applied after the file so SIGHUP reloads honor them too.
func Load(path string, logger *zap.Logger) (*Config, error) {
	logger.Debug("Loading config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if len(cfg.Devices) == 0 {
		logger.Warn("No devices configured; only discovery will be useful")
	}
	logger.Info("Config loaded",
		zap.String("broker", cfg.MQTT.Broker),
		zap.Int("devices", len(cfg.Devices)))
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid API_PORT %q: %w", v, err)
		}
		c.API.Port = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = DefaultBaseTopic
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.Discovery.Timeout <= 0 {
		c.Discovery.Timeout = DefaultDiscoveryTimeout
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ID == "" {
			d.ID = deriveID(d.Host)
		}
		if d.Name == "" {
			d.Name = "xTool " + d.ID
		}
		if d.ScanInterval == 0 {
			d.ScanInterval = DefaultScanInterval
		}
		if d.ScanInterval < MinScanInterval {
			d.ScanInterval = MinScanInterval
		}
		if d.ScanInterval > MaxScanInterval {
			d.ScanInterval = MaxScanInterval
		}
	}
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	seen := make(map[string]string)
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Host == "" {
			return fmt.Errorf("devices[%d]: host is required", i)
		}
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: could not derive an id from host %q", i, d.Host)
		}
		if prev, ok := seen[d.ID]; ok {
			return fmt.Errorf("devices[%d]: duplicate id %q (also used by host %s)", i, d.ID, prev)
		}
		seen[d.ID] = d.Host
	}
	return nil
}

// deriveID turns a host into a topic-safe entry ID when none is configured.
func deriveID(host string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, host)
	return strings.Trim(id, "_")
}
