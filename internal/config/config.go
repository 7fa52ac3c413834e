package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in group configuration.
const (
	TransportMQTT = "mqtt"
	TransportHue  = "hue"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig      `yaml:"log"`
	MQTT            MQTTConfig     `yaml:"mqtt"`
	Hue             HueConfig      `yaml:"hue"`
	Database        DatabaseConfig `yaml:"database"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	Dispatch        DispatchConfig `yaml:"dispatch"`
	Resync          ResyncConfig   `yaml:"resync"`
	HTTP            HTTPConfig     `yaml:"http"`
	Groups          []GroupConfig  `yaml:"groups"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// GetLevel returns the configured log level, or info when it is empty or unknown.
func (c *LogConfig) GetLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// MQTTConfig contains broker settings for zigbee2mqtt style members and
// Home Assistant discovery.
type MQTTConfig struct {
	Broker          string   `yaml:"broker"` // e.g. tcp://localhost:1883; empty disables MQTT
	ClientID        string   `yaml:"client_id"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	BaseTopic       string   `yaml:"base_topic"`       // member topics live under <base_topic>/<id>
	DiscoveryPrefix string   `yaml:"discovery_prefix"` // Home Assistant discovery prefix
	GroupTopic      string   `yaml:"group_topic"`      // group command/state topics live under <group_topic>/<object_id>
	ConnectTimeout  Duration `yaml:"connect_timeout"`
}

// Enabled reports whether a broker is configured.
func (c *MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// HueConfig contains Hue bridge connection settings
type HueConfig struct {
	Bridge  string   `yaml:"bridge"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"` // HTTP timeout for Hue API requests
}

// Enabled reports whether a bridge is configured.
func (c *HueConfig) Enabled() bool {
	return c.Bridge != ""
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains audit ledger settings
type LedgerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// DispatchConfig tunes command delivery to members
type DispatchConfig struct {
	Workers      int      `yaml:"workers"`
	QueueSize    int      `yaml:"queue_size"`
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // per transport, 0 = unlimited
	Timeout      Duration `yaml:"timeout"`
}

// ResyncConfig controls how often group state is rebuilt from member state
type ResyncConfig struct {
	Interval Duration `yaml:"interval"`
	// Debounce delays a triggered reconcile so bursts of member updates collapse.
	Debounce Duration `yaml:"debounce"`
}

// HTTPConfig contains the status server settings
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GroupConfig describes one group light
type GroupConfig struct {
	Name      string         `yaml:"name"`
	StableID  string         `yaml:"stable_id"`
	Transport string         `yaml:"transport"`
	Members   []MemberConfig `yaml:"members"`
}

// MemberConfig describes one member light and its calibration.
// A plain string is accepted as a member id with the identity curve.
type MemberConfig struct {
	ID          string        `yaml:"id"`
	Breakpoints BreakpointMap `yaml:"breakpoints"`
	Script      string        `yaml:"script"` // Lua chunk returning f(percent) -> percent
}

// UnmarshalYAML implements yaml.Unmarshaler for MemberConfig
func (m *MemberConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		m.ID = value.Value
		return nil
	}
	type plain MemberConfig
	return value.Decode((*plain)(m))
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, parses and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "lightener"
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "zigbee2mqtt"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.MQTT.GroupTopic == "" {
		cfg.MQTT.GroupTopic = "lightener"
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = Duration(10 * time.Second)
	}

	if cfg.Hue.Timeout == 0 {
		cfg.Hue.Timeout = Duration(10 * time.Second)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./lightener.sqlite"
	}

	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 7
	}

	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = 100
	}
	if cfg.Dispatch.Timeout == 0 {
		cfg.Dispatch.Timeout = Duration(5 * time.Second)
	}

	if cfg.Resync.Interval == 0 {
		cfg.Resync.Interval = Duration(30 * time.Second)
	}
	if cfg.Resync.Debounce == 0 {
		cfg.Resync.Debounce = Duration(250 * time.Millisecond)
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 9090
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		if g.Transport == "" {
			if cfg.MQTT.Enabled() || !cfg.Hue.Enabled() {
				g.Transport = TransportMQTT
			} else {
				g.Transport = TransportHue
			}
		}
	}
}

// Validate checks the configuration for errors that would otherwise surface
// as silently wrong calibration.
func (cfg *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}

	names := make(map[string]bool)
	for i, g := range cfg.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if names[g.Name] {
			return fmt.Errorf("group %q: duplicate name", g.Name)
		}
		names[g.Name] = true

		switch g.Transport {
		case TransportMQTT:
			if !cfg.MQTT.Enabled() {
				return fmt.Errorf("group %q: transport mqtt requires mqtt.broker", g.Name)
			}
		case TransportHue:
			if !cfg.Hue.Enabled() {
				return fmt.Errorf("group %q: transport hue requires hue.bridge", g.Name)
			}
		default:
			return fmt.Errorf("group %q: unknown transport %q", g.Name, g.Transport)
		}

		if len(g.Members) == 0 {
			return fmt.Errorf("group %q: at least one member is required", g.Name)
		}

		ids := make(map[string]bool)
		for j, m := range g.Members {
			if strings.TrimSpace(m.ID) == "" {
				return fmt.Errorf("group %q: members[%d]: id is required", g.Name, j)
			}
			if ids[m.ID] {
				return fmt.Errorf("group %q: duplicate member %q", g.Name, m.ID)
			}
			ids[m.ID] = true

			if m.Script != "" && len(m.Breakpoints) > 0 {
				return fmt.Errorf("group %q: member %q: breakpoints and script are mutually exclusive", g.Name, m.ID)
			}
			for groupPct, targetPct := range m.Breakpoints {
				if groupPct < 0 || groupPct > 100 || targetPct < 0 || targetPct > 100 {
					return fmt.Errorf("group %q: member %q: breakpoint %v:%v out of range 0-100", g.Name, m.ID, groupPct, targetPct)
				}
			}
		}
	}

	if cfg.Dispatch.RateLimitRPS < 0 {
		return fmt.Errorf("dispatch.rate_limit_rps must not be negative")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
