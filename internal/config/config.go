// Package config loads the service configuration from a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/mpi/internal/logic"
)

// Default values for the service configuration.
const (
	DefaultActiveTime    = 60
	DefaultManifestSize  = 5
	DefaultCooldownTime  = 300
	DefaultRefreshTime   = 20
	DefaultHeartbeatTime = 900
	DefaultBroker        = "tcp://127.0.0.1:1883"
	DefaultClientID      = "mpi"
	DefaultEventTopic    = "mpi/customer/+"
	DefaultManifestTopic = "mpi/manifest"
	DefaultSystemTopic   = "mpi/system"
	DefaultHTTPAddr      = ":8080"
)

// Config is the top-level service configuration. All durations are whole
// seconds.
type Config struct {
	// ActiveTime is how long a start stays valid, absent cooldown.
	ActiveTime int `yaml:"active_time"`

	// ManifestSize is the maximum number of customers in one manifest.
	ManifestSize int `yaml:"manifest_size"`

	// CooldownTime is how long a demoted customer stays ineligible.
	CooldownTime int `yaml:"cooldown_time"`

	// RefreshTime is the manifest publish cadence.
	RefreshTime int `yaml:"refresh_time"`

	// SweepTime is the housekeeping cadence between manifests.
	// 0 means half of RefreshTime, minimum one second.
	SweepTime int `yaml:"sweep_time"`

	// HeartbeatTime is the interval between HEARTBEAT system events. 0 disables.
	HeartbeatTime int `yaml:"heartbeat_time"`

	// LogLevel is one of debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the status server address. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds broker and topic settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`

	// PasswordEnv names the environment variable holding the broker password.
	PasswordEnv string `yaml:"password_env"`

	// EventTopic is the subscription for start/stop events. Its last level
	// is the event type, usually matched with a "+" wildcard.
	EventTopic    string `yaml:"event_topic"`
	ManifestTopic string `yaml:"manifest_topic"`
	SystemTopic   string `yaml:"system_topic"`
	QoS           byte   `yaml:"qos"`
}

// Password returns the broker password resolved from the environment.
func (m MQTTConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

// Engine returns the tuning parameters for the record store engine.
func (c *Config) Engine() logic.Config {
	return logic.Config{
		ActiveTime:   seconds(c.ActiveTime),
		CooldownTime: seconds(c.CooldownTime),
		RefreshTime:  seconds(c.RefreshTime),
		ManifestSize: c.ManifestSize,
	}
}

// SweepInterval returns the effective housekeeping cadence.
func (c *Config) SweepInterval() time.Duration {
	if c.SweepTime > 0 {
		return seconds(c.SweepTime)
	}
	d := seconds(c.RefreshTime) / 2
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Heartbeat returns the heartbeat interval, 0 when disabled.
func (c *Config) Heartbeat() time.Duration {
	return seconds(c.HeartbeatTime)
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		ActiveTime:    DefaultActiveTime,
		ManifestSize:  DefaultManifestSize,
		CooldownTime:  DefaultCooldownTime,
		RefreshTime:   DefaultRefreshTime,
		HeartbeatTime: DefaultHeartbeatTime,
		LogLevel:      "info",
		HTTPAddr:      DefaultHTTPAddr,
		MQTT: MQTTConfig{
			Broker:        DefaultBroker,
			ClientID:      DefaultClientID,
			EventTopic:    DefaultEventTopic,
			ManifestTopic: DefaultManifestTopic,
			SystemTopic:   DefaultSystemTopic,
			QoS:           1,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if err := cfg.Engine().Validate(); err != nil {
		return err
	}
	if cfg.SweepTime < 0 {
		return fmt.Errorf("sweep_time must not be negative")
	}
	if cfg.HeartbeatTime < 0 {
		return fmt.Errorf("heartbeat_time must not be negative")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log_level %q unknown: want debug|info|warn|error", cfg.LogLevel)
	}
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must be set")
	}
	if cfg.MQTT.EventTopic == "" || cfg.MQTT.ManifestTopic == "" || cfg.MQTT.SystemTopic == "" {
		return fmt.Errorf("mqtt topics must be set")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d is out of range [0, 2]", cfg.MQTT.QoS)
	}
	return nil
}
