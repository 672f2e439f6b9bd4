// Package config handles relayalert configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults reproduce the constants the first relay-status bridge was
// deployed with. Every one of them can be overridden in config.yaml.
const (
	DefaultBroker       = "mqtt://broker.hivemq.com:1883"
	DefaultTopic        = "esp32/relay_status"
	DefaultTrigger      = "1"
	DefaultKeepAliveSec = 60
	DefaultCooldownSec  = 300
	DefaultNotifySec    = 30
	DefaultAlertBody    = "Water Tank is full...!!! Please Turn of the Motor"
	DefaultClientPrefix = "relayalert"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/relayalert/config.yaml,
// /etc/relayalert/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relayalert", "config.yaml"))
	}

	paths = append(paths, "/etc/relayalert/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all relayalert configuration.
type Config struct {
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Twilio    TwilioConfig `yaml:"twilio"`
	Alert     AlertConfig  `yaml:"alert"`
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	EnvFile   string       `yaml:"env_file"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// MQTTConfig defines the broker connection and the single status topic.
type MQTTConfig struct {
	// Broker is the broker URL. Supported schemes: mqtt, tcp, mqtts, ssl.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Topic is the status topic. Wildcards are rejected by Validate.
	Topic        string `yaml:"topic"`
	KeepAliveSec int    `yaml:"keep_alive_sec"`
	// ClientPrefix is prepended to the persistent instance ID to form
	// the MQTT client identifier.
	ClientPrefix string `yaml:"client_prefix"`
	// Reconnect keeps retrying after a failed connection attempt.
	// Disabled by default: a refused connection leaves the process idle
	// without a subscription.
	Reconnect bool `yaml:"reconnect"`
	// RateLimitPerMin drops inbound messages above this rate. 0 = unlimited.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	// AvailabilityTopic, when set, receives a retained "online" on
	// connect and "offline" on shutdown or unexpected disconnect.
	AvailabilityTopic string `yaml:"availability_topic"`
}

// Configured reports whether enough is set to attempt a connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.Topic != ""
}

// KeepAlive returns the keep-alive interval as a duration.
func (c MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// TwilioConfig holds the messaging provider credentials and identities.
// Values are usually supplied through ${VAR} expansion or env_file.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	To         string `yaml:"to"`
}

// Configured reports whether all four provider values are present.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.From != "" && c.To != ""
}

// AlertConfig controls the trigger match and the cooldown window.
type AlertConfig struct {
	Trigger          string `yaml:"trigger"`
	Body             string `yaml:"body"`
	CooldownSec      int    `yaml:"cooldown_sec"`
	NotifyTimeoutSec int    `yaml:"notify_timeout_sec"`
}

// Cooldown returns the cooldown window as a duration.
func (c AlertConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// NotifyTimeout returns the per-send timeout as a duration.
func (c AlertConfig) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSec) * time.Second
}

// ListenConfig defines the optional status API listener. A zero port
// disables it.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file. If the file names an
// env_file, that file is loaded into the process environment first so
// its variables are available to ${VAR} expansion.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if envFile := expandHome(peekEnvFile(data)); envFile != "" {
		if !filepath.IsAbs(envFile) {
			envFile = filepath.Join(filepath.Dir(path), envFile)
		}
		// godotenv.Load does not override variables already set.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// peekEnvFile extracts env_file before expansion. Expansion has to see
// the variables the env file defines, so this runs on the raw bytes.
func peekEnvFile(data []byte) string {
	var probe struct {
		EnvFile string `yaml:"env_file"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.EnvFile)
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:       DefaultBroker,
			Topic:        DefaultTopic,
			KeepAliveSec: DefaultKeepAliveSec,
			ClientPrefix: DefaultClientPrefix,
		},
		Alert: AlertConfig{
			Trigger:          DefaultTrigger,
			Body:             DefaultAlertBody,
			CooldownSec:      DefaultCooldownSec,
			NotifyTimeoutSec: DefaultNotifySec,
		},
		DataDir: "./data",
	}
}

// applyDefaults restores values that an explicitly empty YAML key would
// otherwise blank out and expands ~ in paths. Numeric fields are left
// alone: cooldown_sec: 0 disables the cooldown and keep_alive_sec: 0
// disables keep-alives.
func (c *Config) applyDefaults() {
	d := Default()
	if c.MQTT.ClientPrefix == "" {
		c.MQTT.ClientPrefix = d.MQTT.ClientPrefix
	}
	if c.Alert.Trigger == "" {
		c.Alert.Trigger = d.Alert.Trigger
	}
	if c.Alert.Body == "" {
		c.Alert.Body = d.Alert.Body
	}
	if c.Alert.NotifyTimeoutSec == 0 {
		c.Alert.NotifyTimeoutSec = d.Alert.NotifyTimeoutSec
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.DataDir = expandHome(c.DataDir)
	c.EnvFile = expandHome(c.EnvFile)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the configuration for values that would fail at
// runtime. Missing Twilio credentials are not an error: the process
// still runs and logs each alert it could not send.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	} else if u, err := url.Parse(c.MQTT.Broker); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
	} else {
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl":
		default:
			errs = append(errs, fmt.Errorf("mqtt.broker: unsupported scheme %q (valid: mqtt, tcp, mqtts, ssl)", u.Scheme))
		}
		if u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker: missing host in %q", c.MQTT.Broker))
		}
	}

	if c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required"))
	} else if strings.ContainsAny(c.MQTT.Topic, "+#") {
		errs = append(errs, fmt.Errorf("mqtt.topic %q must not contain wildcards", c.MQTT.Topic))
	}

	if strings.ContainsAny(c.MQTT.AvailabilityTopic, "+#") {
		errs = append(errs, fmt.Errorf("mqtt.availability_topic %q must not contain wildcards", c.MQTT.AvailabilityTopic))
	}

	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.keep_alive_sec %d out of range (0-65535)", c.MQTT.KeepAliveSec))
	}
	if c.MQTT.RateLimitPerMin < 0 {
		errs = append(errs, errors.New("mqtt.rate_limit_per_min must not be negative"))
	}
	if c.Alert.CooldownSec < 0 {
		errs = append(errs, errors.New("alert.cooldown_sec must not be negative"))
	}
	if c.Alert.NotifyTimeoutSec < 0 {
		errs = append(errs, errors.New("alert.notify_timeout_sec must not be negative"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
