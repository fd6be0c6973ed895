// Package config loads the torquehook configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the TORQUEHOOK_CONFIG environment variable. ${VAR} references in the file
// are expanded from the environment before parsing, so secrets such as the
// InfluxDB token can stay out of the file. A few command-line flags override
// file values after loading.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "TORQUEHOOK_CONFIG"

// Config is the complete configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Log      LogConfig       `yaml:"log"`
	Accounts []AccountConfig `yaml:"accounts"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Influx   InfluxConfig    `yaml:"influx"`
}

type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// ExternalURL is the base URL the Torque app reaches the server on. It
	// is only used to log the full webhook URLs and for RequireHTTPS.
	ExternalURL string `yaml:"external_url"`

	// RequireHTTPS refuses to register webhooks unless ExternalURL is https
	// on port 443.
	RequireHTTPS bool `yaml:"require_https"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// AccountConfig describes one Torque sender.
type AccountConfig struct {
	Name string `yaml:"name"`

	// Email must match the eml parameter of every upload. It is also the
	// account id when set.
	Email string `yaml:"email"`

	// DeviceID identifies the account when no email is configured, and must
	// then match the id parameter of every upload.
	DeviceID string `yaml:"device_id"`

	// WebhookID pins the webhook id. When empty one is generated once and
	// kept in the database.
	WebhookID string `yaml:"webhook_id"`

	LocalOnly bool `yaml:"local_only"`

	// Legacy serves the account on the fixed /api/torque path instead of
	// a webhook.
	Legacy bool `yaml:"legacy"`

	// UseProfile keys sensors by vehicle profile name as well as PID.
	UseProfile bool `yaml:"use_profile"`
}

// ID is the unique id of the account.
func (a AccountConfig) ID() string {
	if a.Email != "" {
		return a.Email
	}
	return a.DeviceID
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	StatePrefix     string `yaml:"state_prefix"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// Default returns a configuration with every default applied and no accounts.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 20 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "torquehook.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.StatePrefix == "" {
		c.MQTT.StatePrefix = "torque"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "torque-telemetry"
	}
	if c.Influx.URL == "" {
		c.Influx.URL = "http://localhost:8086"
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == "" {
			c.Accounts[i].Name = c.Accounts[i].ID()
		}
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands environment references in data, decodes it and validates the
// result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors a running server could not
// recover from.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	hooks := make(map[string]bool)
	for i, a := range c.Accounts {
		id := a.ID()
		if id == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: email or device_id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate account %q", i, id))
		}
		seen[id] = true
		if a.WebhookID != "" {
			if hooks[a.WebhookID] {
				errs = append(errs, fmt.Errorf("accounts[%d]: duplicate webhook_id", i))
			}
			hooks[a.WebhookID] = true
		}
	}
	if c.Server.RequireHTTPS && c.Server.ExternalURL == "" {
		errs = append(errs, errors.New("server.require_https needs server.external_url"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Influx.Enabled && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		errs = append(errs, errors.New("influx.org and influx.bucket are required when influx is enabled"))
	}
	return errors.Join(errs...)
}
