// Package config loads the parking service configuration from a YAML
// file with environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cpaumelle/smart-parking-platform-sub000/chirpstack"
	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
)

// Config is the complete parking service configuration.
type Config struct {
	Service  ServiceConfig     `yaml:"service"`
	Redis    RedisConfig       `yaml:"redis"`
	Postgres PostgresConfig    `yaml:"postgres"`
	MQTT     chirpstack.Config `yaml:"mqtt"`
	NATS     NATSConfig        `yaml:"nats"`
	Spool    SpoolConfig       `yaml:"spool"`
	Downlink DownlinkConfig    `yaml:"downlink"`
	Gateway  GatewayConfig     `yaml:"gateway"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// RedisConfig holds the shared KV store connection. An empty Addr
// selects the in-memory backend, for development and tests.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds the persistent store connection. An empty DSN
// selects the in-memory backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig holds the event bus connection. An empty URL disables
// event publishing.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// SpoolConfig holds the disk spool settings.
type SpoolConfig struct {
	Root          string        `yaml:"root"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	ReplayRate    float64       `yaml:"replay_rate"`
}

// DownlinkConfig holds queue and worker settings.
type DownlinkConfig struct {
	Workers         int           `yaml:"workers"`
	GatewayPerMin   int           `yaml:"gateway_per_min"`
	TenantPerMin    int           `yaml:"tenant_per_min"`
	PromoteInterval time.Duration `yaml:"promote_interval"`
}

// GatewayConfig holds gateway monitor settings.
type GatewayConfig struct {
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "parkingd",
			MetricsPort: 9090,
			LogLevel:    "info",
			LogFormat:   "json",
		},
		MQTT: chirpstack.Config{
			BrokerURL: "tcp://localhost:1883",
			ClientID:  "parkingd",
			QoS:       1,
		},
		Spool: SpoolConfig{
			Root:          "/var/lib/parkingd/spool",
			DrainInterval: 5 * time.Second,
			ReplayRate:    50,
		},
		Downlink: DownlinkConfig{
			Workers:         4,
			GatewayPerMin:   30,
			TenantPerMin:    120,
			PromoteInterval: time.Second,
		},
		Gateway: GatewayConfig{
			OfflineThreshold: 5 * time.Minute,
			PollInterval:     time.Minute,
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "reading config file failed")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parsing config file failed")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants a misconfigured deployment would trip on
// at runtime.
func (c *Config) Validate() error {
	if c.Service.MetricsPort <= 0 || c.Service.MetricsPort > 65535 {
		return invalid("service.metrics_port must be a valid port")
	}
	if c.Downlink.Workers < 1 {
		return invalid("downlink.workers must be at least 1")
	}
	if c.Downlink.GatewayPerMin < 1 || c.Downlink.TenantPerMin < 1 {
		return invalid("downlink rate limits must be at least 1 per minute")
	}
	if c.Spool.Root == "" {
		return invalid("spool.root is required")
	}
	if c.Spool.ReplayRate <= 0 {
		return invalid("spool.replay_rate must be positive")
	}
	if c.Gateway.OfflineThreshold <= 0 {
		return invalid("gateway.offline_threshold must be positive")
	}
	if c.MQTT.BrokerURL == "" {
		return invalid("mqtt.broker_url is required")
	}
	return nil
}

// Environment variables override file values for secrets and
// per-deployment endpoints.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Redis.Addr, "PARKING_REDIS_ADDR")
	setString(&cfg.Redis.Password, "PARKING_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PARKING_REDIS_DB")
	setString(&cfg.Postgres.DSN, "PARKING_POSTGRES_DSN")
	setString(&cfg.MQTT.BrokerURL, "PARKING_MQTT_BROKER_URL")
	setString(&cfg.MQTT.Username, "PARKING_MQTT_USERNAME")
	setString(&cfg.MQTT.Password, "PARKING_MQTT_PASSWORD")
	setString(&cfg.NATS.URL, "PARKING_NATS_URL")
	setString(&cfg.Spool.Root, "PARKING_SPOOL_ROOT")
	setInt(&cfg.Service.MetricsPort, "PARKING_METRICS_PORT")
	setString(&cfg.Service.LogLevel, "PARKING_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func invalid(msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidData, msg),
		"config", "Validate", "configuration validation failed")
}
