package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the simulator.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Simulator Simulator       `yaml:"simulator"`
	Session   SessionConfig   `yaml:"session"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Simulator contains instance-level identification.
type Simulator struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// SessionConfig contains simulation-session lifecycle settings.
type SessionConfig struct {
	// TTLHours is the idle lifetime of a session; refreshed by mutating activity.
	TTLHours int `yaml:"ttl_hours"`

	// ReaperIntervalSeconds is how often expired sessions are swept.
	ReaperIntervalSeconds int `yaml:"reaper_interval"`

	// RetryResetThreshold is the gateway retry count above which the reaper
	// resets a device's counter to prevent unbounded backoff growth.
	RetryResetThreshold int `yaml:"retry_reset_threshold"`

	// CloseGraceSeconds is the delay between broadcasting session termination
	// and closing the observer channel.
	CloseGraceSeconds int `yaml:"close_grace"`
}

// GatewayConfig contains device-cloud messaging settings.
// Each simulated device opens its own connection to the messaging endpoint
// at {org}.{domain}:{port} using its instance credentials.
type GatewayConfig struct {
	Domain    string                 `yaml:"domain"`
	Port      int                    `yaml:"port"`
	TLS       bool                   `yaml:"tls"`
	QoS       int                    `yaml:"qos"`
	Reconnect GatewayReconnectConfig `yaml:"reconnect"`
}

// GatewayReconnectConfig contains reconnection settings for device connections.
type GatewayReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
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
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains observer channel settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// DatabaseConfig contains SQLite database settings for the run-value store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains telemetry recording settings.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SIMULATOR_SECTION_KEY
// For example: SIMULATOR_DATABASE_PATH, SIMULATOR_API_PORT
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default session lifecycle values. These match the contract the observer
// protocol is documented against and should rarely need changing.
const (
	defaultTTLHours       = 2
	defaultReaperInterval = 300
	defaultRetryThreshold = 10
	defaultCloseGrace     = 2
)

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Simulator: Simulator{
			ID:   "simulator-001",
			Name: "Device Fleet Simulator",
		},
		Session: SessionConfig{
			TTLHours:              defaultTTLHours,
			ReaperIntervalSeconds: defaultReaperInterval,
			RetryResetThreshold:   defaultRetryThreshold,
			CloseGraceSeconds:     defaultCloseGrace,
		},
		Gateway: GatewayConfig{
			Domain: "messaging.local",
			Port:   1883,
			QoS:    1,
			Reconnect: GatewayReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/simulator.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SIMULATOR_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIMULATOR_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SIMULATOR_GATEWAY_DOMAIN"); v != "" {
		cfg.Gateway.Domain = v
	}
	if v := os.Getenv("SIMULATOR_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("SIMULATOR_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SIMULATOR_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("SIMULATOR_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("SIMULATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Simulator.ID == "" {
		errs = append(errs, "simulator.id is required")
	}
	if c.Session.TTLHours < 1 {
		errs = append(errs, "session.ttl_hours must be at least 1")
	}
	if c.Session.ReaperIntervalSeconds < 1 {
		errs = append(errs, "session.reaper_interval must be at least 1")
	}
	if c.Gateway.Domain == "" {
		errs = append(errs, "gateway.domain is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if c.Gateway.QoS < 0 || c.Gateway.QoS > 2 {
		errs = append(errs, "gateway.qos must be 0, 1, or 2")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}

// GetSessionTTL returns the session idle lifetime as a Duration.
func (c *Config) GetSessionTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}

// GetReaperInterval returns the reaper sweep interval as a Duration.
func (c *Config) GetReaperInterval() time.Duration {
	return time.Duration(c.Session.ReaperIntervalSeconds) * time.Second
}

// GetCloseGrace returns the channel close grace period as a Duration.
func (c *Config) GetCloseGrace() time.Duration {
	return time.Duration(c.Session.CloseGraceSeconds) * time.Second
}
