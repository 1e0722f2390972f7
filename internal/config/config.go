// ABOUTME: Configuration loading and parsing for support-broker
// ABOUTME: Supports YAML or TOML files with .env loading, environment expansion, defaults and validation

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength mirrors the verifier's minimum HS256 secret length.
const MinJWTSecretLength = 32

// Config represents the complete support-broker configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Broker    BrokerConfig    `yaml:"broker" toml:"broker"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr       string   `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health server
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret enables
// anonymous development mode.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// BrokerConfig tunes conversation handling
type BrokerConfig struct {
	LockTimeout      time.Duration `yaml:"-" toml:"-"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`
	SendBuffer       int           `yaml:"send_buffer" toml:"send_buffer"`
	MaxMessageLength int           `yaml:"max_message_length" toml:"max_message_length"`
	HistoryLimit     int           `yaml:"history_limit" toml:"history_limit"`
	DedupeSize       int           `yaml:"dedupe_size" toml:"dedupe_size"`

	// Raw string values for unmarshaling
	LockTimeoutRaw string `yaml:"lock_timeout" toml:"lock_timeout"`
	DedupeTTLRaw   string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// WebSocketConfig tunes client connections
type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"-" toml:"-"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	ReadLimit    int64         `yaml:"read_limit" toml:"read_limit"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// NATSConfig holds event export configuration
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	URL           string        `yaml:"url" toml:"url"`
	Stream        string        `yaml:"stream" toml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix" toml:"subject_prefix"`
	QueueSize     int           `yaml:"queue_size" toml:"queue_size"`
	MaxAge        time.Duration `yaml:"-" toml:"-"`

	MaxAgeRaw string `yaml:"max_age" toml:"max_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults
const (
	DefaultLockTimeout      = 5 * time.Second
	DefaultSendBuffer       = 64
	DefaultMaxMessageLength = 4000
	DefaultHistoryLimit     = 500
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeSize       = 100000
	DefaultPingInterval     = 25 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultReadLimit        = 64 * 1024
	DefaultNATSStream       = "SUPPORT_EVENTS"
	DefaultNATSPrefix       = "support"
	DefaultNATSQueueSize    = 1024
)

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Broker.LockTimeout == 0 {
		c.Broker.LockTimeout = DefaultLockTimeout
	}
	if c.Broker.SendBuffer == 0 {
		c.Broker.SendBuffer = DefaultSendBuffer
	}
	if c.Broker.MaxMessageLength == 0 {
		c.Broker.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Broker.HistoryLimit == 0 {
		c.Broker.HistoryLimit = DefaultHistoryLimit
	}
	if c.Broker.DedupeTTL == 0 {
		c.Broker.DedupeTTL = DefaultDedupeTTL
	}
	if c.Broker.DedupeSize == 0 {
		c.Broker.DedupeSize = DefaultDedupeSize
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = DefaultPingInterval
	}
	if c.WebSocket.WriteTimeout == 0 {
		c.WebSocket.WriteTimeout = DefaultWriteTimeout
	}
	if c.WebSocket.ReadLimit == 0 {
		c.WebSocket.ReadLimit = DefaultReadLimit
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = DefaultNATSStream
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultNATSPrefix
	}
	if c.NATS.QueueSize == 0 {
		c.NATS.QueueSize = DefaultNATSQueueSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"broker.lock_timeout", int64(c.Broker.LockTimeout)},
		{"broker.send_buffer", int64(c.Broker.SendBuffer)},
		{"broker.max_message_length", int64(c.Broker.MaxMessageLength)},
		{"broker.history_limit", int64(c.Broker.HistoryLimit)},
		{"broker.dedupe_ttl", int64(c.Broker.DedupeTTL)},
		{"broker.dedupe_size", int64(c.Broker.DedupeSize)},
		{"websocket.ping_interval", int64(c.WebSocket.PingInterval)},
		{"websocket.write_timeout", int64(c.WebSocket.WriteTimeout)},
		{"websocket.read_limit", c.WebSocket.ReadLimit},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"lock_timeout", cfg.Broker.LockTimeoutRaw, &cfg.Broker.LockTimeout},
		{"dedupe_ttl", cfg.Broker.DedupeTTLRaw, &cfg.Broker.DedupeTTL},
		{"ping_interval", cfg.WebSocket.PingIntervalRaw, &cfg.WebSocket.PingInterval},
		{"write_timeout", cfg.WebSocket.WriteTimeoutRaw, &cfg.WebSocket.WriteTimeout},
		{"max_age", cfg.NATS.MaxAgeRaw, &cfg.NATS.MaxAge},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
