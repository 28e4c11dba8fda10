// Package config loads the polychat client configuration. Values come from
// built-in defaults, an optional YAML file, and environment overrides, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends for the persisted identity.
const (
	BackendPebble = "pebble"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all client configuration.
type Config struct {
	ServerURL      string        `yaml:"server_url"`
	Profile        string        `yaml:"profile"` // namespaces persisted identity
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	Connection   ConnectionConfig   `yaml:"connection"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Conversation ConversationConfig `yaml:"conversation"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// StorageConfig selects where the identity (token, username, user id) lives
// between runs.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // pebble, redis, memory
	Path      string `yaml:"path"`    // pebble directory
	RedisAddr string `yaml:"redis_addr"`
}

// ConnectionConfig tunes the persistent chat connection.
type ConnectionConfig struct {
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"` // 0 disables keepalive pings
	PongTimeout  time.Duration `yaml:"pong_timeout"`  // silence allowed past a ping before the link is dropped
	EventBuffer  int           `yaml:"event_buffer"`
}

// ReconnectConfig bounds the reconnect policy applied after a failed send or
// an unexpected drop.
type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	OnDrop       bool          `yaml:"on_drop"`
}

// ConversationConfig limits in-memory conversation buffers.
type ConversationConfig struct {
	MaxMessages int `yaml:"max_messages"` // per conversation; 0 = unbounded
}

// BridgeConfig configures the NATS presentation bridge.
type BridgeConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the endpoint
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:      "http://localhost:8080",
		Profile:        "default",
		RequestTimeout: 10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			Backend:   BackendPebble,
			Path:      defaultStatePath(),
			RedisAddr: "localhost:6379",
		},
		Connection: ConnectionConfig{
			DialTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			PongTimeout:  10 * time.Second,
			EventBuffer:  256,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			OnDrop:       true,
		},
		Conversation: ConversationConfig{
			MaxMessages: 1000,
		},
		Bridge: BridgeConfig{
			SubjectPrefix: "polychat",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "polychat.yaml"
	}
	return filepath.Join(home, ".polychat", "config.yaml")
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".polychat-state"
	}
	return filepath.Join(home, ".polychat", "state")
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("POLYCHAT_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("POLYCHAT_PROFILE"); v != "" {
		c.Profile = v
	}
	if v := os.Getenv("POLYCHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("POLYCHAT_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("POLYCHAT_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Bridge.NATSURL = v
	}
	if v := os.Getenv("POLYCHAT_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("POLYCHAT_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("POLYCHAT_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Connection.PingInterval = d
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("config: invalid server_url %q", c.ServerURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: server_url scheme must be http or https, got %q", u.Scheme)
	}
	if c.Profile == "" {
		return errors.New("config: profile must not be empty")
	}
	switch c.Storage.Backend {
	case BackendPebble:
		if c.Storage.Path == "" {
			return errors.New("config: storage.path is required for the pebble backend")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("config: storage.redis_addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("config: reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.Multiplier < 1 {
		return errors.New("config: reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return errors.New("config: reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Connection.PingInterval < 0 || c.Connection.PongTimeout < 0 {
		return errors.New("config: connection ping_interval and pong_timeout must be >= 0")
	}
	if c.Connection.EventBuffer <= 0 {
		return errors.New("config: connection.event_buffer must be positive")
	}
	if c.Conversation.MaxMessages < 0 {
		return errors.New("config: conversation.max_messages must be >= 0")
	}
	return nil
}
