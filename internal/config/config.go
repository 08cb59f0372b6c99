// Package config loads warren.yml.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/commit"
	"github.com/dyluth/warren/internal/coordinator"
	"github.com/dyluth/warren/internal/executor"
	"github.com/dyluth/warren/internal/ingest"
	"github.com/dyluth/warren/internal/logger"
	"github.com/dyluth/warren/pkg/casstore"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where commands look for the config file.
	DefaultPath = "warren.yml"

	// DefaultInstance names a deployment when none is configured.
	DefaultInstance = "default"

	// DefaultStoreDir holds room logs for the file backend.
	DefaultStoreDir = ".warren/data"

	// DefaultServerAddr is the status API listen address.
	DefaultServerAddr = ":8080"

	// MaxInstanceLength keeps instance names DNS-compatible.
	MaxInstanceLength = 63
)

// Store backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvInstance = "WARREN_INSTANCE"
	EnvRedisURL = "REDIS_URL"
	EnvStoreDir = "WARREN_STORE_DIR"
	EnvLogLevel = "WARREN_LOG_LEVEL"
)

// instancePattern: lowercase alphanumeric, hyphens allowed but not at start/end.
var instancePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Config represents warren.yml.
type Config struct {
	Version  string `yaml:"version"`
	Instance string `yaml:"instance"`

	// RedisURL is used by the redis store backend and by the inbound adapter.
	RedisURL string `yaml:"redis_url,omitempty"`

	Store       StoreConfig           `yaml:"store"`
	Broker      broker.ManagerOptions `yaml:"broker"`
	Commit      *commit.Options       `yaml:"commit,omitempty"` // Overrides broker.commit when present
	Coordinator coordinator.Options   `yaml:"coordinator"`
	Processor   executor.Config       `yaml:"processor"`
	Server      ServerConfig          `yaml:"server"`
	Ingest      IngestConfig          `yaml:"ingest"`
	Logging     logger.Config         `yaml:"logging"`
}

// StoreConfig selects where room logs are persisted.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "file" (default) or "redis"
	Dir     string `yaml:"dir,omitempty"`

	MaxAttempts int           `yaml:"max_attempts,omitempty"` // CAS attempts per merging write (default 10)
	BaseDelay   time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty"`
}

// Options converts the retry settings for casstore.New.
func (s StoreConfig) Options() casstore.Options {
	return casstore.Options{
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   s.BaseDelay,
		MaxDelay:    s.MaxDelay,
	}
}

// ServerConfig configures the HTTP status API.
type ServerConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"` // Default: true
	Addr    string `yaml:"addr,omitempty"`
}

// IngestConfig configures the Redis inbound adapter.
type IngestConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DedupeWindow time.Duration `yaml:"dedupe_window,omitempty"`
}

// Validate applies defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		c.Instance = DefaultInstance
	}
	if err := ValidateInstance(c.Instance); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.Broker.ShutdownPolicy == "" {
		c.Broker.ShutdownPolicy = broker.PolicyDrain
	}
	if err := c.Broker.ShutdownPolicy.Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if c.Broker.Broker.QueueSize < 0 {
		return fmt.Errorf("broker.queue_size must be >= 0, got %d", c.Broker.Broker.QueueSize)
	}
	if c.Broker.IdleTimeout < 0 {
		return fmt.Errorf("broker.idle_timeout must be >= 0, got %s", c.Broker.IdleTimeout)
	}
	if c.Commit != nil {
		c.Broker.Broker.Commit = *c.Commit
	}
	c.Broker.Broker.Commit = c.Broker.Broker.Commit.WithDefaults()
	if err := c.Broker.Broker.Commit.Validate(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.Coordinator = c.Coordinator.WithDefaults()
	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	if err := c.Processor.Validate(); err != nil {
		return err
	}

	if c.Server.Enabled == nil {
		enabled := true
		c.Server.Enabled = &enabled
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}

	if c.Ingest.Enabled && c.RedisURL == "" {
		return errors.New("ingest requires redis_url")
	}
	if c.Ingest.DedupeWindow <= 0 {
		c.Ingest.DedupeWindow = ingest.DefaultDedupeWindow
	}

	if c.Logging.Env == "" {
		c.Logging.Env = "prod"
	}
	if c.Logging.Env != "dev" && c.Logging.Env != "prod" {
		return fmt.Errorf("logging.env must be 'dev' or 'prod', got '%s'", c.Logging.Env)
	}
	c.Logging.Instance = c.Instance

	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "":
		c.Store.Backend = BackendFile
		fallthrough
	case BackendFile:
		if c.Store.Dir == "" {
			c.Store.Dir = DefaultStoreDir
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("store backend 'redis' requires redis_url")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be 'file' or 'redis')", c.Store.Backend)
	}

	if c.RedisURL != "" {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			return fmt.Errorf("invalid redis_url: %w", err)
		}
	}
	if c.Store.MaxAttempts < 0 {
		return fmt.Errorf("store.max_attempts must be >= 0, got %d", c.Store.MaxAttempts)
	}
	return nil
}

// ServerEnabled reports whether the status API should be started.
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

// RedisOptions parses RedisURL.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if c.RedisURL == "" {
		return nil, errors.New("redis_url is not configured")
	}
	return redis.ParseURL(c.RedisURL)
}

// ValidateInstance checks an instance name against DNS naming rules.
func ValidateInstance(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if len(name) > MaxInstanceLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxInstanceLength)
	}
	if !instancePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

// ApplyEnv overrides file values with environment variables.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvInstance)); v != "" {
		c.Instance = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisURL)); v != "" {
		c.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStoreDir)); v != "" {
		c.Store.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
}

// LoadEnvFiles loads .env files into the environment. Missing files are ignored
// and variables already set win.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Parse decodes, applies environment overrides and validates data.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Load reads and validates warren.yml from the specified path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
