// Package config loads the client configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var ErrInvalid = errors.New("invalid config")

// Config is the root configuration. Values come from, highest priority
// first: the environment, then the file given explicitly or through
// CONFIG_PATH. A .env file in the working directory is loaded into the
// environment first when present.
type Config struct {
	API              APIConfig     `yaml:"api"`
	Storage          StorageConfig `yaml:"storage"`
	Monitor          MonitorConfig `yaml:"monitor"`
	Log              LogConfig     `yaml:"log"`
	FallbackLifetime time.Duration `yaml:"fallback_lifetime" env:"AUTHSESSION_FALLBACK_LIFETIME" env-default:"1h"`
	CSRFHeader       string        `yaml:"csrf_header" env:"AUTHSESSION_CSRF_HEADER" env-default:"X-CSRF-Token"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url" env:"AUTHSESSION_API_URL" env-required:"true"`
	Timeout time.Duration `yaml:"timeout" env:"AUTHSESSION_API_TIMEOUT" env-default:"30s"`
}

// StorageConfig selects where the session is persisted. SealKey, when set,
// is a base64 XChaCha20-Poly1305 key used to encrypt stored values.
type StorageConfig struct {
	Backend   string `yaml:"backend" env:"AUTHSESSION_STORAGE" env-default:"memory"`
	Path      string `yaml:"path" env:"AUTHSESSION_STORAGE_PATH"`
	RedisURL  string `yaml:"redis_url" env:"AUTHSESSION_REDIS_URL"`
	Namespace string `yaml:"namespace" env:"AUTHSESSION_NAMESPACE" env-default:"authsession"`
	SealKey   string `yaml:"seal_key" env:"AUTHSESSION_SEAL_KEY"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval" env:"AUTHSESSION_MONITOR_INTERVAL" env-default:"1m"`
	Horizon  time.Duration `yaml:"horizon" env:"AUTHSESSION_MONITOR_HORIZON" env-default:"5m"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"AUTHSESSION_LOG_LEVEL" env-default:"info"`
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration from path, or from CONFIG_PATH when path is
// empty, or from the environment alone when neither is set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that depend on each other.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage backend %q needs a path", ErrInvalid, c.Storage.Backend)
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("%w: storage backend %q needs a redis url", ErrInvalid, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("%w: monitor interval must be positive", ErrInvalid)
	}
	return nil
}
