package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the client core.
// LoadConfig reads the yaml file and then applies environment overrides for
// secrets.
type Config struct {
	App struct {
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		Environment string `yaml:"environment"` // development, staging, production
	} `yaml:"app"`

	Backend struct {
		BaseURL    string `yaml:"base_url"`
		TimeoutSec int    `yaml:"timeout_sec"`
		UserAgent  string `yaml:"user_agent"`
		RateLimit  struct {
			Burst     int     `yaml:"burst"`
			PerSecond float64 `yaml:"per_second"`
		} `yaml:"rate_limit"`
		Breaker struct {
			FailureThreshold int `yaml:"failure_threshold"`
			SuccessThreshold int `yaml:"success_threshold"`
			TimeoutSec       int `yaml:"timeout_sec"`
		} `yaml:"circuit_breaker"`
	} `yaml:"backend"`

	Storage struct {
		Driver       string `yaml:"driver"` // sqlite | redis
		SQLitePath   string `yaml:"sqlite_path"`
		SealKey      string `yaml:"seal_key"` // hex, 32 bytes
		SnapshotDir  string `yaml:"snapshot_dir"`
		SnapshotKeep int    `yaml:"snapshot_keep"`
		Redis        struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Notifications struct {
		DeviceType string `yaml:"device_type"`
		DeviceName string `yaml:"device_name"`
	} `yaml:"notifications"`

	PriceFeed struct {
		Enabled bool   `yaml:"enabled"`
		WSURL   string `yaml:"ws_url"`
	} `yaml:"price_feed"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration usable against a local backend.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = AppName
	cfg.App.Version = "0.1.0"
	cfg.App.Environment = "development"

	cfg.Backend.BaseURL = "http://localhost:8000/api/v1"
	cfg.Backend.TimeoutSec = 15
	cfg.Backend.RateLimit.Burst = 10
	cfg.Backend.RateLimit.PerSecond = 20
	cfg.Backend.Breaker.FailureThreshold = 5
	cfg.Backend.Breaker.SuccessThreshold = 1
	cfg.Backend.Breaker.TimeoutSec = 30

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SnapshotKeep = 3
	cfg.Storage.Redis.Addr = "localhost:6379"
	cfg.Storage.Redis.Prefix = "marketsync:"

	cfg.Notifications.DeviceType = "android"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// LoadConfig reads the yaml file at path on top of DefaultConfig. A missing
// file is not an error; a malformed one is. A .env file in the working
// directory is loaded first so its values take part in the overrides.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("Config file not found, using defaults", slog.String("path", path))
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("invalid backend base URL: %q", c.Backend.BaseURL)
	}
	if c.Backend.TimeoutSec <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	if c.Backend.RateLimit.Burst <= 0 || c.Backend.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate limit burst and per_second must be positive")
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("redis storage requires storage.redis.addr")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}
	if c.Storage.SealKey != "" && len(c.Storage.SealKey) != 64 {
		return fmt.Errorf("storage.seal_key must be 64 hex characters")
	}

	if c.PriceFeed.Enabled && !strings.HasPrefix(c.PriceFeed.WSURL, "ws://") && !strings.HasPrefix(c.PriceFeed.WSURL, "wss://") {
		return fmt.Errorf("invalid price feed WS URL: %q", c.PriceFeed.WSURL)
	}
	return nil
}

// RequestTimeout returns the backend HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}

// overrideWithEnv lets the environment win over the config file. Secrets
// belong in the environment, not in the yaml.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("MARKET_BACKEND_URL"); url != "" {
		cfg.Backend.BaseURL = strings.TrimRight(url, "/")
	}
	if key := os.Getenv("MARKET_SEAL_KEY"); key != "" {
		cfg.Storage.SealKey = key
	}
	if driver := os.Getenv("MARKET_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if addr := os.Getenv("MARKET_REDIS_ADDR"); addr != "" {
		cfg.Storage.Redis.Addr = addr
	}
	if pass := os.Getenv("MARKET_REDIS_PASSWORD"); pass != "" {
		cfg.Storage.Redis.Password = pass
	}
	if url := os.Getenv("MARKET_PRICE_FEED_URL"); url != "" {
		cfg.PriceFeed.WSURL = url
		cfg.PriceFeed.Enabled = true
	}
	if level := os.Getenv("MARKET_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
