// Package config loads service configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	"github.com/nexusfeed/nexusfeed/internal/infrastructure/db"
	"github.com/nexusfeed/nexusfeed/internal/venue"
)

// Config is the complete service configuration.
type Config struct {
	Database db.Config    `yaml:"database"`
	Redis    RedisConfig  `yaml:"redis"`
	Server   ServerConfig `yaml:"server"`
	Log      LogConfig    `yaml:"log"`

	// SandboxMode routes venue clients to their test environments.
	SandboxMode bool `yaml:"sandbox_mode"`

	// RefreshInterval paces the ticker poll stream.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Venues maps a venue name to the symbols it should poll.
	Venues map[string][]string `yaml:"venues"`
}

// RedisConfig holds hot cache connection settings.
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Disabled bool          `yaml:"disabled"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerConfig holds the HTTP listen settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() *Config {
	return &Config{
		Database:        db.DefaultConfig(),
		Redis:           RedisConfig{Host: "localhost", Port: 6379, TTL: time.Minute},
		Server:          ServerConfig{Host: "0.0.0.0", Port: 8000},
		Log:             LogConfig{Level: "info"},
		RefreshInterval: 5 * time.Second,
		Venues: map[string][]string{
			"binance_spot": {"BTC/USDT", "ETH/USDT"},
			"deribit":      {"BTC/USD", "ETH/USD"},
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides and defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate ensures the configuration is consistent.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive, got %s", c.RefreshInterval)
	}
	for name, symbols := range c.Venues {
		if len(symbols) == 0 {
			return fmt.Errorf("venue %s has no symbols configured", name)
		}
	}
	return nil
}

// Credentials reads {VENUE}_API_KEY and {VENUE}_API_SECRET from the
// environment for a venue name like "binance_spot".
func Credentials(venueName string) venue.Credentials {
	prefix := strings.ToUpper(strings.ReplaceAll(venueName, "-", "_"))
	return venue.Credentials{
		APIKey:    os.Getenv(prefix + "_API_KEY"),
		APISecret: os.Getenv(prefix + "_API_SECRET"),
	}
}

func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	applyRedisEnv(cfg)
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = strings.ToLower(level)
	}
	if debug := os.Getenv("DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil {
			cfg.Log.Debug = val
		}
	}
	if sandbox := os.Getenv("SANDBOX_MODE"); sandbox != "" {
		if val, err := strconv.ParseBool(sandbox); err == nil {
			cfg.SandboxMode = val
		}
	}
	if interval := os.Getenv("REFRESH_INTERVAL"); interval != "" {
		if secs, err := strconv.Atoi(interval); err == nil && secs > 0 {
			cfg.RefreshInterval = time.Duration(secs) * time.Second
		} else if d, err := time.ParseDuration(interval); err == nil && d > 0 {
			cfg.RefreshInterval = d
		}
	}
	if host := os.Getenv("HTTP_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = val
		}
	}
}

// applyRedisEnv resolves cache settings. REDIS_URL takes precedence
// over the discrete REDIS_HOST/PORT/DB variables.
func applyRedisEnv(cfg *Config) {
	if rawURL := os.Getenv("REDIS_URL"); rawURL != "" {
		if opts, err := redis.ParseURL(rawURL); err == nil {
			if host, port, err := net.SplitHostPort(opts.Addr); err == nil {
				cfg.Redis.Host = host
				if val, err := strconv.Atoi(port); err == nil {
					cfg.Redis.Port = val
				}
			}
			cfg.Redis.DB = opts.DB
			return
		}
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Redis.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil {
			cfg.Redis.Port = val
		}
	}
	if dbIndex := os.Getenv("REDIS_DB"); dbIndex != "" {
		if val, err := strconv.Atoi(dbIndex); err == nil {
			cfg.Redis.DB = val
		}
	}
}
