// Package config loads rebrander server settings from defaults, an optional
// YAML file and REBRANDER_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "REBRANDER_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"logLevel"`
	PageSize        int           `yaml:"pageSize"`
	MaxConcurrency  int           `yaml:"maxConcurrency"`
	RunStoreDSN     string        `yaml:"runStoreDSN"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	HTTPTimeout     time.Duration `yaml:"httpTimeout"`
	MaxMessageBytes int64         `yaml:"maxMessageBytes"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		LogLevel:        "info",
		PageSize:        50,
		MaxConcurrency:  1000,
		RunStoreDSN:     "memory://",
		HTTPTimeout:     30 * time.Second,
		MaxMessageBytes: 64 << 10,
		RateLimitWindow: time.Minute,
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Errorf("reading config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Errorf("%w: parsing %s: %s", ErrInvalidConfig, path, err.Error())
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	c.Addr = stringEnv(getenv, "ADDR", c.Addr)
	c.LogLevel = stringEnv(getenv, "LOG_LEVEL", c.LogLevel)
	c.PageSize = intEnv(getenv, "PAGE_SIZE", c.PageSize)
	c.MaxConcurrency = intEnv(getenv, "MAX_CONCURRENCY", c.MaxConcurrency)
	c.RunStoreDSN = stringEnv(getenv, "RUN_STORE_DSN", c.RunStoreDSN)
	c.HTTPTimeout = durationEnv(getenv, "HTTP_TIMEOUT", c.HTTPTimeout)
	c.MaxMessageBytes = int64Env(getenv, "MAX_MESSAGE_BYTES", c.MaxMessageBytes)
	c.RateLimitMax = intEnv(getenv, "RATE_LIMIT_MAX", c.RateLimitMax)
	c.RateLimitWindow = durationEnv(getenv, "RATE_LIMIT_WINDOW", c.RateLimitWindow)
	if raw := strings.TrimSpace(getenv(envPrefix + "ALLOWED_ORIGINS")); raw != "" {
		c.AllowedOrigins = splitList(raw)
	}
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return errors.Errorf("%w: addr is required", ErrInvalidConfig)
	case c.PageSize <= 0:
		return errors.Errorf("%w: pageSize must be positive, got %d", ErrInvalidConfig, c.PageSize)
	case c.MaxConcurrency <= 0:
		return errors.Errorf("%w: maxConcurrency must be positive, got %d", ErrInvalidConfig, c.MaxConcurrency)
	case c.HTTPTimeout <= 0:
		return errors.Errorf("%w: httpTimeout must be positive, got %s", ErrInvalidConfig, c.HTTPTimeout)
	case c.MaxMessageBytes <= 0:
		return errors.Errorf("%w: maxMessageBytes must be positive, got %d", ErrInvalidConfig, c.MaxMessageBytes)
	case c.RateLimitMax < 0:
		return errors.Errorf("%w: rateLimitMax must not be negative, got %d", ErrInvalidConfig, c.RateLimitMax)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel. An empty level means info.
func (c Config) Level() (zerolog.Level, error) {
	raw := strings.TrimSpace(c.LogLevel)
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, errors.Errorf("%w: logLevel %q", ErrInvalidConfig, raw)
	}
	return level, nil
}

func stringEnv(getenv func(string) string, name, fallback string) string {
	value := strings.TrimSpace(getenv(envPrefix + name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(getenv func(string) string, name string, fallback int) int {
	raw := strings.TrimSpace(getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		envLogger().Warn().Str("name", envPrefix+name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func int64Env(getenv func(string) string, name string, fallback int64) int64 {
	raw := strings.TrimSpace(getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		envLogger().Warn().Str("name", envPrefix+name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func durationEnv(getenv func(string) string, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		envLogger().Warn().Str("name", envPrefix+name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "config").Logger()
	return &logger
}
