// Package config loads and validates app config from env and an optional
// .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN of the event log.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DatabaseMaxConns bounds the pgx pool size, 0 uses NumCPU.
	DatabaseMaxConns int32 `mapstructure:"DATABASE_MAX_CONNS"`
	// PollInterval is the listener polling fallback interval (e.g. "5s").
	PollInterval string `mapstructure:"POLL_INTERVAL"`
	// ListenerBuffer is the notification queue size of durable listeners.
	ListenerBuffer int `mapstructure:"LISTENER_BUFFER"`
	// Admins is a comma-separated list of identities bypassing access
	// filtering.
	Admins string `mapstructure:"ADMINS"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Missing .env is ignored, env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATABASE_MAX_CONNS", 0)
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("LISTENER_BUFFER", 64)
	v.SetDefault("ADMINS", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set")
	}
	if cfg.ListenerBuffer < 1 {
		return nil, errors.New("config: LISTENER_BUFFER must be at least 1")
	}
	if _, err := time.ParseDuration(cfg.PollInterval); err != nil {
		return nil, errors.New("config: POLL_INTERVAL must be a valid duration")
	}

	return &cfg, nil
}

// PollIntervalDuration parses PollInterval. Returns 5s if unset or invalid.
func (c *Config) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// AdminList returns the admin identities from the comma-separated config.
func (c *Config) AdminList() []string {
	if c == nil || c.Admins == "" {
		return nil
	}
	parts := strings.Split(c.Admins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
