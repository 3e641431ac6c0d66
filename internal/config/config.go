// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/suyeshs/stonepot-sub001/internal/split"
)

// Config holds all configuration for the server.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Store selects the snapshot backend: sqlite, redis or memory.
	Store         string `env:"STONEPOT_STORE" envDefault:"sqlite"`
	DBPath        string `env:"STONEPOT_DB_PATH" envDefault:"./data/stonepot.db"`
	RedisAddr     string `env:"STONEPOT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"STONEPOT_REDIS_PASSWORD"`
	RedisDB       int    `env:"STONEPOT_REDIS_DB" envDefault:"0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// PublicWSURL is the connection address handed out when a room starts.
	PublicWSURL string `env:"STONEPOT_PUBLIC_WS_URL" envDefault:"ws://localhost:8080/ws"`

	ConnectTimeout     time.Duration `env:"STONEPOT_CONNECT_TIMEOUT" envDefault:"10s"`
	IdleGrace          time.Duration `env:"STONEPOT_IDLE_GRACE" envDefault:"5m"`
	SweepInterval      time.Duration `env:"STONEPOT_SWEEP_INTERVAL" envDefault:"1m"`
	FinalizedRetention time.Duration `env:"STONEPOT_FINALIZED_RETENTION" envDefault:"24h"`

	SplitTolerance  int64  `env:"STONEPOT_SPLIT_TOLERANCE" envDefault:"1"`
	RemainderPolicy string `env:"STONEPOT_REMAINDER_POLICY" envDefault:"owner"`

	MessagesPerSecond float64 `env:"STONEPOT_MESSAGES_PER_SECOND" envDefault:"20"`
	MessageBurst      int     `env:"STONEPOT_MESSAGE_BURST" envDefault:"40"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("STONEPOT_STORE must be sqlite, redis or memory, got %q", c.Store)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("STONEPOT_CONNECT_TIMEOUT must be positive")
	}
	if c.SplitTolerance < 0 {
		return fmt.Errorf("STONEPOT_SPLIT_TOLERANCE must not be negative")
	}
	if _, err := split.ParsePolicy(c.RemainderPolicy); err != nil {
		return fmt.Errorf("STONEPOT_REMAINDER_POLICY: %w", err)
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	return nil
}

// Calculator returns the split calculator these settings describe.
func (c *Config) Calculator() split.Calculator {
	policy, _ := split.ParsePolicy(c.RemainderPolicy)
	return split.NewCalculator(policy, c.SplitTolerance)
}
