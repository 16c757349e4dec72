// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the full engine configuration. Every field has a sensible
// default; only DATABASE_URL changes the storage backend.
type Config struct {
	Port string `env:"PORT" env-default:"8080"`

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" env-default:"30s"`

	// Settlement sweep.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" env-default:"5m"`

	// Price resolution.
	PriceTimeout  time.Duration `env:"PRICE_TIMEOUT" env-default:"10s"`
	MirrorURLs    []string      `env:"EXCHANGE_MIRROR_URLS" env-separator:","`
	AggregatorURL string        `env:"AGGREGATOR_URL"`
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	// A missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return &cfg, nil
}
