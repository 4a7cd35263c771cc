package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centralizes service configuration, loaded from the environment.
type Config struct {
	HTTPPort      string        `env:"HTTP_PORT" envDefault:"8080"`
	Env           string        `env:"ENV" envDefault:"development"`
	DatabaseDSN   string        `env:"DB_DSN,required"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	JWTSecret     string        `env:"JWT_SECRET,required"`
	AllowedOrigin string        `env:"ALLOWED_ORIGIN" envDefault:"*"`
	RoomIdleEvict time.Duration `env:"ROOM_IDLE_EVICT" envDefault:"5m"`
}

// Load parses configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
