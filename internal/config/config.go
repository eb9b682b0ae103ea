// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/corvino/meshroom/internal/resonance"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds every server setting. Flags may override fields after Load.
type Config struct {
	Port          int           `env:"MESH_PORT" envDefault:"3001" validate:"gte=0,lte=65535"`
	Environment   string        `env:"MESH_ENV" envDefault:"development" validate:"oneof=development production"`
	DBPath        string        `env:"MESH_DB_PATH"`
	NoPersist     bool          `env:"MESH_NO_PERSIST" envDefault:"false"`
	HistoryLimit  int           `env:"MESH_HISTORY_LIMIT" envDefault:"100" validate:"gte=1,lte=1000"`
	MaxHistory    int           `env:"MESH_MAX_HISTORY" envDefault:"1000" validate:"gte=1"`
	StoreTimeout  time.Duration `env:"MESH_STORE_TIMEOUT" envDefault:"2s" validate:"gt=0"`
	UniqueNames   bool          `env:"MESH_UNIQUE_NAMES" envDefault:"false"`
	EventRate     float64       `env:"MESH_EVENT_RATE" envDefault:"20" validate:"gt=0"`
	EventBurst    int           `env:"MESH_EVENT_BURST" envDefault:"40" validate:"gte=1"`
	LogLevel      string        `env:"MESH_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	AllowedOrigin string        `env:"MESH_ALLOWED_ORIGIN" envDefault:"*"`

	Resonance ResonanceConfig
}

// ResonanceConfig holds the resonance policy knobs.
type ResonanceConfig struct {
	Initial   float64 `env:"MESH_RESONANCE_INITIAL" envDefault:"0.5" validate:"gte=0,lte=1"`
	Increment float64 `env:"MESH_RESONANCE_INCREMENT" envDefault:"0.01" validate:"gte=0,lte=1"`
	Decay     float64 `env:"MESH_RESONANCE_DECAY" envDefault:"0.1" validate:"gte=0,lte=1"`
	Floor     float64 `env:"MESH_RESONANCE_FLOOR" envDefault:"0.5" validate:"gte=0,lte=1"`
}

// Load reads an optional .env file from the working directory, then parses
// the environment. A bare PORT is honored when MESH_PORT is unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, ok := os.LookupEnv("MESH_PORT"); !ok {
		if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("parse PORT: %w", err)
			}
			cfg.Port = port
		}
	}
	return cfg, nil
}

// Validate checks ranges and fills derived defaults.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.ResonancePolicy().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = DefaultDBPath(c.Environment)
	}
	return nil
}

// ResonancePolicy converts the configured knobs into a machine policy.
func (c Config) ResonancePolicy() resonance.Policy {
	p := resonance.DefaultPolicy()
	p.Initial = c.Resonance.Initial
	p.Increment = c.Resonance.Increment
	p.Decay = c.Resonance.Decay
	p.Floor = c.Resonance.Floor
	return p
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Development reports whether the server runs in development mode.
func (c Config) Development() bool {
	return c.Environment != EnvProduction
}

// DefaultDBPath picks the database location for an environment.
func DefaultDBPath(environment string) string {
	if environment == EnvProduction {
		return "/tmp/meshroom.db"
	}
	return "meshroom.db"
}
