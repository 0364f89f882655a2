// Package config loads service configuration from the environment, with an
// optional YAML file applied on top for deploy-specific overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// HTTP
	Port         int           `env:"PORT" envDefault:"8080" yaml:"port"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s" yaml:"read_timeout"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s" yaml:"write_timeout"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`

	Database Database `yaml:"database"`

	// NATS
	NATSURL   string `env:"NATS_URL" envDefault:"nats://localhost:4222" yaml:"nats_url"`
	UseBroker bool   `env:"USE_BROKER" envDefault:"true" yaml:"use_broker"`

	// Engine
	LaneBuffer    int           `env:"ENGINE_LANE_BUFFER" envDefault:"256" yaml:"lane_buffer"`
	SubmitTimeout time.Duration `env:"ENGINE_SUBMIT_TIMEOUT" envDefault:"5s" yaml:"submit_timeout"`
	EventWindow   int           `env:"ENGINE_EVENT_WINDOW" envDefault:"512" yaml:"event_window"`
	RecentBids    int           `env:"ENGINE_RECENT_BIDS" envDefault:"50" yaml:"recent_bids"`

	// UseMemoryStore swaps Postgres for the in-memory store, for local
	// development and tests.
	UseMemoryStore bool `env:"USE_MEMORY_STORE" envDefault:"false" yaml:"use_memory_store"`
}

// Database holds Postgres connection settings.
type Database struct {
	Host     string `env:"DB_HOST" envDefault:"localhost" yaml:"host"`
	Port     int    `env:"DB_PORT" envDefault:"5432" yaml:"port"`
	User     string `env:"DB_USER" envDefault:"postgres" yaml:"user"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres" yaml:"password"`
	Database string `env:"DB_NAME" envDefault:"auctions" yaml:"database"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable" yaml:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// Load parses the environment, then applies the YAML file at path when it
// is non-empty.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.EventWindow <= 0 {
		return fmt.Errorf("event_window must be positive")
	}
	return nil
}
