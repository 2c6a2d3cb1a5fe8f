package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrConfigurationFatal marks configuration the server must not start with.
var ErrConfigurationFatal = errors.New("configuration fatal")

// DevJWTSecret is only ever used when APP_ENV=development and JWT_SECRET is unset.
const DevJWTSecret = "dev-insecure-secret"

const (
	RelayLocal = "local"
	RelayRedis = "redis"
	RelayNATS  = "nats"
)

type Config struct {
	Environment string `env:"APP_ENV"   envDefault:"development"`
	Addr        string `env:"ADDR"      envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseDSN string `env:"DB_DSN"`
	JWTSecret   string `env:"JWT_SECRET"`

	Relay     string `env:"RELAY"      envDefault:"local"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	NATSURL   string `env:"NATS_URL"   envDefault:"nats://127.0.0.1:4222"`

	OutboundQueue   int `env:"WS_OUTBOUND_QUEUE" envDefault:"256"`
	PresenceShards  int `env:"PRESENCE_SHARDS"   envDefault:"32"`
	RoomShards      int `env:"ROOM_SHARDS"       envDefault:"32"`
	HistoryPageSize int `env:"HISTORY_PAGE_SIZE" envDefault:"50"`

	// Set by Load when the development fallback secret is in use.
	InsecureSecret bool `env:"-"`
}

func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills development fallbacks and rejects anything a production
// process cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if !c.IsDevelopment() {
			return fmt.Errorf("%w: JWT_SECRET is not set (APP_ENV=%s)", ErrConfigurationFatal, c.Environment)
		}
		c.JWTSecret = DevJWTSecret
		c.InsecureSecret = true
	}
	if c.DatabaseDSN == "" && !c.IsDevelopment() {
		return fmt.Errorf("%w: DB_DSN is not set (APP_ENV=%s)", ErrConfigurationFatal, c.Environment)
	}

	switch c.Relay {
	case RelayLocal, RelayRedis, RelayNATS:
	default:
		return fmt.Errorf("unknown RELAY %q", c.Relay)
	}

	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.PresenceShards <= 0 {
		c.PresenceShards = 32
	}
	if c.RoomShards <= 0 {
		c.RoomShards = 32
	}
	if c.HistoryPageSize <= 0 || c.HistoryPageSize > 200 {
		c.HistoryPageSize = 50
	}
	return nil
}
