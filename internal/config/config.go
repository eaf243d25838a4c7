// Package config loads process configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/quantenergx/trading-engine/internal/apperr"
)

// Config is the trading engine's runtime configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json or console

	// Collateral store. Empty DatabaseURL keeps collateral in memory.
	DatabaseURL        string        `env:"DATABASE_URL"`
	RedisURL           string        `env:"REDIS_URL"`
	CollateralCacheTTL time.Duration `env:"COLLATERAL_CACHE_TTL" envDefault:"30s"`

	Kafka KafkaConfig `envPrefix:"KAFKA_"`

	// Reference data. Empty paths use the built-in tables.
	RegionConfigPath     string `env:"REGION_CONFIG_PATH"`
	InstrumentConfigPath string `env:"INSTRUMENT_CONFIG_PATH"`
	DefaultRegion        string `env:"DEFAULT_REGION" envDefault:"DEFAULT"`

	MonitorInterval      time.Duration `env:"MONITOR_INTERVAL" envDefault:"30s"`
	SelfTradePolicy      string        `env:"SELF_TRADE_POLICY" envDefault:"allow"`
	MarketResidualPolicy string        `env:"MARKET_RESIDUAL_POLICY" envDefault:"reject"`
	EventBuffer          int           `env:"EVENT_BUFFER" envDefault:"1024"`
}

// KafkaConfig configures the event sink. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"trading-events"`
}

// Load reads .env if present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks values the env tags cannot express.
func (c Config) Validate() error {
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("%w: MONITOR_INTERVAL must be positive", apperr.ErrConfiguration)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("%w: EVENT_BUFFER must not be negative", apperr.ErrConfiguration)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: LOG_FORMAT %q", apperr.ErrConfiguration, c.LogFormat)
	}
	return nil
}
