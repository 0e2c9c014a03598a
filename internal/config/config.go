// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and LEDGER_* environment variables, in increasing
// order of precedence.
//
// Nested keys map to env vars by upper-casing and replacing dots, so
// store.driver is LEDGER_STORE_DRIVER.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/atmx/energy-ledger/internal/model"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Payout    PayoutConfig    `mapstructure:"payout"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects the ledger store. Driver is one of "memory",
// "postgres" or "pebble".
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
	PebbleDir   string `mapstructure:"pebble_dir"`
}

// RedisConfig enables the trade cache and the distributed locker when URL
// is set.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// PayoutConfig points at the external payment gateway. With no URL the
// server runs a logging-only transferer.
type PayoutConfig struct {
	URL             string        `mapstructure:"url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// PlatformConfig is applied only when the store has no platform record yet.
type PlatformConfig struct {
	Owner   string `mapstructure:"owner"`
	FeeRate uint64 `mapstructure:"fee_rate"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads configuration. file may be empty.
func Load(file string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.pebble_dir", "data/ledger")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 5*time.Minute)
	v.SetDefault("redis.lock_ttl", 10*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "ledger")

	v.SetDefault("payout.url", "")
	v.SetDefault("payout.timeout", 5*time.Second)
	v.SetDefault("payout.breaker_failures", 5)
	v.SetDefault("payout.breaker_timeout", 30*time.Second)

	v.SetDefault("platform.owner", "")
	v.SetDefault("platform.fee_rate", 25)

	v.SetDefault("ratelimit.rps", 50.0)
	v.SetDefault("ratelimit.burst", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Validate reports configuration the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Platform.Owner) == "" {
		errs = append(errs, errors.New("platform.owner is required"))
	}
	if c.Platform.FeeRate > model.MaxFeeRate {
		errs = append(errs, fmt.Errorf("platform.fee_rate %d exceeds %d", c.Platform.FeeRate, model.MaxFeeRate))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for postgres"))
		}
	case "pebble":
		if c.Store.PebbleDir == "" {
			errs = append(errs, errors.New("store.pebble_dir is required for pebble"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
