// Package config loads deferflow settings from defaults, an optional YAML
// file and DEFERFLOW_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/deferflow/pkg/common/validation"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "DEFERFLOW_"

// Config is the complete service configuration.
type Config struct {
	Clock   ClockConfig   `yaml:"clock" envPrefix:"CLOCK_"`
	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`
	Pool    PoolConfig    `yaml:"pool" envPrefix:"POOL_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Canary  CanaryConfig  `yaml:"canary" envPrefix:"CANARY_"`
	Guard   GuardConfig   `yaml:"guard" envPrefix:"GUARD_"`
	Redis   RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
}

type ClockConfig struct {
	HZ int `yaml:"hz" env:"HZ"`
}

type SessionConfig struct {
	// Delay is the delayed-work resubmission delay in ticks.
	Delay uint64 `yaml:"delay" env:"DELAY"`
	// TimerTicks is the timer expiry; 0 means one second of ticks.
	TimerTicks uint64 `yaml:"timer_ticks" env:"TIMER_TICKS"`
	MaxTimerNr int    `yaml:"max_timer_nr" env:"MAX_TIMER_NR"`
	// Limit is the sink threshold in bytes; 0 means page size less 128.
	Limit int `yaml:"limit" env:"LIMIT"`
}

type PoolConfig struct {
	Workers   int `yaml:"workers" env:"WORKERS"`
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

type ServerConfig struct {
	Addr        string        `yaml:"addr" env:"ADDR"`
	MetricsPath string        `yaml:"metrics_path" env:"METRICS_PATH"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type CanaryConfig struct {
	// Schedule is a cron expression with a seconds field; empty disables the canary.
	Schedule string        `yaml:"schedule" env:"SCHEDULE"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Guard modes.
const (
	GuardAuto  = "auto"
	GuardLocal = "local"
	GuardRedis = "redis"
	GuardNone  = "none"
)

type GuardConfig struct {
	// Mode is auto, local, redis or none. Auto picks redis when
	// redis.addr is set and local otherwise; none lets sessions overlap.
	Mode string `yaml:"mode" env:"MODE"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	LockTTL   time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Clock: ClockConfig{HZ: 250},
		Session: SessionConfig{
			Delay:      1,
			MaxTimerNr: 20,
		},
		Pool: PoolConfig{
			Workers:   4,
			QueueSize: 64,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsPath: "/metrics",
			ReadTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Canary: CanaryConfig{
			Timeout: 10 * time.Second,
		},
		Guard: GuardConfig{Mode: GuardAuto},
		Redis: RedisConfig{
			KeyPrefix: "deferflow",
			LockTTL:   30 * time.Second,
		},
	}
}

// Load reads path, when non-empty, over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv applies DEFERFLOW_* environment variables to cfg.
func ParseEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// GuardMode resolves auto to a concrete mode.
func (c *Config) GuardMode() string {
	if c.Guard.Mode != GuardAuto {
		return c.Guard.Mode
	}
	if c.Redis.Addr != "" {
		return GuardRedis
	}
	return GuardLocal
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []error{
		validation.ValidateRange("config", "clock.hz", c.Clock.HZ, 1, 100000),
		validation.ValidateTicks("config", "session.delay", c.Session.Delay),
		validation.ValidateNonNegative("config", "session.max_timer_nr", c.Session.MaxTimerNr),
		validation.ValidateNonNegative("config", "session.limit", c.Session.Limit),
		validation.ValidatePositive("config", "pool.workers", c.Pool.Workers),
		validation.ValidatePositive("config", "pool.queue_size", c.Pool.QueueSize),
		validation.ValidateNotEmpty("config", "server.addr", c.Server.Addr),
		validation.ValidateNotEmpty("config", "server.metrics_path", c.Server.MetricsPath),
		validation.ValidateOneOf("config", "log.level", c.Log.Level, "trace", "debug", "info", "warn", "error"),
		validation.ValidateOneOf("config", "log.format", c.Log.Format, "json", "console"),
		validation.ValidateOneOf("config", "guard.mode", c.Guard.Mode, GuardAuto, GuardLocal, GuardRedis, GuardNone),
	}
	if c.Guard.Mode == GuardRedis {
		checks = append(checks, validation.ValidateNotEmpty("config", "redis.addr", c.Redis.Addr))
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}
