package redis

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvConfig is the environment-variable shape for bootstrapping a Client,
// used by cmd/reget. Grounded on
// adred-codev-ws_poc/ws/config.go's caarlos0/env struct-tag convention.
type EnvConfig struct {
	Addr           string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Username       string        `env:"REDIS_USERNAME"`
	Password       string        `env:"REDIS_PASSWORD"`
	Database       int64         `env:"REDIS_DB" envDefault:"0"`
	DialTimeout    time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"1s"`
	CommandTimeout time.Duration `env:"REDIS_COMMAND_TIMEOUT" envDefault:"1s"`
	RetryEnabled   bool          `env:"REDIS_RETRY_ENABLED" envDefault:"true"`
	RetryAttempts  int           `env:"REDIS_RETRY_MAX_ATTEMPTS" envDefault:"3"`
}

// ConfigFromEnv loads an EnvConfig from the process environment.
func ConfigFromEnv() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return EnvConfig{}, err
	}
	return cfg, nil
}

// NewClientFromEnv builds a Client from an EnvConfig, applying any
// additional options after the environment-derived ones so callers can
// override specific fields (e.g. WithLogger).
func NewClientFromEnv(cfg EnvConfig, extra ...Option) (*Client, error) {
	opts := []Option{
		WithAuth(cfg.Username, cfg.Password),
		WithDatabase(cfg.Database),
		WithTimeouts(cfg.DialTimeout, cfg.CommandTimeout),
	}
	if cfg.RetryEnabled {
		opts = append(opts, WithRetry(cfg.RetryAttempts, DefaultBackoff))
	}
	opts = append(opts, extra...)
	return NewClient(cfg.Addr, opts...)
}
