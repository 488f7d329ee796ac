package adapter

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	durablestreams "github.com/durable-streams/durable-streams"
)

// Config carries adapter defaults. Flags override file values; commands
// override both.
type Config struct {
	ServerURL      string        `yaml:"serverUrl"`
	DefaultTimeout time.Duration `yaml:"-"`
	LogLevel       string        `yaml:"logLevel"`

	// Retry tunes the idempotent-operation retry helper used by the
	// connect command.
	Retry durablestreams.RetryConfig `yaml:"-"`

	// raw wire forms
	DefaultTimeoutMS int             `yaml:"defaultTimeoutMs"`
	RetryRaw         retryConfigYAML `yaml:"retry"`
}

type retryConfigYAML struct {
	MaxRetries     int     `yaml:"maxRetries"`
	InitialDelayMS int     `yaml:"initialDelayMs"`
	MaxDelayMS     int     `yaml:"maxDelayMs"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         string  `yaml:"jitter"`
}

// DefaultConfig returns the adapter defaults used when no config file is
// given.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Second,
		LogLevel:       "warning",
		Retry:          durablestreams.DefaultRetryConfig(),
	}
}

// LoadConfig reads a YAML config file and resolves wire forms.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing config")
	}

	if cfg.DefaultTimeoutMS > 0 {
		cfg.DefaultTimeout = time.Duration(cfg.DefaultTimeoutMS) * time.Millisecond
	}
	if r := cfg.RetryRaw; r != (retryConfigYAML{}) {
		if r.MaxRetries > 0 {
			cfg.Retry.MaxRetries = r.MaxRetries
		}
		if r.InitialDelayMS > 0 {
			cfg.Retry.InitialBackoff = time.Duration(r.InitialDelayMS) * time.Millisecond
		}
		if r.MaxDelayMS > 0 {
			cfg.Retry.MaxBackoff = time.Duration(r.MaxDelayMS) * time.Millisecond
		}
		if r.Multiplier >= 1 {
			cfg.Retry.Multiplier = r.Multiplier
		}
		switch r.Jitter {
		case "none":
			cfg.Retry.Jitter = durablestreams.JitterNone
		case "full":
			cfg.Retry.Jitter = durablestreams.JitterFull
		case "equal":
			cfg.Retry.Jitter = durablestreams.JitterEqual
		case "decorrelated":
			cfg.Retry.Jitter = durablestreams.JitterDecorrelated
		}
	}
	return cfg, nil
}
