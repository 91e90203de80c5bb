package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/probemesh/core"
	"github.com/hupe1980/probemesh/memory"
	"github.com/hupe1980/probemesh/memory/sqlite"
	"github.com/hupe1980/probemesh/model"
	"github.com/hupe1980/probemesh/model/anthropic"
	"github.com/hupe1980/probemesh/model/openai"
)

// Store types accepted by StoreConfig.Type.
const (
	StoreTypeMemory = "memory"
	StoreTypeSQLite = "sqlite"
)

// Config is the root harness configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Retry    RetryConfig    `yaml:"retry"`
	Batch    BatchConfig    `yaml:"batch"`
	Provider ProviderConfig `yaml:"provider"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig selects the conversation store backend.
type StoreConfig struct {
	// Type is "memory" or "sqlite".
	Type string `yaml:"type"`
	// Path is the database file, required for sqlite.
	Path string `yaml:"path"`
	// BusyTimeout is the sqlite lock wait budget.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RetryConfig mirrors core.RetryPolicy in YAML-friendly form.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// ToPolicy converts to the engine's retry policy.
func (r RetryConfig) ToPolicy() core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
	}
}

// BatchConfig bounds batch execution.
type BatchConfig struct {
	// Concurrency is the ceiling on simultaneously running sessions.
	Concurrency int `yaml:"concurrency"`
	// MaxTurns is the default per-session turn budget.
	MaxTurns int `yaml:"max_turns"`
}

// Providers accepted by ProviderConfig.Name.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ProviderConfig carries model provider defaults consumed by BuildModel.
// APIKey supports ${VAR} interpolation from the environment.
type ProviderConfig struct {
	// Name is the default provider ("openai", "anthropic").
	Name string `yaml:"name"`
	// Model is the provider-specific model identifier.
	Model string `yaml:"model"`
	// APIKey overrides the provider SDK's environment lookup.
	APIKey string `yaml:"api_key"`
}

// LoggingConfig configures the harness logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present:
// in-memory store, default retry policy, four concurrent sessions with a
// five-turn budget, info-level text logging.
func DefaultConfig() *Config {
	retry := core.DefaultRetryPolicy()
	return &Config{
		Store: StoreConfig{
			Type:        StoreTypeMemory,
			BusyTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    retry.MaxAttempts,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
			Multiplier:     retry.Multiplier,
		},
		Batch: BatchConfig{
			Concurrency: 4,
			MaxTurns:    5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a YAML configuration file. Values absent from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.Provider.APIKey = interpolateEnv(cfg.Provider.APIKey)
	cfg.Store.Path = interpolateEnv(cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadWithDefaults behaves like Load but returns DefaultConfig when the file
// does not exist.
func LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreTypeMemory:
	case StoreTypeSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for store.type %q", StoreTypeSQLite)
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be at least 1, got %d", c.Batch.Concurrency)
	}
	if c.Batch.MaxTurns < 1 {
		return fmt.Errorf("batch.max_turns must be at least 1, got %d", c.Batch.MaxTurns)
	}

	switch c.Provider.Name {
	case "", ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown provider.name %q", c.Provider.Name)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}

	return nil
}

// OpenStore builds the configured conversation store. The caller owns the
// returned closer (a no-op for the in-memory store).
func (c *Config) OpenStore() (core.ConversationStore, func() error, error) {
	switch c.Store.Type {
	case StoreTypeMemory:
		return memory.NewInMemoryStore(), func() error { return nil }, nil
	case StoreTypeSQLite:
		cfg := sqlite.DefaultConfig(c.Store.Path)
		if c.Store.BusyTimeout > 0 {
			cfg.BusyTimeout = c.Store.BusyTimeout
		}

		store, err := sqlite.OpenWithConfig(cfg)
		if err != nil {
			return nil, nil, err
		}

		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store.type %q", c.Store.Type)
	}
}

// BuildModel constructs the default chat model from the provider section.
// Unset Model and APIKey fields keep the adapter's own defaults (SDK model
// default, environment key lookup).
func (c *Config) BuildModel() (model.Model, error) {
	switch c.Provider.Name {
	case ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			if c.Provider.Model != "" {
				o.Model = c.Provider.Model
			}
			o.APIKey = c.Provider.APIKey
		}), nil
	case ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if c.Provider.Model != "" {
				o.Model = anthropicsdk.Model(c.Provider.Model)
			}
			o.APIKey = c.Provider.APIKey
		}), nil
	case "":
		return nil, errors.New("provider.name is not configured")
	default:
		return nil, fmt.Errorf("unknown provider.name %q", c.Provider.Name)
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} references with environment values.
// Unset variables resolve to the empty string.
func interpolateEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
