// Package config handles loading, validating, and hot-reloading the
// application configuration. A run is never allowed to start against an
// invalid configuration; validation happens up front, not at the first
// failing LLM call.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`

	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`

	// DataDir holds the run database and file lock.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// ExportDir receives recipe JSON exports.
	ExportDir string `mapstructure:"export_dir" yaml:"export_dir"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	// Type is one of "openrouter", "openai", "mock".
	Type string `mapstructure:"type" yaml:"type"`
	// APIKey may use ${ENV_VAR} syntax to reference an environment variable.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	Model  string `mapstructure:"model" yaml:"model"`
	// BaseURL overrides the provider endpoint (OpenAI-compatible gateways).
	BaseURL        string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// ExtractionConfig tunes the workflow engine.
type ExtractionConfig struct {
	// RateLimitPerMinute is shared across every concurrent run.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	// MaxAttempts bounds the block-mode cycle through the human gate.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// MaxRetries bounds retries of a transient provider failure.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Provider: ProviderConfig{
			Type:           "openrouter",
			APIKey:         "${OPENROUTER_API_KEY}",
			Model:          "google/gemini-2.5-flash",
			TimeoutSeconds: 300,
		},
		Extraction: ExtractionConfig{
			RateLimitPerMinute: 256,
			MaxAttempts:        2,
			MaxRetries:         3,
		},
		DataDir:   filepath.Join(home, ".cookmarks"),
		ExportDir: filepath.Join(home, ".cookmarks", "exports"),
		LogLevel:  "info",
	}
}

// Validate reports the first problem that would prevent a run from starting.
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case "openrouter", "openai":
		if ResolveEnvVars(c.Provider.APIKey) == "" {
			return fmt.Errorf("provider %s requires an api_key", c.Provider.Type)
		}
	case "mock":
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}
	if c.Provider.Model == "" {
		return errors.New("provider model must be set")
	}
	if c.Extraction.RateLimitPerMinute <= 0 {
		return errors.New("extraction rate_limit_per_minute must be positive")
	}
	if c.Extraction.MaxAttempts <= 0 {
		return errors.New("extraction max_attempts must be positive")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	return nil
}

// Timeout returns the provider timeout as a duration.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ResolvedAPIKey expands any ${ENV_VAR} reference in the API key.
func (p ProviderConfig) ResolvedAPIKey() string {
	return ResolveEnvVars(p.APIKey)
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v         *viper.Viper
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{v: viper.New()}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cm, nil
}

// initViper sets up defaults, the COOKMARKS_ env prefix, and the config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	cm.v.SetDefault("provider.type", defaults.Provider.Type)
	cm.v.SetDefault("provider.api_key", defaults.Provider.APIKey)
	cm.v.SetDefault("provider.model", defaults.Provider.Model)
	cm.v.SetDefault("provider.timeout_seconds", defaults.Provider.TimeoutSeconds)
	cm.v.SetDefault("extraction.rate_limit_per_minute", defaults.Extraction.RateLimitPerMinute)
	cm.v.SetDefault("extraction.max_attempts", defaults.Extraction.MaxAttempts)
	cm.v.SetDefault("extraction.max_retries", defaults.Extraction.MaxRetries)
	cm.v.SetDefault("data_dir", defaults.DataDir)
	cm.v.SetDefault("export_dir", defaults.ExportDir)
	cm.v.SetDefault("log_level", defaults.LogLevel)

	cm.v.SetEnvPrefix("COOKMARKS")
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.cookmarks")
	}

	// A missing config file is fine; the defaults stand.
	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of the configuration file.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Cookmarks configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENROUTER_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
