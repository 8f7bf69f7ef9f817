package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Provider.Type != "openrouter" {
		t.Errorf("default provider = %q, want openrouter", cfg.Provider.Type)
	}
	if cfg.Extraction.MaxAttempts != 2 {
		t.Errorf("default max_attempts = %d, want 2", cfg.Extraction.MaxAttempts)
	}
	if cfg.Extraction.RateLimitPerMinute <= 0 {
		t.Error("default rate limit must be positive")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("TEST_COOKMARKS_KEY", "sk-test")

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid with env key",
			mutate: func(c *Config) { c.Provider.APIKey = "${TEST_COOKMARKS_KEY}" },
		},
		{
			name:   "mock needs no key",
			mutate: func(c *Config) { c.Provider.Type = "mock"; c.Provider.APIKey = "" },
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Provider.APIKey = "${UNSET_COOKMARKS_KEY}" },
			wantErr: "api_key",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider.Type = "carrier-pigeon" },
			wantErr: "unknown provider",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.Provider.Type = "mock"; c.Provider.Model = "" },
			wantErr: "model",
		},
		{
			name: "zero rate limit",
			mutate: func(c *Config) {
				c.Provider.Type = "mock"
				c.Extraction.RateLimitPerMinute = 0
			},
			wantErr: "rate_limit",
		},
		{
			name: "zero max attempts",
			mutate: func(c *Config) {
				c.Provider.Type = "mock"
				c.Extraction.MaxAttempts = 0
			},
			wantErr: "max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("COOKMARKS_TEST_VALUE", "resolved")

	tests := []struct {
		in, want string
	}{
		{"${COOKMARKS_TEST_VALUE}", "resolved"},
		{"prefix-${COOKMARKS_TEST_VALUE}", "prefix-resolved"},
		{"${UNSET_VARIABLE_XYZ}", ""},
		{"plain value", "plain value"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ResolveEnvVars(tt.in); got != tt.want {
			t.Errorf("ResolveEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestManagerLoadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `provider:
  type: mock
  model: test-model
extraction:
  rate_limit_per_minute: 10
  max_attempts: 5
data_dir: ` + dir + `
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	cfg := cm.Get()
	if cfg.Provider.Type != "mock" {
		t.Errorf("provider type = %q, want mock", cfg.Provider.Type)
	}
	if cfg.Provider.Model != "test-model" {
		t.Errorf("model = %q, want test-model", cfg.Provider.Model)
	}
	if cfg.Extraction.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Extraction.MaxAttempts)
	}
	// Unset keys fall back to defaults.
	if cfg.Extraction.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want default 3", cfg.Extraction.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate, got %v", err)
	}
}

func TestManagerMissingFileUsesDefaults(t *testing.T) {
	cm, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if cm.Get().Provider.Type != "openrouter" {
		t.Errorf("expected defaults when config file is absent")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() on written default error = %v", err)
	}
	if cm.Get().Provider.Model == "" {
		t.Error("written default config lost the model")
	}
}
