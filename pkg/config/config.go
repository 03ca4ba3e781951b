package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:chatbuddy.db?cache=shared&mode=rwc,description=Database connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"database" json:"database" jsonschema:"description=Database configuration"`

	Auth AuthConfig `yaml:"auth" json:"auth" jsonschema:"description=Authentication configuration"`

	Sync SyncConfig `yaml:"sync" json:"sync" jsonschema:"description=Settings sync engine configuration"`

	Retention RetentionConfig `yaml:"retention" json:"retention" jsonschema:"description=Chat retention cleanup configuration"`

	Providers map[string]ProviderConfig `yaml:"providers" json:"providers" jsonschema:"description=AI provider endpoints keyed by provider name"`
}

// AuthConfig holds session and password settings
type AuthConfig struct {
	Secret     string        `yaml:"secret" json:"secret" jsonschema:"required,description=HMAC secret for session tokens and credential sealing (can use environment variable)"`
	TokenTTL   time.Duration `yaml:"token_ttl" json:"token_ttl" jsonschema:"default=24h,description=Session token lifetime"`
	BcryptCost int           `yaml:"bcrypt_cost" json:"bcrypt_cost" jsonschema:"default=12,description=bcrypt work factor for password hashing"`
}

// SyncConfig holds preference sync engine settings
type SyncConfig struct {
	Debounce time.Duration `yaml:"debounce" json:"debounce" jsonschema:"default=2s,description=Quiet window coalescing local edits into one remote write"`
	CacheDir string        `yaml:"cache_dir" json:"cache_dir" jsonschema:"description=Directory for durable per-user settings caches (empty keeps caches in memory)"`
	NoAuto   bool          `yaml:"no_auto" json:"no_auto" jsonschema:"default=false,description=Disable debounced auto-flush; edits sync only on explicit flush"`
}

// RetentionConfig holds chat cleanup settings
type RetentionConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval" jsonschema:"default=1h,description=How often the cleanup job runs"`
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers" jsonschema:"default=5,description=Maximum concurrent per-user cleanups"`
	DefaultDays int           `yaml:"default_days" json:"default_days" jsonschema:"default=0,description=Retention horizon in days for users without a preference (0 keeps forever)"`
}

// ProviderConfig holds one AI provider endpoint
type ProviderConfig struct {
	Kind         string        `yaml:"kind" json:"kind" jsonschema:"required,enum=openai,enum=anthropic,description=Client kind; openai covers any OpenAI-compatible endpoint"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint" jsonschema:"description=API endpoint override (required for non-default OpenAI-compatible providers)"`
	Model        string        `yaml:"model" json:"model" jsonschema:"required,description=Default model name"`
	APIKey       string        `yaml:"api_key" json:"api_key" jsonschema:"description=Service-level API key; per-user keys from settings take precedence (can use environment variable)"`
	Temperature  float64       `yaml:"temperature" json:"temperature" jsonschema:"default=0.7,description=Temperature for response generation"`
	MaxTokens    int           `yaml:"max_tokens" json:"max_tokens" jsonschema:"default=1024,description=Maximum tokens in response"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=60s,description=Request timeout"`
	SystemPrompt string        `yaml:"system_prompt" json:"system_prompt" jsonschema:"description=System prompt prepended to every chat (optional)"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// verify against embedded schema
	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		// log warning but don't fail - schema validation is supplementary
		fmt.Printf("warning: schema validation failed: %v\n", err)
	}

	return &cfg, nil
}

// setDefaults fills zero values with defaults
func setDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:chatbuddy.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 3600
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 12
	}

	if cfg.Sync.Debounce == 0 {
		cfg.Sync.Debounce = 2 * time.Second
	}

	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = time.Hour
	}
	if cfg.Retention.MaxWorkers == 0 {
		cfg.Retention.MaxWorkers = 5
	}

	for name, p := range cfg.Providers {
		if p.Temperature == 0 {
			p.Temperature = 0.7
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 1024
		}
		if p.Timeout == 0 {
			p.Timeout = 60 * time.Second
		}
		cfg.Providers[name] = p
	}
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	if len(cfg.Auth.Secret) < 16 {
		return fmt.Errorf("auth.secret must be at least 16 characters")
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}

	if cfg.Sync.Debounce < 100*time.Millisecond {
		return fmt.Errorf("sync.debounce must be at least 100ms")
	}

	if cfg.Retention.Interval < time.Minute {
		return fmt.Errorf("retention.interval must be at least 1 minute")
	}
	if cfg.Retention.DefaultDays < 0 {
		return fmt.Errorf("retention.default_days must be non-negative")
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for name, p := range cfg.Providers {
		if p.Kind != "openai" && p.Kind != "anthropic" {
			return fmt.Errorf("providers.%s.kind must be openai or anthropic", name)
		}
		if p.Model == "" {
			return fmt.Errorf("providers.%s.model is required", name)
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return fmt.Errorf("providers.%s.temperature must be between 0 and 2", name)
		}
	}

	// validate server config
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}

// GetAuthConfig returns authentication configuration
func (c *Config) GetAuthConfig() AuthConfig {
	return c.Auth
}

// GetSyncConfig returns sync engine configuration
func (c *Config) GetSyncConfig() SyncConfig {
	return c.Sync
}

// GetRetentionConfig returns retention cleanup configuration
func (c *Config) GetRetentionConfig() RetentionConfig {
	return c.Retention
}

// GetProviders returns the configured AI providers
func (c *Config) GetProviders() map[string]ProviderConfig {
	return c.Providers
}
