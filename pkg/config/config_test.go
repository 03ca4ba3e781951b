package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		configContent := `
server:
  listen: ":9090"
  timeout: 45s

auth:
  secret: super-secret-key-for-tests
  token_ttl: 12h

sync:
  debounce: 500ms
  cache_dir: /tmp/chatbuddy-cache

retention:
  interval: 30m
  default_days: 90

providers:
  openai:
    kind: openai
    model: gpt-4o-mini
    api_key: sk-test
  claude:
    kind: anthropic
    model: claude-sonnet-4-0
    max_tokens: 2048
`
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "test-config.yml")
		err := os.WriteFile(configPath, []byte(configContent), 0o644)
		require.NoError(t, err)

		cfg, err := Load(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, ":9090", cfg.Server.Listen)
		assert.Equal(t, 45*time.Second, cfg.Server.Timeout)
		assert.Equal(t, "super-secret-key-for-tests", cfg.Auth.Secret)
		assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
		assert.Equal(t, 500*time.Millisecond, cfg.Sync.Debounce)
		assert.Equal(t, "/tmp/chatbuddy-cache", cfg.Sync.CacheDir)
		assert.Equal(t, 30*time.Minute, cfg.Retention.Interval)
		assert.Equal(t, 90, cfg.Retention.DefaultDays)

		require.Len(t, cfg.Providers, 2)
		assert.Equal(t, "openai", cfg.Providers["openai"].Kind)
		assert.Equal(t, "gpt-4o-mini", cfg.Providers["openai"].Model)
		assert.Equal(t, "anthropic", cfg.Providers["claude"].Kind)
		assert.Equal(t, 2048, cfg.Providers["claude"].MaxTokens)
	})

	t.Run("defaults", func(t *testing.T) {
		configContent := `
auth:
  secret: super-secret-key-for-tests

providers:
  openai:
    kind: openai
    model: gpt-4o-mini
`
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "test-config.yml")
		err := os.WriteFile(configPath, []byte(configContent), 0o644)
		require.NoError(t, err)

		cfg, err := Load(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// server defaults
		assert.Equal(t, ":8080", cfg.Server.Listen)
		assert.Equal(t, 30*time.Second, cfg.Server.Timeout)

		// auth defaults
		assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
		assert.Equal(t, 12, cfg.Auth.BcryptCost)

		// sync and retention defaults
		assert.Equal(t, 2*time.Second, cfg.Sync.Debounce)
		assert.Empty(t, cfg.Sync.CacheDir)
		assert.Equal(t, time.Hour, cfg.Retention.Interval)
		assert.Equal(t, 5, cfg.Retention.MaxWorkers)
		assert.Equal(t, 0, cfg.Retention.DefaultDays)

		// provider defaults
		p := cfg.Providers["openai"]
		assert.InDelta(t, 0.7, p.Temperature, 0.001)
		assert.Equal(t, 1024, p.MaxTokens)
		assert.Equal(t, 60*time.Second, p.Timeout)
	})

	t.Run("environment variable expansion", func(t *testing.T) {
		t.Setenv("TEST_AUTH_SECRET", "env-provided-secret-value")
		t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

		configContent := `
auth:
  secret: ${TEST_AUTH_SECRET}

providers:
  openai:
    kind: openai
    model: gpt-4o-mini
    api_key: ${TEST_OPENAI_KEY}
`
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "test-config.yml")
		err := os.WriteFile(configPath, []byte(configContent), 0o644)
		require.NoError(t, err)

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "env-provided-secret-value", cfg.Auth.Secret)
		assert.Equal(t, "sk-from-env", cfg.Providers["openai"].APIKey)
	})

	t.Run("file not found", func(t *testing.T) {
		cfg, err := Load("/non/existent/file.yml")
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		configContent := `
invalid yaml content
  with bad indentation
    and no structure
`
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.yml")
		err := os.WriteFile(configPath, []byte(configContent), 0o644)
		require.NoError(t, err)

		cfg, err := Load(configPath)
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "parse config")
	})
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name: "short auth secret",
			config: `
auth:
  secret: short

providers:
  openai:
    kind: openai
    model: gpt-4o-mini
`,
			wantErr: "auth.secret must be at least 16 characters",
		},
		{
			name: "no providers",
			config: `
auth:
  secret: super-secret-key-for-tests
`,
			wantErr: "at least one provider is required",
		},
		{
			name: "bad provider kind",
			config: `
auth:
  secret: super-secret-key-for-tests

providers:
  gemini:
    kind: google
    model: gemini-pro
`,
			wantErr: "providers.gemini.kind must be openai or anthropic",
		},
		{
			name: "provider without model",
			config: `
auth:
  secret: super-secret-key-for-tests

providers:
  openai:
    kind: openai
`,
			wantErr: "providers.openai.model is required",
		},
		{
			name: "debounce too small",
			config: `
auth:
  secret: super-secret-key-for-tests

sync:
  debounce: 10ms

providers:
  openai:
    kind: openai
    model: gpt-4o-mini
`,
			wantErr: "sync.debounce must be at least 100ms",
		},
		{
			name: "negative retention",
			config: `
auth:
  secret: super-secret-key-for-tests

retention:
  default_days: -1

providers:
  openai:
    kind: openai
    model: gpt-4o-mini
`,
			wantErr: "retention.default_days must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.config), 0o644))

			cfg, err := Load(configPath)
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_GetServerConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Listen = ":9090"
	cfg.Server.Timeout = 45 * time.Second

	listen, timeout := cfg.GetServerConfig()
	assert.Equal(t, ":9090", listen)
	assert.Equal(t, 45*time.Second, timeout)
}

func TestConfig_GetProviders(t *testing.T) {
	cfg := &Config{
		Providers: map[string]ProviderConfig{
			"openai": {Kind: "openai", Model: "gpt-4o-mini"},
			"claude": {Kind: "anthropic", Model: "claude-sonnet-4-0"},
		},
	}

	providers := cfg.GetProviders()
	assert.Len(t, providers, 2)
	assert.Equal(t, cfg.Providers, providers)
}
