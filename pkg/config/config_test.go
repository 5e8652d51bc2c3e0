package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "openai:gpt-4o-mini", cfg.Models.Chat)
	assert.Equal(t, "google:gemini-2.0-flash", cfg.Models.Analysis)
	assert.Equal(t, 8, cfg.Orchestrator.MaxAgentSteps)
	assert.Equal(t, 10, cfg.Orchestrator.MaxHistory)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.CacheTTL)
	assert.Equal(t, 3, cfg.Orchestrator.TopApps)
	assert.Equal(t, 5, cfg.Orchestrator.ToolSearchTopK)
	assert.Equal(t, 1536, cfg.Embedder.Dimension)
	assert.Equal(t, "chromem", cfg.Vector.Provider)

	// Model references synthesize LLM provider entries.
	require.Contains(t, cfg.LLMs, "openai")
	require.Contains(t, cfg.LLMs, "gemini")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad chat model reference",
			mutate:  func(c *Config) { c.Models.Chat = "gpt-4o-mini" },
			wantErr: "models",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Models.Analysis = "aliens:probe-1" },
			wantErr: "models",
		},
		{
			name:    "negative max steps",
			mutate:  func(c *Config) { c.Orchestrator.MaxAgentSteps = -1 },
			wantErr: "orchestrator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		ref      string
		provider LLMProvider
		model    string
		wantErr  bool
	}{
		{ref: "openai:gpt-4o-mini", provider: LLMProviderOpenAI, model: "gpt-4o-mini"},
		{ref: "google:gemini-2.0-flash", provider: LLMProviderGemini, model: "gemini-2.0-flash"},
		{ref: "gemini:gemini-2.0-flash", provider: LLMProviderGemini, model: "gemini-2.0-flash"},
		{ref: "claude:claude-sonnet-4-5", provider: LLMProviderAnthropic, model: "claude-sonnet-4-5"},
		{ref: "anthropic:claude-sonnet-4-5", provider: LLMProviderAnthropic, model: "claude-sonnet-4-5"},
		{ref: "no-colon", wantErr: true},
		{ref: "openai:", wantErr: true},
		{ref: ":model", wantErr: true},
		{ref: "mystery:model", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			provider, model, err := ParseModelRef(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.model, model)
		})
	}
}

func TestDatabaseConfigDSN(t *testing.T) {
	t.Run("url passthrough", func(t *testing.T) {
		cfg := DatabaseConfig{URL: "postgres://u:p@localhost:5432/concierge?sslmode=disable"}
		cfg.SetDefaults()
		assert.Equal(t, "postgres", cfg.Driver)
		assert.Equal(t, cfg.URL, cfg.DSN())
	})

	t.Run("mysql url strips scheme", func(t *testing.T) {
		cfg := DatabaseConfig{URL: "mysql://u:p@tcp(localhost:3306)/concierge"}
		cfg.SetDefaults()
		assert.Equal(t, "mysql", cfg.Driver)
		assert.Equal(t, "u:p@tcp(localhost:3306)/concierge", cfg.DSN())
	})

	t.Run("discrete postgres fields", func(t *testing.T) {
		cfg := DatabaseConfig{
			Driver:   "postgres",
			Host:     "db.internal",
			Database: "concierge",
			Username: "app",
			Password: "secret",
		}
		cfg.SetDefaults()
		dsn := cfg.DSN()
		assert.Contains(t, dsn, "host=db.internal")
		assert.Contains(t, dsn, "port=5432")
		assert.Contains(t, dsn, "dbname=concierge")
		assert.Contains(t, dsn, "sslmode=disable")
	})

	t.Run("sqlite path", func(t *testing.T) {
		cfg := DatabaseConfig{Driver: "sqlite", Database: "/tmp/concierge.db"}
		cfg.SetDefaults()
		assert.Equal(t, "/tmp/concierge.db", cfg.DSN())
		assert.Equal(t, "sqlite3", cfg.DriverName())
		assert.Equal(t, "sqlite", cfg.Dialect())
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CONCIERGE_TEST_HOST", "redis.internal")
	os.Unsetenv("CONCIERGE_TEST_MISSING")

	assert.Equal(t, "redis.internal", expandEnvVars("${CONCIERGE_TEST_HOST}"))
	assert.Equal(t, "redis.internal", expandEnvVars("$CONCIERGE_TEST_HOST"))
	assert.Equal(t, "fallback", expandEnvVars("${CONCIERGE_TEST_MISSING:-fallback}"))
	assert.Equal(t, "", expandEnvVars("${CONCIERGE_TEST_MISSING}"))
	assert.Equal(t, "redis://redis.internal:6379", expandEnvVars("redis://${CONCIERGE_TEST_HOST}:6379"))
}

func TestExpandEnvVarsInDataCoercion(t *testing.T) {
	t.Setenv("CONCIERGE_TEST_PORT", "9090")
	t.Setenv("CONCIERGE_TEST_FLAG", "true")

	tree := map[string]any{
		"server": map[string]any{
			"port":          "${CONCIERGE_TEST_PORT}",
			"degraded_mode": "${CONCIERGE_TEST_FLAG}",
			"host":          "0.0.0.0",
		},
	}
	expanded := expandEnvVarsInData(tree).(map[string]any)
	server := expanded["server"].(map[string]any)
	assert.Equal(t, 9090, server["port"])
	assert.Equal(t, true, server["degraded_mode"])
	assert.Equal(t, "0.0.0.0", server["host"])
}

func TestLoadFile(t *testing.T) {
	t.Setenv("CONCIERGE_TEST_CHAT_MODEL", "openai:gpt-4o")

	dir := t.TempDir()
	path := filepath.Join(dir, "concierge.yaml")
	data := `
server:
  port: 9001
models:
  chat: ${CONCIERGE_TEST_CHAT_MODEL}
orchestrator:
  max_agent_steps: 4
  cache_ttl: 2m
database:
  driver: sqlite
  database: ":memory:"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "openai:gpt-4o", cfg.Models.Chat)
	assert.Equal(t, 4, cfg.Orchestrator.MaxAgentSteps)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.CacheTTL)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadFileInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "concierge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  chat: nonsense\n"), 0o644))

	_, err := LoadFile(context.Background(), path)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PORT", "8099")
	t.Setenv("CHAT_MODEL", "openai:gpt-4o")
	t.Setenv("MAX_AGENT_STEPS", "6")
	t.Setenv("CACHE_TTL", "120")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("DATABASE_URL", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8099, cfg.Server.Port)
	assert.Equal(t, "openai:gpt-4o", cfg.Models.Chat)
	assert.Equal(t, 6, cfg.Orchestrator.MaxAgentSteps)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.CacheTTL)
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr())

	// No DATABASE_URL falls back to a local sqlite file.
	assert.Equal(t, "sqlite", cfg.Database.Dialect())
}

func TestAuthConfigValidate(t *testing.T) {
	t.Run("disabled needs nothing", func(t *testing.T) {
		cfg := &AuthConfig{}
		cfg.SetDefaults()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("enabled needs key source", func(t *testing.T) {
		cfg := &AuthConfig{Enabled: true}
		cfg.SetDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("jwks and secret are exclusive", func(t *testing.T) {
		cfg := &AuthConfig{Enabled: true, JWKSURL: "https://issuer/jwks.json", Secret: "hmac"}
		cfg.SetDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("jwks alone is valid", func(t *testing.T) {
		cfg := &AuthConfig{Enabled: true, JWKSURL: "https://issuer/jwks.json"}
		cfg.SetDefaults()
		assert.NoError(t, cfg.Validate())
	})
}
