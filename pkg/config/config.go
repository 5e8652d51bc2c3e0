// Package config defines the typed configuration surface of the backend.
//
// Configuration can come from a YAML file (with ${VAR} expansion), from the
// environment alone (zero-config mode), or both. Every section follows the
// same contract: SetDefaults() fills gaps, Validate() rejects nonsense.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/concierge-dev/concierge/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig          `yaml:"server,omitempty" json:"server,omitempty"`
	Logging       LoggingConfig         `yaml:"logging,omitempty" json:"logging,omitempty"`
	Database      DatabaseConfig        `yaml:"database,omitempty" json:"database,omitempty"`
	Redis         RedisConfig           `yaml:"redis,omitempty" json:"redis,omitempty"`
	LLMs          map[string]*LLMConfig `yaml:"llms,omitempty" json:"llms,omitempty"`
	Models        ModelsConfig          `yaml:"models,omitempty" json:"models,omitempty"`
	Embedder      EmbedderConfig        `yaml:"embedder,omitempty" json:"embedder,omitempty"`
	Vector        VectorConfig          `yaml:"vector,omitempty" json:"vector,omitempty"`
	Broker        BrokerConfig          `yaml:"broker,omitempty" json:"broker,omitempty"`
	Orchestrator  OrchestratorConfig    `yaml:"orchestrator,omitempty" json:"orchestrator,omitempty"`
	Observability *observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"minimum=1,maximum=65535,default=8080"`

	// ReadHeaderTimeout bounds header parsing per connection.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty" json:"read_header_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`

	// DegradedMode lets the pipeline run on an in-memory store when the
	// database is unreachable. Off by default; turns data loss into an
	// operator decision.
	DegradedMode bool `yaml:"degraded_mode,omitempty" json:"degraded_mode,omitempty"`

	// Auth configures JWT bearer authentication for /api routes.
	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Cleanup configures the idle-session maintenance loop.
	Cleanup CleanupConfig `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`
}

// CleanupConfig configures background deactivation of idle sessions.
type CleanupConfig struct {
	// Enabled turns the loop on.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Interval between sweeps.
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// MaxIdle is how long a session may sit inactive before deactivation.
	MaxIdle time.Duration `yaml:"max_idle,omitempty" json:"max_idle,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// Format: simple, verbose, json.
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=simple,enum=verbose,enum=json,default=simple"`

	// File path for log output (empty = stderr).
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// RedisConfig configures the cache backend. An empty host selects the
// in-process cache (tests and single-node development).
type RedisConfig struct {
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"default=6379"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// Addr returns the host:port address, or "" when Redis is not configured.
func (c *RedisConfig) Addr() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ModelsConfig names the two logical models by "<provider>:<model>" refs.
type ModelsConfig struct {
	// Chat is the tool-calling model used by the dispatcher.
	Chat string `yaml:"chat,omitempty" json:"chat,omitempty" jsonschema:"default=openai:gpt-4o-mini"`

	// Analysis is the structured-output model used by the analyzer and router.
	Analysis string `yaml:"analysis,omitempty" json:"analysis,omitempty" jsonschema:"default=google:gemini-2.0-flash"`
}

// BrokerConfig configures the tool-execution broker client.
type BrokerConfig struct {
	// BaseURL of the broker API.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// APIKey authenticates broker requests.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// RedirectURI passed on connection re-initiation.
	RedirectURI string `yaml:"redirect_uri,omitempty" json:"redirect_uri,omitempty"`

	// FetchTimeout bounds tool-descriptor and status fetches.
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty" json:"fetch_timeout,omitempty"`

	// ExecuteTimeout bounds a single tool execution.
	ExecuteTimeout time.Duration `yaml:"execute_timeout,omitempty" json:"execute_timeout,omitempty"`
}

// OrchestratorConfig tunes the chat pipeline.
type OrchestratorConfig struct {
	// MaxAgentSteps caps tool-loop iterations per turn.
	MaxAgentSteps int `yaml:"max_agent_steps,omitempty" json:"max_agent_steps,omitempty" jsonschema:"minimum=1,default=8"`

	// MaxHistory is the number of messages loaded per turn.
	MaxHistory int `yaml:"max_history,omitempty" json:"max_history,omitempty" jsonschema:"minimum=1,default=10"`

	// CacheTTL is the base TTL for analysis, history, and tool-search entries.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`

	// AnalysisTimeout is the hard deadline for the analysis call.
	AnalysisTimeout time.Duration `yaml:"analysis_timeout,omitempty" json:"analysis_timeout,omitempty"`

	// AnalysisSoftTimeout is the point after which a slow analysis is logged.
	AnalysisSoftTimeout time.Duration `yaml:"analysis_soft_timeout,omitempty" json:"analysis_soft_timeout,omitempty"`

	// StepTimeout bounds one tool execution inside the dispatch loop.
	StepTimeout time.Duration `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty"`

	// DispatchTimeout caps the whole tool-enabled dispatch.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout,omitempty" json:"dispatch_timeout,omitempty"`

	// VectorTimeout bounds a tool-catalog similarity search.
	VectorTimeout time.Duration `yaml:"vector_timeout,omitempty" json:"vector_timeout,omitempty"`

	// TopApps is how many candidate apps are prepared per turn.
	TopApps int `yaml:"top_apps,omitempty" json:"top_apps,omitempty" jsonschema:"minimum=1,default=3"`

	// ToolSearchTopK is the vector-search result count per app.
	ToolSearchTopK int `yaml:"tool_search_top_k,omitempty" json:"tool_search_top_k,omitempty" jsonschema:"minimum=1,default=5"`
}

// SetDefaults applies defaults across all sections.
func (c *Config) SetDefaults() {
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}

	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Models.SetDefaults()
	c.Embedder.SetDefaults()
	c.Vector.SetDefaults()
	c.Broker.SetDefaults()
	c.Orchestrator.SetDefaults()

	// Make sure both model refs resolve to a provider entry, synthesizing
	// entries from the environment for providers the file never names.
	for _, ref := range []string{c.Models.Chat, c.Models.Analysis} {
		provider, _, err := ParseModelRef(ref)
		if err != nil {
			continue
		}
		if _, ok := c.LLMs[string(provider)]; !ok {
			c.LLMs[string(provider)] = &LLMConfig{Provider: provider}
		}
	}
	for name, llm := range c.LLMs {
		if llm.Provider == "" {
			llm.Provider = LLMProvider(name)
		}
		llm.SetDefaults()
	}

	if c.Observability != nil {
		c.Observability.SetDefaults()
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Models.Validate(); err != nil {
		return fmt.Errorf("models: %w", err)
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llms.%s: %w", name, err)
		}
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	return nil
}

func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Auth != nil {
		c.Auth.SetDefaults()
	}
	c.Cleanup.SetDefaults()
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	return nil
}

// Address returns the host:port bind address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *CleanupConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 30 * 24 * time.Hour
	}
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *RedisConfig) SetDefaults() {
	if c.Host != "" && c.Port == 0 {
		c.Port = 6379
	}
}

func (c *ModelsConfig) SetDefaults() {
	if c.Chat == "" {
		c.Chat = "openai:gpt-4o-mini"
	}
	if c.Analysis == "" {
		c.Analysis = "google:gemini-2.0-flash"
	}
}

func (c *ModelsConfig) Validate() error {
	if _, _, err := ParseModelRef(c.Chat); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if _, _, err := ParseModelRef(c.Analysis); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	return nil
}

func (c *BrokerConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://backend.composio.dev/api/v2"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("COMPOSIO_API_KEY")
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.ExecuteTimeout == 0 {
		c.ExecuteTimeout = 30 * time.Second
	}
}

func (c *BrokerConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.MaxAgentSteps == 0 {
		c.MaxAgentSteps = 8
	}
	if c.MaxHistory == 0 {
		c.MaxHistory = 10
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.AnalysisTimeout == 0 {
		c.AnalysisTimeout = 45 * time.Second
	}
	if c.AnalysisSoftTimeout == 0 {
		c.AnalysisSoftTimeout = 20 * time.Second
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = 5 * time.Minute
	}
	if c.VectorTimeout == 0 {
		c.VectorTimeout = 5 * time.Second
	}
	if c.TopApps == 0 {
		c.TopApps = 3
	}
	if c.ToolSearchTopK == 0 {
		c.ToolSearchTopK = 5
	}
}

func (c *OrchestratorConfig) Validate() error {
	if c.MaxAgentSteps < 1 {
		return fmt.Errorf("max_agent_steps must be at least 1")
	}
	if c.MaxHistory < 1 {
		return fmt.Errorf("max_history must be at least 1")
	}
	if c.TopApps < 1 {
		return fmt.Errorf("top_apps must be at least 1")
	}
	if c.ToolSearchTopK < 1 {
		return fmt.Errorf("tool_search_top_k must be at least 1")
	}
	return nil
}

// FromEnv builds a configuration purely from environment variables,
// applying defaults and validating the result. This is the zero-config
// path: CHAT_MODEL, ANALYSIS_MODEL, MAX_AGENT_STEPS,
// MAX_CONVERSATION_HISTORY, CACHE_TTL, REDIS_HOST/REDIS_PORT,
// DATABASE_URL, PORT, and the provider API keys.
func FromEnv() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = envInt("PORT", 0)
	cfg.Models.Chat = os.Getenv("CHAT_MODEL")
	cfg.Models.Analysis = os.Getenv("ANALYSIS_MODEL")
	cfg.Orchestrator.MaxAgentSteps = envInt("MAX_AGENT_STEPS", 0)
	cfg.Orchestrator.MaxHistory = envInt("MAX_CONVERSATION_HISTORY", 0)
	if ttl := envInt("CACHE_TTL", 0); ttl > 0 {
		cfg.Orchestrator.CacheTTL = time.Duration(ttl) * time.Second
	}
	cfg.Redis.Host = os.Getenv("REDIS_HOST")
	cfg.Redis.Port = envInt("REDIS_PORT", 0)
	cfg.Database.URL = os.Getenv("DATABASE_URL")
	if cfg.Database.URL == "" {
		// Zero-config runs on a local sqlite file.
		cfg.Database.Driver = "sqlite"
		cfg.Database.Database = "./concierge.db"
	}
	cfg.Vector.Pinecone = pineconeFromEnv()
	cfg.Vector.Qdrant = qdrantFromEnv()

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
