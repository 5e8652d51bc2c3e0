package config

import (
	"fmt"
	"os"
	"strings"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderGemini    LLMProvider = "gemini"
	LLMProviderAnthropic LLMProvider = "anthropic"
)

// LLMConfig configures an LLM provider entry.
type LLMConfig struct {
	// Provider type (openai, gemini, anthropic).
	Provider LLMProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=openai,enum=gemini,enum=anthropic"`

	// APIKey for authentication. Supports ${VAR} expansion in config files;
	// falls back to the provider's conventional environment variable.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Timeout in seconds for a single request (0 = provider default).
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// SetDefaults applies defaults, pulling API keys from the environment.
func (c *LLMConfig) SetDefaults() {
	if c.APIKey == "" {
		c.APIKey = ProviderAPIKey(c.Provider)
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case LLMProviderOpenAI:
			c.BaseURL = "https://api.openai.com/v1"
		case LLMProviderAnthropic:
			c.BaseURL = "https://api.anthropic.com/v1"
		}
	}
}

// Validate checks the provider entry.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderOpenAI, LLMProviderGemini, LLMProviderAnthropic:
	default:
		return fmt.Errorf("unknown provider %q (valid: openai, gemini, anthropic)", c.Provider)
	}
	return nil
}

// ProviderAPIKey returns the conventional environment API key for a provider.
func ProviderAPIKey(provider LLMProvider) string {
	switch provider {
	case LLMProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case LLMProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	case LLMProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}

// ParseModelRef splits a "<provider>:<model>" reference. The provider
// aliases "google" and "googleai" normalize to gemini.
func ParseModelRef(ref string) (LLMProvider, string, error) {
	provider, model, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("invalid model reference %q (want <provider>:<model>)", ref)
	}
	switch strings.ToLower(provider) {
	case "openai":
		return LLMProviderOpenAI, model, nil
	case "google", "googleai", "gemini":
		return LLMProviderGemini, model, nil
	case "anthropic", "claude":
		return LLMProviderAnthropic, model, nil
	default:
		return "", "", fmt.Errorf("unknown provider %q in model reference", provider)
	}
}

// EmbedderConfig configures the embedding model used by the tool catalog.
type EmbedderConfig struct {
	// Provider type; only "openai" is implemented.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=openai,default=openai"`

	// Model name.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"default=text-embedding-3-small"`

	// APIKey for authentication (defaults to OPENAI_API_KEY).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// BaseURL overrides the default endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Dimension of produced vectors.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty" jsonschema:"default=1536"`

	// BatchSize for embedding requests.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" jsonschema:"default=100"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

func (c *EmbedderConfig) Validate() error {
	if c.Provider != "openai" {
		return fmt.Errorf("unknown provider %q (valid: openai)", c.Provider)
	}
	if c.Dimension < 1 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}
