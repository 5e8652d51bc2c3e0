package llms

import (
	"errors"
	"fmt"
	"sync"

	"github.com/concierge-dev/concierge/pkg/config"
)

// ErrUnknownModel reports a model reference no provider entry covers.
var ErrUnknownModel = errors.New("unknown model reference")

// Registry resolves "<provider>:<model>" references to live providers.
// Providers are constructed lazily from configuration on first use and
// shared afterwards. Tests can pre-register fakes with Register.
type Registry struct {
	configs map[string]*config.LLMConfig

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry over the configured provider entries.
func NewRegistry(configs map[string]*config.LLMConfig) *Registry {
	if configs == nil {
		configs = map[string]*config.LLMConfig{}
	}
	return &Registry{
		configs:   configs,
		providers: make(map[string]Provider),
	}
}

// Register installs a provider under the given reference, replacing any
// existing one. The reference must parse as "<provider>:<model>".
func (r *Registry) Register(ref string, provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	normalized, err := normalizeRef(ref)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[normalized] = provider
	return nil
}

// Resolve returns the provider for a "<provider>:<model>" reference,
// creating it from configuration when needed.
func (r *Registry) Resolve(ref string) (Provider, error) {
	normalized, err := normalizeRef(ref)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	provider, ok := r.providers[normalized]
	r.mu.RUnlock()
	if ok {
		return provider, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if provider, ok := r.providers[normalized]; ok {
		return provider, nil
	}

	provider, err = r.create(normalized)
	if err != nil {
		return nil, err
	}
	r.providers[normalized] = provider
	return provider, nil
}

func (r *Registry) create(normalized string) (Provider, error) {
	providerType, model, err := config.ParseModelRef(normalized)
	if err != nil {
		return nil, err
	}

	cfg, ok := r.configs[string(providerType)]
	if !ok {
		return nil, fmt.Errorf("%w: no %s entry configured for %q", ErrUnknownModel, providerType, normalized)
	}

	switch providerType {
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(cfg, model)
	case config.LLMProviderGemini:
		return NewGeminiProvider(cfg, model)
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(cfg, model)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrUnknownModel, providerType)
	}
}

// Close closes every constructed provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for ref, provider := range r.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider %s: %w", ref, err)
		}
	}
	r.providers = make(map[string]Provider)
	return firstErr
}

// normalizeRef canonicalizes provider aliases so "google:gemini-2.0-flash"
// and "gemini:gemini-2.0-flash" share one registry slot.
func normalizeRef(ref string) (string, error) {
	provider, model, err := config.ParseModelRef(ref)
	if err != nil {
		return "", err
	}
	return string(provider) + ":" + model, nil
}
