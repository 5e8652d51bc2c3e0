package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Loader loads configuration from a provider, expands environment
// variables, decodes into Config, applies defaults and validates.
type Loader struct {
	provider Provider
	strict   bool
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithStrictDecoding makes unknown config keys a load error.
func WithStrictDecoding() LoaderOption {
	return func(l *Loader) { l.strict = true }
}

// NewLoader creates a Loader backed by the given provider.
func NewLoader(provider Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: provider}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, parses and validates the configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := l.parseBytes(raw)
	if err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Watch reloads the configuration whenever the provider reports a
// change and delivers each valid new Config on the returned channel.
// Invalid updates are logged and skipped; the previous config stays live.
func (l *Loader) Watch(ctx context.Context) (<-chan *Config, error) {
	events, err := l.provider.Watch(ctx)
	if err != nil {
		return nil, err
	}
	if events == nil {
		return nil, fmt.Errorf("provider does not support watching")
	}

	out := make(chan *Config, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				cfg, err := l.Load(ctx)
				if err != nil {
					slog.Warn("Ignoring invalid config update", "error", err)
					continue
				}
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the underlying provider.
func (l *Loader) Close() error {
	return l.provider.Close()
}

// parseBytes parses YAML (or JSON) bytes into Config with env expansion.
func (l *Loader) parseBytes(raw []byte) (*Config, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		// YAML is a superset of JSON, but give JSON a direct shot so
		// its error messages surface when the input is clearly JSON.
		if jsonErr := json.Unmarshal(raw, &tree); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if tree == nil {
		tree = map[string]any{}
	}

	expanded, ok := expandEnvVarsInData(tree).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to expand config environment variables")
	}

	cfg := &Config{}
	if err := decodeConfig(expanded, cfg, l.strict); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// decodeConfig maps a parsed tree onto Config using yaml tags.
func decodeConfig(tree map[string]any, out *Config, strict bool) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(tree)
}

// LoadFile loads configuration from a YAML or JSON file path.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	provider, err := NewFileProvider(path)
	if err != nil {
		return nil, err
	}
	defer provider.Close()
	return NewLoader(provider).Load(ctx)
}
